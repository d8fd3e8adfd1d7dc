// Package auth verifies and registers identities against the persistence
// gateway. New passwords are stored as bcrypt hashes; DES crypt(3) hashes
// from imported accounts are accepted and upgraded on the next login.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/crystal-mush/gochatter/pkg/crypt"
	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/world"
)

var (
	ErrDenied       = errors.New("auth: invalid name or password")
	ErrInvalidName  = errors.New("auth: invalid name")
	ErrWeakPassword = errors.New("auth: password too short")
)

// Name and password limits.
const (
	MinNameLen     = 2
	MaxNameLen     = 16
	MinPasswordLen = 4
)

// Verifier checks credentials. It is safe for concurrent use.
type Verifier struct {
	gw    store.Gateway
	cost  int
	dummy []byte
	now   func() time.Time
}

// New returns a verifier that hashes new passwords with the given bcrypt
// cost. A cost of 0 selects bcrypt.DefaultCost.
func New(gw store.Gateway, cost int) *Verifier {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// Compared against for unknown names so both paths cost the same.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("not-a-password"), cost)
	return &Verifier{gw: gw, cost: cost, dummy: dummy, now: time.Now}
}

// ValidName checks an identity name: letters, digits, '_' and '-',
// starting with a letter.
func ValidName(name string) error {
	if n := len(name); n < MinNameLen || n > MaxNameLen {
		return fmt.Errorf("%w: must be %d to %d characters", ErrInvalidName, MinNameLen, MaxNameLen)
	}
	for i, r := range name {
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII:
		case i > 0 && (unicode.IsDigit(r) || r == '_' || r == '-'):
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Verify returns the account for name when secret matches. Unknown names
// and wrong secrets both yield ErrDenied. Persistence failures are
// returned as they are.
func (v *Verifier) Verify(ctx context.Context, name, secret string) (*store.Account, error) {
	acct, err := v.gw.LoadIdentity(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		bcrypt.CompareHashAndPassword(v.dummy, []byte(secret))
		return nil, ErrDenied
	}
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(acct.PasswordHash, "$2"):
		if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(secret)) != nil {
			return nil, ErrDenied
		}
	case crypt.IsHash(acct.PasswordHash):
		if !crypt.CheckPassword(secret, acct.PasswordHash) {
			return nil, ErrDenied
		}
		if hash, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost); err == nil {
			acct.PasswordHash = string(hash)
			log.Printf("auth: upgrading legacy password hash for %s", acct.Identity.Name)
		}
	default:
		return nil, ErrDenied
	}

	acct.LastLogin = v.now()
	if err := v.gw.SaveIdentity(ctx, acct); err != nil {
		// The login itself succeeded.
		log.Printf("WARNING: auth: recording login for %s: %v", acct.Identity.Name, err)
	}
	return acct, nil
}

// Register creates a new identity with a fresh id, placed in startRoom.
func (v *Verifier) Register(ctx context.Context, name, secret, startRoom string) (*store.Account, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	if len(secret) < MinPasswordLen {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	now := v.now()
	acct := &store.Account{
		Identity: world.Identity{
			ID:       uuid.NewString(),
			Name:     name,
			Location: startRoom,
		},
		PasswordHash: string(hash),
		Created:      now,
		LastLogin:    now,
	}
	if err := v.gw.CreateIdentity(ctx, acct); err != nil {
		return nil, err
	}
	log.Printf("auth: created identity %s (%s)", name, acct.Identity.ID)
	return acct, nil
}

// ChangePassword replaces the password of name after checking the old one.
func (v *Verifier) ChangePassword(ctx context.Context, name, oldSecret, newSecret string) error {
	if len(newSecret) < MinPasswordLen {
		return ErrWeakPassword
	}
	acct, err := v.Verify(ctx, name, oldSecret)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newSecret), v.cost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	acct.PasswordHash = string(hash)
	return v.gw.SaveIdentity(ctx, acct)
}
