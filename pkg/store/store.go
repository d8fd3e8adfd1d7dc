// Package store defines the persistence gateway used by the server: loading
// and saving identities and world snapshots. Implementations may fail; the
// Retrying wrapper bounds every call in time and retries transient errors.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crystal-mush/gochatter/pkg/world"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrNameTaken   = errors.New("store: name already taken")
	ErrUnavailable = errors.New("store: persistence unavailable")
)

// Account is the persistent record of an identity and its credentials.
type Account struct {
	Identity     world.Identity `cbor:"identity"`
	PasswordHash string         `cbor:"hash"`
	Created      time.Time      `cbor:"created"`
	LastLogin    time.Time      `cbor:"last_login,omitempty"`
}

// Clone returns a deep copy of a.
func (a *Account) Clone() *Account {
	c := *a
	c.Identity = a.Identity.Clone()
	return &c
}

// Gateway is the persistence boundary.
type Gateway interface {
	// LoadIdentity finds an account by case-insensitive name.
	LoadIdentity(ctx context.Context, name string) (*Account, error)
	// CreateIdentity stores a new account, failing with ErrNameTaken.
	CreateIdentity(ctx context.Context, acct *Account) error
	// SaveIdentity updates an existing account.
	SaveIdentity(ctx context.Context, acct *Account) error
	LoadWorldSnapshot(ctx context.Context) (*world.Snapshot, error)
	SaveWorldSnapshot(ctx context.Context, snap *world.Snapshot) error
}

// NameKey normalizes an identity name for lookups.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
