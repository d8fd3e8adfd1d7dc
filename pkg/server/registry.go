package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/crystal-mush/gochatter/pkg/render"
	"github.com/crystal-mush/gochatter/pkg/session"
	"github.com/crystal-mush/gochatter/pkg/world"
)

var (
	ErrDuplicateLogin = errors.New("server: identity already connected")
	ErrServerFull     = errors.New("server: too many sessions")
)

// EvictMessage is shown to a session replaced by a newer login.
const EvictMessage = "You have been disconnected: your character connected from elsewhere."

// Registry tracks live sessions and which session controls each identity.
type Registry struct {
	policy DuplicatePolicy
	world  *world.Manager

	mu         sync.RWMutex
	sessions   map[int]*session.Session
	byIdentity map[string]*session.Session
	nextID     int
}

// NewRegistry creates an empty registry applying policy to duplicate logins.
func NewRegistry(policy DuplicatePolicy, w *world.Manager) *Registry {
	return &Registry{
		policy:     policy,
		world:      w,
		sessions:   make(map[int]*session.Session),
		byIdentity: make(map[string]*session.Session),
		nextID:     1,
	}
}

// NextID returns the next session ID.
func (r *Registry) NextID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Add registers a new session.
func (r *Registry) Add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove unregisters a session. The identity mapping is dropped only if it
// still points at s; a replacement may already own it.
func (r *Registry) Remove(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
	for id, cur := range r.byIdentity {
		if cur == s {
			delete(r.byIdentity, id)
		}
	}
}

func hasLeft(s *session.Session) bool {
	select {
	case <-s.Left():
		return true
	default:
		return false
	}
}

// Admit makes s the controller of id. Under EvictOld a previous controller
// is evicted and Admit waits until it has left the world; under RejectNew
// the login fails with ErrDuplicateLogin.
func (r *Registry) Admit(ctx context.Context, s *session.Session, id world.Identity) error {
	for {
		r.mu.Lock()
		cur := r.byIdentity[id.ID]
		if cur == nil || cur == s || hasLeft(cur) {
			r.byIdentity[id.ID] = s
			r.mu.Unlock()
			return nil
		}
		if r.policy == RejectNew {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateLogin, id.Name)
		}
		r.mu.Unlock()

		log.Printf("[%d] %s replaces session %d", s.ID, id.Name, cur.ID)
		cur.Evict(EvictMessage)
		select {
		case <-cur.Left():
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Lookup returns the session controlling an identity.
func (r *Registry) Lookup(identityID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIdentity[identityID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Connected returns the number of sessions controlling an identity.
func (r *Registry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// All returns a snapshot of the live sessions ordered by ID.
func (r *Registry) All() []*session.Session {
	r.mu.RLock()
	all := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(all, func(a, b *session.Session) int { return a.ID - b.ID })
	return all
}

// Who lists connected identities, longest connected first.
func (r *Registry) Who() []render.WhoEntry {
	r.mu.RLock()
	active := make([]*session.Session, 0, len(r.byIdentity))
	for _, s := range r.byIdentity {
		active = append(active, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(active, func(a, b *session.Session) int {
		return a.ConnectedAt().Compare(b.ConnectedAt())
	})

	now := time.Now()
	entries := make([]render.WhoEntry, 0, len(active))
	for _, s := range active {
		ident, ok := r.world.Identity(s.IdentityID())
		if !ok {
			continue
		}
		name := ident.Name
		if ident.Prefix != "" {
			name = ident.Prefix + " " + name
		}
		e := render.WhoEntry{
			Name:   name,
			Title:  ident.Title,
			Online: FormatConnTime(now.Sub(s.ConnectedAt())),
			Idle:   FormatIdleTime(s.Idle()),
		}
		if room, ok := r.world.Room(ident.Location); ok {
			e.Room = room.Name
		}
		entries = append(entries, e)
	}
	return entries
}

// FormatIdleTime formats a duration as a human-readable idle time.
func FormatIdleTime(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm", secs/60)
	}
	if secs < 86400 {
		return fmt.Sprintf("%dh", secs/3600)
	}
	return fmt.Sprintf("%dd", secs/86400)
}

// FormatConnTime formats a duration as connection time.
func FormatConnTime(d time.Duration) string {
	secs := int(d.Seconds())
	hours := secs / 3600
	mins := (secs % 3600) / 60
	return fmt.Sprintf("%02d:%02d", hours, mins)
}
