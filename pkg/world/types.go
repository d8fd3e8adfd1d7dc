// Package world holds the authoritative in-memory world: rooms, who is
// where, and the mutations that move identities around and let them talk.
// Every mutation locks the rooms it touches in ascending id order, so
// operations on disjoint rooms run in parallel and overlapping ones are
// serialized without deadlock.
package world

import (
	"errors"
	"fmt"
	"time"
)

// Room is the static definition of a location.
type Room struct {
	ID          string            `yaml:"id" cbor:"id"`
	Name        string            `yaml:"name" cbor:"name"`
	Description string            `yaml:"description" cbor:"desc"`
	Exits       map[string]string `yaml:"exits" cbor:"exits"`  // direction -> room id
	Capacity    int               `yaml:"capacity" cbor:"cap"` // 0 uses the manager default
}

// Identity is a persistent participant.
type Identity struct {
	ID       string            `cbor:"id"`
	Name     string            `cbor:"name"`
	Title    string            `cbor:"title,omitempty"`
	Prefix   string            `cbor:"prefix,omitempty"`
	Location string            `cbor:"loc,omitempty"`
	Attrs    map[string]string `cbor:"attrs,omitempty"`
}

// Clone returns a deep copy of id.
func (id Identity) Clone() Identity {
	if id.Attrs != nil {
		attrs := make(map[string]string, len(id.Attrs))
		for k, v := range id.Attrs {
			attrs[k] = v
		}
		id.Attrs = attrs
	}
	return id
}

// DisplayName returns the name decorated with prefix and title.
func (id Identity) DisplayName() string {
	s := id.Name
	if id.Prefix != "" {
		s = id.Prefix + " " + s
	}
	if id.Title != "" {
		s += " " + id.Title
	}
	return s
}

// Snapshot is the persistent form of the room graph. Occupancy is not part
// of it; identities carry their own location.
type Snapshot struct {
	Version   int       `yaml:"version" cbor:"v"`
	StartRoom string    `yaml:"start_room" cbor:"start"`
	Rooms     []Room    `yaml:"rooms" cbor:"rooms"`
	Saved     time.Time `yaml:"-" cbor:"saved"`
}

// SnapshotVersion is the current Snapshot format.
const SnapshotVersion = 1

var (
	ErrUnknownRoom     = errors.New("world: no such room")
	ErrUnreachable     = errors.New("world: destination not reachable from here")
	ErrRoomFull        = errors.New("world: room is full")
	ErrNotPresent      = errors.New("world: identity is not in the world")
	ErrAlreadyPresent  = errors.New("world: identity is already in the world")
	ErrNoSuchPerson    = errors.New("world: nobody by that name here")
	ErrStaleLocation   = errors.New("world: stale location")
	ErrInvalidSnapshot = errors.New("world: invalid snapshot")
	ErrBusy            = errors.New("world: identities are present")
)

// StaleLocationError reports an actor whose claimed location disagrees
// with the authoritative one. Actual is the location to resynchronize to.
type StaleLocationError struct {
	Actor   string
	Claimed string
	Actual  string
}

func (e *StaleLocationError) Error() string {
	return fmt.Sprintf("world: %s is in %q, not %q", e.Actor, e.Actual, e.Claimed)
}

// Is makes errors.Is(err, ErrStaleLocation) match.
func (e *StaleLocationError) Is(target error) bool {
	return target == ErrStaleLocation
}
