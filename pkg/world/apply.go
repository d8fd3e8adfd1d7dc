package world

import (
	"github.com/crystal-mush/gochatter/pkg/events"
)

// Tx is the view of the world given to an Apply function. It is valid only
// during the call. Reads and writes are limited to the rooms Apply locked.
type Tx struct {
	m       *Manager
	actor   string
	loc     string
	rooms   map[string]*room
	pending []events.Event
}

// Apply runs fn with the actor's current room and the extra rooms locked.
// Events emitted through the Tx are published, in order, only when fn
// returns nil. This is the extension point for verbs beyond move and speak.
func (m *Manager) Apply(actor string, rooms []string, fn func(tx *Tx) error) ([]events.Event, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		loc, ok := m.Locate(actor)
		if !ok {
			return nil, ErrNotPresent
		}
		tx := &Tx{m: m, actor: actor, loc: loc, rooms: make(map[string]*room)}
		held := make([]*room, 0, len(rooms)+1)
		for _, id := range append([]string{loc}, rooms...) {
			r := m.room(id)
			if r == nil {
				return nil, ErrUnknownRoom
			}
			tx.rooms[id] = r
			held = append(held, r)
		}

		var evs []events.Event
		evs, err = m.run(tx, held, fn)
		if err == nil || !isStale(err) {
			return evs, err
		}
	}
	return nil, err
}

func (m *Manager) run(tx *Tx, held []*room, fn func(tx *Tx) error) ([]events.Event, error) {
	unlock := lockRooms(held...)
	defer unlock()

	m.mu.RLock()
	_, err := m.checkActor(tx.actor, tx.loc)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	for _, ev := range tx.pending {
		m.fabric.Publish(ev)
	}
	return tx.pending, nil
}

// Actor returns the acting identity.
func (tx *Tx) Actor() Identity {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	if p, ok := tx.m.present[tx.actor]; ok {
		return p.identity.Clone()
	}
	return Identity{ID: tx.actor}
}

// Location returns the actor's room.
func (tx *Tx) Location() string {
	return tx.loc
}

// Room returns a locked room's definition.
func (tx *Tx) Room(id string) (Room, bool) {
	r, ok := tx.rooms[id]
	if !ok {
		return Room{}, false
	}
	return r.Room, true
}

// Occupants lists the identities in a locked room.
func (tx *Tx) Occupants(id string) []Identity {
	r, ok := tx.rooms[id]
	if !ok {
		return nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	return tx.m.occupantsLocked(r)
}

// Describe builds the description of a locked room addressed to the actor.
func (tx *Tx) Describe(id string) events.Event {
	r, ok := tx.rooms[id]
	if !ok {
		return events.Event{}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	return tx.m.describeLocked(r, tx.actor)
}

// UpdateActor changes the acting identity. Location cannot be changed this
// way; moves go through ApplyMove.
func (tx *Tx) UpdateActor(fn func(id *Identity)) Identity {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	p, ok := tx.m.present[tx.actor]
	if !ok {
		return Identity{}
	}
	loc := p.identity.Location
	fn(&p.identity)
	p.identity.ID = tx.actor
	p.identity.Location = loc
	return p.identity.Clone()
}

// Emit queues an event for publication when the Apply function succeeds.
func (tx *Tx) Emit(ev events.Event) {
	tx.pending = append(tx.pending, ev)
}
