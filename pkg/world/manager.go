package world

import (
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/gochatter/pkg/events"
)

type room struct {
	mu sync.Mutex
	Room
	occupants []string // identity ids in arrival order
}

func (r *room) has(id string) bool {
	return slices.Contains(r.occupants, id)
}

func (r *room) remove(id string) {
	if i := slices.Index(r.occupants, id); i >= 0 {
		r.occupants = slices.Delete(r.occupants, i, i+1)
	}
}

type presence struct {
	identity Identity
	sub      events.Subscriber
}

// Manager owns the room arena and the identity-to-room mapping.
//
// Lock order: room mutexes in ascending id order, then mu. The rooms map
// itself only changes in Load, which requires an empty world.
type Manager struct {
	fabric     *events.Fabric
	defaultCap int

	mu        sync.RWMutex
	rooms     map[string]*room
	startRoom string
	present   map[string]*presence
}

// NewManager creates a manager over the built-in world. defaultCap limits
// rooms that do not set their own capacity; 0 means unlimited.
func NewManager(fabric *events.Fabric, defaultCap int) *Manager {
	m := &Manager{
		fabric:     fabric,
		defaultCap: defaultCap,
		present:    make(map[string]*presence),
	}
	if err := m.Load(DefaultSnapshot()); err != nil {
		panic(err)
	}
	return m
}

// Load replaces the room graph. It fails while anyone is in the world.
func (m *Manager) Load(s *Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	rooms := make(map[string]*room, len(s.Rooms))
	for _, r := range s.Rooms {
		exits := make(map[string]string, len(r.Exits))
		for dir, to := range r.Exits {
			exits[strings.ToLower(dir)] = to
		}
		r.Exits = exits
		rooms[r.ID] = &room{Room: r}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.present) > 0 {
		return ErrBusy
	}
	m.rooms = rooms
	m.startRoom = s.StartRoom
	log.Printf("world: loaded %d rooms, start room %q", len(rooms), s.StartRoom)
	return nil
}

// Snapshot returns the current room graph.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &Snapshot{
		Version:   SnapshotVersion,
		StartRoom: m.startRoom,
		Saved:     time.Now(),
	}
	for _, r := range m.rooms {
		def := r.Room
		def.Exits = make(map[string]string, len(r.Exits))
		for dir, to := range r.Exits {
			def.Exits[dir] = to
		}
		s.Rooms = append(s.Rooms, def)
	}
	sort.Slice(s.Rooms, func(i, j int) bool { return s.Rooms[i].ID < s.Rooms[j].ID })
	return s
}

// StartRoom returns the room new identities enter.
func (m *Manager) StartRoom() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startRoom
}

func (m *Manager) room(id string) *room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// Room returns the definition of a room.
func (m *Manager) Room(id string) (Room, bool) {
	r := m.room(id)
	if r == nil {
		return Room{}, false
	}
	return r.Room, true
}

func (m *Manager) capacity(r *room) int {
	if r.Capacity > 0 {
		return r.Capacity
	}
	return m.defaultCap
}

func (m *Manager) full(r *room) bool {
	c := m.capacity(r)
	return c > 0 && len(r.occupants) >= c
}

// lockRooms locks the given rooms in ascending id order and returns the
// function that releases them.
func lockRooms(rooms ...*room) func() {
	sorted := slices.Clone(rooms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	sorted = slices.CompactFunc(sorted, func(a, b *room) bool { return a == b })
	for _, r := range sorted {
		r.mu.Lock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].mu.Unlock()
		}
	}
}

// Locate returns the authoritative location of an identity.
func (m *Manager) Locate(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.present[id]
	if !ok {
		return "", false
	}
	return p.identity.Location, true
}

// Identity returns a copy of a present identity.
func (m *Manager) Identity(id string) (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.present[id]
	if !ok {
		return Identity{}, false
	}
	return p.identity.Clone(), true
}

// Present returns every identity in the world ordered by name.
func (m *Manager) Present() []Identity {
	m.mu.RLock()
	out := make([]Identity, 0, len(m.present))
	for _, p := range m.present {
		out = append(out, p.identity.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

// Occupants returns the identities in a room in arrival order.
func (m *Manager) Occupants(roomID string) []Identity {
	r := m.room(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.occupantsLocked(r)
}

// occupantsLocked requires r.mu and m.mu.
func (m *Manager) occupantsLocked(r *room) []Identity {
	out := make([]Identity, 0, len(r.occupants))
	for _, id := range r.occupants {
		if p, ok := m.present[id]; ok {
			out = append(out, p.identity.Clone())
		}
	}
	return out
}

// Enter places an identity in the world at its saved location, or the start
// room when that location is unknown or full, and subscribes sub to the
// room, the identity and the global scope.
func (m *Manager) Enter(ident Identity, sub events.Subscriber) (Identity, error) {
	target := m.room(ident.Location)
	if target == nil {
		target = m.room(m.StartRoom())
	}
	if target == nil {
		return Identity{}, ErrUnknownRoom
	}

	unlock := lockRooms(target)
	if m.full(target) {
		unlock()
		start := m.room(m.StartRoom())
		if start == target {
			return Identity{}, ErrRoomFull
		}
		target = start
		unlock = lockRooms(target)
		if m.full(target) {
			unlock()
			return Identity{}, ErrRoomFull
		}
	}
	defer unlock()

	m.mu.Lock()
	if _, ok := m.present[ident.ID]; ok {
		m.mu.Unlock()
		return Identity{}, ErrAlreadyPresent
	}
	ident = ident.Clone()
	ident.Location = target.ID
	m.present[ident.ID] = &presence{identity: ident, sub: sub}
	target.occupants = append(target.occupants, ident.ID)
	desc := m.describeLocked(target, ident.ID)
	m.mu.Unlock()

	m.fabric.Subscribe(events.Global, sub)
	m.fabric.Subscribe(events.Identity(ident.ID), sub)
	m.fabric.Subscribe(events.Room(target.ID), sub)

	m.fabric.Publish(events.Event{
		Type:      events.EvConnect,
		Scope:     events.Global,
		Actor:     ident.ID,
		ActorName: ident.Name,
		Room:      target.ID,
		Data:      map[string]any{"name": ident.Name},
	})
	m.fabric.Publish(events.Event{
		Type:      events.EvArrive,
		Scope:     events.Room(target.ID),
		Actor:     ident.ID,
		ActorName: ident.Name,
		Room:      target.ID,
		Data:      map[string]any{"name": ident.Name},
	})
	m.fabric.Publish(desc)
	return ident.Clone(), nil
}

// Leave removes an identity from the world and all scopes, and returns its
// final state for persisting.
func (m *Manager) Leave(id string) (Identity, error) {
	for {
		loc, ok := m.Locate(id)
		if !ok {
			return Identity{}, ErrNotPresent
		}
		r := m.room(loc)
		unlock := lockRooms(r)

		m.mu.Lock()
		p, ok := m.present[id]
		if !ok || p.identity.Location != loc {
			// Moved between Locate and the lock.
			m.mu.Unlock()
			unlock()
			continue
		}
		delete(m.present, id)
		r.remove(id)
		m.mu.Unlock()

		m.fabric.Unsubscribe(events.Room(loc), p.sub)
		m.fabric.Unsubscribe(events.Identity(id), p.sub)
		m.fabric.Unsubscribe(events.Global, p.sub)

		m.fabric.Publish(events.Event{
			Type:      events.EvDepart,
			Scope:     events.Room(loc),
			Actor:     id,
			ActorName: p.identity.Name,
			Room:      loc,
			Data:      map[string]any{"name": p.identity.Name},
		})
		unlock()
		m.fabric.Publish(events.Event{
			Type:      events.EvDisconnect,
			Scope:     events.Global,
			Actor:     id,
			ActorName: p.identity.Name,
			Room:      loc,
			Data:      map[string]any{"name": p.identity.Name},
		})
		return p.identity.Clone(), nil
	}
}

// checkActor requires m.mu. It returns the actor's presence when the actor
// is in claimed.
func (m *Manager) checkActor(actor, claimed string) (*presence, error) {
	p, ok := m.present[actor]
	if !ok {
		return nil, ErrNotPresent
	}
	if p.identity.Location != claimed {
		return nil, &StaleLocationError{Actor: actor, Claimed: claimed, Actual: p.identity.Location}
	}
	return p, nil
}

// ApplyMove moves actor from one room to another through an exit. The
// actor must be in from, an exit of from must lead to to, and to must
// have room. On success the actor's subscriptions follow it and the move
// events are published before the rooms are released.
func (m *Manager) ApplyMove(actor, from, to string) ([]events.Event, error) {
	src, dst := m.room(from), m.room(to)
	if src == nil || dst == nil {
		return nil, ErrUnknownRoom
	}
	unlock := lockRooms(src, dst)
	defer unlock()

	m.mu.Lock()
	p, err := m.checkActor(actor, from)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	dir := exitTo(src, to)
	if dir == "" {
		m.mu.Unlock()
		return nil, ErrUnreachable
	}
	if src != dst && m.full(dst) {
		m.mu.Unlock()
		return nil, ErrRoomFull
	}
	src.remove(actor)
	dst.occupants = append(dst.occupants, actor)
	p.identity.Location = to
	name := p.identity.Name
	desc := m.describeLocked(dst, actor)
	m.mu.Unlock()

	// Briefly a superset: the actor never misses destination events.
	m.fabric.Subscribe(events.Room(to), p.sub)
	if src != dst {
		m.fabric.Unsubscribe(events.Room(from), p.sub)
	}

	evs := []events.Event{
		{
			Type:      events.EvDepart,
			Scope:     events.Room(from),
			Actor:     actor,
			ActorName: name,
			Room:      from,
			Text:      dir,
			Data:      map[string]any{"name": name, "direction": dir},
		},
		{
			Type:      events.EvArrive,
			Scope:     events.Room(to),
			Actor:     actor,
			ActorName: name,
			Room:      to,
			Data:      map[string]any{"name": name},
		},
		desc,
	}
	for _, ev := range evs {
		m.fabric.Publish(ev)
	}
	return evs, nil
}

func exitTo(r *room, to string) string {
	dirs := make([]string, 0, len(r.Exits))
	for dir, dest := range r.Exits {
		if dest == to {
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return ""
	}
	sort.Strings(dirs)
	return dirs[0]
}

// Go moves actor through the named exit of its current room. A location
// that changed concurrently is resynchronized once.
func (m *Manager) Go(actor, direction string) ([]events.Event, error) {
	direction = strings.ToLower(direction)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		loc, ok := m.Locate(actor)
		if !ok {
			return nil, ErrNotPresent
		}
		r := m.room(loc)
		to, ok := r.Exits[direction]
		if !ok {
			return nil, fmt.Errorf("%w: no exit %s", ErrUnreachable, direction)
		}
		var evs []events.Event
		evs, err = m.ApplyMove(actor, loc, to)
		if err == nil || !isStale(err) {
			return evs, err
		}
	}
	return nil, err
}

func isStale(err error) bool {
	_, ok := err.(*StaleLocationError)
	return ok
}

// ApplySpeak publishes speech from actor to the occupants of roomID.
func (m *Manager) ApplySpeak(actor, roomID, text string) (events.Event, error) {
	return m.speak(events.EvSay, actor, roomID, text)
}

// ApplyEmote publishes a pose from actor to the occupants of roomID.
func (m *Manager) ApplyEmote(actor, roomID, text string) (events.Event, error) {
	return m.speak(events.EvEmote, actor, roomID, text)
}

func (m *Manager) speak(typ events.EventType, actor, roomID, text string) (events.Event, error) {
	r := m.room(roomID)
	if r == nil {
		return events.Event{}, ErrUnknownRoom
	}
	unlock := lockRooms(r)
	defer unlock()

	m.mu.RLock()
	p, err := m.checkActor(actor, roomID)
	if err != nil {
		m.mu.RUnlock()
		return events.Event{}, err
	}
	name := p.identity.Name
	m.mu.RUnlock()

	ev := events.Event{
		Type:      typ,
		Scope:     events.Room(roomID),
		Actor:     actor,
		ActorName: name,
		Room:      roomID,
		Text:      text,
		Data:      map[string]any{"channel": "room", "talker": name, "text": text},
	}
	m.fabric.Publish(ev)
	return ev, nil
}

// Say speaks in the actor's current room.
func (m *Manager) Say(actor, text string) (events.Event, error) {
	return m.inCurrentRoom(actor, func(loc string) (events.Event, error) {
		return m.ApplySpeak(actor, loc, text)
	})
}

// Emote poses in the actor's current room.
func (m *Manager) Emote(actor, text string) (events.Event, error) {
	return m.inCurrentRoom(actor, func(loc string) (events.Event, error) {
		return m.ApplyEmote(actor, loc, text)
	})
}

func (m *Manager) inCurrentRoom(actor string, fn func(loc string) (events.Event, error)) (events.Event, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		loc, ok := m.Locate(actor)
		if !ok {
			return events.Event{}, ErrNotPresent
		}
		var ev events.Event
		ev, err = fn(loc)
		if err == nil || !isStale(err) {
			return ev, err
		}
	}
	return events.Event{}, err
}

// Whisper sends text privately to another occupant of the actor's room.
// Both parties receive the event.
func (m *Manager) Whisper(actor, target, text string) (events.Event, error) {
	var ev events.Event
	_, err := m.Apply(actor, nil, func(tx *Tx) error {
		var to *Identity
		for _, o := range tx.Occupants(tx.Location()) {
			if strings.EqualFold(o.Name, target) && o.ID != actor {
				to = &o
				break
			}
		}
		if to == nil {
			return fmt.Errorf("%w: %s", ErrNoSuchPerson, target)
		}
		me := tx.Actor()
		ev = events.Event{
			Type:      events.EvWhisper,
			Scope:     events.Identity(to.ID),
			Actor:     actor,
			ActorName: me.Name,
			Room:      me.Location,
			Target:    to.Name,
			Text:      text,
			Data:      map[string]any{"talker": me.Name, "to": to.Name, "text": text},
		}
		tx.Emit(ev)
		echo := ev
		echo.Scope = events.Identity(actor)
		tx.Emit(echo)
		return nil
	})
	return ev, err
}

// Look publishes the description of the actor's room to the actor.
func (m *Manager) Look(actor string) (events.Event, error) {
	var ev events.Event
	_, err := m.Apply(actor, nil, func(tx *Tx) error {
		ev = tx.Describe(tx.Location())
		tx.Emit(ev)
		return nil
	})
	return ev, err
}

// describeLocked requires r.mu and m.mu.
func (m *Manager) describeLocked(r *room, viewer string) events.Event {
	exits := make(map[string]string, len(r.Exits))
	names := make([]string, 0, len(r.Exits))
	for dir, to := range r.Exits {
		exits[dir] = to
		names = append(names, dir)
	}
	sort.Strings(names)
	var players, ids []string
	for _, o := range m.occupantsLocked(r) {
		players = append(players, o.DisplayName())
		ids = append(ids, o.ID)
	}
	return events.Event{
		Type:  events.EvRoom,
		Scope: events.Identity(viewer),
		Actor: viewer,
		Room:  r.ID,
		Text:  r.Description,
		Data: map[string]any{
			"num":     r.ID,
			"name":    r.Name,
			"desc":    r.Description,
			"exits":   exits,
			"dirs":    names,
			"players": players,
			"ids":     ids,
		},
	}
}

// Broadcast publishes a system notice to every active session.
func (m *Manager) Broadcast(text string) {
	m.fabric.Publish(events.Event{Type: events.EvSystem, Scope: events.Global, Text: text})
}
