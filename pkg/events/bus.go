package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is reported to a subscriber whose queue could not take an event.
	ErrQueueFull = errors.New("events: subscriber queue full")
)

// Subscriber receives events from the fabric. Deliver and Fault must never
// block: Deliver enqueues or reports false, Fault only flags the subscriber
// for teardown.
type Subscriber interface {
	Deliver(ev Event) bool
	Closed() bool
	Fault(err error)
}

// Report summarizes one publication.
type Report struct {
	Delivered int
	Dropped   int
}

type scopeList struct {
	mu   sync.Mutex
	subs []Subscriber
	dead bool // removed from the fabric by Cleanup
}

// Fabric fans events out to the subscribers of a scope. Publication to one
// scope is serialized, so every subscriber of a scope sees that scope's
// events in publication order. Subscribers that cannot keep up are skipped
// and faulted; they never slow down the others.
type Fabric struct {
	mu     sync.RWMutex
	scopes map[Scope]*scopeList
	taps   []Subscriber

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		scopes: make(map[Scope]*scopeList),
	}
}

func (f *Fabric) list(scope Scope, create bool) *scopeList {
	f.mu.RLock()
	l := f.scopes[scope]
	f.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if l = f.scopes[scope]; l == nil {
		l = &scopeList{}
		f.scopes[scope] = l
	}
	return l
}

// Subscribe adds sub to scope. Subscribing twice has no effect.
func (f *Fabric) Subscribe(scope Scope, sub Subscriber) {
	for {
		l := f.list(scope, true)
		l.mu.Lock()
		if l.dead {
			l.mu.Unlock()
			continue
		}
		for _, s := range l.subs {
			if s == sub {
				l.mu.Unlock()
				return
			}
		}
		l.subs = append(l.subs, sub)
		l.mu.Unlock()
		return
	}
}

// Unsubscribe removes sub from scope. Once it returns, no later
// publication to scope reaches sub.
func (f *Fabric) Unsubscribe(scope Scope, sub Subscriber) {
	l := f.list(scope, false)
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s == sub {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Tap registers a subscriber that observes every published event,
// e.g. an audit log.
func (f *Fabric) Tap(sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps = append(f.taps, sub)
}

// Publish delivers ev to every subscriber of ev.Scope and to all taps.
func (f *Fabric) Publish(ev Event) Report {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	f.published.Add(1)

	var r Report
	if l := f.list(ev.Scope, false); l != nil {
		l.mu.Lock()
		// Sequence numbers are taken under the scope lock so they
		// increase in delivery order within a scope.
		ev.Seq = f.seq.Add(1)
		for _, s := range l.subs {
			f.deliver(s, ev, &r)
		}
		l.mu.Unlock()
	} else {
		ev.Seq = f.seq.Add(1)
	}

	f.mu.RLock()
	taps := f.taps
	f.mu.RUnlock()
	for _, s := range taps {
		if !s.Closed() {
			s.Deliver(ev)
		}
	}
	return r
}

func (f *Fabric) deliver(s Subscriber, ev Event, r *Report) {
	if s.Closed() {
		return
	}
	if s.Deliver(ev) {
		r.Delivered++
		return
	}
	r.Dropped++
	f.dropped.Add(1)
	s.Fault(ErrQueueFull)
}

// Count returns the number of subscribers of scope.
func (f *Fabric) Count(scope Scope) int {
	l := f.list(scope, false)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Subscribed reports whether sub is subscribed to scope.
func (f *Fabric) Subscribed(scope Scope, sub Subscriber) bool {
	l := f.list(scope, false)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subs {
		if s == sub {
			return true
		}
	}
	return false
}

// Stats returns the totals of published events and dropped deliveries.
func (f *Fabric) Stats() (published, dropped uint64) {
	return f.published.Load(), f.dropped.Load()
}

// Cleanup removes closed subscribers and empty scopes.
func (f *Fabric) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for scope, l := range f.scopes {
		l.mu.Lock()
		var active []Subscriber
		for _, s := range l.subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		l.subs = active
		if len(active) == 0 {
			l.dead = true
			delete(f.scopes, scope)
		}
		l.mu.Unlock()
	}

	var activeTaps []Subscriber
	for _, s := range f.taps {
		if !s.Closed() {
			activeTaps = append(activeTaps, s)
		}
	}
	f.taps = activeTaps
}
