package events

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	mu       sync.Mutex
	events   []Event
	limit    int // 0 means unbounded
	isClosed bool
	faults   []error
}

func (m *mockSubscriber) Deliver(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && len(m.events) >= m.limit {
		return false
	}
	m.events = append(m.events, ev)
	return true
}

func (m *mockSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *mockSubscriber) Fault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, err)
}

func (m *mockSubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockSubscriber) Faults() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.faults...)
}

func TestFabricRoomScope(t *testing.T) {
	f := NewFabric()
	inRoom := &mockSubscriber{}
	elsewhere := &mockSubscriber{}
	f.Subscribe(Room("plaza"), inRoom)
	f.Subscribe(Room("library"), elsewhere)

	r := f.Publish(Event{Type: EvSay, Scope: Room("plaza"), ActorName: "bob", Text: "hello"})
	if r.Delivered != 1 || r.Dropped != 0 {
		t.Errorf("report = %+v, want 1 delivered", r)
	}

	evs := inRoom.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Text != "hello" || evs[0].Type != EvSay {
		t.Errorf("got %+v", evs[0])
	}
	if evs[0].Seq == 0 || evs[0].Time.IsZero() {
		t.Error("publish should stamp Seq and Time")
	}
	if n := len(elsewhere.Events()); n != 0 {
		t.Errorf("other room received %d events", n)
	}
}

func TestFabricSubscribeIdempotent(t *testing.T) {
	f := NewFabric()
	sub := &mockSubscriber{}
	f.Subscribe(Global, sub)
	f.Subscribe(Global, sub)
	if n := f.Count(Global); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	f.Publish(Event{Type: EvSystem, Scope: Global, Text: "reboot"})
	if n := len(sub.Events()); n != 1 {
		t.Errorf("received %d events, want 1", n)
	}
}

func TestFabricSlowSubscriberSkipped(t *testing.T) {
	f := NewFabric()
	slow := &mockSubscriber{limit: 1}
	fast := &mockSubscriber{}
	f.Subscribe(Room("r"), slow)
	f.Subscribe(Room("r"), fast)

	for i := 0; i < 3; i++ {
		f.Publish(Event{Type: EvSay, Scope: Room("r"), Text: fmt.Sprint(i)})
	}
	if n := len(fast.Events()); n != 3 {
		t.Errorf("fast subscriber got %d events, want 3", n)
	}
	if n := len(slow.Events()); n != 1 {
		t.Errorf("slow subscriber got %d events, want 1", n)
	}
	faults := slow.Faults()
	if len(faults) != 2 || !errors.Is(faults[0], ErrQueueFull) {
		t.Errorf("faults = %v", faults)
	}
	if _, dropped := f.Stats(); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestFabricClosedSubscriberSkipped(t *testing.T) {
	f := NewFabric()
	sub := &mockSubscriber{isClosed: true}
	f.Subscribe(Room("r"), sub)
	r := f.Publish(Event{Scope: Room("r")})
	if r.Delivered != 0 || r.Dropped != 0 || len(sub.Faults()) != 0 {
		t.Errorf("closed subscriber should be skipped silently, report %+v", r)
	}
	f.Cleanup()
	if f.Count(Room("r")) != 0 {
		t.Error("Cleanup should remove closed subscribers")
	}
}

func TestFabricTap(t *testing.T) {
	f := NewFabric()
	tap := &mockSubscriber{}
	f.Tap(tap)
	f.Publish(Event{Scope: Room("a")})
	f.Publish(Event{Scope: Identity("x")})
	if n := len(tap.Events()); n != 2 {
		t.Errorf("tap saw %d events, want 2", n)
	}
}

func TestFabricPerScopeOrder(t *testing.T) {
	f := NewFabric()
	subs := make([]*mockSubscriber, 4)
	for i := range subs {
		subs[i] = &mockSubscriber{}
		f.Subscribe(Room("hall"), subs[i])
	}

	const publishers, each = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				f.Publish(Event{Type: EvSay, Scope: Room("hall"), Text: fmt.Sprintf("%d/%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	ref := subs[0].Events()
	if len(ref) != publishers*each {
		t.Fatalf("got %d events, want %d", len(ref), publishers*each)
	}
	for i := 1; i < len(ref); i++ {
		if ref[i].Seq <= ref[i-1].Seq {
			t.Fatalf("events out of publication order at %d", i)
		}
	}
	for _, s := range subs[1:] {
		evs := s.Events()
		for i := range ref {
			if evs[i].Seq != ref[i].Seq {
				t.Fatalf("subscribers disagree on order at %d", i)
			}
		}
	}
}

func TestFabricNothingAfterUnsubscribe(t *testing.T) {
	f := NewFabric()
	sub := &mockSubscriber{}
	f.Subscribe(Room("r"), sub)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.Publish(Event{Scope: Room("r")})
			}
		}
	}()

	f.Unsubscribe(Room("r"), sub)
	after := len(sub.Events())
	for i := 0; i < 100; i++ {
		f.Publish(Event{Scope: Room("r")})
	}
	close(stop)
	wg.Wait()

	if n := len(sub.Events()); n != after {
		t.Errorf("received %d events after unsubscribe", n-after)
	}
	if f.Subscribed(Room("r"), sub) {
		t.Error("still subscribed")
	}
}
