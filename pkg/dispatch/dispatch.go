// Package dispatch applies parsed commands to the world. Commands from one
// session run strictly in submission order on that session's lane; lanes of
// different sessions run concurrently and meet only at the world's room
// locks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/crystal-mush/gochatter/pkg/auth"
	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/render"
	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/world"
)

// DefaultLaneDepth is the number of commands a session may have pending.
const DefaultLaneDepth = 16

// MaxTitleLen bounds titles and prefixes, in runes.
const MaxTitleLen = 40

var (
	ErrUnknownCommand = errors.New("dispatch: unknown command")
	ErrLaneFull       = errors.New("dispatch: too many pending commands")
	ErrShutdown       = errors.New("dispatch: shutting down")
)

// Kind classifies a Result.
type Kind int

const (
	Applied Kind = iota
	Rejected
	Deferred
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Result is the outcome of one command.
type Result struct {
	Kind   Kind
	Events []events.Event
	Reason string // user-facing text when Rejected
	Err    error
	Quit   bool // the session should close
}

// Ok returns an Applied result.
func Ok(evs ...events.Event) Result {
	return Result{Kind: Applied, Events: evs}
}

// Reject returns a Rejected result with a user-facing reason.
func Reject(reason string, err error) Result {
	return Result{Kind: Rejected, Reason: reason, Err: err}
}

// Env is what command handlers act on.
type Env struct {
	World  *world.Manager
	Fabric *events.Fabric
	Auth   *auth.Verifier
	Help   *HelpFile // nil uses DefaultHelp
	// Who lists connected sessions. When nil the WHO list is built from
	// the world's present identities.
	Who func() []render.WhoEntry
}

// Tell publishes a private event to one identity.
func (e *Env) Tell(actor string, typ events.EventType, text string) events.Event {
	ev := events.Event{Type: typ, Scope: events.Identity(actor), Actor: actor, Text: text}
	e.Fabric.Publish(ev)
	return ev
}

type job struct {
	ctx   context.Context
	cmd   Command
	reply chan Result
}

type lane struct {
	queue chan job
}

// Dispatcher routes commands to per-session lanes.
type Dispatcher struct {
	env      *Env
	registry *Registry
	depth    int

	// OnResult, when set, observes every applied or rejected command.
	// It must be set before the first Submit.
	OnResult func(cmd Command, res Result)

	mu     sync.Mutex
	lanes  map[int]*lane
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. A nil registry means built-in verbs only.
func New(env *Env, reg *Registry, depth int) *Dispatcher {
	if reg == nil {
		reg = NewRegistry()
	}
	if depth <= 0 {
		depth = DefaultLaneDepth
	}
	if env.Help == nil {
		env.Help = DefaultHelp()
	}
	return &Dispatcher{
		env:      env,
		registry: reg,
		depth:    depth,
		lanes:    make(map[int]*lane),
	}
}

// Registry returns the content verb registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Enqueue places cmd on its session's lane without waiting for it to be
// applied. The returned channel receives exactly one Result.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd Command) (<-chan Result, error) {
	reply := make(chan Result, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrShutdown
	}
	l, ok := d.lanes[cmd.Session]
	if !ok {
		l = &lane{queue: make(chan job, d.depth)}
		d.lanes[cmd.Session] = l
		d.wg.Add(1)
		go d.run(l)
	}
	select {
	case l.queue <- job{ctx: context.WithoutCancel(ctx), cmd: cmd, reply: reply}:
		return reply, nil
	default:
		return nil, ErrLaneFull
	}
}

// Submit applies cmd after every command previously submitted by the same
// session. If ctx ends first the result is Deferred and the command is
// still applied in order.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) Result {
	reply, err := d.Enqueue(ctx, cmd)
	if err != nil {
		var res Result
		if errors.Is(err, ErrLaneFull) {
			res = Reject("Too many pending commands.", err)
		} else {
			res = Reject("The server is shutting down.", err)
		}
		d.finish(cmd, res)
		return res
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return Result{Kind: Deferred, Err: ctx.Err()}
	}
}

func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()
	for j := range l.queue {
		res := d.apply(j.ctx, j.cmd)
		d.finish(j.cmd, res)
		j.reply <- res
	}
}

func (d *Dispatcher) finish(cmd Command, res Result) {
	if res.Kind == Rejected && cmd.Actor != "" && res.Reason != "" {
		d.env.Tell(cmd.Actor, events.EvReject, res.Reason)
	}
	if d.OnResult != nil {
		d.OnResult(cmd, res)
	}
}

// Release drops a session's lane once its pending commands have run.
func (d *Dispatcher) Release(session int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[session]; ok {
		delete(d.lanes, session)
		close(l.queue)
	}
}

// Shutdown stops accepting commands and waits for queued ones to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for id, l := range d.lanes {
			delete(d.lanes, id)
			close(l.queue)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) Result {
	w := d.env.World
	var (
		evs []events.Event
		ev  events.Event
		err error
	)
	switch cmd.Verb {
	case VerbLook:
		ev, err = w.Look(cmd.Actor)
		evs = []events.Event{ev}
	case VerbSay:
		if cmd.Text == "" {
			return Reject("Say what?", nil)
		}
		ev, err = w.Say(cmd.Actor, cmd.Text)
		evs = []events.Event{ev}
	case VerbEmote:
		if strings.TrimSpace(cmd.Text) == "" {
			return Reject("Pose what?", nil)
		}
		ev, err = w.Emote(cmd.Actor, cmd.Text)
		evs = []events.Event{ev}
	case VerbWhisper:
		target, text := whisperArgs(cmd.Text)
		if target == "" || text == "" {
			return Reject("Whisper what to whom?", nil)
		}
		ev, err = w.Whisper(cmd.Actor, target, text)
		evs = []events.Event{ev}
	case VerbGo:
		if len(cmd.Args) == 0 {
			return Reject("Go where?", nil)
		}
		dir := cmd.Args[0]
		if canon, ok := Direction(dir); ok {
			dir = canon
		}
		evs, err = w.Go(cmd.Actor, dir)
	case VerbQuit:
		return Result{Kind: Applied, Quit: true}
	case VerbWho:
		return Ok(d.who(cmd.Actor))
	case VerbHelp:
		return Ok(d.env.Tell(cmd.Actor, events.EvText, d.helpText(cmd.Text)))
	case VerbTitle, VerbPrefix:
		evs, err = d.setDecoration(cmd)
	case VerbPassword:
		return d.password(ctx, cmd)
	default:
		return d.custom(ctx, cmd)
	}
	return d.outcome(cmd, evs, err)
}

func (d *Dispatcher) custom(ctx context.Context, cmd Command) Result {
	if h, ok := d.registry.Lookup(cmd.Name); ok {
		res := h(ctx, d.env, cmd)
		if res.Kind == Rejected && res.Reason == "" && res.Err != nil {
			return d.outcome(cmd, nil, res.Err)
		}
		return res
	}
	if cmd.Text == "" && d.isExit(cmd.Actor, cmd.Name) {
		evs, err := d.env.World.Go(cmd.Actor, cmd.Name)
		return d.outcome(cmd, evs, err)
	}
	return Reject(fmt.Sprintf("Huh? Unknown command %q. (Type \"help\" for help.)", cmd.Name),
		fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name))
}

func (d *Dispatcher) isExit(actor, name string) bool {
	loc, ok := d.env.World.Locate(actor)
	if !ok {
		return false
	}
	r, ok := d.env.World.Room(loc)
	if !ok {
		return false
	}
	_, ok = r.Exits[name]
	return ok
}

// outcome maps world and persistence errors to results. A stale location
// resynchronizes the actor by showing the room it is actually in.
func (d *Dispatcher) outcome(cmd Command, evs []events.Event, err error) Result {
	if err == nil {
		return Ok(evs...)
	}
	var stale *world.StaleLocationError
	switch {
	case errors.As(err, &stale):
		log.Printf("dispatch: %s: resync %s: %v", cmd.Verb, cmd.Actor, err)
		if _, lerr := d.env.World.Look(cmd.Actor); lerr != nil {
			log.Printf("WARNING: dispatch: resync %s: %v", cmd.Actor, lerr)
		}
		return Reject("Things changed around you; look again.", err)
	case errors.Is(err, world.ErrUnreachable):
		return Reject("You can't go that way.", err)
	case errors.Is(err, world.ErrRoomFull):
		return Reject("There is no room for you there.", err)
	case errors.Is(err, world.ErrNoSuchPerson):
		return Reject("I don't see that person here.", err)
	case errors.Is(err, world.ErrNotPresent):
		return Reject("You are not in the world.", err)
	case errors.Is(err, store.ErrUnavailable):
		log.Printf("WARNING: dispatch: %s for %s: %v", cmd.Verb, cmd.Actor, err)
		return Reject("Please try again in a moment.", err)
	default:
		log.Printf("ERROR: dispatch: %s for %s: %v", cmd.Verb, cmd.Actor, err)
		return Reject("That didn't work.", err)
	}
}

// whisperArgs accepts "bob=text" and "bob text".
func whisperArgs(s string) (target, text string) {
	if name, msg, ok := strings.Cut(s, "="); ok {
		return strings.TrimSpace(name), strings.TrimSpace(msg)
	}
	name, msg, _ := strings.Cut(strings.TrimSpace(s), " ")
	return name, strings.TrimSpace(msg)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func (d *Dispatcher) setDecoration(cmd Command) ([]events.Event, error) {
	text := truncate(render.Sanitize(strings.TrimSpace(cmd.Text)), MaxTitleLen)
	what := "Title"
	if cmd.Verb == VerbPrefix {
		what = "Prefix"
	}
	return d.env.World.Apply(cmd.Actor, nil, func(tx *world.Tx) error {
		tx.UpdateActor(func(id *world.Identity) {
			if cmd.Verb == VerbPrefix {
				id.Prefix = text
			} else {
				id.Title = text
			}
		})
		msg := what + " set."
		if text == "" {
			msg = what + " cleared."
		}
		tx.Emit(events.Event{Type: events.EvSystem, Scope: events.Identity(cmd.Actor), Actor: cmd.Actor, Text: msg})
		return nil
	})
}

func (d *Dispatcher) password(ctx context.Context, cmd Command) Result {
	if d.env.Auth == nil {
		return Reject("Passwords cannot be changed here.", nil)
	}
	oldPw, newPw, ok := strings.Cut(cmd.Text, "=")
	if !ok && len(cmd.Args) == 2 {
		oldPw, newPw, ok = cmd.Args[0], cmd.Args[1], true
	}
	if !ok || oldPw == "" || newPw == "" {
		return Reject("Usage: password <old>=<new>", nil)
	}
	ident, present := d.env.World.Identity(cmd.Actor)
	if !present {
		return Reject("You are not in the world.", world.ErrNotPresent)
	}
	err := d.env.Auth.ChangePassword(ctx, ident.Name, strings.TrimSpace(oldPw), strings.TrimSpace(newPw))
	switch {
	case err == nil:
		return Ok(d.env.Tell(cmd.Actor, events.EvSystem, "Password changed."))
	case errors.Is(err, auth.ErrDenied):
		return Reject("Sorry, that is not your current password.", err)
	case errors.Is(err, auth.ErrWeakPassword):
		return Reject(fmt.Sprintf("Passwords must be at least %d characters.", auth.MinPasswordLen), err)
	default:
		return d.outcome(cmd, nil, err)
	}
}

func (d *Dispatcher) who(actor string) events.Event {
	var entries []render.WhoEntry
	if d.env.Who != nil {
		entries = d.env.Who()
	} else {
		for _, id := range d.env.World.Present() {
			name := id.Name
			if id.Prefix != "" {
				name = id.Prefix + " " + name
			}
			e := render.WhoEntry{Name: name, Title: id.Title}
			if r, ok := d.env.World.Room(id.Location); ok {
				e.Room = r.Name
			}
			entries = append(entries, e)
		}
	}
	ev := events.Event{
		Type:  events.EvWho,
		Scope: events.Identity(actor),
		Actor: actor,
		Data:  map[string]any{"entries": entries},
	}
	d.env.Fabric.Publish(ev)
	return ev
}
