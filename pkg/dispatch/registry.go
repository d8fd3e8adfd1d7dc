package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/render"
	"github.com/crystal-mush/gochatter/pkg/world"
)

// Handler implements a content verb. It runs on the issuing session's
// lane. A Rejected result with only Err set has its reason derived from
// the error.
type Handler func(ctx context.Context, env *Env, cmd Command) Result

var ErrVerbTaken = errors.New("dispatch: verb already registered")

// Registry maps content verb names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	names    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a verb and its aliases. Built-in verbs, directions and
// names already registered cannot be reused.
func (r *Registry) Register(name string, h Handler, aliases ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := append([]string{name}, aliases...)
	for i, n := range all {
		n = strings.ToLower(strings.TrimSpace(n))
		all[i] = n
		if n == "" {
			return fmt.Errorf("dispatch: register: empty verb")
		}
		if _, ok := verbs[n]; ok {
			return fmt.Errorf("%w: %s is built in", ErrVerbTaken, n)
		}
		if _, ok := directions[n]; ok {
			return fmt.Errorf("%w: %s is a direction", ErrVerbTaken, n)
		}
		if _, ok := r.handlers[n]; ok {
			return fmt.Errorf("%w: %s", ErrVerbTaken, n)
		}
	}
	for _, n := range all {
		r.handlers[n] = h
	}
	r.names = append(r.names, all[0])
	return nil
}

// Lookup returns the handler for a lowercased verb.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the primary names of registered verbs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// RegisterDefaults installs the stock content verbs.
func RegisterDefaults(r *Registry) error {
	if err := r.Register("think", cmdThink); err != nil {
		return err
	}
	return r.Register("ooc", cmdOOC)
}

// cmdThink shows text to the issuer only.
func cmdThink(_ context.Context, env *Env, cmd Command) Result {
	if cmd.Text == "" {
		return Reject("Think what?", nil)
	}
	return Ok(env.Tell(cmd.Actor, events.EvText, render.Sanitize(cmd.Text)))
}

// cmdOOC says something out of character to the room.
func cmdOOC(_ context.Context, env *Env, cmd Command) Result {
	if cmd.Text == "" {
		return Reject("Say what out of character?", nil)
	}
	evs, err := env.World.Apply(cmd.Actor, nil, func(tx *world.Tx) error {
		me := tx.Actor()
		tx.Emit(events.Event{
			Type:      events.EvSay,
			Scope:     events.Room(tx.Location()),
			Actor:     cmd.Actor,
			ActorName: "<OOC> " + me.Name,
			Room:      tx.Location(),
			Text:      cmd.Text,
			Data:      map[string]any{"talker": me.Name, "text": cmd.Text, "ooc": true},
		})
		return nil
	})
	if err != nil {
		return Result{Kind: Rejected, Err: err}
	}
	return Ok(evs...)
}
