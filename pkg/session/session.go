// Package session drives one client connection from telnet negotiation
// through login to the active command loop, and guarantees that leaving
// the world happens exactly once however the connection ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crystal-mush/gochatter/pkg/auth"
	"github.com/crystal-mush/gochatter/pkg/dispatch"
	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/oob"
	"github.com/crystal-mush/gochatter/pkg/render"
	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/telnet"
	"github.com/crystal-mush/gochatter/pkg/world"
)

var (
	ErrEvicted     = errors.New("session: evicted")
	ErrIdle        = errors.New("session: idle timeout")
	ErrAuthTimeout = errors.New("session: authentication timed out")
	ErrAuthFailed  = errors.New("session: too many failed logins")
	ErrPeerClosed  = errors.New("session: peer closed connection")
	ErrQuit        = errors.New("session: quit")
)

// Config holds the per-session limits.
type Config struct {
	NegotiationTimeout time.Duration
	AuthTimeout        time.Duration
	MaxAuthRetries     int
	FlushTimeout       time.Duration
	OutboundQueue      int
	Keepalive          time.Duration // 0 disables IAC NOP keepalives
	IdleTimeout        time.Duration // 0 disables
	PersistTimeout     time.Duration
	StartRoom          string
}

// DefaultConfig returns the stock session limits.
func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Minute,
		MaxAuthRetries:     3,
		FlushTimeout:       2 * time.Second,
		OutboundQueue:      256,
		Keepalive:          time.Minute,
		PersistTimeout:     5 * time.Second,
	}
}

// Host is the server side of a session.
type Host interface {
	// Admit makes s the only session controlling id, applying the
	// duplicate login policy. It may wait for an evicted session to leave.
	Admit(ctx context.Context, s *Session, id world.Identity) error
	// Release is called once when s reaches Closed.
	Release(s *Session)
	// Text returns an installed text file ("connect", "motd", "quit"), or "".
	Text(name string) string
	Who() []render.WhoEntry
	Status() oob.Status
}

// Deps are the shared services a session uses.
type Deps struct {
	World      *world.Manager
	Dispatcher *dispatch.Dispatcher
	Auth       *auth.Verifier
	Store      store.Gateway
	Renderer   *render.Renderer
	Host       Host
	// OnState, when set, observes every state change.
	OnState func(s *Session, from, to State)
}

// Session is one client connection. It implements events.Subscriber.
type Session struct {
	ID   int
	conn net.Conn
	cfg  Config
	deps *Deps
	addr string

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	state     State
	neg       *telnet.Negotiator
	caps      *oob.Capabilities
	account   *store.Account
	identity  world.Identity
	entered   bool
	connected time.Time
	lastInput time.Time

	dec   *telnet.Decoder
	lines chan string

	outMu     sync.Mutex
	out       chan frame
	outClosed bool
	closing   atomic.Bool

	resolved     chan struct{}
	resolvedOnce sync.Once
	leaveOnce    sync.Once
	left         chan struct{}
	faultOnce    sync.Once
	done         chan struct{}
	readerDone   chan struct{}
	writerDone   chan struct{}
}

// New wraps an accepted connection.
func New(id int, conn net.Conn, cfg Config, deps *Deps) *Session {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = DefaultConfig().OutboundQueue
	}
	now := time.Now()
	addr := "pipe"
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Session{
		ID:         id,
		conn:       conn,
		cfg:        cfg,
		deps:       deps,
		addr:       addr,
		state:      Connecting,
		neg:        telnet.NewNegotiator(),
		caps:       oob.NewCapabilities(),
		connected:  now,
		lastInput:  now,
		dec:        telnet.NewDecoder(),
		lines:      make(chan string, 16),
		out:        make(chan frame, cfg.OutboundQueue),
		resolved:   make(chan struct{}),
		left:       make(chan struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Run serves the connection until it is closed. It returns after the
// session reached Closed and its connection was released.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	defer s.cancel(nil)
	defer s.finish()

	go s.writer()
	go s.reader()

	if s.transition(Negotiating) != nil {
		return
	}
	s.mu.Lock()
	start := s.neg.Start()
	s.mu.Unlock()
	s.sendRaw(telnet.Encode(start...))
	if !s.negotiate() {
		return
	}

	if s.transition(Authenticating) != nil {
		return
	}
	if !s.authenticate() {
		return
	}
	s.active()
}

// transition moves to a new state if the table allows it.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.state = to
	s.mu.Unlock()
	log.Printf("[%d] %s -> %s", s.ID, from, to)
	if s.deps.OnState != nil {
		s.deps.OnState(s, from, to)
	}
	return nil
}

// negotiate waits for terminal type and window size. An unanswered
// request is re-sent once; after that the defaults are used.
func (s *Session) negotiate() bool {
	timer := time.NewTimer(s.cfg.NegotiationTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.resolved:
			return true
		case <-s.readerDone:
			return false
		case <-s.ctx.Done():
			return false
		case <-timer.C:
			s.mu.Lock()
			if !s.neg.Retried() {
				retry := s.neg.Retry()
				s.mu.Unlock()
				if len(retry) > 0 {
					s.sendRaw(telnet.Encode(retry...))
				}
				timer.Reset(s.cfg.NegotiationTimeout)
				continue
			}
			s.neg.Abandon()
			ttype := s.neg.TerminalType()
			s.mu.Unlock()
			log.Printf("[%d] WARNING: negotiation timed out, using terminal %q", s.ID, ttype)
			return true
		}
	}
}

func (s *Session) authenticate() bool {
	if text := s.deps.Host.Text("connect"); text != "" {
		s.Send(text)
	} else {
		s.Send(WelcomeText)
	}

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()
	failures := 0
	for {
		line, ok := s.nextLine(timer)
		if !ok {
			return false
		}

		cmd, user, pass := ParseConnect(line)
		if (cmd == "connect" || cmd == "create") && user != "" && pass == "" {
			s.Send("Password:")
			s.hideInput(true)
			line, ok = s.nextLine(timer)
			s.hideInput(false)
			if !ok {
				return false
			}
			pass = strings.TrimSpace(line)
		}
		var acct *store.Account
		var err error
		switch cmd {
		case "":
			continue
		case "connect":
			acct, err = s.deps.Auth.Verify(s.ctx, user, pass)
		case "create":
			acct, err = s.deps.Auth.Register(s.ctx, user, pass, s.cfg.StartRoom)
		case "who":
			s.deliverLocal(events.Event{Type: events.EvWho, Data: map[string]any{"entries": s.deps.Host.Who()}})
			continue
		case "quit":
			s.sendQuitText()
			s.cancel(ErrQuit)
			return false
		default:
			s.Send(`Use "connect <name> <password>" or "create <name> <password>".`)
			continue
		}

		if err == nil {
			return s.login(acct)
		}
		switch {
		case errors.Is(err, store.ErrUnavailable):
			s.Send("Please try again in a moment.")
			continue
		case errors.Is(err, auth.ErrDenied):
			s.Send("Either that player does not exist, or has a different password.")
		case errors.Is(err, store.ErrNameTaken):
			s.Send("That name is already taken.")
		case errors.Is(err, auth.ErrInvalidName):
			s.Send(fmt.Sprintf("Names must be %d to %d letters, digits, '_' or '-', starting with a letter.", auth.MinNameLen, auth.MaxNameLen))
		case errors.Is(err, auth.ErrWeakPassword):
			s.Send(fmt.Sprintf("Passwords must be at least %d characters.", auth.MinPasswordLen))
		default:
			log.Printf("[%d] ERROR: %s %s: %v", s.ID, cmd, user, err)
			s.Send("Something went wrong. Please try again.")
		}
		failures++
		log.Printf("[%d] failed %s for %q (%d/%d)", s.ID, cmd, user, failures, s.cfg.MaxAuthRetries)
		if failures >= s.cfg.MaxAuthRetries {
			s.Send("Too many failed attempts.")
			s.cancel(ErrAuthFailed)
			return false
		}
	}
}

// nextLine waits for a line of input during login.
func (s *Session) nextLine(timer *time.Timer) (string, bool) {
	select {
	case line, ok := <-s.lines:
		if !ok {
			s.cancel(ErrPeerClosed)
			return "", false
		}
		return line, true
	case <-timer.C:
		s.Send("Login timed out.")
		s.cancel(ErrAuthTimeout)
		return "", false
	case <-s.ctx.Done():
		return "", false
	}
}

// hideInput asks the client to stop, or resume, echoing what is typed.
// While the server has ECHO the client shows nothing, which masks
// passwords.
func (s *Session) hideInput(hide bool) {
	s.mu.Lock()
	var req []telnet.Event
	if hide {
		req = s.neg.Enable(telnet.OptEcho)
	} else {
		req = s.neg.Disable(telnet.OptEcho)
	}
	s.mu.Unlock()
	if len(req) == 0 {
		return
	}
	s.sendRaw(telnet.Encode(req...))
	if !hide {
		// The newline typed after the password was not echoed.
		s.Send("")
	}
}

func (s *Session) login(acct *store.Account) bool {
	if err := s.deps.Host.Admit(s.ctx, s, acct.Identity); err != nil {
		log.Printf("[%d] login %s refused: %v", s.ID, acct.Identity.Name, err)
		s.Send("That character is already connected.")
		s.cancel(err)
		return false
	}
	// An evicted session may have saved a newer location meanwhile.
	if fresh, err := s.deps.Store.LoadIdentity(s.ctx, acct.Identity.Name); err == nil {
		fresh.PasswordHash = acct.PasswordHash
		acct = fresh
	}

	s.mu.Lock()
	s.account = acct
	s.mu.Unlock()

	ident, err := s.deps.World.Enter(acct.Identity, s)
	if err != nil {
		log.Printf("[%d] ERROR: enter %s: %v", s.ID, acct.Identity.Name, err)
		if errors.Is(err, world.ErrRoomFull) {
			s.Send("There is no room for you right now.")
		} else {
			s.Send("You cannot enter the world right now.")
		}
		s.cancel(err)
		return false
	}
	s.mu.Lock()
	s.identity = ident
	s.entered = true
	s.mu.Unlock()
	log.Printf("[%d] %s connected in %s", s.ID, ident.Name, ident.Location)

	if s.transition(Active) != nil {
		return false
	}
	if motd := s.deps.Host.Text("motd"); motd != "" {
		s.Send(motd)
	}
	return true
}

func (s *Session) active() {
	var idle <-chan time.Time
	var timer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(s.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}
	actor := s.IdentityID()
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.cancel(ErrPeerClosed)
				return
			}
			if timer != nil {
				timer.Reset(s.cfg.IdleTimeout)
			}
			cmd, ok := dispatch.Parse(line)
			if !ok {
				continue
			}
			cmd.Session, cmd.Actor = s.ID, actor
			res := s.deps.Dispatcher.Submit(s.ctx, cmd)
			if res.Quit {
				s.sendQuitText()
				s.cancel(ErrQuit)
				return
			}
		case <-idle:
			s.Send("You have been idle too long. Goodbye.")
			s.cancel(ErrIdle)
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) sendQuitText() {
	if text := s.deps.Host.Text("quit"); text != "" {
		s.Send(text)
	} else {
		s.Send("Goodbye.")
	}
}

// finish runs the Closing side effects and releases the connection.
func (s *Session) finish() {
	s.mu.Lock()
	from := s.state
	s.mu.Unlock()
	if err := s.transition(Closing); err != nil {
		log.Printf("[%d] ERROR: %v", s.ID, err)
	}
	s.leave()

	s.closing.Store(true)
	s.outMu.Lock()
	s.outClosed = true
	close(s.out)
	s.outMu.Unlock()

	select {
	case <-s.writerDone:
	case <-time.After(s.cfg.FlushTimeout):
		log.Printf("[%d] WARNING: output not flushed within %s", s.ID, s.cfg.FlushTimeout)
	}
	s.cancel(ErrPeerClosed)
	s.conn.Close()
	<-s.writerDone
	<-s.readerDone

	cause := context.Cause(s.ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		cause = ErrPeerClosed
	}
	log.Printf("[%d] closed from %s: %v", s.ID, from, cause)
	s.transition(Closed)
	s.deps.Host.Release(s)
	close(s.done)
}

// leave removes the identity from the world and saves it. It runs at most
// once, whichever path ends the session.
func (s *Session) leave() {
	s.leaveOnce.Do(func() {
		defer close(s.left)
		s.deps.Dispatcher.Release(s.ID)

		s.mu.Lock()
		entered, id, acct := s.entered, s.identity.ID, s.account
		s.entered = false
		s.mu.Unlock()
		if !entered {
			return
		}

		ident, err := s.deps.World.Leave(id)
		if err != nil {
			log.Printf("[%d] WARNING: leave %s: %v", s.ID, id, err)
			return
		}
		if acct == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout())
		defer cancel()
		// Credentials may have changed since login; only the identity is ours to write.
		saved, err := s.deps.Store.LoadIdentity(ctx, ident.Name)
		if err != nil {
			log.Printf("[%d] WARNING: reloading %s before save: %v", s.ID, ident.Name, err)
			saved = acct.Clone()
		}
		saved.Identity = ident
		if err := s.deps.Store.SaveIdentity(ctx, saved); err != nil {
			log.Printf("[%d] ERROR: saving %s: %v", s.ID, ident.Name, err)
		}
	})
}

func (s *Session) persistTimeout() time.Duration {
	if s.cfg.PersistTimeout > 0 {
		return s.cfg.PersistTimeout
	}
	return DefaultConfig().PersistTimeout
}

// Evict forces the session to Closing. The reason is shown to the client.
func (s *Session) Evict(reason string) {
	if reason != "" {
		s.Send(reason)
	}
	log.Printf("[%d] evicted: %s", s.ID, reason)
	if s.cancel != nil {
		s.cancel(ErrEvicted)
	}
}

// Left is closed once the identity has left the world and was saved, or
// when the session ends without having entered.
func (s *Session) Left() <-chan struct{} {
	return s.left
}

// Done is closed when the session reached Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the identity the session controls, if logged in.
func (s *Session) Identity() (world.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity.ID == "" {
		return world.Identity{}, false
	}
	return s.identity, true
}

// IdentityID returns the controlled identity id, or "".
func (s *Session) IdentityID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.ID
}

// Addr returns the remote address.
func (s *Session) Addr() string {
	return s.addr
}

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connected
}

// Idle returns the time since the last input.
func (s *Session) Idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastInput)
}

// Negotiation returns the telnet negotiation state.
func (s *Session) Negotiation() telnet.NegotiationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neg.State()
}

// Malformed returns how many malformed telnet sequences were discarded.
func (s *Session) Malformed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Malformed()
}

func (s *Session) reader() {
	defer close(s.readerDone)
	defer close(s.lines)
	defer s.guard("reader")
	asm := NewLineAssembler()
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.lastInput = time.Now()
			s.mu.Unlock()
			if !s.decode(asm, buf[:n]) {
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			var tail []telnet.Event
			for ev := range s.dec.Close() {
				tail = append(tail, ev)
			}
			s.mu.Unlock()
			for _, ev := range tail {
				s.handle(asm, ev)
			}
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("[%d] connection fault: %v", s.ID, err)
			}
			return
		}
	}
}

func (s *Session) decode(asm *LineAssembler, p []byte) bool {
	s.mu.Lock()
	evs := s.dec.Feed(p)
	s.mu.Unlock()
	for _, ev := range evs {
		if !s.handle(asm, ev) {
			return false
		}
	}
	return true
}

// handle processes one telnet event. It reports false when the session
// is going away.
func (s *Session) handle(asm *LineAssembler, ev telnet.Event) bool {
	switch ev.Kind {
	case telnet.PlainData:
		for _, line := range asm.Write(ev.Data) {
			select {
			case s.lines <- line:
			case <-s.ctx.Done():
				return false
			}
		}
	case telnet.Command:
		if ev.Request == telnet.AYT {
			s.Send("[Yes]")
		}
	case telnet.OptionRequest, telnet.Subnegotiation:
		s.negotiation(ev)
	}
	return true
}

func (s *Session) negotiation(ev telnet.Event) {
	s.mu.Lock()
	replies, up := s.neg.Receive(ev)
	var sendMSSP bool
	for _, c := range up.Changes {
		if !c.Local {
			continue
		}
		switch c.Option {
		case telnet.OptGMCP:
			s.caps.GMCP = c.Enabled
		case telnet.OptMSSP:
			s.caps.MSSP = c.Enabled
			sendMSSP = c.Enabled
		}
	}
	if up.Sub != nil && up.Sub.Option == telnet.OptGMCP {
		s.caps.HandleGMCP(up.Sub.Payload)
	}
	resolved := s.neg.Resolved()
	s.mu.Unlock()

	if len(replies) > 0 {
		s.sendRaw(telnet.Encode(replies...))
	}
	if sendMSSP {
		s.sendRaw(oob.EncodeMSSP(s.deps.Host.Status().Vars()))
	}
	if up.TerminalType != "" {
		log.Printf("[%d] terminal type %s", s.ID, up.TerminalType)
	}
	if resolved {
		s.resolvedOnce.Do(func() { close(s.resolved) })
	}
}

// guard turns a panic in one of the connection goroutines into a torn
// down session. Deferred first in each goroutine.
func (s *Session) guard(name string) {
	if r := recover(); r != nil {
		log.Printf("[%d] ERROR: %s panic: %v\n%s", s.ID, name, r, debug.Stack())
		s.cancel(fmt.Errorf("session: %s panic: %v", name, r))
	}
}

// String identifies the session in logs.
func (s *Session) String() string {
	if id, ok := s.Identity(); ok {
		return fmt.Sprintf("[%d] %s@%s", s.ID, id.Name, s.addr)
	}
	return fmt.Sprintf("[%d] %s", s.ID, s.addr)
}

var _ events.Subscriber = (*Session)(nil)
