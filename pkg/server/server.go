// Package server accepts telnet connections, admits at most a configured
// number of them and runs one session per connection against a shared world.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crystal-mush/gochatter/pkg/auth"
	"github.com/crystal-mush/gochatter/pkg/dispatch"
	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/oob"
	"github.com/crystal-mush/gochatter/pkg/render"
	"github.com/crystal-mush/gochatter/pkg/session"
	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/world"
)

var (
	ErrServerClosed = errors.New("server: closed")
	ErrShuttingDown = errors.New("server: shutting down")
)

// FullText is sent to refused connections when no full.txt is installed.
const FullText = "Sorry, there are too many people connected right now. Please try again later."

// cleanupInterval is how often empty broadcast scopes are dropped.
const cleanupInterval = time.Minute

// Server is the main TCP chat server.
type Server struct {
	Config     Config
	World      *world.Manager
	Fabric     *events.Fabric
	Store      store.Gateway
	Auth       *auth.Verifier
	Dispatcher *dispatch.Dispatcher
	Registry   *Registry
	Texts      *TextFiles
	Metrics    *Metrics

	startRoom string
	started   time.Time
	deps      *session.Deps
	slots     chan struct{}

	ctx    context.Context // parent of every session
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	listener  net.Listener
	metricsHS *http.Server
	closed    bool

	sessions sync.WaitGroup
	loops    sync.WaitGroup
}

// New builds a server over a persistence gateway. The world is loaded from
// the gateway's snapshot, or seeded when none exists.
func New(ctx context.Context, cfg Config, gw store.Gateway) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		Config:  cfg,
		Fabric:  events.NewFabric(),
		started: time.Now(),
		slots:   make(chan struct{}, cfg.MaxSessions),
	}
	s.Metrics = NewMetrics(s.Fabric, s.started)
	s.Store = store.NewRetrying(s.Metrics.instrument(gw), cfg.PersistAttempts, cfg.PersistTimeout.D())
	s.World = world.NewManager(s.Fabric, cfg.RoomCapacity)
	if err := s.loadWorld(ctx); err != nil {
		return nil, err
	}

	s.startRoom = cfg.StartRoom
	if s.startRoom == "" {
		s.startRoom = s.World.StartRoom()
	}
	if _, ok := s.World.Room(s.startRoom); !ok {
		return nil, fmt.Errorf("server: start room %q: %w", s.startRoom, world.ErrUnknownRoom)
	}

	s.Auth = auth.New(s.Store, cfg.PasswordCost)
	s.Registry = NewRegistry(cfg.DuplicateLogin, s.World)
	s.Texts = LoadTextFiles(cfg.TextDir)

	verbs := dispatch.NewRegistry()
	if err := dispatch.RegisterDefaults(verbs); err != nil {
		return nil, err
	}
	s.Dispatcher = dispatch.New(&dispatch.Env{
		World:  s.World,
		Fabric: s.Fabric,
		Auth:   s.Auth,
		Who:    s.Registry.Who,
	}, verbs, 0)
	s.Dispatcher.OnResult = s.Metrics.command

	s.deps = &session.Deps{
		World:      s.World,
		Dispatcher: s.Dispatcher,
		Auth:       s.Auth,
		Store:      s.Store,
		Renderer:   render.New(),
		Host:       s,
		OnState: func(_ *session.Session, from, to session.State) {
			s.Metrics.sessionState(from, to)
		},
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	return s, nil
}

func (s *Server) loadWorld(ctx context.Context) error {
	snap, err := s.Store.LoadWorldSnapshot(ctx)
	switch {
	case err == nil:
		return s.World.Load(snap)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("server: loading world: %w", err)
	}

	snap = world.DefaultSnapshot()
	if s.Config.WorldSeed != "" {
		if snap, err = world.LoadSeed(s.Config.WorldSeed); err != nil {
			return err
		}
		log.Printf("Seeding world from %s", s.Config.WorldSeed)
	} else {
		log.Printf("No world snapshot found, seeding the default world")
	}
	if err := s.World.Load(snap); err != nil {
		return err
	}
	return s.saveWorld(ctx)
}

func (s *Server) saveWorld(ctx context.Context) error {
	if err := s.Store.SaveWorldSnapshot(ctx, s.World.Snapshot()); err != nil {
		return fmt.Errorf("server: saving world: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Config.Addr())
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called. It always
// returns a non-nil error; after Shutdown it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.loops.Add(1)
	s.mu.Unlock()

	s.startBackground()
	log.Printf("Listening on %s (max %d sessions, duplicate login: %s)", ln.Addr(), s.Config.MaxSessions, s.Config.DuplicateLogin)
	return s.acceptLoop(ln)
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts connections on the given listener until it is closed.
func (s *Server) acceptLoop(ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			// Out of file descriptors and the like: back off and retry.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			log.Printf("Accept error: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.admit(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// admit takes a session slot for conn or refuses it.
func (s *Server) admit(conn net.Conn) {
	select {
	case s.slots <- struct{}{}:
	default:
		s.refuse(conn)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.slots
		conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	s.Metrics.accepted()

	sess := session.New(s.Registry.NextID(), conn, s.Config.Session(s.startRoom), s.deps)
	s.Registry.Add(sess)
	s.Metrics.sessionOpened()
	log.Printf("[%d] New connection from %s", sess.ID, sess.Addr())

	go func() {
		defer s.sessions.Done()
		defer func() { <-s.slots }()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[%d] ERROR: session panic: %v", sess.ID, r)
				conn.Close()
				s.Registry.Remove(sess)
			}
		}()
		sess.Run(s.ctx)
	}()
}

func (s *Server) refuse(conn net.Conn) {
	s.Metrics.refused()
	log.Printf("Refusing connection from %s: %v", conn.RemoteAddr(), ErrServerFull)
	text := s.Texts.Get("full")
	if text == "" {
		text = FullText
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write([]byte(text + "\r\n"))
	conn.Close()
}

// startBackground starts the autosave, scope cleanup, text watcher and
// metrics endpoint.
func (s *Server) startBackground() {
	if err := s.Texts.Watch(s.ctx); err != nil {
		log.Printf("WARNING: Could not watch text directory %s: %v", s.Config.TextDir, err)
	}

	go s.housekeeping()

	if s.Config.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	hs := &http.Server{Addr: s.Config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.metricsHS = hs
	s.mu.Unlock()
	go func() {
		log.Printf("Metrics listening on %s", s.Config.MetricsAddr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: metrics server: %v", err)
		}
	}()
}

// housekeeping periodically saves the world and drops dead broadcast scopes.
func (s *Server) housekeeping() {
	defer s.loops.Done()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()
	var autosave <-chan time.Time
	if iv := s.Config.SnapshotInterval.D(); iv > 0 {
		t := time.NewTicker(iv)
		defer t.Stop()
		autosave = t.C
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-cleanup.C:
			s.Fabric.Cleanup()
		case <-autosave:
			if err := s.saveWorld(s.ctx); err != nil {
				log.Printf("ERROR: autosave: %v", err)
			} else {
				log.Printf("Autosave complete")
			}
		}
	}
}

// Shutdown stops accepting connections, lets queued commands finish,
// closes every session within the shutdown grace period and saves the
// world. Sessions still open when ctx ends are abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	ln, hs := s.listener, s.metricsHS
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	log.Printf("Shutting down: %d sessions", s.Registry.Count())

	var errs []error
	s.World.Broadcast(fmt.Sprintf("%s is shutting down. Goodbye!", s.Config.MudName))

	grace, cancel := context.WithTimeout(ctx, s.Config.ShutdownGrace.D())
	defer cancel()
	if err := s.Dispatcher.Shutdown(grace); err != nil {
		errs = append(errs, fmt.Errorf("server: draining commands: %w", err))
	}
	s.cancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-grace.Done():
		for _, sess := range s.Registry.All() {
			log.Printf("WARNING: %s still %s after shutdown grace", sess, sess.State())
		}
		errs = append(errs, fmt.Errorf("server: closing sessions: %w", grace.Err()))
	}
	s.loops.Wait()

	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.saveWorld(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	log.Printf("Shutdown complete")
	return errors.Join(errs...)
}

// Admit implements session.Host.
func (s *Server) Admit(ctx context.Context, sess *session.Session, id world.Identity) error {
	return s.Registry.Admit(ctx, sess, id)
}

// Release implements session.Host.
func (s *Server) Release(sess *session.Session) {
	s.Registry.Remove(sess)
	log.Printf("[%d] Connection closed from %s", sess.ID, sess.Addr())
}

// Text implements session.Host.
func (s *Server) Text(name string) string {
	return s.Texts.Get(name)
}

// Who implements session.Host.
func (s *Server) Who() []render.WhoEntry {
	return s.Registry.Who()
}

// Status implements session.Host.
func (s *Server) Status() oob.Status {
	port := s.Config.Port
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return oob.Status{
		Name:     s.Config.MudName,
		Players:  s.Registry.Connected(),
		Started:  s.started,
		Port:     port,
		Codebase: VersionString(),
	}
}

var _ session.Host = (*Server)(nil)
