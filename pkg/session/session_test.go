package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/crystal-mush/gochatter/pkg/auth"
	"github.com/crystal-mush/gochatter/pkg/dispatch"
	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/oob"
	"github.com/crystal-mush/gochatter/pkg/render"
	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/telnet"
	"github.com/crystal-mush/gochatter/pkg/world"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Connecting, Negotiating, true},
		{Negotiating, Authenticating, true},
		{Authenticating, Active, true},
		{Active, Closing, true},
		{Closing, Closed, true},
		{Negotiating, Closing, true},
		{Authenticating, Closing, true},
		{Connecting, Active, false},
		{Negotiating, Active, false},
		{Active, Authenticating, false},
		{Closed, Connecting, false},
		{Closing, Active, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestLineAssembler(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"lf", []string{"look\n"}, []string{"look"}},
		{"crlf", []string{"look\r\n"}, []string{"look"}},
		{"cr nul", []string{"look\r\x00say hi\r\x00"}, []string{"look", "say hi"}},
		{"bare cr", []string{"look\rsay hi\r"}, []string{"look", "say hi"}},
		{"split crlf", []string{"look\r", "\nsay hi\n"}, []string{"look", "say hi"}},
		{"empty lines", []string{"\r\n\n"}, []string{"", ""}},
		{"backspace", []string{"lool\bk\n"}, []string{"look"}},
		{"delete", []string{"x\x7f\x7flook\n"}, []string{"look"}},
		{"controls dropped", []string{"lo\x1bok\x07\n"}, []string{"look"}},
		{"tab kept", []string{"a\tb\n"}, []string{"a\tb"}},
		{"partial", []string{"loo"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewLineAssembler()
			var got []string
			for _, in := range tt.input {
				got = append(got, a.Write([]byte(in))...)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("lines = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineAssemblerLimit(t *testing.T) {
	a := NewLineAssembler()
	lines := a.Write(append(bytes.Repeat([]byte("x"), MaxLineLen+100), '\n'))
	if len(lines) != 1 || len(lines[0]) != MaxLineLen {
		t.Errorf("got %d lines, first %d bytes", len(lines), len(lines[0]))
	}
}

func TestParseConnect(t *testing.T) {
	tests := []struct {
		in                  string
		cmd, user, password string
	}{
		{"connect alice secret", "connect", "alice", "secret"},
		{"CONNECT alice  secret words", "connect", "alice", "secret words"},
		{`connect "alice" secret`, "connect", "alice", "secret"},
		{"create bob pw", "create", "bob", "pw"},
		{"WHO", "who", "", ""},
		{"QUIT", "quit", "", ""},
		{"connect", "connect", "", ""},
		{"   ", "", "", ""},
	}
	for _, tt := range tests {
		cmd, user, pw := ParseConnect(tt.in)
		if cmd != tt.cmd || user != tt.user || pw != tt.password {
			t.Errorf("ParseConnect(%q) = %q %q %q", tt.in, cmd, user, pw)
		}
	}
}

// fakeHost admits everyone and records releases.
type fakeHost struct {
	mu         sync.Mutex
	reject     error
	failStatus bool
	admitted   []*Session
	released   []*Session
}

func (h *fakeHost) Admit(ctx context.Context, s *Session, id world.Identity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject != nil {
		return h.reject
	}
	h.admitted = append(h.admitted, s)
	return nil
}

func (h *fakeHost) Release(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, s)
}

func (h *fakeHost) Text(name string) string {
	if name == "motd" {
		return "Welcome to the test talker."
	}
	return ""
}

func (h *fakeHost) Who() []render.WhoEntry {
	return []render.WhoEntry{{Name: "nobody"}}
}

func (h *fakeHost) Status() oob.Status {
	if h.failStatus {
		panic("status unavailable")
	}
	return oob.Status{Name: "test", Codebase: "gochatter"}
}

type harness struct {
	deps   *Deps
	host   *fakeHost
	mem    *store.Memory
	world  *world.Manager
	fabric *events.Fabric
	cfg    Config
	nextID int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fabric := events.NewFabric()
	w := world.NewManager(fabric, 0)
	mem := store.NewMemory()
	v := auth.New(mem, bcrypt.MinCost)
	disp := dispatch.New(&dispatch.Env{World: w, Fabric: fabric, Auth: v}, nil, 0)
	t.Cleanup(func() { disp.Shutdown(context.Background()) })
	host := &fakeHost{}

	cfg := DefaultConfig()
	cfg.NegotiationTimeout = 10 * time.Millisecond
	cfg.AuthTimeout = 5 * time.Second
	cfg.FlushTimeout = time.Second
	cfg.Keepalive = 0
	cfg.StartRoom = "plaza"

	return &harness{
		deps: &Deps{
			World:      w,
			Dispatcher: disp,
			Auth:       v,
			Store:      mem,
			Renderer:   render.New(),
			Host:       host,
		},
		host:   host,
		mem:    mem,
		world:  w,
		fabric: fabric,
		cfg:    cfg,
	}
}

// client is the far end of a net.Pipe. Everything the session writes is
// collected.
type client struct {
	conn   net.Conn
	mu     sync.Mutex
	buf    bytes.Buffer
	eof    chan struct{}
	paused atomic.Bool
}

func (h *harness) start(t *testing.T) (*Session, *client) {
	t.Helper()
	srv, cli := net.Pipe()
	h.nextID++
	s := New(h.nextID, srv, h.cfg, h.deps)
	c := &client{conn: cli, eof: make(chan struct{})}
	go func() {
		defer close(c.eof)
		b := make([]byte, 1024)
		for {
			for c.paused.Load() {
				time.Sleep(time.Millisecond)
			}
			n, err := cli.Read(b)
			c.mu.Lock()
			c.buf.Write(b[:n])
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	go s.Run(context.Background())
	t.Cleanup(func() {
		cli.Close()
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("session %d did not close", s.ID)
		}
	})
	return s, c
}

func (c *client) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *client) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(c.output(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q; got:\n%q", want, c.output())
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (c *client) sendRaw(t *testing.T, p []byte) {
	t.Helper()
	if _, err := c.conn.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session %d still %s", s.ID, s.State())
	}
}

func TestLoginWithNegotiatedTerminal(t *testing.T) {
	h := newHarness(t)
	h.cfg.NegotiationTimeout = 2 * time.Second
	s, c := h.start(t)

	c.waitFor(t, string([]byte{telnet.IAC, telnet.DO, telnet.OptTType}))
	c.sendRaw(t, telnet.Encode(
		telnet.Request(telnet.WILL, telnet.OptTType),
		telnet.Request(telnet.WILL, telnet.OptNAWS),
		telnet.Sub(telnet.OptNAWS, []byte{0, 100, 0, 40}),
		telnet.Sub(telnet.OptTType, append([]byte{telnet.TTypeIS}, "ANSI"...)),
	))
	c.waitFor(t, "connect <name> <password>")

	neg := s.Negotiation()
	if neg.TerminalType != "ansi" || neg.Width != 100 || neg.Height != 40 {
		t.Errorf("negotiation = %+v", neg)
	}

	c.send(t, "create alice secret")
	c.waitFor(t, "Welcome to the test talker.")
	c.waitFor(t, "Town Square")
	if s.State() != Active {
		t.Errorf("state = %s", s.State())
	}
	id, ok := s.Identity()
	if !ok || id.Name != "alice" || id.Location != "plaza" {
		t.Errorf("identity = %+v", id)
	}

	c.send(t, "n")
	c.waitFor(t, "Library")
	c.send(t, "quit")
	c.waitFor(t, "Goodbye.")
	waitDone(t, s)

	if s.State() != Closed {
		t.Errorf("state = %s", s.State())
	}
	if _, present := h.world.Identity(id.ID); present {
		t.Error("alice still in the world")
	}
	acct, err := h.mem.LoadIdentity(context.Background(), "alice")
	if err != nil || acct.Identity.Location != "library" {
		t.Errorf("saved account = %+v, %v", acct, err)
	}
	if len(h.host.released) != 1 {
		t.Errorf("released %d times", len(h.host.released))
	}
}

func TestNegotiationTimeoutRetriesOnce(t *testing.T) {
	h := newHarness(t)
	s, c := h.start(t)

	c.waitFor(t, "connect <name> <password>")
	doTType := string([]byte{telnet.IAC, telnet.DO, telnet.OptTType})
	if n := strings.Count(c.output(), doTType); n != 2 {
		t.Errorf("DO TTYPE sent %d times, want 2", n)
	}
	if tt := s.Negotiation().TerminalType; tt != telnet.DefaultTerminalType {
		t.Errorf("terminal type = %q", tt)
	}
	if s.State() != Authenticating {
		t.Errorf("state = %s", s.State())
	}
}

func TestLoginFailuresClose(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxAuthRetries = 2
	s, c := h.start(t)

	c.waitFor(t, "connect <name> <password>")
	c.send(t, "connect nobody nothing")
	c.waitFor(t, "does not exist")
	c.send(t, "connect nobody nothing")
	c.waitFor(t, "Too many failed attempts.")
	waitDone(t, s)
	if len(h.host.admitted) != 0 {
		t.Error("failed login was admitted")
	}
}

func TestLoginScreenCommands(t *testing.T) {
	h := newHarness(t)
	s, c := h.start(t)
	c.waitFor(t, "connect <name> <password>")
	c.send(t, "dance")
	c.waitFor(t, `Use "connect`)
	c.send(t, "WHO")
	c.waitFor(t, "nobody")
	c.send(t, "create x pw")
	c.waitFor(t, "Names must be")
	c.send(t, "QUIT")
	c.waitFor(t, "Goodbye.")
	waitDone(t, s)
}

func TestAuthTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.AuthTimeout = 50 * time.Millisecond
	s, c := h.start(t)
	c.waitFor(t, "Login timed out.")
	waitDone(t, s)
}

func TestAdmissionRefused(t *testing.T) {
	h := newHarness(t)
	h.host.reject = errors.New("duplicate")
	s, c := h.start(t)
	c.waitFor(t, "connect <name> <password>")
	c.send(t, "create alice secret")
	c.waitFor(t, "already connected")
	waitDone(t, s)
	if len(h.world.Present()) != 0 {
		t.Error("refused session entered the world")
	}
}

func TestPasswordPromptHidesInput(t *testing.T) {
	h := newHarness(t)
	s, c := h.start(t)
	c.waitFor(t, "connect <name> <password>")

	c.send(t, "create alice")
	c.waitFor(t, "Password:")
	c.waitFor(t, string([]byte{telnet.IAC, telnet.WILL, telnet.OptEcho}))
	c.sendRaw(t, telnet.Encode(telnet.Request(telnet.DO, telnet.OptEcho)))
	deadline := time.Now().Add(3 * time.Second)
	for !s.Negotiation().Options[telnet.OptEcho].Enabled {
		if time.Now().After(deadline) {
			t.Fatal("server never took over echo")
		}
		time.Sleep(time.Millisecond)
	}

	c.send(t, "secret")
	c.waitFor(t, string([]byte{telnet.IAC, telnet.WONT, telnet.OptEcho}))
	c.waitFor(t, "Town Square")
	if s.Negotiation().Options[telnet.OptEcho].Enabled {
		t.Error("echo still held by the server after login")
	}
	if strings.Contains(c.output(), "secret") {
		t.Error("password was written back to the client")
	}
	if _, err := h.deps.Auth.Verify(context.Background(), "alice", "secret"); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestReaderPanicClosesSession(t *testing.T) {
	h := newHarness(t)
	h.host.failStatus = true
	h.cfg.NegotiationTimeout = 2 * time.Second
	s, c := h.start(t)

	c.waitFor(t, string([]byte{telnet.IAC, telnet.WILL, telnet.OptMSSP}))
	// Accepting MSSP makes the reader ask the host for its status.
	c.sendRaw(t, telnet.Encode(telnet.Request(telnet.DO, telnet.OptMSSP)))
	waitDone(t, s)
	if len(h.host.released) != 1 {
		t.Errorf("released %d times", len(h.host.released))
	}
}

func login(t *testing.T, h *harness, name string) (*Session, *client) {
	t.Helper()
	s, c := h.start(t)
	c.waitFor(t, "connect <name> <password>")
	c.send(t, "create "+name+" secret")
	c.waitFor(t, "Town Square")
	return s, c
}

func TestEvictLeavesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	s, c := login(t, h, "alice")
	_, bob := login(t, h, "bob")

	s.Evict("You have been replaced.")
	s.Evict("again")
	select {
	case <-s.Left():
	case <-time.After(3 * time.Second):
		t.Fatal("evicted session never left")
	}
	waitDone(t, s)
	c.waitFor(t, "You have been replaced.")

	bob.waitFor(t, "alice has disconnected.")
	if n := strings.Count(bob.output(), "alice has disconnected."); n != 1 {
		t.Errorf("bob saw %d disconnects", n)
	}
	if len(h.world.Present()) != 1 {
		t.Errorf("present = %+v", h.world.Present())
	}
}

func TestPeerDisconnectLeaves(t *testing.T) {
	h := newHarness(t)
	s, c := login(t, h, "alice")
	c.send(t, "e")
	c.waitFor(t, "Copper Kettle")
	c.conn.Close()
	waitDone(t, s)
	if len(h.world.Present()) != 0 {
		t.Error("alice still present")
	}
	acct, err := h.mem.LoadIdentity(context.Background(), "alice")
	if err != nil || acct.Identity.Location != "tavern" {
		t.Errorf("saved = %+v, %v", acct, err)
	}
}

func TestIdleTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.IdleTimeout = 100 * time.Millisecond
	s, c := login(t, h, "alice")
	c.waitFor(t, "idle too long")
	waitDone(t, s)
}

func TestMalformedInputIgnored(t *testing.T) {
	h := newHarness(t)
	s, c := login(t, h, "alice")
	c.sendRaw(t, []byte{telnet.IAC, 0x01})
	c.send(t, "say still here")
	c.waitFor(t, `You say, "still here"`)
	if s.Malformed() != 1 {
		t.Errorf("malformed = %d", s.Malformed())
	}
	if s.State() != Active {
		t.Errorf("state = %s", s.State())
	}
}

func TestSlowSubscriberTornDown(t *testing.T) {
	h := newHarness(t)
	h.cfg.OutboundQueue = 4
	s, c := login(t, h, "alice")
	c.paused.Store(true)
	defer c.paused.Store(false)
	for i := 0; i < 64; i++ {
		h.fabric.Publish(events.Event{Type: events.EvSystem, Scope: events.Global, Text: "flood"})
	}
	select {
	case <-s.Left():
	case <-time.After(3 * time.Second):
		t.Fatal("flooded session was not torn down")
	}
}
