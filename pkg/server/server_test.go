package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/crystal-mush/gochatter/pkg/auth"
	"github.com/crystal-mush/gochatter/pkg/session"
	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/telnet"
	"github.com/crystal-mush/gochatter/pkg/world"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	*Server
	mem  *store.Memory
	addr string
	errc chan error
}

func newTestServer(t *testing.T, mod func(*Config)) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.NegotiationTimeout = Duration(300 * time.Millisecond)
	cfg.FlushTimeout = Duration(time.Second)
	cfg.Keepalive = 0
	cfg.IdleTimeout = 0
	cfg.SnapshotInterval = 0
	cfg.ShutdownGrace = Duration(5 * time.Second)
	cfg.PasswordCost = bcrypt.MinCost
	cfg.PersistAttempts = 1
	if mod != nil {
		mod(&cfg)
	}

	mem := store.NewMemory()
	srv, err := New(context.Background(), cfg, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ts := &testServer{Server: srv, mem: mem, addr: ln.Addr().String(), errc: make(chan error, 1)}
	go func() { ts.errc <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-ts.errc
	})
	return ts
}

// identityID finds the id of a connected identity by name.
func (ts *testServer) identityID(t *testing.T, name string) string {
	t.Helper()
	for _, id := range ts.World.Present() {
		if id.Name == name {
			return id.ID
		}
	}
	t.Fatalf("%s is not in the world", name)
	return ""
}

// client is a telnet client. The plain text it receives, with telnet
// sequences removed, is collected in text; raw keeps every byte.
type client struct {
	conn net.Conn
	mu   sync.Mutex
	raw  bytes.Buffer
	text bytes.Buffer
	eof  chan struct{}
}

func dial(t *testing.T, ts *testServer) *client {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &client{conn: conn, eof: make(chan struct{})}
	go func() {
		defer close(c.eof)
		dec := telnet.NewDecoder()
		b := make([]byte, 1024)
		for {
			n, err := conn.Read(b)
			c.mu.Lock()
			c.raw.Write(b[:n])
			for _, ev := range dec.Feed(b[:n]) {
				if ev.Kind == telnet.PlainData {
					c.text.Write(ev.Data)
				}
			}
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		<-c.eof
	})
	return c
}

// output returns the received text without color codes.
func (c *client) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ansi.Strip(c.text.String())
}

// colored returns the received text including escape sequences.
func (c *client) colored() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.text.Bytes())
}

func (c *client) rawOutput() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.raw.Bytes())
}

func (c *client) waitFor(t *testing.T, want string) {
	t.Helper()
	c.waitCount(t, want, 1)
}

func (c *client) waitCount(t *testing.T, want string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Count(c.output(), want) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d x %q; got:\n%s", n, want, c.output())
}

func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.eof:
	case <-time.After(5 * time.Second):
		t.Fatalf("connection still open; got:\n%s", c.output())
	}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

// negotiateANSI answers the server's opening requests as an ANSI terminal.
func (c *client) negotiateANSI(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	want := []byte{telnet.IAC, telnet.DO, telnet.OptTType}
	for !bytes.Contains(c.rawOutput(), want) {
		if time.Now().After(deadline) {
			t.Fatal("server never asked for the terminal type")
		}
		time.Sleep(time.Millisecond)
	}
	_, err := c.conn.Write(telnet.Encode(
		telnet.Request(telnet.WILL, telnet.OptTType),
		telnet.Request(telnet.WILL, telnet.OptNAWS),
		telnet.Sub(telnet.OptNAWS, []byte{0, 80, 0, 24}),
		telnet.Sub(telnet.OptTType, append([]byte{telnet.TTypeIS}, "ANSI"...)),
	))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
}

// login creates name and waits for the first room description.
func login(t *testing.T, ts *testServer, name string) *client {
	t.Helper()
	c := dial(t, ts)
	c.waitFor(t, "connect <name> <password>")
	c.send(t, "create "+name+" secret")
	c.waitFor(t, "Town Square")
	return c
}

func TestRoomScopedConversation(t *testing.T) {
	ts := newTestServer(t, nil)

	alice := dial(t, ts)
	alice.negotiateANSI(t)
	alice.waitFor(t, "connect <name> <password>")
	alice.send(t, "create alice secret")
	alice.waitFor(t, "Town Square")
	alice.send(t, "look")
	alice.waitCount(t, "Town Square", 2)

	bob := login(t, ts, "bob")
	carol := login(t, ts, "carol")
	carol.send(t, "north")
	carol.waitFor(t, "Quiet Library")

	bob.send(t, "say hello")
	bob.waitFor(t, `You say, "hello"`)
	alice.waitFor(t, `bob says, "hello"`)

	// Once bob's next command ran, the say was fully published; once
	// carol's look arrived, anything queued for her before it was written.
	bob.send(t, "look")
	bob.waitCount(t, "Town Square", 2)
	carol.send(t, "look")
	carol.waitCount(t, "Quiet Library", 2)
	if strings.Contains(carol.output(), "hello") {
		t.Errorf("carol heard a conversation in another room:\n%s", carol.output())
	}

	aliceSess, ok := ts.Registry.Lookup(ts.identityID(t, "alice"))
	if !ok {
		t.Fatal("alice has no session")
	}
	if got := aliceSess.Negotiation().TerminalType; got != "ansi" {
		t.Errorf("alice terminal = %q, want ansi", got)
	}
	if !bytes.Contains(alice.colored(), []byte("\x1b[")) {
		t.Error("alice's ansi terminal got no color")
	}
	if bytes.Contains(bob.colored(), []byte("\x1b[")) {
		t.Error("bob's unnegotiated terminal got color")
	}

	var plaza []string
	for _, id := range ts.World.Occupants("plaza") {
		plaza = append(plaza, id.Name)
	}
	if strings.Join(plaza, ",") != "alice,bob" {
		t.Errorf("plaza occupants = %v", plaza)
	}

	alice.send(t, "who")
	alice.waitFor(t, "3 people connected.")

	all := ts.Registry.All()
	if len(all) != 3 || all[0] != aliceSess || all[0].ID >= all[1].ID || all[1].ID >= all[2].ID {
		t.Errorf("registry sessions = %v", all)
	}
}

func TestDuplicateLoginEvictsOld(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.DuplicateLogin = EvictOld })

	first := login(t, ts, "alice")
	bob := login(t, ts, "bob")
	id := ts.identityID(t, "alice")
	firstSess, _ := ts.Registry.Lookup(id)

	second := dial(t, ts)
	second.waitFor(t, "connect <name> <password>")
	second.send(t, "connect alice secret")
	second.waitFor(t, "Town Square")

	first.waitFor(t, "connected from elsewhere")
	first.waitClosed(t)

	cur, ok := ts.Registry.Lookup(id)
	if !ok || cur == firstSess {
		t.Fatalf("alice is still controlled by the evicted session")
	}
	if got := ts.Registry.Connected(); got != 2 {
		t.Errorf("connected identities = %d, want 2", got)
	}
	n := 0
	for _, p := range ts.World.Present() {
		if p.Name == "alice" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("alice is present %d times", n)
	}
	bob.waitFor(t, "alice has disconnected.")
	bob.waitFor(t, "alice has connected.")

	second.send(t, "say still here")
	bob.waitFor(t, `alice says, "still here"`)
}

func TestDuplicateLoginRejectsNew(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.DuplicateLogin = RejectNew })

	first := login(t, ts, "alice")
	id := ts.identityID(t, "alice")
	firstSess, _ := ts.Registry.Lookup(id)

	second := dial(t, ts)
	second.waitFor(t, "connect <name> <password>")
	second.send(t, "connect alice secret")
	second.waitFor(t, "That character is already connected.")
	second.waitClosed(t)

	cur, ok := ts.Registry.Lookup(id)
	if !ok || cur != firstSess {
		t.Fatal("the original session lost control of alice")
	}
	if firstSess.State() != session.Active {
		t.Errorf("original session state = %s", firstSess.State())
	}
	first.send(t, "say still here")
	first.waitFor(t, `You say, "still here"`)
}

func TestAdmissionLimit(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.MaxSessions = 1 })

	first := dial(t, ts)
	first.waitFor(t, "connect <name> <password>")

	refused := dial(t, ts)
	refused.waitFor(t, FullText)
	refused.waitClosed(t)

	if got := testutil.ToFloat64(ts.Metrics.connections.WithLabelValues("refused")); got != 1 {
		t.Errorf("refused connections = %v", got)
	}

	// The slot is freed when the first session closes.
	first.send(t, "QUIT")
	first.waitClosed(t)
	deadline := time.Now().Add(5 * time.Second)
	for len(ts.slots) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	next := dial(t, ts)
	next.waitFor(t, "connect <name> <password>")
}

func TestShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := login(t, ts, "alice")
	alice.send(t, "east")
	alice.waitFor(t, "The Copper Kettle")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	alice.waitFor(t, "GoChatter is shutting down.")
	alice.waitClosed(t)

	select {
	case err := <-ts.errc:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve returned %v", err)
		}
		ts.errc <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	acct, err := ts.mem.LoadIdentity(context.Background(), "alice")
	if err != nil || acct.Identity.Location != "tavern" {
		t.Errorf("saved account = %+v, %v", acct, err)
	}
	snap, err := ts.mem.LoadWorldSnapshot(context.Background())
	if err != nil || len(snap.Rooms) != len(world.DefaultSnapshot().Rooms) {
		t.Errorf("saved snapshot = %+v, %v", snap, err)
	}
	if err := ts.Shutdown(ctx); !errors.Is(err, ErrServerClosed) {
		t.Errorf("second Shutdown = %v", err)
	}
}

func TestPasswordChangeSurvivesLogout(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := login(t, ts, "alice")
	alice.send(t, "title the Brave")
	alice.waitFor(t, "Title set.")
	alice.send(t, "password secret=hunter22")
	alice.waitFor(t, "Password changed.")
	alice.send(t, "quit")
	alice.waitClosed(t)

	ctx := context.Background()
	acct, err := ts.Auth.Verify(ctx, "alice", "hunter22")
	if err != nil {
		t.Fatalf("new password rejected after logout: %v", err)
	}
	if acct.Identity.Title != "the Brave" {
		t.Errorf("title = %q", acct.Identity.Title)
	}
	if _, err := ts.Auth.Verify(ctx, "alice", "secret"); !errors.Is(err, auth.ErrDenied) {
		t.Errorf("old password: %v", err)
	}

	again := dial(t, ts)
	again.waitFor(t, "connect <name> <password>")
	again.send(t, "connect alice hunter22")
	again.waitFor(t, "Town Square")
}

func TestNewLoadsSavedWorld(t *testing.T) {
	mem := store.NewMemory()
	snap := &world.Snapshot{
		Version:   world.SnapshotVersion,
		StartRoom: "attic",
		Rooms:     []world.Room{{ID: "attic", Name: "Dusty Attic"}},
	}
	if err := mem.SaveWorldSnapshot(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.PasswordCost = bcrypt.MinCost
	srv, err := New(context.Background(), cfg, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r, ok := srv.World.Room("attic"); !ok || r.Name != "Dusty Attic" {
		t.Errorf("room = %+v, %v", r, ok)
	}
	if srv.startRoom != "attic" {
		t.Errorf("start room = %q", srv.startRoom)
	}

	cfg.StartRoom = "cellar"
	if _, err := New(context.Background(), cfg, mem); !errors.Is(err, world.ErrUnknownRoom) {
		t.Errorf("unknown start room: %v", err)
	}
}

func TestNewPersistenceUnavailable(t *testing.T) {
	mem := store.NewMemory()
	mem.Fail = func(op string) error { return errors.New("disk on fire") }
	cfg := DefaultConfig()
	cfg.PersistAttempts = 1
	if _, err := New(context.Background(), cfg, mem); err == nil {
		t.Fatal("New succeeded without a store")
	}
}

func TestFormatTimes(t *testing.T) {
	tests := []struct {
		d          time.Duration
		idle, conn string
	}{
		{5 * time.Second, "5s", "00:00"},
		{90 * time.Second, "1m", "00:01"},
		{2*time.Hour + 5*time.Minute, "2h", "02:05"},
		{50 * time.Hour, "2d", "50:00"},
	}
	for _, tt := range tests {
		if got := FormatIdleTime(tt.d); got != tt.idle {
			t.Errorf("FormatIdleTime(%v) = %q, want %q", tt.d, got, tt.idle)
		}
		if got := FormatConnTime(tt.d); got != tt.conn {
			t.Errorf("FormatConnTime(%v) = %q, want %q", tt.d, got, tt.conn)
		}
	}
}
