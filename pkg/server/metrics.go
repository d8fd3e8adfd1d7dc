package server

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystal-mush/gochatter/pkg/dispatch"
	"github.com/crystal-mush/gochatter/pkg/events"
	"github.com/crystal-mush/gochatter/pkg/session"
	"github.com/crystal-mush/gochatter/pkg/store"
	"github.com/crystal-mush/gochatter/pkg/world"
)

// Metrics holds the Prometheus collectors for one server. Each server has
// its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	sessions        *prometheus.GaugeVec
	connections     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	events          *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	uptimeSeconds   prometheus.GaugeFunc
	goroutines      prometheus.GaugeFunc
}

// NewMetrics creates and registers the server's collectors.
func NewMetrics(fabric *events.Fabric, started time.Time) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gochatter_sessions",
			Help: "Number of live sessions by lifecycle state.",
		}, []string{"state"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochatter_connections_total",
			Help: "Connections since server start by admission result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochatter_commands_total",
			Help: "Commands processed by verb and result.",
		}, []string{"verb", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochatter_events_published_total",
			Help: "Events published by type.",
		}, []string{"type"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gochatter_persistence_failures_total",
			Help: "Failed persistence calls by operation.",
		}, []string{"op"}),
		uptimeSeconds: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gochatter_uptime_seconds",
			Help: "Server uptime in seconds.",
		}, func() float64 { return time.Since(started).Seconds() }),
		goroutines: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gochatter_goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
	}
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gochatter_event_deliveries_dropped_total",
		Help: "Deliveries skipped because a subscriber could not keep up.",
	}, func() float64 {
		_, d := fabric.Stats()
		return float64(d)
	})

	m.Registry.MustRegister(
		m.sessions,
		m.connections,
		m.commands,
		m.events,
		m.persistFailures,
		m.uptimeSeconds,
		m.goroutines,
		dropped,
	)
	fabric.Tap(eventCounter{m.events})
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) accepted() { m.connections.WithLabelValues("accepted").Inc() }
func (m *Metrics) refused()  { m.connections.WithLabelValues("refused").Inc() }

// sessionState tracks lifecycle transitions. A session counts as
// Connecting from accept until its first transition.
func (m *Metrics) sessionState(from, to session.State) {
	m.sessions.WithLabelValues(from.String()).Dec()
	if to != session.Closed {
		m.sessions.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) sessionOpened() {
	m.sessions.WithLabelValues(session.Connecting.String()).Inc()
}

func (m *Metrics) command(cmd dispatch.Command, res dispatch.Result) {
	m.commands.WithLabelValues(cmd.Verb.String(), res.Kind.String()).Inc()
}

// eventCounter is a fabric tap counting events by type.
type eventCounter struct {
	counts *prometheus.CounterVec
}

func (c eventCounter) Deliver(ev events.Event) bool {
	c.counts.WithLabelValues(ev.Type.String()).Inc()
	return true
}

func (eventCounter) Closed() bool { return false }
func (eventCounter) Fault(error)  {}

// instrumented counts failed persistence calls. ErrNotFound and
// ErrNameTaken are answers, not failures.
type instrumented struct {
	next     store.Gateway
	failures *prometheus.CounterVec
}

func (m *Metrics) instrument(gw store.Gateway) store.Gateway {
	return &instrumented{next: gw, failures: m.persistFailures}
}

func (g *instrumented) observe(op string, err error) error {
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrNameTaken) {
		g.failures.WithLabelValues(op).Inc()
	}
	return err
}

func (g *instrumented) LoadIdentity(ctx context.Context, name string) (*store.Account, error) {
	acct, err := g.next.LoadIdentity(ctx, name)
	return acct, g.observe("load_identity", err)
}

func (g *instrumented) CreateIdentity(ctx context.Context, acct *store.Account) error {
	return g.observe("create_identity", g.next.CreateIdentity(ctx, acct))
}

func (g *instrumented) SaveIdentity(ctx context.Context, acct *store.Account) error {
	return g.observe("save_identity", g.next.SaveIdentity(ctx, acct))
}

func (g *instrumented) LoadWorldSnapshot(ctx context.Context) (*world.Snapshot, error) {
	snap, err := g.next.LoadWorldSnapshot(ctx)
	return snap, g.observe("load_world", err)
}

func (g *instrumented) SaveWorldSnapshot(ctx context.Context, snap *world.Snapshot) error {
	return g.observe("save_world", g.next.SaveWorldSnapshot(ctx, snap))
}
