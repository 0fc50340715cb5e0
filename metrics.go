package aria

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks process-wide counters for system.status and exports them
// to Prometheus. Counters are plain atomics mirrored into the registry via
// CounterFunc/GaugeFunc so system.status can read them back without a
// registry Gather round-trip. All methods are nil-safe: a nil *Metrics
// disables instrumentation.
type Metrics struct {
	registry  *prometheus.Registry
	startedAt time.Time

	memoriesStored  atomic.Int64
	memoriesPruned  atomic.Int64
	searches        atomic.Int64
	decayCycles     atomic.Int64
	decayedMemories atomic.Int64
	pruneRuns       atomic.Int64
	rpcRequests     atomic.Int64
	activeSessions  atomic.Int64
	chatTurns       atomic.Int64
}

// NewMetrics builds a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}

	counters := []struct {
		name string
		help string
		v    *atomic.Int64
	}{
		{"aria_memories_stored_total", "Memories stored through the memory manager.", &m.memoriesStored},
		{"aria_memories_pruned_total", "Memories deleted by the pruner.", &m.memoriesPruned},
		{"aria_memory_searches_total", "Similarity searches served.", &m.searches},
		{"aria_decay_cycles_total", "Decay worker cycles completed.", &m.decayCycles},
		{"aria_memories_decayed_total", "Memories whose importance a decay cycle reduced.", &m.decayedMemories},
		{"aria_prune_runs_total", "Pruner invocations that reached the deleting state.", &m.pruneRuns},
		{"aria_rpc_requests_total", "JSON-RPC requests dispatched.", &m.rpcRequests},
		{"aria_chat_turns_total", "Chat turns completed.", &m.chatTurns},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "aria_active_sessions", Help: "Currently connected sessions."},
		func() float64 { return float64(m.activeSessions.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "aria_uptime_seconds", Help: "Seconds since runtime init."},
		func() float64 { return time.Since(m.startedAt).Seconds() },
	))

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncStored() {
	if m != nil {
		m.memoriesStored.Add(1)
	}
}

func (m *Metrics) AddPruned(n int) {
	if m != nil {
		m.memoriesPruned.Add(int64(n))
	}
}

func (m *Metrics) IncSearch() {
	if m != nil {
		m.searches.Add(1)
	}
}

func (m *Metrics) IncDecayCycle() {
	if m != nil {
		m.decayCycles.Add(1)
	}
}

func (m *Metrics) AddDecayed(n int) {
	if m != nil {
		m.decayedMemories.Add(int64(n))
	}
}

func (m *Metrics) IncPruneRun() {
	if m != nil {
		m.pruneRuns.Add(1)
	}
}

func (m *Metrics) IncRPCRequest() {
	if m != nil {
		m.rpcRequests.Add(1)
	}
}

func (m *Metrics) IncChatTurn() {
	if m != nil {
		m.chatTurns.Add(1)
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.activeSessions.Add(1)
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.activeSessions.Add(-1)
	}
}

// StatusSnapshot is the counter set surfaced by system.status.
type StatusSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	MemoriesStored  int64   `json:"memories_stored"`
	MemoriesPruned  int64   `json:"memories_pruned"`
	Searches        int64   `json:"searches"`
	DecayCycles     int64   `json:"decay_cycles"`
	DecayedMemories int64   `json:"memories_decayed"`
	PruneRuns       int64   `json:"prune_runs"`
	RPCRequests     int64   `json:"rpc_requests"`
	ChatTurns       int64   `json:"chat_turns"`
	ActiveSessions  int64   `json:"active_sessions"`
}

// Snapshot reads the current counter values. Safe on a nil receiver.
func (m *Metrics) Snapshot() StatusSnapshot {
	if m == nil {
		return StatusSnapshot{}
	}
	return StatusSnapshot{
		UptimeSeconds:   time.Since(m.startedAt).Seconds(),
		MemoriesStored:  m.memoriesStored.Load(),
		MemoriesPruned:  m.memoriesPruned.Load(),
		Searches:        m.searches.Load(),
		DecayCycles:     m.decayCycles.Load(),
		DecayedMemories: m.decayedMemories.Load(),
		PruneRuns:       m.pruneRuns.Load(),
		RPCRequests:     m.rpcRequests.Load(),
		ChatTurns:       m.chatTurns.Load(),
		ActiveSessions:  m.activeSessions.Load(),
	}
}
