package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names one engine counter.
type Counter int

const (
	SignalsReceived Counter = iota
	SignalsDeduplicated
	SignalsIgnored
	OrdersDispatched
	OrdersRejected
	ProtectiveOrdersPlaced
	EventsApplied
	EventsDiscarded
	EventsForeign
	EventErrors
	Resyncs
	Reconnects
	OrphansCanceled
	SweeperCancels
	AuditDiffs
	numCounters
)

var counterNames = [numCounters]string{
	SignalsReceived:        "signals_received",
	SignalsDeduplicated:    "signals_deduplicated",
	SignalsIgnored:         "signals_ignored",
	OrdersDispatched:       "orders_dispatched",
	OrdersRejected:         "orders_rejected",
	ProtectiveOrdersPlaced: "protective_orders_placed",
	EventsApplied:          "events_applied",
	EventsDiscarded:        "events_discarded",
	EventsForeign:          "events_foreign",
	EventErrors:            "event_errors",
	Resyncs:                "resyncs",
	Reconnects:             "reconnects",
	OrphansCanceled:        "orphans_canceled",
	SweeperCancels:         "sweeper_cancels",
	AuditDiffs:             "audit_diffs",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// SystemMetrics tracks engine counters and latencies. A nil *SystemMetrics
// is valid and records nothing.
type SystemMetrics struct {
	counters [numCounters]atomic.Uint64

	GatewayLatency *LatencyHistogram
	ApplyLatency   *LatencyHistogram

	mu          sync.Mutex
	gatewayByOp map[string]*LatencyHistogram

	queueDepth func() int
	started    time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		GatewayLatency: NewLatencyHistogram(1000),
		ApplyLatency:   NewLatencyHistogram(1000),
		gatewayByOp:    make(map[string]*LatencyHistogram),
		started:        time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputed only after new
// samples arrive.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Inc bumps a counter.
func (m *SystemMetrics) Inc(c Counter) {
	if m == nil || c < 0 || c >= numCounters {
		return
	}
	m.counters[c].Add(1)
}

// Count reads a counter.
func (m *SystemMetrics) Count(c Counter) uint64 {
	if m == nil || c < 0 || c >= numCounters {
		return 0
	}
	return m.counters[c].Load()
}

// ObserveGateway records one gateway attempt. Its signature matches
// gateway.Observer.
func (m *SystemMetrics) ObserveGateway(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.GatewayLatency.RecordDuration(elapsed)
	m.mu.Lock()
	h, ok := m.gatewayByOp[op]
	if !ok {
		h = NewLatencyHistogram(200)
		m.gatewayByOp[op] = h
	}
	m.mu.Unlock()
	h.RecordDuration(elapsed)
}

// ObserveApply records how long the worker spent on one event.
func (m *SystemMetrics) ObserveApply(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ApplyLatency.RecordDuration(elapsed)
}

// SetQueueDepth registers a probe for the event queue length.
func (m *SystemMetrics) SetQueueDepth(fn func() int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.queueDepth = fn
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Counters       map[string]uint64       `json:"counters"`
	GatewayLatency LatencyStats            `json:"gateway_latency"`
	GatewayByOp    map[string]LatencyStats `json:"gateway_latency_by_op"`
	ApplyLatency   LatencyStats            `json:"apply_latency"`
	QueueDepth     int                     `json:"queue_depth"`
	GoroutineCount int                     `json:"goroutine_count"`
	HeapAlloc      uint64                  `json:"heap_alloc_bytes"`
	Uptime         string                  `json:"uptime"`
	Timestamp      time.Time               `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := MetricsSnapshot{
		Counters:       make(map[string]uint64, numCounters),
		GatewayLatency: m.GatewayLatency.Stats(),
		GatewayByOp:    make(map[string]LatencyStats),
		ApplyLatency:   m.ApplyLatency.Stats(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Uptime:         time.Since(m.started).Round(time.Second).String(),
		Timestamp:      time.Now(),
	}
	for c := Counter(0); c < numCounters; c++ {
		snap.Counters[c.String()] = m.counters[c].Load()
	}

	m.mu.Lock()
	for op, h := range m.gatewayByOp {
		snap.GatewayByOp[op] = h.Stats()
	}
	depth := m.queueDepth
	m.mu.Unlock()
	if depth != nil {
		snap.QueueDepth = depth()
	}
	return snap
}
