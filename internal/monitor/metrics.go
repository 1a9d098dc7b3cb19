package monitor

import (
	"sort"
	"sync"
	"time"
)

// Well-known counter names.
const (
	CounterOrdersTotal         = "orders_total"
	CounterOrdersRejected      = "orders_rejected"
	CounterOrdersDispatched    = "orders_dispatched"
	CounterOrdersCancelled     = "orders_cancelled"
	CounterDispatchSuppressed  = "dispatch_suppressed"
	CounterDispatchRetries     = "dispatch_retries"
	CounterDispatchFailed      = "dispatch_failed"
	CounterExecutionsApplied   = "executions_applied"
	CounterExecutionsDuplicate = "executions_duplicate"
	CounterInvalidTransitions  = "invalid_transitions"
	CounterAPIRequests         = "api_requests_total"
	CounterAPIErrors           = "api_errors_total"
)

// RiskRejectCounter builds the per-reason rejection counter name.
func RiskRejectCounter(reason string) string {
	return "risk_rejects:" + reason
}

// Metrics tracks named counters plus dispatch and API latency histograms.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]uint64

	DispatchLatency *LatencyHistogram
	APILatency      *LatencyHistogram
}

// NewMetrics creates an empty metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:        make(map[string]uint64),
		DispatchLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
	}
}

// Inc increments a named counter by one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add increments a named counter by n.
func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// Get returns a counter's current value.
func (m *Metrics) Get(name string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Snapshot returns all counters plus latency percentiles as a flat
// name → number map.
func (m *Metrics) Snapshot() map[string]float64 {
	m.mu.RLock()
	out := make(map[string]float64, len(m.counters)+6)
	for k, v := range m.counters {
		out[k] = float64(v)
	}
	m.mu.RUnlock()

	if stats := m.DispatchLatency.Stats(); stats.Count > 0 {
		out["dispatch_latency_ms_p50"] = stats.P50
		out["dispatch_latency_ms_p95"] = stats.P95
		out["dispatch_latency_ms_max"] = stats.Max
	}
	if stats := m.APILatency.Stats(); stats.Count > 0 {
		out["api_latency_ms_p50"] = stats.P50
		out["api_latency_ms_p95"] = stats.P95
		out["api_latency_ms_max"] = stats.Max
	}
	return out
}

// LatencyHistogram tracks latency samples with a sliding window.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg, p50, p95 over the current window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

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

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		Count: n,
	}
}
