package collaboration

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics are the gateway counters served on the health endpoints
type Metrics struct {
	connections atomic.Int64
	updates     atomic.Uint64

	mu         sync.Mutex
	avgLatency float64 // milliseconds, exponential moving average
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Connections      int64   `json:"connections"`
	UpdatesProcessed uint64  `json:"updates_processed"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// ObserveUpdate records one processed update.
// The average weights history 0.9 and the new sample 0.1.
func (m *Metrics) ObserveUpdate(d time.Duration) {
	n := m.updates.Add(1)
	ms := float64(d) / float64(time.Millisecond)

	m.mu.Lock()
	if n == 1 {
		m.avgLatency = ms
	} else {
		m.avgLatency = m.avgLatency*0.9 + ms*0.1
	}
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	avg := m.avgLatency
	m.mu.Unlock()

	return MetricsSnapshot{
		Connections:      m.connections.Load(),
		UpdatesProcessed: m.updates.Load(),
		AverageLatencyMs: avg,
	}
}
