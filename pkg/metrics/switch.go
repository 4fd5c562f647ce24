package metrics

import (
	"sync"
)

// SwitchMetrics tracks the counters behind rpcswitch.get_stats and the
// status server. Gauges move on connection lifecycle events, counters only
// ever go up.
type SwitchMetrics struct {
	mu sync.RWMutex

	// Frame metrics
	Chunks             int64
	ForwardedRequests  int64
	ForwardedResponses int64
	DroppedResponses   int64

	// Connection metrics
	Connections  int64 // cumulative accepted
	Clients      int64 // currently connected
	Workers      int64 // currently announcing at least one method
	AuthFailures int64
}

// NewSwitchMetrics creates a zeroed SwitchMetrics instance.
func NewSwitchMetrics() *SwitchMetrics {
	return &SwitchMetrics{}
}

// RecordChunk counts one handled JSON frame.
func (m *SwitchMetrics) RecordChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Chunks++
}

// RecordConnection counts an accepted connection and raises the client gauge.
func (m *SwitchMetrics) RecordConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Connections++
	m.Clients++
}

// RecordDisconnect lowers the client gauge.
func (m *SwitchMetrics) RecordDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Clients--
}

// RecordWorker moves the worker gauge when a connection gains its first
// announced method (+1) or loses its last one (-1).
func (m *SwitchMetrics) RecordWorker(delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Workers += delta
}

// RecordAuthFailure counts a rejected hello.
func (m *SwitchMetrics) RecordAuthFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthFailures++
}

// RecordForward counts one message relayed over a channel.
func (m *SwitchMetrics) RecordForward(request bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if request {
		m.ForwardedRequests++
	} else {
		m.ForwardedResponses++
	}
}

// RecordDrop counts a response that matched no pending request and was
// discarded.
func (m *SwitchMetrics) RecordDrop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedResponses++
}

// ChunkCount reports how many JSON frames the switch has handled.
func (m *SwitchMetrics) ChunkCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Chunks
}

// ConnectionCount reports how many connections have ever been accepted.
func (m *SwitchMetrics) ConnectionCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Connections
}

// Snapshot returns a consistent copy of the current values.
func (m *SwitchMetrics) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]any{
		"chunks":              m.Chunks,
		"forwarded_requests":  m.ForwardedRequests,
		"forwarded_responses": m.ForwardedResponses,
		"dropped_responses":   m.DroppedResponses,
		"connections":         m.Connections,
		"clients":             m.Clients,
		"workers":             m.Workers,
		"auth_failures":       m.AuthFailures,
	}
}

// Reset clears every counter and gauge.
func (m *SwitchMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Chunks = 0
	m.ForwardedRequests = 0
	m.ForwardedResponses = 0
	m.DroppedResponses = 0
	m.Connections = 0
	m.Clients = 0
	m.Workers = 0
	m.AuthFailures = 0
}
