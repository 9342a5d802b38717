// Package clientmetrics tracks per-transport message statistics.
package clientmetrics

import (
	"sync/atomic"
	"time"

	"github.com/torosent/streamfire/internal/connection"
)

// ClientMetrics counts messages, bytes and failures of one transport. It is
// safe for concurrent use by every in-flight sample on that transport.
type ClientMetrics struct {
	protocol     string
	connectTime  atomic.Int64
	dials        atomic.Int64
	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	errors       atomic.Int64
}

// New creates a new ClientMetrics instance for protocol.
func New(protocol string) *ClientMetrics {
	return &ClientMetrics{protocol: protocol}
}

// MarkConnected records a successful dial. The first one starts the
// connection clock.
func (m *ClientMetrics) MarkConnected() {
	m.dials.Add(1)
	m.connectTime.CompareAndSwap(0, time.Now().UnixNano())
}

// IncrementSent increments messages sent and bytes sent counters.
func (m *ClientMetrics) IncrementSent(bytes int64) {
	m.messagesSent.Add(1)
	m.bytesSent.Add(bytes)
}

// IncrementReceived increments messages received and bytes received counters.
func (m *ClientMetrics) IncrementReceived(bytes int64) {
	m.messagesRecv.Add(1)
	m.bytesRecv.Add(bytes)
}

// IncrementErrors increments the error counter.
func (m *ClientMetrics) IncrementErrors() {
	m.errors.Add(1)
}

// Reset clears the connection time (used when disconnecting).
func (m *ClientMetrics) Reset() {
	m.connectTime.Store(0)
}

// ConnectionDuration returns the duration since the first connection was
// established. Returns 0 if never connected.
func (m *ClientMetrics) ConnectionDuration() time.Duration {
	start := m.connectTime.Load()
	if start == 0 {
		return 0
	}
	return time.Since(time.Unix(0, start))
}

// Dials returns the number of connections established.
func (m *ClientMetrics) Dials() int64 { return m.dials.Load() }

// Snapshot returns the counters as a connection.Metrics value.
func (m *ClientMetrics) Snapshot() connection.Metrics {
	return connection.Metrics{
		Protocol:         m.protocol,
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesRecv.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesRecv.Load(),
		Errors:           m.errors.Load(),
	}
}
