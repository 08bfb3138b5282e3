package metrics

import "sync"

// Counter names. Each is exported as one `event` label value.
const (
	StreamPeersConnected    = "stream_peers_connected"
	StreamPeersDisconnected = "stream_peers_disconnected"
	StreamPeersRejected     = "stream_peers_rejected"
	StreamBytesReceived     = "stream_bytes_received"
	StreamBytesSent         = "stream_bytes_sent"
	StreamSendFailures      = "stream_send_failures"
	StreamAcceptRetries     = "stream_accept_retries"

	DatagramPeersRegistered = "datagram_peers_registered"
	DatagramPacketsReceived = "datagram_packets_received"
	DatagramBytesReceived   = "datagram_bytes_received"
	DatagramBytesSent       = "datagram_bytes_sent"
	DatagramSendFailures    = "datagram_send_failures"
	DatagramDroppedOversize = "datagram_dropped_oversize"
	EventFeedSubscribers    = "event_feed_subscribers"
	EventFeedDroppedEvents  = "event_feed_dropped_events"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The zero value is not usable; use New.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
