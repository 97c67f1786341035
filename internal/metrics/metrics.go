package metrics

import "sync"

// Event names recorded by the broadcast session and the signaling server.
const (
	ConnectAttempt          = "connect_attempt"
	ConnectSuccess          = "connect_success"
	ConnectError            = "connect_error"
	Disconnect              = "disconnect"
	ReconnectGiveUp         = "reconnect_give_up"
	TransportFallback       = "transport_fallback"
	BroadcastStartRequested = "broadcast_start_requested"
	BroadcastStartOK        = "broadcast_start_ok"
	BroadcastStartRejected  = "broadcast_start_rejected"
	BroadcastStartTimeout   = "broadcast_start_timeout"
	BroadcastStopped        = "broadcast_stopped"
	MessageSent             = "message_sent"
	MessageReceived         = "message_received"
	MessageDecodeError      = "message_decode_error"
	RelayDroppedNotConn     = "relay_dropped_not_connected"

	PeerConnected    = "peer_connected"
	PeerDisconnected = "peer_disconnected"
	PeerAnswered     = "peer_answered"
	PeerFailed       = "peer_failed"

	DropReasonRateLimited = "rate_limited"
	DropReasonTooLarge    = "message_too_large"
	DropReasonNoTarget    = "no_target"
)

// Metrics is a minimal, concurrency-safe counter registry. Prometheus
// exposition is layered on top by Collector.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

// New returns an empty counter set.
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
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
