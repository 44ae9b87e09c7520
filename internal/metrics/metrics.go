package metrics

import "sync"

// Event names tracked by the coordinator and the signaling transport.
const (
	EventLogin              = "login"
	EventLoginFailed        = "login_failed"
	EventJoin               = "join"
	EventOfferProposed      = "offer_proposed"
	EventOfferDeclined      = "offer_declined"
	EventCallEstablished    = "call_established"
	EventCallEnded          = "call_ended"
	EventCallAborted        = "call_aborted"
	EventSignalRelayed      = "signal_relayed"
	EventSignalRejected     = "signal_rejected"
	EventDisconnectCleanup  = "disconnect_cleanup"
	EventTooManyConnections = "too_many_connections"
	EventRateLimited        = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters are exported through the Prometheus text handler in this package;
// keeping the registry in-process keeps the coordinator logic testable
// without a metrics backend.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
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

// Snapshot returns a copy of all counters.
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
