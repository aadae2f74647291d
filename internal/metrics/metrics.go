package metrics

import "sync"

// Relay event names.
const (
	RelayConnections          = "relay_connections"
	RelayDisconnects          = "relay_disconnects"
	RelayIdentified           = "relay_identified"
	RelayResumed              = "relay_resumed"
	RelayForwarded            = "relay_forwarded"
	RelayPresenceBroadcasts   = "relay_presence_broadcasts"
	RelayDroppedMalformed     = "relay_dropped_malformed"
	RelayDroppedUnroutable    = "relay_dropped_unroutable"
	RelayDroppedRateLimited   = "relay_dropped_rate_limited"
	RelayDroppedSendQueueFull = "relay_dropped_send_queue_full"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards everything, so components can take one
// optionally.
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

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
