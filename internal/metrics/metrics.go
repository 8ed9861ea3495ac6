// Package metrics is a minimal, concurrency-safe counter registry with a
// Prometheus text exposition handler.
package metrics

import "sync"

// Counter names used by the signaling relay. Relay counters are suffixed
// with the message kind at increment time (e.g. "relay_forwarded:call-offer").
const (
	EventConnectionOpened   = "connection_opened"
	EventConnectionClosed   = "connection_closed"
	EventAnnounce           = "announce_online"
	EventAnnounceReplaced   = "announce_replaced_connection"
	EventPresenceBroadcast  = "presence_broadcast"
	EventRelayForwarded     = "relay_forwarded"
	EventRelayPresenceMiss  = "relay_presence_miss"
	EventDropRateLimited    = "drop_rate_limited"
	EventDropOversize       = "drop_oversize_message"
	EventDropInvalidMessage = "drop_invalid_message"
	EventDropBackpressure   = "drop_backpressure"
)

// Metrics keeps named uint64 counters. The relay is expected to plug into a
// real metrics backend eventually; this type keeps the enforcement logic
// testable and scrapeable in the meantime.
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
	m.m[name]++
	m.mu.Unlock()
}

// IncKind increments a per-message-kind counter, e.g.
// IncKind(EventRelayForwarded, "call-offer").
func (m *Metrics) IncKind(name, kind string) {
	m.Inc(name + ":" + kind)
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
