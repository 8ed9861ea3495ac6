// Package presence maps logical user identities to their single live
// realtime connection.
//
// The registry is the relay's only shared mutable state. It holds no call
// semantics and nothing survives a restart: clients re-announce after
// reconnecting and the map is rebuilt from zero.
package presence

import (
	"sort"
	"sync"
)

// Handle identifies one live realtime connection. A handle is ephemeral:
// created on connect, dead on disconnect, never reused.
//
// ConnectionID must be unique per connection (not per user) for the
// lifetime of the process; the registry compares IDs, not user identities,
// when deciding whether a disconnect may evict an entry.
type Handle interface {
	ConnectionID() string
}

// Registry is a last-connect-wins map of online users.
//
// A user announcing on a new connection overwrites any prior entry; there
// is no multi-device fan-out. The registry performs no I/O; broadcasting
// presence changes is the signaling server's job, driven by the return
// values here.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Handle),
	}
}

// SetOnline registers h as userID's connection, replacing any prior entry.
// It returns the replaced handle, or nil if the user was offline. Calling
// it again with the same handle is a no-op that returns nil.
func (r *Registry) SetOnline(userID string, h Handle) Handle {
	if userID == "" || h == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.entries[userID]
	r.entries[userID] = h
	if prev != nil && prev.ConnectionID() == h.ConnectionID() {
		return nil
	}
	return prev
}

// Lookup returns the current handle for userID, if any.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[userID]
	return h, ok
}

// Remove deletes userID's entry only when h is the exact handle currently
// mapped, and reports whether an entry was removed.
//
// The handle comparison guards the reconnect race: when a user reconnects
// before the old connection's disconnect fires, the stale disconnect must
// not evict the fresh entry.
func (r *Registry) Remove(userID string, h Handle) bool {
	if userID == "" || h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[userID]
	if !ok || current.ConnectionID() != h.ConnectionID() {
		return false
	}
	delete(r.entries, userID)
	return true
}

// OnlineUsers returns the sorted set of user IDs with a live entry.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for userID := range r.entries {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Handles returns every live handle, for presence broadcasts.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
