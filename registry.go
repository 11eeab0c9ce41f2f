package wsmessaging

import (
	"sort"
	"sync"
)

// EndpointKind identifies what a session id resolves to.
type EndpointKind string

const (
	// EndpointComponent is the provider's outbound leg for a linked component.
	EndpointComponent EndpointKind = "component"
	// EndpointClient is an inbound peer accepted in server mode.
	EndpointClient EndpointKind = "ws-client"
)

// Endpoint is the logical owner of a session.
type Endpoint struct {
	Kind  EndpointKind
	Owner string // component id; empty for ws-client sessions
}

// SessionEntry is one row of a registry snapshot.
type SessionEntry struct {
	SessionID string
	Endpoint
}

// Registry maps opaque session ids to their endpoint.
// It is safe for concurrent use. A Lookup that races with Unregister may
// miss; callers treat a miss as ErrSessionNotFound.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Endpoint),
	}
}

// Register records the endpoint for sessionID, replacing any previous entry.
func (r *Registry) Register(sessionID string, ep Endpoint) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	r.entries[sessionID] = ep
	r.mu.Unlock()
}

// Unregister removes sessionID. Removing an unknown id is a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// Lookup returns the endpoint registered for sessionID.
func (r *Registry) Lookup(sessionID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.entries[sessionID]
	return ep, ok
}

// List returns a snapshot of all entries, sorted by session id.
func (r *Registry) List() []SessionEntry {
	r.mu.RLock()
	out := make([]SessionEntry, 0, len(r.entries))
	for id, ep := range r.entries {
		out = append(out, SessionEntry{SessionID: id, Endpoint: ep})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// clear removes every entry.
func (r *Registry) clear() {
	r.mu.Lock()
	r.entries = make(map[string]Endpoint)
	r.mu.Unlock()
}
