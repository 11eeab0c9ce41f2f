package wsmessaging

import "sync"

// LinkState is the lifecycle state of one component link.
type LinkState int

const (
	// LinkUnlinked is a link the provider has never seen or has forgotten.
	LinkUnlinked LinkState = iota
	// LinkConnecting is a link waiting on its connection.
	LinkConnecting
	// LinkConnected is a live link.
	LinkConnected
	// LinkClosed is a link that was deleted or lost its connection.
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkUnlinked:
		return "unlinked"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// LinkRole says which way a component is linked.
type LinkRole string

const (
	// RoleTarget links a component as a consumer that publishes through the
	// connection.
	RoleTarget LinkRole = "target"
	// RoleSource links a component as a handler for inbound messages.
	RoleSource LinkRole = "source"
)

type linkKey struct {
	componentID string
	role        LinkRole
}

// linkStates records the state of every link the provider has seen.
type linkStates struct {
	mu     sync.RWMutex
	states map[linkKey]LinkState
}

func newLinkStates() *linkStates {
	return &linkStates{
		states: make(map[linkKey]LinkState),
	}
}

func (s *linkStates) set(componentID string, role LinkRole, st LinkState) {
	s.mu.Lock()
	s.states[linkKey{componentID, role}] = st
	s.mu.Unlock()
}

// clear forgets a link, returning it to LinkUnlinked.
func (s *linkStates) clear(componentID string, role LinkRole) {
	s.mu.Lock()
	delete(s.states, linkKey{componentID, role})
	s.mu.Unlock()
}

func (s *linkStates) get(componentID string, role LinkRole) LinkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[linkKey{componentID, role}]
}

// closeAll moves every known link to LinkClosed.
func (s *linkStates) closeAll() {
	s.mu.Lock()
	for k := range s.states {
		s.states[k] = LinkClosed
	}
	s.mu.Unlock()
}
