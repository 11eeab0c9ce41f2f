package wsmessaging

import (
	"context"
	"fmt"
	"sync"
)

// Handler receives inbound messages on behalf of a linked component.
type Handler interface {
	HandleMessage(ctx context.Context, componentID string, msg BrokerMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, componentID string, msg BrokerMessage) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, componentID string, msg BrokerMessage) error {
	return f(ctx, componentID, msg)
}

type sessionIDKey struct{}

func withSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the id of the session the message being
// handled arrived on.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok
}

// HandlerSet maps component ids to the handler that reaches them. Components
// without their own handler use the fallback, if one is set.
type HandlerSet struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewHandlerSet creates an empty handler set. fallback may be nil.
func NewHandlerSet(fallback Handler) *HandlerSet {
	return &HandlerSet{
		handlers: make(map[string]Handler),
		fallback: fallback,
	}
}

// Add registers h for componentID, replacing any previous handler.
func (s *HandlerSet) Add(componentID string, h Handler) {
	s.mu.Lock()
	s.handlers[componentID] = h
	s.mu.Unlock()
}

// Remove drops the handler registered for componentID.
func (s *HandlerSet) Remove(componentID string) {
	s.mu.Lock()
	delete(s.handlers, componentID)
	s.mu.Unlock()
}

// Get retrieves the handler for componentID, falling back to the default.
func (s *HandlerSet) Get(componentID string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[componentID]; ok {
		return h, true
	}
	if s.fallback != nil {
		return s.fallback, true
	}
	return nil, false
}

// Dispatch delivers msg to a single component. A panicking handler is
// reported as an error.
func (s *HandlerSet) Dispatch(ctx context.Context, componentID string, msg BrokerMessage) (err error) {
	h, ok := s.Get(componentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, componentID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleMessage(ctx, componentID, msg)
}
