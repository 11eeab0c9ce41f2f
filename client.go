package wsmessaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// sharedConn is one outbound connection and the components linked to it.
type sharedConn struct {
	uri      string
	bundle   *Bundle
	tracking bool

	// handshake credentials the connection was opened with
	authToken string
	headers   map[string]string

	// guarded by connector.mu
	consumers map[string]struct{}
	sources   map[string]struct{}
}

func (sc *sharedConn) idle() bool {
	return len(sc.consumers) == 0 && len(sc.sources) == 0
}

// owner picks the component reported for the session in ListSessions.
func (sc *sharedConn) owner() string {
	ids := make([]string, 0, len(sc.consumers)+len(sc.sources))
	for id := range sc.consumers {
		ids = append(ids, id)
	}
	for id := range sc.sources {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// connector is the client-mode side of the provider. Outbound connections
// are shared by every component linked with the same URI.
// It is safe for concurrent use by multiple goroutines.
type connector struct {
	ctx      context.Context
	opts     *options
	logger   *slog.Logger
	registry *Registry
	dispatch *dispatcher
	inboxes  *inboxSet
	links    *linkStates

	dials singleflight.Group

	mu        sync.RWMutex
	conns     map[string]*sharedConn // by URI
	consumers map[string]*sharedConn // target links by component id
	sources   map[string]*sharedConn // source links by component id
	closed    bool
}

func newConnector(ctx context.Context, opts *options, registry *Registry, dispatch *dispatcher, inboxes *inboxSet, links *linkStates) *connector {
	return &connector{
		ctx:       ctx,
		opts:      opts,
		logger:    opts.logger.With(slog.String("mode", string(ModeClient))),
		registry:  registry,
		dispatch:  dispatch,
		inboxes:   inboxes,
		links:     links,
		conns:     make(map[string]*sharedConn),
		consumers: make(map[string]*sharedConn),
		sources:   make(map[string]*sharedConn),
	}
}

// link attaches componentID in role to the connection for cfg.URI, dialing
// it first if needed. Nothing is registered if the dial fails.
func (c *connector) link(ctx context.Context, componentID string, role LinkRole, cfg ConnectionConfig) error {
	c.links.set(componentID, role, LinkConnecting)

	sc, err := c.acquire(ctx, componentID, cfg)
	if err != nil {
		c.links.clear(componentID, role)
		return linkError(componentID, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.links.clear(componentID, role)
		return ErrShutdown
	}
	if c.conns[sc.uri] != sc {
		// the connection died between dial and attach
		c.mu.Unlock()
		c.links.clear(componentID, role)
		return &LinkError{ComponentID: componentID, Reason: LinkHandshakeFailed, Err: ErrClosed}
	}

	index := c.consumers
	if role == RoleSource {
		index = c.sources
	}
	var released *sharedConn
	if prev, ok := index[componentID]; ok && prev != sc {
		released = c.detachLocked(prev, componentID, role)
	}
	index[componentID] = sc
	if role == RoleSource {
		sc.sources[componentID] = struct{}{}
		c.dispatch.open(componentID)
	} else {
		sc.consumers[componentID] = struct{}{}
	}
	c.trackLocked(sc)
	c.mu.Unlock()

	c.links.set(componentID, role, LinkConnected)
	if released != nil {
		c.closeConn(released)
	}

	c.logger.Debug("component linked",
		slog.String("component_id", componentID),
		slog.String("role", string(role)),
		slog.String("uri", sc.uri),
		slog.String("session_id", sc.bundle.ID()),
	)
	return nil
}

// acquire returns the live connection for cfg.URI. Concurrent dials to the
// same URI are collapsed into one; each caller waits for it on its own ctx.
func (c *connector) acquire(ctx context.Context, componentID string, cfg ConnectionConfig) (*sharedConn, error) {
	c.mu.RLock()
	sc, ok := c.conns[cfg.URI]
	c.mu.RUnlock()
	if ok {
		c.checkCredentials(componentID, sc, cfg)
		return sc, nil
	}

	ch := c.dials.DoChan(cfg.URI, func() (any, error) {
		c.mu.RLock()
		sc, ok := c.conns[cfg.URI]
		c.mu.RUnlock()
		if ok {
			return sc, nil
		}

		// The dial is shared, so it is bound to the connector rather than
		// to whichever caller started it.
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = DefaultConnectTimeout
		}
		dialCtx, cancel := context.WithTimeout(c.ctx, timeout)
		defer cancel()
		return c.open(dialCtx, componentID, cfg)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		sc := res.Val.(*sharedConn)
		c.checkCredentials(componentID, sc, cfg)
		return sc, nil
	}
}

// checkCredentials notes when a link reuses a connection whose handshake
// used a different token or headers than the link asked for.
func (c *connector) checkCredentials(componentID string, sc *sharedConn, cfg ConnectionConfig) {
	if sc.authToken == cfg.AuthToken && maps.Equal(sc.headers, cfg.Headers) {
		return
	}
	c.logger.Debug("reusing connection opened with different credentials",
		slog.String("component_id", componentID),
		slog.String("uri", sc.uri),
		slog.String("session_id", sc.bundle.ID()),
	)
}

func (c *connector) open(ctx context.Context, componentID string, cfg ConnectionConfig) (*sharedConn, error) {
	t, err := c.opts.dialTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sc := &sharedConn{
		uri:       cfg.URI,
		tracking:  cfg.SessionTracking,
		authToken: cfg.AuthToken,
		headers:   maps.Clone(cfg.Headers),
		consumers: make(map[string]struct{}),
		sources:   make(map[string]struct{}),
	}
	sc.bundle = newBundle(t, componentID, bundleHooks{
		onInbound: func(b *Bundle, f Frame) { c.handleInbound(sc, f) },
		onClose:   func(b *Bundle, err error) { c.handleClose(sc, err) },
	}, c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return nil, ErrShutdown
	}
	c.conns[sc.uri] = sc
	c.mu.Unlock()

	sc.bundle.start()

	c.logger.Info("connected",
		slog.String("uri", sc.uri),
		slog.String("session_id", sc.bundle.ID()),
	)
	return sc, nil
}

// unlink removes componentID in role. The connection is closed once its
// last component is gone. It reports whether a link existed.
func (c *connector) unlink(componentID string, role LinkRole) bool {
	c.mu.Lock()
	index := c.consumers
	if role == RoleSource {
		index = c.sources
	}
	sc, ok := index[componentID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	released := c.detachLocked(sc, componentID, role)
	if released == nil {
		c.trackLocked(sc)
	}
	c.mu.Unlock()

	if role == RoleSource {
		c.dispatch.remove(componentID)
	}
	c.links.set(componentID, role, LinkClosed)

	if released != nil {
		c.closeConn(released)
	}

	c.logger.Debug("component unlinked",
		slog.String("component_id", componentID),
		slog.String("role", string(role)),
	)
	return true
}

// detachLocked removes a component from sc and returns sc if it became idle
// and must be closed. c.mu must be held.
func (c *connector) detachLocked(sc *sharedConn, componentID string, role LinkRole) *sharedConn {
	if role == RoleSource {
		delete(sc.sources, componentID)
		delete(c.sources, componentID)
	} else {
		delete(sc.consumers, componentID)
		delete(c.consumers, componentID)
	}
	if !sc.idle() {
		return nil
	}
	if c.conns[sc.uri] == sc {
		delete(c.conns, sc.uri)
	}
	return sc
}

// trackLocked records the connection's session in the registry under its
// current owner. c.mu must be held so a concurrent close cannot leave a
// stale entry behind.
func (c *connector) trackLocked(sc *sharedConn) {
	if sc.tracking {
		c.registry.Register(sc.bundle.ID(), Endpoint{Kind: EndpointComponent, Owner: sc.owner()})
	}
}

func (c *connector) closeConn(sc *sharedConn) {
	c.registry.Unregister(sc.bundle.ID())
	sc.bundle.Close()
}

// publish encodes msg and enqueues it on the component's connection.
func (c *connector) publish(componentID string, msg BrokerMessage) error {
	c.mu.RLock()
	sc, ok := c.consumers[componentID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLinked, componentID)
	}
	return c.send(sc, msg)
}

// sendToSession enqueues msg on the connection with the given session id.
func (c *connector) sendToSession(sessionID string, msg BrokerMessage) error {
	c.mu.RLock()
	var target *sharedConn
	for _, sc := range c.conns {
		if sc.bundle.ID() == sessionID {
			target = sc
			break
		}
	}
	c.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return c.send(target, msg)
}

func (c *connector) send(sc *sharedConn, msg BrokerMessage) error {
	f, err := c.opts.codec.Encode(msg)
	if err != nil {
		return err
	}

	c.opts.notifySend(sc.bundle.ID(), msg)

	c.logger.Debug("sending message",
		slog.String("session_id", sc.bundle.ID()),
		slog.String("subject", msg.Subject),
	)
	return sc.bundle.Send(f)
}

// handleInbound decodes a frame from the remote peer and queues it for the
// connection's source components. It runs on the bundle's read goroutine
// and never waits on a handler.
func (c *connector) handleInbound(sc *sharedConn, f Frame) {
	sessionID := sc.bundle.ID()

	msg, err := c.opts.codec.Decode(f, sessionID)
	if err != nil {
		c.logger.Warn("dropping frame",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return
	}
	if msg.ReplyTo == "" && sc.tracking {
		msg.ReplyTo = sessionID
	}

	c.opts.notifyReceive(sessionID, msg)

	if c.inboxes.offer(msg) {
		return
	}

	c.mu.RLock()
	ids := make([]string, 0, len(sc.sources))
	for id := range sc.sources {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	if c.dispatch.deliver(sessionID, ids, msg) == 0 {
		c.logger.Debug("no source components for message",
			slog.String("session_id", sessionID),
			slog.String("subject", msg.Subject),
		)
	}
}

// handleClose runs once the connection's pump has stopped, whether closed
// locally or by the peer. Links still attached move to LinkClosed; there is
// no reconnect.
func (c *connector) handleClose(sc *sharedConn, err error) {
	c.mu.Lock()
	if c.conns[sc.uri] == sc {
		delete(c.conns, sc.uri)
	}
	var dropped []linkKey
	for id := range sc.consumers {
		if c.consumers[id] == sc {
			delete(c.consumers, id)
			dropped = append(dropped, linkKey{id, RoleTarget})
		}
	}
	for id := range sc.sources {
		if c.sources[id] == sc {
			delete(c.sources, id)
			dropped = append(dropped, linkKey{id, RoleSource})
		}
	}
	c.registry.Unregister(sc.bundle.ID())
	c.mu.Unlock()

	for _, k := range dropped {
		if k.role == RoleSource {
			c.dispatch.remove(k.componentID)
		}
		c.links.set(k.componentID, k.role, LinkClosed)
	}

	attrs := []any{
		slog.String("uri", sc.uri),
		slog.String("session_id", sc.bundle.ID()),
		slog.Int("links_closed", len(dropped)),
	}
	if err != nil {
		c.logger.Warn("connection lost", append(attrs, slog.Any("error", err))...)
		return
	}
	c.logger.Info("connection closed", attrs...)
}

// shutdown closes every connection in parallel and forgets all links. It
// returns ctx's error if the close handshakes outlast it.
func (c *connector) shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	bundles := make([]*Bundle, 0, len(c.conns))
	for _, sc := range c.conns {
		c.registry.Unregister(sc.bundle.ID())
		bundles = append(bundles, sc.bundle)
	}
	c.conns = make(map[string]*sharedConn)
	c.consumers = make(map[string]*sharedConn)
	c.sources = make(map[string]*sharedConn)
	c.mu.Unlock()

	return closeBundles(ctx, bundles)
}

// linkError classifies a dial failure.
func linkError(componentID string, err error) error {
	if errors.Is(err, ErrShutdown) {
		return err
	}
	reason := LinkHandshakeFailed
	var connErr *ConnectError
	if errors.As(err, &connErr) && connErr.Timeout {
		reason = LinkConnectTimeout
	} else if errors.Is(err, context.DeadlineExceeded) {
		reason = LinkConnectTimeout
	}
	return &LinkError{ComponentID: componentID, Reason: reason, Err: err}
}
