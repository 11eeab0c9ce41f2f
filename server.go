package wsmessaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// readHeaderTimeout bounds the upgrade request headers.
const readHeaderTimeout = 10 * time.Second

// listener is the server-mode side of the provider. It accepts WebSocket
// upgrades on every path of its bind address and tracks each peer as a
// ws-client session.
type listener struct {
	ctx      context.Context
	opts     *options
	logger   *slog.Logger
	registry *Registry
	dispatch *dispatcher
	inboxes  *inboxSet
	links    *linkStates

	mu        sync.RWMutex
	clients   map[string]*Bundle
	consumers map[string]struct{}
	sources   map[string]struct{}
	srv       *http.Server
	ln        net.Listener
	serveDone chan struct{}
	closed    bool
}

func newListener(ctx context.Context, opts *options, registry *Registry, dispatch *dispatcher, inboxes *inboxSet, links *linkStates) *listener {
	return &listener{
		ctx:       ctx,
		opts:      opts,
		logger:    opts.logger.With(slog.String("mode", string(ModeServer))),
		registry:  registry,
		dispatch:  dispatch,
		inboxes:   inboxes,
		links:     links,
		clients:   make(map[string]*Bundle),
		consumers: make(map[string]struct{}),
		sources:   make(map[string]struct{}),
	}
}

// parseBindAddr accepts "host:port" or "ws://host:port[/path]".
func parseBindAddr(addr string) (string, error) {
	hostport := addr
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", err
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		hostport = u.Host
	}

	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return "", err
	}
	return hostport, nil
}

// start binds addr and serves upgrades in the background. Calling it again
// once started is a no-op.
func (l *listener) start(ctx context.Context, addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrShutdown
	}
	if l.srv != nil {
		return nil
	}

	hostport, err := parseBindAddr(addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", hostport)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	l.ln = ln
	l.srv = &http.Server{
		Handler:           http.HandlerFunc(l.serveWS),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return l.ctx },
	}
	l.serveDone = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("server stopped", slog.Any("error", err))
		}
	}(l.srv, l.serveDone)

	l.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// addr reports the bound address, or "" before start.
func (l *listener) addr() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// serveWS upgrades one request and blocks until its session ends.
func (l *listener) serveWS(w http.ResponseWriter, r *http.Request) {
	t, err := Accept(w, r, &l.opts.accept)
	if err != nil {
		l.logger.Debug("upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err),
		)
		return
	}

	b := newBundle(t, "", bundleHooks{
		onInbound: l.handleInbound,
		onClose:   l.handleClose,
	}, l.logger)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		t.Close()
		return
	}
	l.clients[b.ID()] = b
	l.registry.Register(b.ID(), Endpoint{Kind: EndpointClient})
	l.mu.Unlock()

	b.start()

	l.logger.Info("client connected",
		slog.String("session_id", b.ID()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	<-b.Done()
}

// handleInbound decodes a client frame and queues it for the source
// components. Frames without a reply_to are answered to their session.
func (l *listener) handleInbound(b *Bundle, f Frame) {
	sessionID := b.ID()

	msg, err := l.opts.codec.Decode(f, sessionID)
	if err != nil {
		l.logger.Warn("dropping frame",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return
	}
	if msg.ReplyTo == "" {
		msg.ReplyTo = sessionID
	}

	l.opts.notifyReceive(sessionID, msg)

	if l.inboxes.offer(msg) {
		return
	}

	if l.dispatch.deliver(sessionID, l.sourceIDs(), msg) == 0 {
		l.logger.Debug("no source components for message",
			slog.String("session_id", sessionID),
			slog.String("subject", msg.Subject),
		)
	}
}

// handleClose drops a finished client from the map and the registry.
func (l *listener) handleClose(b *Bundle, err error) {
	l.mu.Lock()
	if l.clients[b.ID()] == b {
		delete(l.clients, b.ID())
	}
	l.registry.Unregister(b.ID())
	l.mu.Unlock()

	if err != nil {
		l.logger.Warn("client lost",
			slog.String("session_id", b.ID()),
			slog.Any("error", err),
		)
		return
	}
	l.logger.Info("client disconnected", slog.String("session_id", b.ID()))
}

func (l *listener) link(componentID string, role LinkRole) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrShutdown
	}
	if role == RoleSource {
		l.sources[componentID] = struct{}{}
		l.dispatch.open(componentID)
	} else {
		l.consumers[componentID] = struct{}{}
	}
	l.mu.Unlock()

	l.links.set(componentID, role, LinkConnected)
	l.logger.Debug("component linked",
		slog.String("component_id", componentID),
		slog.String("role", string(role)),
	)
	return nil
}

func (l *listener) unlink(componentID string, role LinkRole) bool {
	l.mu.Lock()
	index := l.consumers
	if role == RoleSource {
		index = l.sources
	}
	_, ok := index[componentID]
	delete(index, componentID)
	l.mu.Unlock()

	if ok && role == RoleSource {
		l.dispatch.remove(componentID)
	}
	if ok {
		l.links.set(componentID, role, LinkClosed)
	}
	return ok
}

func (l *listener) sourceIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.sources))
	for id := range l.sources {
		ids = append(ids, id)
	}
	return ids
}

// publish broadcasts msg on behalf of a target-linked component.
func (l *listener) publish(componentID string, msg BrokerMessage) error {
	l.mu.RLock()
	_, ok := l.consumers[componentID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLinked, componentID)
	}
	return l.broadcast(msg)
}

// sendToSession enqueues msg for one client. The registry is not touched.
func (l *listener) sendToSession(sessionID string, msg BrokerMessage) error {
	l.mu.RLock()
	b, ok := l.clients[sessionID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	f, err := l.opts.codec.Encode(msg)
	if err != nil {
		return err
	}
	l.opts.notifySend(sessionID, msg)
	return b.Send(f)
}

// broadcast encodes msg once and enqueues it for every client. A dead
// client does not stop delivery to the others; failures are returned
// together.
func (l *listener) broadcast(msg BrokerMessage) error {
	f, err := l.opts.codec.Encode(msg)
	if err != nil {
		return err
	}

	l.mu.RLock()
	clients := make([]*Bundle, 0, len(l.clients))
	for _, b := range l.clients {
		clients = append(clients, b)
	}
	l.mu.RUnlock()

	l.opts.notifySend("", msg)

	var errs error
	for _, b := range clients {
		if err := b.Send(f); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", b.ID(), err))
		}
	}
	if errs != nil {
		l.logger.Warn("broadcast partially failed",
			slog.Int("clients", len(clients)),
			slog.Int("failed", len(multierr.Errors(errs))),
		)
	}
	return errs
}

// listClients returns the connected session ids, sorted.
func (l *listener) listClients() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// stop closes every client and shuts the HTTP server down.
func (l *listener) stop(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	clients := l.clients
	l.clients = make(map[string]*Bundle)
	l.consumers = make(map[string]struct{})
	l.sources = make(map[string]struct{})
	srv, done := l.srv, l.serveDone
	l.mu.Unlock()

	bundles := make([]*Bundle, 0, len(clients))
	for id, b := range clients {
		l.registry.Unregister(id)
		bundles = append(bundles, b)
	}
	errs := closeBundles(ctx, bundles)

	if srv != nil {
		errs = multierr.Append(errs, srv.Shutdown(ctx))
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return errs
}
