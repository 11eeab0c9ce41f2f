package wsmessaging

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Provider relays broker messages over WebSocket, dialing out in client
// mode or accepting peers in server mode. Components are attached with the
// ReceiveLinkConfig methods and detached with the DeleteLink methods.
// It is safe for concurrent use by multiple goroutines.
type Provider struct {
	cfg    ConnectionConfig
	opts   *options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry
	handlers *HandlerSet
	dispatch *dispatcher
	inboxes  *inboxSet
	links    *linkStates

	client *connector
	server *listener

	closed atomic.Bool
}

// FromConfig parses values (see the Key constants) and creates a Provider.
func FromConfig(values map[string]string, opts ...Option) (*Provider, error) {
	cfg, err := ConfigFromMap(values)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// New creates a Provider with cfg as the defaults for every link.
func New(cfg ConnectionConfig, opts ...Option) (*Provider, error) {
	switch cfg.Mode {
	case ModeClient, ModeServer:
	default:
		return nil, &ConfigError{Key: KeyMode, Value: string(cfg.Mode), Err: errors.New("must be client or server")}
	}
	if cfg.URI == "" {
		return nil, &ConfigError{Key: KeyURI, Err: errors.New("must not be empty")}
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Provider{
		cfg:      cfg,
		opts:     o,
		logger:   o.logger,
		ctx:      ctx,
		cancel:   cancel,
		registry: NewRegistry(),
		handlers: NewHandlerSet(o.handler),
		inboxes:  newInboxSet(),
		links:    newLinkStates(),
	}

	p.dispatch = newDispatcher(ctx, p.handlers, o.dispatchTimeout, o.logger)

	if cfg.Mode == ModeServer {
		p.server = newListener(ctx, o, p.registry, p.dispatch, p.inboxes, p.links)
	} else {
		p.client = newConnector(ctx, o, p.registry, p.dispatch, p.inboxes, p.links)
	}

	return p, nil
}

// Mode returns the mode the provider runs in.
func (p *Provider) Mode() Mode {
	return p.cfg.Mode
}

// Config returns the provider's default connection config.
func (p *Provider) Config() ConnectionConfig {
	return p.cfg
}

// Handlers returns the set used to deliver inbound messages to
// source-linked components.
func (p *Provider) Handlers() *HandlerSet {
	return p.handlers
}

// ReceiveLinkConfigAsTarget links componentID as a consumer. In client mode
// it returns once the shared connection for the merged URI is established.
func (p *Provider) ReceiveLinkConfigAsTarget(ctx context.Context, componentID string, values map[string]string) error {
	return p.receiveLink(ctx, componentID, RoleTarget, values)
}

// ReceiveLinkConfigAsSource links componentID as a handler of inbound
// messages.
func (p *Provider) ReceiveLinkConfigAsSource(ctx context.Context, componentID string, values map[string]string) error {
	return p.receiveLink(ctx, componentID, RoleSource, values)
}

func (p *Provider) receiveLink(ctx context.Context, componentID string, role LinkRole, values map[string]string) error {
	if p.closed.Load() {
		return ErrShutdown
	}

	cfg, err := p.cfg.Merge(values)
	if err != nil {
		return &LinkError{ComponentID: componentID, Reason: LinkBadConfig, Err: err}
	}

	if p.server != nil {
		if err := p.StartServerIfNeeded(ctx); err != nil {
			return err
		}
		return p.server.link(componentID, role)
	}
	return p.client.link(ctx, componentID, role, cfg)
}

// DeleteLink removes componentID in both roles. Unknown components are
// ignored.
func (p *Provider) DeleteLink(componentID string) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	p.unlink(componentID, RoleTarget)
	p.unlink(componentID, RoleSource)
	return nil
}

// DeleteLinkAsTarget removes only the consumer link of componentID.
func (p *Provider) DeleteLinkAsTarget(componentID string) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	p.unlink(componentID, RoleTarget)
	return nil
}

// DeleteLinkAsSource removes only the handler link of componentID.
func (p *Provider) DeleteLinkAsSource(componentID string) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	p.unlink(componentID, RoleSource)
	return nil
}

func (p *Provider) unlink(componentID string, role LinkRole) {
	if p.server != nil {
		p.server.unlink(componentID, role)
		return
	}
	p.client.unlink(componentID, role)
}

// LinkState reports the state of componentID's link in role.
func (p *Provider) LinkState(componentID string, role LinkRole) LinkState {
	return p.links.get(componentID, role)
}

// Publish sends msg through componentID's consumer link. In server mode it
// is broadcast to every connected client.
func (p *Provider) Publish(componentID string, msg BrokerMessage) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	if p.server != nil {
		return p.server.publish(componentID, msg)
	}
	return p.client.publish(componentID, msg)
}

// Request publishes a message with a fresh reply subject and waits for the
// first inbound message addressed to it. ctx bounds the wait.
func (p *Provider) Request(ctx context.Context, componentID, subject string, body []byte) (BrokerMessage, error) {
	if p.closed.Load() {
		return BrokerMessage{}, ErrShutdown
	}

	ib := p.inboxes.open()
	defer p.inboxes.remove(ib)

	msg := BrokerMessage{Subject: subject, Body: body, ReplyTo: ib.subject}
	if err := p.Publish(componentID, msg); err != nil {
		return BrokerMessage{}, err
	}

	reply, err := ib.Next(ctx)
	if errors.Is(err, ErrClosed) && p.closed.Load() {
		return BrokerMessage{}, ErrShutdown
	}
	return reply, err
}

// SendToSession sends msg to the connection identified by sessionID.
func (p *Provider) SendToSession(sessionID string, msg BrokerMessage) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	if p.server != nil {
		return p.server.sendToSession(sessionID, msg)
	}
	return p.client.sendToSession(sessionID, msg)
}

// BroadcastToClients sends msg to every connected client. It requires
// server mode.
func (p *Provider) BroadcastToClients(msg BrokerMessage) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	if p.server == nil {
		return ErrNotServerMode
	}
	return p.server.broadcast(msg)
}

// ListSessions returns every tracked session and its owner, sorted by id.
func (p *Provider) ListSessions() []SessionEntry {
	return p.registry.List()
}

// ListWSClients returns the session ids of the connected clients in server
// mode. It is empty in client mode.
func (p *Provider) ListWSClients() []string {
	if p.server == nil {
		return nil
	}
	return p.server.listClients()
}

// StartServerIfNeeded binds the configured address in server mode. It does
// nothing in client mode or when the server is already running.
func (p *Provider) StartServerIfNeeded(ctx context.Context) error {
	if p.closed.Load() {
		return ErrShutdown
	}
	if p.server == nil {
		return nil
	}
	return p.server.start(ctx, p.cfg.URI)
}

// ServerAddr returns the address the server is bound to, or "".
func (p *Provider) ServerAddr() string {
	if p.server == nil {
		return ""
	}
	return p.server.addr()
}

// Shutdown closes every connection, stops the server and clears all
// sessions. Queued messages that were not yet written are dropped.
// Calling it again returns ErrShutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrShutdown
	}

	var errs error
	if p.client != nil {
		errs = multierr.Append(errs, p.client.shutdown(ctx))
	}
	if p.server != nil {
		errs = multierr.Append(errs, p.server.stop(ctx))
	}

	p.cancel()
	p.dispatch.close()
	p.inboxes.closeAll()
	p.links.closeAll()
	p.registry.clear()

	p.logger.Info("provider shut down")
	return errs
}
