package wsmessaging

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DefaultDispatchTimeout bounds one fan-out of an inbound message.
const DefaultDispatchTimeout = 30 * time.Second

// Option configures a Provider.
type Option func(*options)

type dialFunc func(ctx context.Context, cfg ConnectionConfig) (Transport, error)

type options struct {
	logger          *slog.Logger
	onSend          func(sessionID string, msg BrokerMessage)
	onReceive       func(sessionID string, msg BrokerMessage)
	handler         Handler
	codec           Codec
	dial            DialOptions
	accept          AcceptOptions
	dispatchTimeout time.Duration

	// dialer replaces Dial, for tests.
	dialer dialFunc
}

func defaultOptions() *options {
	return &options{
		logger:          slog.New(slog.DiscardHandler),
		dispatchTimeout: DefaultDispatchTimeout,
	}
}

// WithLogger sets a structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOnSend sets a callback invoked before each message is enqueued.
// sessionID is empty for broadcasts.
func WithOnSend(fn func(sessionID string, msg BrokerMessage)) Option {
	return func(o *options) {
		o.onSend = fn
	}
}

// WithOnReceive sets a callback invoked after each inbound message is decoded.
func WithOnReceive(fn func(sessionID string, msg BrokerMessage)) Option {
	return func(o *options) {
		o.onReceive = fn
	}
}

// WithHandler sets the handler used for source-linked components that have
// no handler of their own in the provider's HandlerSet.
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithCodec overrides the subjects used when decoding frames that are not
// JSON messages.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithHTTPClient sets the HTTP client used for outbound handshakes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.dial.HTTPClient = c
	}
}

// WithDialOptions sets the outbound handshake options.
func WithDialOptions(d DialOptions) Option {
	return func(o *options) {
		o.dial = d
	}
}

// WithAcceptOptions sets the options for inbound upgrades in server mode.
func WithAcceptOptions(a AcceptOptions) Option {
	return func(o *options) {
		o.accept = a
	}
}

// WithDispatchTimeout bounds how long handlers may take with one inbound
// message before their context is cancelled.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dispatchTimeout = d
		}
	}
}

func withDialer(fn dialFunc) Option {
	return func(o *options) {
		o.dialer = fn
	}
}

func (o *options) dialTransport(ctx context.Context, cfg ConnectionConfig) (Transport, error) {
	if o.dialer != nil {
		return o.dialer(ctx, cfg)
	}
	return Dial(ctx, cfg, &o.dial)
}

func (o *options) notifySend(sessionID string, msg BrokerMessage) {
	if o.onSend != nil {
		o.onSend(sessionID, msg)
	}
}

func (o *options) notifyReceive(sessionID string, msg BrokerMessage) {
	if o.onReceive != nil {
		o.onReceive(sessionID, msg)
	}
}
