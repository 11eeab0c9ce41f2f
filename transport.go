package wsmessaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// readLimit caps the size of a single inbound frame.
const readLimit = 32 * 1024 * 1024 // 32MB

// Transport provides the interface for sending and receiving frames.
// Implementations must be safe for one concurrent reader and any number of
// concurrent writers.
type Transport interface {
	Write(ctx context.Context, f Frame) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// DialOptions configures the outbound WebSocket handshake.
type DialOptions struct {
	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Subprotocols offered to the server.
	Subprotocols []string
}

// AcceptOptions configures inbound upgrades in server mode.
type AcceptOptions struct {
	// OriginPatterns lists allowed cross-origin hosts.
	OriginPatterns []string

	// VerifyOrigin enables the same-origin check. Off by default so simple
	// test clients and non-browser peers can connect.
	VerifyOrigin bool

	Subprotocols []string
}

// Dial connects to cfg.URI and returns a Transport. The handshake is bounded
// by cfg.ConnectTimeout.
func Dial(ctx context.Context, cfg ConnectionConfig, opts *DialOptions) (Transport, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, &ConnectError{URL: cfg.URI, Err: err}
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, &ConnectError{URL: cfg.URI, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	headers := http.Header{}
	if opts != nil && opts.HTTPHeader != nil {
		headers = opts.HTTPHeader.Clone()
	}
	for name, value := range cfg.Headers {
		headers.Set(name, value)
	}
	if cfg.AuthToken != "" {
		headers.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	dialOpts := &websocket.DialOptions{
		HTTPHeader: headers,
	}
	if opts != nil {
		dialOpts.HTTPClient = opts.HTTPClient
		dialOpts.Subprotocols = opts.Subprotocols
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, cfg.URI, dialOpts)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded)
		return nil, &ConnectError{URL: cfg.URI, Timeout: timedOut, Err: err}
	}

	conn.SetReadLimit(readLimit)

	return &wsTransport{conn: conn}, nil
}

// Accept upgrades an HTTP request to a WebSocket Transport.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (Transport, error) {
	acceptOpts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if opts != nil {
		acceptOpts.InsecureSkipVerify = !opts.VerifyOrigin
		acceptOpts.OriginPatterns = opts.OriginPatterns
		acceptOpts.Subprotocols = opts.Subprotocols
	}

	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return &wsTransport{conn: conn}, nil
}

// wsTransport implements Transport over WebSocket.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// Write sends a frame to the peer.
func (t *wsTransport) Write(ctx context.Context, f Frame) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	typ := f.Type
	if typ == 0 {
		typ = websocket.MessageText
	}
	return t.conn.Write(ctx, typ, f.Data)
}

// Read receives the next data frame. Control frames are handled by the
// underlying connection.
func (t *wsTransport) Read(ctx context.Context) (Frame, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return Frame{}, ErrClosed
		}
		return Frame{}, err
	}
	return Frame{Type: typ, Data: data}, nil
}

// Close closes the transport.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.conn.Close(websocket.StatusNormalClosure, "")
}
