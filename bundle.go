package wsmessaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// writeWait bounds a single frame write to the peer.
const writeWait = 10 * time.Second

// Session describes one live WebSocket connection.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	lastActivity atomic.Int64
}

// LastActivity returns the time a frame was last read or written.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// bundleHooks are the callbacks a Bundle invokes from its pump goroutines.
type bundleHooks struct {
	// onInbound is called from the read goroutine for every data frame.
	onInbound func(b *Bundle, f Frame)
	// onWrite is called after a frame was written to the socket.
	onWrite func(b *Bundle, f Frame)
	// onClose is called once, after both pump goroutines have exited.
	onClose func(b *Bundle, err error)
}

// Bundle owns one WebSocket connection, its outbound queue and the pump
// goroutines moving frames between the two. All socket access happens on
// the pump goroutines; callers interact only through Send and Close.
type Bundle struct {
	transport Transport
	session   *Session
	queue     *queue[Frame]
	hooks     bundleHooks
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// newBundle wraps an established transport and allocates its session id.
// The pump does not run until start is called, so callers can register the
// bundle before the first inbound frame is dispatched.
func newBundle(t Transport, owner string, hooks bundleHooks, logger *slog.Logger) *Bundle {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())

	session := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: time.Now(),
	}
	session.touch()

	b := &Bundle{
		transport: t,
		session:   session,
		queue:     newQueue[Frame](),
		hooks:     hooks,
		logger:    logger.With(slog.String("session_id", session.ID)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	return b
}

// start launches the pump goroutines.
func (b *Bundle) start() {
	b.wg.Add(2)
	go b.readLoop()
	go b.writeLoop()
	go b.wait()
}

// Session returns the bundle's session.
func (b *Bundle) Session() *Session {
	return b.session
}

// ID returns the session id.
func (b *Bundle) ID() string {
	return b.session.ID
}

// Send enqueues a frame for the writer. It never blocks and fails with
// ErrSendFailed once the bundle is closed.
func (b *Bundle) Send(f Frame) error {
	if !b.queue.push(f) {
		return ErrSendFailed
	}
	return nil
}

// Close stops the pump and closes the socket. Frames still queued are
// dropped. It is safe to call more than once.
func (b *Bundle) Close() error {
	b.shutdown(nil)
	return nil
}

// Done is closed once the pump has fully stopped.
func (b *Bundle) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that terminated the pump, if any.
func (b *Bundle) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Bundle) shutdown(cause error) {
	first := false
	b.closeOnce.Do(func() {
		first = true
		b.mu.Lock()
		b.err = cause
		b.mu.Unlock()
		b.queue.close()
	})
	if !first {
		return
	}

	if err := b.transport.Close(); err != nil {
		b.logger.Debug("transport close", slog.Any("error", err))
	}
	b.cancel()
}

// readLoop reads frames from the transport until it fails.
func (b *Bundle) readLoop() {
	defer b.wg.Done()

	for {
		f, err := b.transport.Read(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, ErrClosed) || isNormalClose(err) {
				b.shutdown(nil)
			} else {
				b.logger.Debug("read loop ended", slog.Any("error", err))
				b.shutdown(err)
			}
			return
		}

		b.session.touch()

		if b.hooks.onInbound != nil {
			b.hooks.onInbound(b, f)
		}
	}
}

// writeLoop drains the send queue in FIFO order.
func (b *Bundle) writeLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.queue.ready:
		}

		for _, f := range b.queue.take() {
			ctx, cancel := context.WithTimeout(b.ctx, writeWait)
			err := b.transport.Write(ctx, f)
			cancel()
			if err != nil {
				if b.ctx.Err() == nil {
					b.logger.Warn("write failed", slog.Any("error", err))
					b.shutdown(err)
				}
				return
			}

			b.session.touch()

			if b.hooks.onWrite != nil {
				b.hooks.onWrite(b, f)
			}
		}
	}
}

// wait closes done and runs onClose after both loops exit.
func (b *Bundle) wait() {
	b.wg.Wait()
	close(b.done)
	if b.hooks.onClose != nil {
		b.hooks.onClose(b, b.Err())
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// closeBundles closes every bundle concurrently and waits for them, or
// until ctx ends.
func closeBundles(ctx context.Context, bundles []*Bundle) error {
	var wg sync.WaitGroup
	for _, b := range bundles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
