package wsmessaging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// delivery is one inbound message queued for a component.
type delivery struct {
	sessionID string
	msg       BrokerMessage
}

// mailbox feeds one source component from its own goroutine, in arrival
// order. A slow component only delays itself.
type mailbox struct {
	componentID string
	queue       *queue[delivery]
	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

// dispatcher owns the mailboxes of every source-linked component. deliver
// only enqueues, so the bundle read goroutine never waits on a handler.
type dispatcher struct {
	ctx      context.Context
	handlers *HandlerSet
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool
}

func newDispatcher(ctx context.Context, handlers *HandlerSet, timeout time.Duration, logger *slog.Logger) *dispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &dispatcher{
		ctx:      ctx,
		handlers: handlers,
		timeout:  timeout,
		logger:   logger,
		boxes:    make(map[string]*mailbox),
	}
}

// open starts the mailbox for componentID. Opening an open mailbox is a
// no-op.
func (d *dispatcher) open(componentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, ok := d.boxes[componentID]; ok {
		return
	}

	m := &mailbox{
		componentID: componentID,
		queue:       newQueue[delivery](),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	d.boxes[componentID] = m
	go d.run(m)
}

// remove stops componentID's mailbox. Messages not yet handed to the
// handler are dropped.
func (d *dispatcher) remove(componentID string) {
	d.mu.Lock()
	m, ok := d.boxes[componentID]
	delete(d.boxes, componentID)
	d.mu.Unlock()

	if ok {
		m.halt()
	}
}

// deliver enqueues an independent copy of msg for each component that has
// an open mailbox.
func (d *dispatcher) deliver(sessionID string, componentIDs []string, msg BrokerMessage) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, id := range componentIDs {
		m, ok := d.boxes[id]
		if !ok {
			continue
		}
		if m.queue.push(delivery{sessionID: sessionID, msg: msg.Clone()}) {
			n++
		}
	}
	return n
}

// close stops every mailbox.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	boxes := d.boxes
	d.boxes = make(map[string]*mailbox)
	d.mu.Unlock()

	for _, m := range boxes {
		m.halt()
	}
}

func (m *mailbox) halt() {
	m.stopOnce.Do(func() {
		m.queue.close()
		close(m.stop)
	})
}

func (d *dispatcher) run(m *mailbox) {
	defer close(m.done)

	for {
		select {
		case <-m.stop:
			return
		case <-m.queue.ready:
		}

		for _, dl := range m.queue.take() {
			select {
			case <-m.stop:
				return
			default:
			}
			d.dispatch(m.componentID, dl)
		}
	}
}

func (d *dispatcher) dispatch(componentID string, dl delivery) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	ctx = withSessionID(ctx, dl.sessionID)

	if err := d.handlers.Dispatch(ctx, componentID, dl.msg); err != nil {
		d.logger.Warn("handler failed",
			slog.String("component_id", componentID),
			slog.String("session_id", dl.sessionID),
			slog.String("subject", dl.msg.Subject),
			slog.Any("error", err),
		)
	}
}
