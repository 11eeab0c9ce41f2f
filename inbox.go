package wsmessaging

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// InboxPrefix starts every reply subject allocated by Request.
const InboxPrefix = "_INBOX."

// inbox waits for the single reply to a request.
type inbox struct {
	subject string

	replies chan BrokerMessage
	done    chan struct{}

	closeOnce sync.Once
}

func newInbox() *inbox {
	return &inbox{
		subject: InboxPrefix + uuid.NewString(),
		replies: make(chan BrokerMessage, 1),
		done:    make(chan struct{}),
	}
}

// deliver hands msg to the waiter. Only the first reply is kept.
func (i *inbox) deliver(msg BrokerMessage) bool {
	select {
	case <-i.done:
		return false
	default:
	}

	select {
	case i.replies <- msg:
		return true
	default:
		return false
	}
}

// Next blocks until the reply arrives, the inbox is closed, or ctx ends.
func (i *inbox) Next(ctx context.Context) (BrokerMessage, error) {
	select {
	case <-ctx.Done():
		return BrokerMessage{}, ctx.Err()
	case msg := <-i.replies:
		return msg, nil
	case <-i.done:
		// A reply may have raced the close.
		select {
		case msg := <-i.replies:
			return msg, nil
		default:
		}
		return BrokerMessage{}, ErrClosed
	}
}

func (i *inbox) close() {
	i.closeOnce.Do(func() {
		close(i.done)
	})
}

// inboxSet tracks open inboxes by reply subject.
type inboxSet struct {
	mu      sync.RWMutex
	inboxes map[string]*inbox
}

func newInboxSet() *inboxSet {
	return &inboxSet{
		inboxes: make(map[string]*inbox),
	}
}

func (s *inboxSet) open() *inbox {
	ib := newInbox()
	s.mu.Lock()
	s.inboxes[ib.subject] = ib
	s.mu.Unlock()
	return ib
}

func (s *inboxSet) remove(ib *inbox) {
	s.mu.Lock()
	delete(s.inboxes, ib.subject)
	s.mu.Unlock()
	ib.close()
}

// offer routes msg to a waiting inbox. It reports whether msg was a reply
// and should not be fanned out.
func (s *inboxSet) offer(msg BrokerMessage) bool {
	if !strings.HasPrefix(msg.Subject, InboxPrefix) {
		return false
	}

	s.mu.RLock()
	ib, ok := s.inboxes[msg.Subject]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return ib.deliver(msg)
}

func (s *inboxSet) closeAll() {
	s.mu.Lock()
	inboxes := s.inboxes
	s.inboxes = make(map[string]*inbox)
	s.mu.Unlock()

	for _, ib := range inboxes {
		ib.close()
	}
}
