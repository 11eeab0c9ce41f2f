package wsmessaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestInbox_Subject(t *testing.T) {
	a := newInbox()
	b := newInbox()

	if !strings.HasPrefix(a.subject, InboxPrefix) {
		t.Errorf("subject = %s, want %s prefix", a.subject, InboxPrefix)
	}
	if a.subject == b.subject {
		t.Error("inbox subjects should be unique")
	}
}

func TestInboxSet_Offer(t *testing.T) {
	s := newInboxSet()
	ib := s.open()

	go func() {
		s.offer(BrokerMessage{Subject: ib.subject, Body: []byte("pong")})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := ib.Next(ctx)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if string(msg.Body) != "pong" {
		t.Errorf("Body = %s, want pong", msg.Body)
	}
}

func TestInboxSet_OfferOnlyFirst(t *testing.T) {
	s := newInboxSet()
	ib := s.open()

	if !s.offer(BrokerMessage{Subject: ib.subject, Body: []byte("1")}) {
		t.Fatal("first offer rejected")
	}
	if s.offer(BrokerMessage{Subject: ib.subject, Body: []byte("2")}) {
		t.Error("second offer accepted")
	}
}

func TestInboxSet_OfferUnknown(t *testing.T) {
	s := newInboxSet()

	if s.offer(BrokerMessage{Subject: "orders.new"}) {
		t.Error("non-inbox subject accepted")
	}
	if s.offer(BrokerMessage{Subject: InboxPrefix + "unknown"}) {
		t.Error("unknown inbox accepted")
	}

	ib := s.open()
	s.remove(ib)
	if s.offer(BrokerMessage{Subject: ib.subject}) {
		t.Error("removed inbox accepted")
	}
}

func TestInbox_NextTimeout(t *testing.T) {
	ib := newInbox()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ib.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestInboxSet_CloseAll(t *testing.T) {
	s := newInboxSet()
	ib := s.open()

	s.closeAll()

	_, err := ib.Next(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
