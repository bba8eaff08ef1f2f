package stream

import (
	"context"
	"testing"
	"time"

	"cofradia.org/internal/auth"
)

func TestPublishReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	s.Publish(FromActivity(auth.Activity{ID: "1", Action: auth.ActionLogin, UserID: "u", IP: "10.0.0.1"}))
	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Action != auth.ActionLogin || evt.UserID != "u" {
				t.Fatalf("unexpected event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)
	for i := 0; i < 100; i++ {
		s.Publish(Event{Action: "x"})
	}
	if len(ch) != 16 {
		t.Fatalf("buffered = %d, want 16", len(ch))
	}
}

func TestUnsubscribeOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	s.mu.RLock()
	n := len(s.subs)
	s.mu.RUnlock()
	if n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}
