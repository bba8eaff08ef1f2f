// Package stream fans recorded activity out to live subscribers.
package stream

import (
	"context"
	"sync"
	"time"

	"cofradia.org/internal/auth"
)

// Event is the public projection of an activity record. Client address and
// user agent stay in the log.
type Event struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	UserID      string    `json:"user_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func FromActivity(a auth.Activity) Event {
	return Event{ID: a.ID, Action: a.Action, UserID: a.UserID, Description: a.Description, Timestamp: a.Timestamp}
}

// Stream fan-outs activity events to all active subscribers (SSE clients).
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Event), buffer: 16}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. Slow subscribers miss it.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
