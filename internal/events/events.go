// Package events carries run progress to any number of in-process consumers.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type tags an event. Only TypeError marks a failure.
type Type string

const (
	TypeRunStarted     Type = "run_started"
	TypeStageStarted   Type = "stage_started"
	TypeStageCompleted Type = "stage_completed"
	TypeStageSkipped   Type = "stage_skipped"
	TypeProgress       Type = "progress"
	TypeLog            Type = "log"
	TypeFallback       Type = "fallback"
	TypeWarning        Type = "warning"
	TypeChunkFailed    Type = "chunk_failed"
	TypeError          Type = "error"
	TypeRunFinished    Type = "run_finished"
)

// Event is passed by value and never modified after Publish.
type Event struct {
	Type     Type      `json:"type"`
	RunID    string    `json:"run_id,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	Message  string    `json:"message"`
	Progress float64   `json:"progress"`
	Time     time.Time `json:"time"`
}

// IsError reports whether the event reports a failure.
func (e Event) IsError() bool { return e.Type == TypeError }

// Handler consumes events. It runs on the publisher's goroutine and must
// return quickly.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Bus is an in-process publish/subscribe channel.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64

	publishMu sync.Mutex
}

// NewBus returns an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers h and returns its subscription.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, handler: h}
	s.active.Store(true)
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes s. It is safe to call from inside a handler and more
// than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.active.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every active subscriber in registration order.
// Concurrent publishers are serialized so each subscriber observes one
// global order.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "subscriber", s.id, "event", e.Type, "panic", r)
		}
	}()
	s.handler(e)
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Chan subscribes a buffered channel. Sends never block the publisher; an
// event that does not fit is dropped with a warning. The returned func
// unsubscribes and closes the channel.
func (b *Bus) Chan(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.log.Warn("event channel full", "event", e.Type, "run", e.RunID)
		}
	})
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.Unsubscribe(sub)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
