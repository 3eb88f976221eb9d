package eventlog

import (
	"context"
	"errors"
	"sync"
)

// ErrSlowSubscriber ends a subscription whose consumer fell too far behind.
var ErrSlowSubscriber = errors.New("eventlog: subscriber too slow")

// Hub fans records out to live subscribers. Publish never blocks: each
// subscription buffers on its own and is dropped when the buffer overflows.
type Hub struct {
	bufferSize int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		bufferSize: bufferSize,
		subs:       make(map[string]map[*Subscription]struct{}),
	}
}

// Publish delivers rec to every subscriber of its conversation.
func (h *Hub) Publish(rec Record) {
	h.mu.RLock()
	var overflowed []*Subscription
	for sub := range h.subs[rec.ConversationID] {
		if !sub.enqueue(rec) {
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		sub.fail(ErrSlowSubscriber)
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

// subscribe registers a subscription that first yields backlog and then live
// records with seq > floor.
func (h *Hub) subscribe(ctx context.Context, conversationID string, floor int64, backlog []Record) *Subscription {
	sub := &Subscription{
		hub:            h,
		conversationID: conversationID,
		floor:          floor,
		pending:        backlog,
		limit:          len(backlog) + h.bufferSize,
		bufferSize:     h.bufferSize,
		out:            make(chan Record, 16),
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	if len(backlog) > 0 {
		sub.notify <- struct{}{}
	}

	h.mu.Lock()
	m := h.subs[conversationID]
	if m == nil {
		m = make(map[*Subscription]struct{})
		h.subs[conversationID] = m
	}
	m[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()
	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	sub.stopCtx = stop
	sub.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.subs[sub.conversationID]
	delete(m, sub)
	if len(m) == 0 {
		delete(h.subs, sub.conversationID)
	}
}

// Subscription is an ordered, duplicate-free stream of one conversation's
// records.
type Subscription struct {
	hub            *Hub
	conversationID string
	bufferSize     int

	mu      sync.Mutex
	pending []Record
	limit   int
	closed  bool
	err     error
	stopCtx func() bool

	// floor is only touched by run.
	floor int64

	out       chan Record
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Records yields records in sequence order. It is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Records() <-chan Record {
	return s.out
}

// Err returns ErrSlowSubscriber when the hub dropped the subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		stop := s.stopCtx
		s.mu.Unlock()
		close(s.done)
		s.hub.remove(s)
		if stop != nil {
			stop()
		}
	})
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

func (s *Subscription) enqueue(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if len(s.pending) >= s.limit {
		return false
	}
	s.pending = append(s.pending, rec)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.limit = s.bufferSize
		s.mu.Unlock()

		for _, rec := range batch {
			if rec.Seq <= s.floor {
				continue
			}
			select {
			case s.out <- rec:
				s.floor = rec.Seq
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
