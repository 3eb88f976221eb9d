package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vango-go/vai-bridge/pkg/core"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("audio: queue closed")

// Policy selects what Push does when the queue is full.
type Policy int

const (
	// DropOldest evicts the head frame so the newest audio always gets in.
	DropOldest Policy = iota
	// Block makes Push wait for space. TryPush reports false instead.
	Block
)

func (p Policy) String() string {
	if p == Block {
		return "block"
	}
	return "drop_oldest"
}

// Queue is a bounded FIFO of frames for one relay direction. Every frame must
// already be in the queue's format.
type Queue struct {
	format Format
	policy Policy

	mu      sync.Mutex
	buf     []Frame
	head    int
	size    int
	closed  bool
	dropped uint64

	closedCh chan struct{}
	notEmpty chan struct{}
	notFull  chan struct{}
}

func NewQueue(format Format, capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		format:   format,
		policy:   policy,
		buf:      make([]Frame, capacity),
		closedCh: make(chan struct{}),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

func (q *Queue) Format() Format { return q.format }
func (q *Queue) Policy() Policy { return q.policy }
func (q *Queue) Cap() int { return len(q.buf) }

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many frames DropOldest has evicted.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Push enqueues f according to the queue policy.
func (q *Queue) Push(ctx context.Context, f Frame) error {
	if err := q.check(f); err != nil {
		return err
	}
	for {
		ok, err := q.tryPush(f)
		if err != nil || ok {
			return err
		}
		select {
		case <-q.notFull:
		case <-q.closedCh:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPush enqueues f without waiting. Under Block it reports false when full.
func (q *Queue) TryPush(f Frame) (bool, error) {
	if err := q.check(f); err != nil {
		return false, err
	}
	return q.tryPush(f)
}

func (q *Queue) check(f Frame) error {
	if f.Format != q.format {
		return core.ErrRateMismatch.WithMessage("frame format %d Hz/%d ch does not match queue format %d Hz/%d ch",
			f.Format.SampleRate, f.Format.Channels, q.format.SampleRate, q.format.Channels)
	}
	return nil
}

func (q *Queue) tryPush(f Frame) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if q.size == len(q.buf) {
		if q.policy == Block {
			return false, nil
		}
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	signal(q.notEmpty)
	if q.size < len(q.buf) {
		signal(q.notFull)
	}
	return true, nil
}

// Pop blocks until a frame is available, the queue is closed (ErrClosed), or
// ctx is done.
func (q *Queue) Pop(ctx context.Context) (Frame, error) {
	for {
		f, ok, err := q.tryPop()
		if err != nil || ok {
			return f, err
		}
		select {
		case <-q.notEmpty:
		case <-q.closedCh:
			return Frame{}, ErrClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// TryPop dequeues the head frame without waiting.
func (q *Queue) TryPop() (Frame, bool) {
	f, ok, _ := q.tryPop()
	return f, ok
}

func (q *Queue) tryPop() (Frame, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Frame{}, false, ErrClosed
	}
	if q.size == 0 {
		return Frame{}, false, nil
	}
	f := q.buf[q.head]
	q.buf[q.head] = Frame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	signal(q.notFull)
	if q.size > 0 {
		signal(q.notEmpty)
	}
	return f, true, nil
}

// NotFull is signalled whenever space is freed. Producers staging frames
// under the Block policy select on it instead of blocking in Push.
func (q *Queue) NotFull() <-chan struct{} {
	return q.notFull
}

// Clear discards buffered frames and returns how many were discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.clearLocked()
	if n > 0 {
		signal(q.notFull)
	}
	return n
}

// Close discards buffered frames and wakes every waiter with ErrClosed.
// It is idempotent.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	n := q.clearLocked()
	close(q.closedCh)
	return n
}

func (q *Queue) clearLocked() int {
	n := q.size
	for i := range q.buf {
		q.buf[i] = Frame{}
	}
	q.head = 0
	q.size = 0
	return n
}

func (q *Queue) String() string {
	return fmt.Sprintf("audio.Queue(%s, cap=%d)", q.policy, len(q.buf))
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
