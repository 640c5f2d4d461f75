// Package queue provides the bounded, closable FIFO queue used for the
// publisher send queue, the receipt queue and the consumer delivery buffer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by writes after Close and by reads once a closed
	// queue has been drained.
	ErrClosed = errors.New("queue: closed")
	// ErrFull is returned when a write cannot be accepted without blocking.
	ErrFull = errors.New("queue: full")
)

// FullMode is the policy applied when a write finds the queue at capacity.
type FullMode int

const (
	// Block waits for space.
	Block FullMode = iota
	// DropOldest evicts the oldest queued item to make room.
	DropOldest
	// Reject refuses the new item with ErrFull.
	Reject
)

func (m FullMode) String() string {
	switch m {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("FullMode(%d)", int(m))
	}
}

// ParseFullMode parses the textual form produced by String.
func ParseFullMode(s string) (FullMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block", "wait":
		return Block, nil
	case "drop-oldest", "dropoldest":
		return DropOldest, nil
	case "reject", "drop-write", "dropwrite":
		return Reject, nil
	default:
		return Block, fmt.Errorf("queue: unknown full mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m FullMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *FullMode) UnmarshalText(text []byte) error {
	parsed, err := ParseFullMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Reader is the consuming side of a Queue.
type Reader[T any] interface {
	Read(ctx context.Context) (T, error)
	TryRead() (T, bool)
	Len() int
	Done() <-chan struct{}
}

// Queue is a bounded FIFO queue. Writers follow the FullMode policy; readers
// keep receiving queued items after Close until the queue is empty.
type Queue[T any] struct {
	items   chan T
	mode    FullMode
	writeMu sync.Mutex // serialises evict+send for DropOldest

	closeOnce sync.Once
	closed    chan struct{}
	drainOnce sync.Once
	drained   chan struct{}
	isClosed  atomic.Bool

	dropped atomic.Uint64
}

// New creates a queue holding up to capacity items.
func New[T any](capacity int, mode FullMode) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:   make(chan T, capacity),
		mode:    mode,
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Write adds v according to the queue's FullMode. In Block mode it waits
// until space is available, the queue is closed or ctx is done.
func (q *Queue[T]) Write(ctx context.Context, v T) error {
	if q.isClosed.Load() {
		return ErrClosed
	}
	switch q.mode {
	case DropOldest:
		q.writeDropOldest(v)
		return nil
	case Reject:
		return q.TryWrite(v)
	}

	select {
	case q.items <- v:
		return nil
	default:
	}
	select {
	case q.items <- v:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWrite adds v without blocking. DropOldest queues always accept; other
// modes return ErrFull when at capacity.
func (q *Queue[T]) TryWrite(v T) error {
	if q.isClosed.Load() {
		return ErrClosed
	}
	if q.mode == DropOldest {
		q.writeDropOldest(v)
		return nil
	}
	select {
	case q.items <- v:
		return nil
	default:
		if q.mode == Reject {
			q.dropped.Add(1)
		}
		return ErrFull
	}
}

func (q *Queue[T]) writeDropOldest(v T) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	for {
		select {
		case q.items <- v:
			return
		default:
		}
		select {
		case <-q.items:
			q.dropped.Add(1)
		default:
		}
	}
}

// Read returns the next item, waiting until one is available. It returns
// ErrClosed once the queue is closed and empty.
func (q *Queue[T]) Read(ctx context.Context) (T, error) {
	select {
	case v := <-q.items:
		q.checkDrained()
		return v, nil
	default:
	}
	select {
	case v := <-q.items:
		q.checkDrained()
		return v, nil
	case <-q.closed:
		if v, ok := q.TryRead(); ok {
			return v, nil
		}
		var zero T
		return zero, ErrClosed
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryRead returns the next item if one is immediately available.
func (q *Queue[T]) TryRead() (T, bool) {
	select {
	case v := <-q.items:
		q.checkDrained()
		return v, true
	default:
		q.checkDrained()
		var zero T
		return zero, false
	}
}

// Close stops accepting writes. Queued items remain readable.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.isClosed.Store(true)
		close(q.closed)
		q.checkDrained()
	})
}

func (q *Queue[T]) checkDrained() {
	if q.isClosed.Load() && len(q.items) == 0 {
		q.drainOnce.Do(func() { close(q.drained) })
	}
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	return q.isClosed.Load()
}

// Done is closed when Close is called.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.closed
}

// Drained is closed once the queue is closed and every item has been read.
func (q *Queue[T]) Drained() <-chan struct{} {
	return q.drained
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Mode returns the full-mode policy.
func (q *Queue[T]) Mode() FullMode {
	return q.mode
}

// Dropped returns how many items were evicted (DropOldest) or refused
// (Reject) because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
