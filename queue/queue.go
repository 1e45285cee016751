package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

var (
	// ErrInvalidCapacity is returned by New when capacity < 1.
	ErrInvalidCapacity = errors.New("queue capacity must be >= 1")

	// ErrTooManyDone is returned when Done is called more times than items were put.
	ErrTooManyDone = errors.New("queue: Done called more times than items were put")
)

// Item is either a value or a stop marker. A stop marker tells exactly one
// consumer that no more work will arrive.
type Item[T any] struct {
	value T
	stop  bool
}

// Stop reports whether the item is a stop marker.
func (i Item[T]) Stop() bool { return i.stop }

// Value returns the carried value. It is the zero value for stop markers.
func (i Item[T]) Value() T { return i.value }

// Queue is a bounded FIFO between two pipeline stages.
//
// Put blocks while the queue is full and Get blocks while it is empty. Every
// item taken with Get must be acknowledged with Done; Join waits until all
// items ever put have been acknowledged.
type Queue[T any] struct {
	ch chan Item[T]

	mu         sync.Mutex
	unfinished int
	drained    chan struct{}

	highWater atomic.Int64
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) (*Queue[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Queue[T]{ch: make(chan Item[T], capacity)}, nil
}

// Capacity computes ceil(base * headroom), never below 1.
func Capacity(base int, headroom float64) int {
	c := int(math.Ceil(float64(base) * headroom))
	if c < 1 {
		return 1
	}
	return c
}

// Put appends v, blocking while the queue is at capacity.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	return q.put(ctx, Item[T]{value: v})
}

// PutStop appends one stop marker.
func (q *Queue[T]) PutStop(ctx context.Context) error {
	return q.put(ctx, Item[T]{stop: true})
}

func (q *Queue[T]) put(ctx context.Context, it Item[T]) error {
	// count first so a fast consumer can never acknowledge an item we have not counted yet
	q.mu.Lock()
	q.unfinished++
	q.mu.Unlock()

	select {
	case q.ch <- it:
		q.observe()
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		q.unfinished--
		q.releaseLocked()
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Get removes and returns the oldest item, blocking while the queue is empty.
func (q *Queue[T]) Get(ctx context.Context) (Item[T], error) {
	select {
	case it := <-q.ch:
		return it, nil
	case <-ctx.Done():
		var zero Item[T]
		return zero, ctx.Err()
	}
}

// Done acknowledges one item previously returned by Get.
func (q *Queue[T]) Done() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		return ErrTooManyDone
	}
	q.unfinished--
	q.releaseLocked()
	return nil
}

// Join blocks until every item put so far has been acknowledged.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	if q.unfinished == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.drained == nil {
		q.drained = make(chan struct{})
	}
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Must be called with mu held.
func (q *Queue[T]) releaseLocked() {
	if q.unfinished == 0 && q.drained != nil {
		close(q.drained)
		q.drained = nil
	}
}

func (q *Queue[T]) observe() {
	n := int64(len(q.ch))
	for {
		cur := q.highWater.Load()
		if n <= cur || q.highWater.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Len returns the number of items currently buffered.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Unfinished returns the number of items put but not yet acknowledged.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// HighWater returns the largest occupancy observed right after a Put.
func (q *Queue[T]) HighWater() int { return int(q.highWater.Load()) }
