package batcher

import "errors"

// ErrInvalidMaxItems is returned by New when maxItems < 1.
var ErrInvalidMaxItems = errors.New("batcher: maxItems must be >= 1")

// Batcher accumulates items until a count threshold is reached.
//
// A Batcher is owned by exactly one goroutine and is not safe for concurrent use.
type Batcher[T any] struct {
	maxItems int
	items    []T
}

// New creates a batcher that asks for a flush once maxItems items are buffered.
func New[T any](maxItems int) (*Batcher[T], error) {
	if maxItems < 1 {
		return nil, ErrInvalidMaxItems
	}
	return &Batcher[T]{maxItems: maxItems}, nil
}

// Add appends item and reports whether the batch reached its threshold.
func (b *Batcher[T]) Add(item T) (flushNow bool) {
	if b.items == nil {
		b.items = make([]T, 0, b.maxItems)
	}
	b.items = append(b.items, item)
	return len(b.items) >= b.maxItems
}

// Len returns the number of buffered items.
func (b *Batcher[T]) Len() int { return len(b.items) }

// MaxItems returns the flush threshold.
func (b *Batcher[T]) MaxItems() int { return b.maxItems }

// Flush hands the buffered items to the caller and starts a new batch.
// The returned slice is never touched by the batcher again.
func (b *Batcher[T]) Flush() []T {
	out := b.items
	b.items = nil
	return out
}
