package transformer

import (
	"context"
	"errors"
	"fmt"

	"github.com/panjf2000/ants/v2"
)

// ErrPoolRequired is returned by Offload when no pool is given.
var ErrPoolRequired = errors.New("transformer: pool is required")

// Transformer converts one value into another.
//
// In this project it typically converts a raw document (a file path or the
// bytes of a CVE record) into a typed record. A returned error means the single
// input could not be converted; callers decide whether that is fatal.
type Transformer[I, O any] interface {
	Transform(ctx context.Context, in I) (O, error)
}

// Func adapts a plain function to Transformer.
type Func[I, O any] func(ctx context.Context, in I) (O, error)

func (f Func[I, O]) Transform(ctx context.Context, in I) (O, error) { return f(ctx, in) }

type offloaded[I, O any] struct {
	pool *ants.Pool
	next Transformer[I, O]
}

// Offload runs every Transform of next on pool while the caller waits.
//
// The pool bounds how many transforms run at once regardless of how many
// goroutines call Transform, which keeps CPU-heavy parsing off the stage workers.
func Offload[I, O any](pool *ants.Pool, next Transformer[I, O]) (Transformer[I, O], error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	if next == nil {
		return nil, errors.New("transformer: next is required")
	}
	return &offloaded[I, O]{pool: pool, next: next}, nil
}

type result[O any] struct {
	out O
	err error
}

func (o *offloaded[I, O]) Transform(ctx context.Context, in I) (O, error) {
	var zero O

	done := make(chan result[O], 1)
	err := o.pool.Submit(func() {
		out, err := o.next.Transform(ctx, in)
		done <- result[O]{out: out, err: err}
	})
	if err != nil {
		// pool closed or overloaded: the run cannot make progress
		return zero, fmt.Errorf("submit transform: %w", err)
	}

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
