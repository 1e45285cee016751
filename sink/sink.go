package sink

import (
	"context"
)

// Committer writes one batch to its destination. A returned error means the
// batch was not stored; callers treat it as fatal for the run.
//
// Commit is called from several goroutines at once and must be safe for
// concurrent use.
type Committer[T any] interface {
	Commit(ctx context.Context, batch []T) error
}

// CommitFunc adapts a plain function to Committer.
type CommitFunc[T any] func(ctx context.Context, batch []T) error

func (f CommitFunc[T]) Commit(ctx context.Context, batch []T) error { return f(ctx, batch) }

// WriteRequest is one encoded object handed to an object store.
type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// Writer stores encoded objects.
type Writer interface {
	Write(ctx context.Context, req WriteRequest) error
}
