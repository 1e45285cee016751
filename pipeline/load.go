package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/baldanca/cve-ingestor/batcher"
	"github.com/baldanca/cve-ingestor/queue"
	"github.com/baldanca/cve-ingestor/sink"
	"github.com/baldanca/cve-ingestor/source"
)

// lane is the load queue, committer and worker set of one channel.
type lane[R any] struct {
	channel   source.Channel
	q         *queue.Queue[R]
	committer sink.Committer[R]
}

// loadWorker batches records of one lane. A batch is committed when it reaches
// the batch size, and whatever is left is committed when the worker takes its
// stop marker. The stop marker is acknowledged only after that final commit.
func (r *run[P, R]) loadWorker(ctx context.Context, l *lane[R], id int) error {
	log := r.log.With("stage", StageLoad, "channel", l.channel.String(), "worker", id)
	log.Debug("worker started")

	fail := func(err error) error {
		return &StageError{Stage: StageLoad, Channel: l.channel.String(), Worker: id, Err: err}
	}

	b, err := batcher.New[R](r.p.cfg.BatchSize)
	if err != nil {
		return fail(err)
	}

	for {
		it, err := l.q.Get(ctx)
		if err != nil {
			return fail(err)
		}

		if it.Stop() {
			if b.Len() > 0 {
				if err := r.flush(ctx, log, l, b.Flush()); err != nil {
					return fail(err)
				}
			}
			if err := l.q.Done(); err != nil {
				return fail(err)
			}
			log.Debug("worker finished")
			return nil
		}

		if b.Add(it.Value()) {
			if err := r.flush(ctx, log, l, b.Flush()); err != nil {
				return fail(err)
			}
		}
		if err := l.q.Done(); err != nil {
			return fail(err)
		}
	}
}

// flush commits one batch and reports it to the monitor. Nothing is committed
// once the run has failed.
func (r *run[P, R]) flush(ctx context.Context, log *slog.Logger, l *lane[R], batch []R) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := l.committer.Commit(ctx, batch); err != nil {
		log.Error("commit failed", "batch", len(batch), "error", err)
		return fmt.Errorf("commit batch of %d: %w", len(batch), err)
	}
	r.batches[l.channel].Add(1)

	if err := r.monitorQ.Put(ctx, Progress{Channel: l.channel, Count: len(batch)}); err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	return nil
}
