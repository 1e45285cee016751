package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/baldanca/cve-ingestor/source"
)

// extractWorker transforms work items until it takes a stop marker. Transform
// errors drop the item unless marked with Fatal; everything else ends the run.
func (r *run[P, R]) extractWorker(ctx context.Context, id int) error {
	log := r.log.With("stage", StageExtract, "worker", id)
	log.Debug("worker started")

	fail := func(err error) error {
		return &StageError{Stage: StageExtract, Worker: id, Err: err}
	}

	for {
		it, err := r.extractQ.Get(ctx)
		if err != nil {
			return fail(err)
		}
		if it.Stop() {
			if err := r.extractQ.Done(); err != nil {
				return fail(err)
			}
			log.Debug("worker finished")
			return nil
		}

		if err := r.extractOne(ctx, log, it.Value()); err != nil {
			return fail(err)
		}
		if err := r.extractQ.Done(); err != nil {
			return fail(err)
		}
	}
}

func (r *run[P, R]) extractOne(ctx context.Context, log *slog.Logger, item source.WorkItem[P]) error {
	rec, err := r.p.transformer.Transform(ctx, item.Payload)
	if err != nil {
		if IsFatal(err) {
			return fmt.Errorf("transform %s: %w", item.ID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.dropped.Add(1)
		log.Warn("skipping item", "id", item.ID, "error", err)
		return nil
	}

	l := r.lane(item.Channel)
	if l == nil {
		r.discarded.Add(1)
		log.Debug("no lane for channel, record discarded", "id", item.ID, "channel", item.Channel.String())
		return nil
	}
	if err := l.q.Put(ctx, rec); err != nil {
		return fmt.Errorf("route to %s lane: %w", l.channel, err)
	}
	return nil
}
