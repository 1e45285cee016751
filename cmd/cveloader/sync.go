package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

type workingCopy interface {
	Clone(ctx context.Context) (bool, error)
	Pull(ctx context.Context) error
	Root(folder string) string
}

type cursorStore interface {
	LastFetch(ctx context.Context) (time.Time, bool, error)
	SetLastFetch(ctx context.Context, t time.Time) error
}

// syncer keeps the sink in step with the upstream repository: one full load
// after the first clone, then a delta load after every pull.
type syncer struct {
	repo   workingCopy
	store  cursorStore
	folder string
	delay  time.Duration
	logger *slog.Logger

	full  func(ctx context.Context, root string) error
	delta func(ctx context.Context, root string, since time.Time) error

	now   func() time.Time
	ticks <-chan time.Time
}

func (s *syncer) run(ctx context.Context) error {
	if s.now == nil {
		s.now = time.Now
	}
	if s.ticks == nil {
		t := time.NewTicker(s.delay)
		defer t.Stop()
		s.ticks = t.C
	}

	cloneTime := s.now()
	cloned, err := s.repo.Clone(ctx)
	if err != nil {
		return err
	}
	root := s.repo.Root(s.folder)
	if cloned {
		s.logger.Info("running initial load", "root", root)
		if err := s.full(ctx, root); err != nil {
			return fmt.Errorf("initial load: %w", err)
		}
		if err := s.store.SetLastFetch(ctx, cloneTime); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
	}

	// Delta loads run in the background; the first one to fail stops the loop.
	g, gctx := errgroup.WithContext(ctx)
	loopErr := s.loop(gctx, g, root)
	err = g.Wait()
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}
	if err != nil && !(ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		return err
	}
	return nil
}

func (s *syncer) loop(ctx context.Context, g *errgroup.Group, root string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ticks:
		}

		fetched := s.now()
		if err := s.repo.Pull(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("pull failed, retrying next tick", "err", err)
			continue
		}

		since, ok, err := s.store.LastFetch(ctx)
		if err != nil {
			return fmt.Errorf("read cursor: %w", err)
		}
		if !ok {
			s.logger.Info("no cursor stored, loading the whole delta log")
		}

		s.logger.Info("starting delta load", "since", since)
		g.Go(func() error {
			if err := s.delta(ctx, root, since); err != nil {
				return fmt.Errorf("delta load since %s: %w", since.Format(time.RFC3339), err)
			}
			return nil
		})

		if err := s.store.SetLastFetch(ctx, fetched); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
	}
}
