package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baldanca/cve-ingestor/queue"
	"github.com/baldanca/cve-ingestor/sink"
	"github.com/baldanca/cve-ingestor/source"
	"github.com/baldanca/cve-ingestor/transformer"
)

// Pipeline moves work items of type P through a transformer into records of
// type R and commits them per channel. A Pipeline holds only configuration;
// every Run builds its own queues and workers, so runs may overlap.
type Pipeline[P, R any] struct {
	cfg         Config
	transformer transformer.Transformer[P, R]
	committers  [source.NumChannels]sink.Committer[R]
	opts        options

	current atomic.Pointer[Monitor]
}

// New validates cfg and resolves one load lane per channel in committers.
func New[P, R any](
	cfg Config,
	tr transformer.Transformer[P, R],
	committers map[source.Channel]sink.Committer[R],
	opts ...Option,
) (*Pipeline[P, R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, ErrTransformerRequired
	}

	p := &Pipeline[P, R]{cfg: cfg, transformer: tr}
	lanes := 0
	for ch, c := range committers {
		if !ch.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
		}
		if c == nil {
			return nil, fmt.Errorf("committer for channel %s is nil", ch)
		}
		p.committers[ch] = c
		lanes++
	}
	if lanes == 0 {
		return nil, ErrNoCommitters
	}

	p.opts.logger = slog.Default()
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p, nil
}

func (p *Pipeline[P, R]) Config() Config { return p.cfg }

// Monitor returns the monitor of the most recently started run, or nil before
// the first run.
func (p *Pipeline[P, R]) Monitor() *Monitor { return p.current.Load() }

// QueueStats describes one queue of a finished run.
type QueueStats struct {
	Name      string
	Capacity  int
	HighWater int
	Stops     int
}

// Result summarises a run. Totals are final once State is StateDone.
type Result struct {
	State State

	// Total counts records the monitor saw committed.
	Total      int64
	PerChannel [source.NumChannels]int64
	// Batches counts successful commits per channel, including any the
	// monitor never saw because the run failed first.
	Batches [source.NumChannels]int64

	// Dropped counts items whose transform failed.
	Dropped int64
	// Discarded counts records whose channel had no lane.
	Discarded int64

	Queues   []QueueStats
	Duration time.Duration
}

type run[P, R any] struct {
	p   *Pipeline[P, R]
	log *slog.Logger

	extractQ *queue.Queue[source.WorkItem[P]]
	lanes    [source.NumChannels]*lane[R]
	monitorQ *queue.Queue[Progress]
	monitor  *Monitor

	extractG errgroup.Group
	laneG    [source.NumChannels]errgroup.Group
	monitorG errgroup.Group

	// filled is closed once the producer has returned.
	filled chan struct{}

	stops  map[string]int
	state  State
	cancel context.CancelCauseFunc

	dropped   atomic.Int64
	discarded atomic.Int64
	batches   [source.NumChannels]atomic.Int64
}

func (r *run[P, R]) lane(ch source.Channel) *lane[R] {
	if !ch.Valid() {
		return nil
	}
	return r.lanes[ch]
}

func (r *run[P, R]) setState(s State) {
	r.state = s
	r.log.Info("pipeline state", "state", s.String())
	if r.p.opts.onState != nil {
		r.p.opts.onState(s)
	}
}

// abort records the first fatal error and cancels the run.
func (r *run[P, R]) abort(err error) {
	r.cancel(err)
}

func (r *run[P, R]) spawn(g *errgroup.Group, fn func() error) {
	g.Go(func() error {
		err := fn()
		if err != nil {
			r.abort(err)
		}
		return err
	})
}

func (r *run[P, R]) wait() {
	_ = r.extractG.Wait()
	for i := range r.laneG {
		_ = r.laneG[i].Wait()
	}
	_ = r.monitorG.Wait()
}

func (p *Pipeline[P, R]) newRun() (*run[P, R], error) {
	r := &run[P, R]{p: p, log: p.opts.logger, stops: make(map[string]int), filled: make(chan struct{})}

	var err error
	if r.extractQ, err = queue.New[source.WorkItem[P]](p.cfg.ExtractionCapacity()); err != nil {
		return nil, err
	}

	lanes := 0
	for _, ch := range source.Channels {
		c := p.committers[ch]
		if c == nil {
			continue
		}
		q, err := queue.New[R](p.cfg.LoadCapacity())
		if err != nil {
			return nil, err
		}
		r.lanes[ch] = &lane[R]{channel: ch, q: q, committer: c}
		lanes++
	}

	if r.monitorQ, err = queue.New[Progress](p.cfg.MonitorCapacity(lanes)); err != nil {
		return nil, err
	}
	r.monitor = newMonitor(p.opts.reporter, r.log)
	return r, nil
}

// Run feeds every item of items through the pipeline and drains it.
//
// It returns once every stage goroutine of the run has exited. On failure the
// returned error is the first fatal error, usually a *StageError, and the
// Result state is StateFailed. Canceling ctx fails the run the same way.
//
// items is ranged over in its own goroutine, so a failure is reported even
// while items is blocked waiting for input. Such a producer may still be
// running when Run returns; it is stopped at its next item. Use RunStream for
// producers that can observe cancellation.
func (p *Pipeline[P, R]) Run(ctx context.Context, items source.Producer[P]) (Result, error) {
	return p.runWith(ctx, func(context.Context) source.Producer[P] { return items }, false)
}

// RunStream is Run for a producer bound to the run context. The context handed
// to stream is canceled as soon as the run fails, and RunStream returns only
// after the stream has returned too.
func (p *Pipeline[P, R]) RunStream(ctx context.Context, stream source.Stream[P]) (Result, error) {
	if stream == nil {
		return Result{State: StateFailed}, ErrStreamRequired
	}
	return p.runWith(ctx, stream, true)
}

func (p *Pipeline[P, R]) runWith(ctx context.Context, stream source.Stream[P], awaitProducer bool) (Result, error) {
	start := time.Now()

	r, err := p.newRun()
	if err != nil {
		return Result{State: StateFailed}, err
	}
	p.current.Store(r.monitor)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.cancel = cancel

	r.setState(StateInit)
	r.start(runCtx)

	err = r.execute(runCtx, stream(runCtx))
	if err != nil {
		r.abort(err)
		r.wait()
		if awaitProducer {
			<-r.filled
		}
		err = context.Cause(runCtx)
		r.setState(StateFailed)
		r.log.Error("pipeline failed", "error", err)
	} else {
		r.setState(StateDone)
	}

	res := r.result(time.Since(start))
	r.log.Info("Total time", "duration", res.Duration, "total", res.Total, "dropped", res.Dropped, "state", res.State.String())
	if res.State == StateFailed {
		return res, err
	}
	return res, nil
}

func (r *run[P, R]) start(ctx context.Context) {
	for id := 1; id <= r.p.cfg.ExtractionWorkers; id++ {
		r.spawn(&r.extractG, func() error { return r.extractWorker(ctx, id) })
	}
	for _, ch := range source.Channels {
		l := r.lanes[ch]
		if l == nil {
			continue
		}
		for id := 1; id <= r.p.cfg.LoaderWorkers; id++ {
			r.spawn(&r.laneG[ch], func() error { return r.loadWorker(ctx, l, id) })
		}
	}
	r.spawn(&r.monitorG, func() error { return r.monitor.run(ctx, r.monitorQ) })
}

// execute fills the extraction queue and drains the stages in order. Any
// error it returns aborts the run.
func (r *run[P, R]) execute(ctx context.Context, items source.Producer[P]) error {
	r.setState(StateFilling)
	fillErr := make(chan error, 1)
	go func() {
		defer close(r.filled)
		fillErr <- r.fill(ctx, items)
	}()
	select {
	case err := <-fillErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	r.setState(StateDrainingExtract)
	if err := drain(ctx, r, StageExtract, r.extractQ, r.p.cfg.ExtractionWorkers, &r.extractG); err != nil {
		return err
	}

	r.setState(StateDrainingLoad)
	for _, ch := range source.Channels {
		l := r.lanes[ch]
		if l == nil {
			continue
		}
		if err := drain(ctx, r, StageLoad+"/"+ch.String(), l.q, r.p.cfg.LoaderWorkers, &r.laneG[ch]); err != nil {
			return err
		}
	}

	r.setState(StateDrainingMonitor)
	return drain(ctx, r, StageMonitor, r.monitorQ, 1, &r.monitorG)
}

// fill puts every produced item on the extraction queue.
func (r *run[P, R]) fill(ctx context.Context, items source.Producer[P]) error {
	for item, err := range items {
		if err != nil {
			return &StageError{Stage: StageProduce, Err: err}
		}
		if err := r.extractQ.Put(ctx, item); err != nil {
			return err
		}
	}
	return ctx.Err()
}

type stoppable interface {
	PutStop(ctx context.Context) error
	Join(ctx context.Context) error
}

// drain sends one stop marker per worker, waits until the queue is fully
// acknowledged, then waits for the workers themselves.
func drain[P, R any](ctx context.Context, r *run[P, R], name string, q stoppable, workers int, g *errgroup.Group) error {
	for i := 0; i < workers; i++ {
		if err := q.PutStop(ctx); err != nil {
			return err
		}
		r.stops[name]++
	}
	if err := q.Join(ctx); err != nil {
		return err
	}
	return g.Wait()
}

func (r *run[P, R]) result(d time.Duration) Result {
	snap := r.monitor.Snapshot()
	res := Result{
		State:      r.state,
		Total:      snap.Total,
		PerChannel: snap.PerChannel,
		Dropped:    r.dropped.Load(),
		Discarded:  r.discarded.Load(),
		Duration:   d,
	}
	for i := range r.batches {
		res.Batches[i] = r.batches[i].Load()
	}

	res.Queues = append(res.Queues, QueueStats{
		Name: StageExtract, Capacity: r.extractQ.Cap(), HighWater: r.extractQ.HighWater(), Stops: r.stops[StageExtract],
	})
	for _, ch := range source.Channels {
		l := r.lanes[ch]
		if l == nil {
			continue
		}
		name := StageLoad + "/" + ch.String()
		res.Queues = append(res.Queues, QueueStats{
			Name: name, Capacity: l.q.Cap(), HighWater: l.q.HighWater(), Stops: r.stops[name],
		})
	}
	res.Queues = append(res.Queues, QueueStats{
		Name: StageMonitor, Capacity: r.monitorQ.Cap(), HighWater: r.monitorQ.HighWater(), Stops: r.stops[StageMonitor],
	})
	return res
}
