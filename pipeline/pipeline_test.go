package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/cve-ingestor/sink"
	"github.com/baldanca/cve-ingestor/source"
	"github.com/baldanca/cve-ingestor/transformer"
)

//
// Fakes
//

// recordingCommitter keeps every batch it accepted. failOn > 0 fails that call.
type recordingCommitter struct {
	mu      sync.Mutex
	batches [][]int
	calls   int
	failOn  int
	delay   time.Duration
	before  func(call int)
}

var errCommit = errors.New("sink rejected batch")

func (c *recordingCommitter) Commit(ctx context.Context, batch []int) error {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()

	if c.before != nil {
		c.before(call)
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failOn > 0 && call == c.failOn {
		return errCommit
	}

	c.mu.Lock()
	c.batches = append(c.batches, slices.Clone(batch))
	c.mu.Unlock()
	return nil
}

func (c *recordingCommitter) sizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.batches))
	for i, b := range c.batches {
		out[i] = len(b)
	}
	return out
}

func (c *recordingCommitter) items() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func (c *recordingCommitter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func atoi() transformer.Transformer[string, int] {
	return transformer.Func[string, int](func(_ context.Context, s string) (int, error) {
		return strconv.Atoi(s)
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func items(ch source.Channel, from, n int) []source.WorkItem[string] {
	out := make([]source.WorkItem[string], 0, n)
	for i := from; i < from+n; i++ {
		s := strconv.Itoa(i)
		out = append(out, source.WorkItem[string]{Channel: ch, ID: "item-" + s, Payload: s})
	}
	return out
}

func newTestPipeline(t *testing.T, cfg Config, committers map[source.Channel]sink.Committer[int], opts ...Option) *Pipeline[string, int] {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	p, err := New[string, int](cfg, atoi(), committers, opts...)
	require.NoError(t, err)
	return p
}

func runWithTimeout(t *testing.T, p *Pipeline[string, int], prod source.Producer[string]) (Result, error) {
	t.Helper()
	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := p.Run(context.Background(), prod)
		done <- out{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline run did not finish")
		return Result{}, nil
	}
}

//
// Construction
//

func TestNew_Validation(t *testing.T) {
	c := &recordingCommitter{}
	lanes := map[source.Channel]sink.Committer[int]{source.Create: c}

	_, err := New[string, int](Config{}, atoi(), lanes)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New[string, int](DefaultConfig, nil, lanes)
	require.ErrorIs(t, err, ErrTransformerRequired)

	_, err = New[string, int](DefaultConfig, atoi(), nil)
	require.ErrorIs(t, err, ErrNoCommitters)

	_, err = New[string, int](DefaultConfig, atoi(), map[source.Channel]sink.Committer[int]{source.Channel(9): c})
	require.ErrorIs(t, err, ErrUnknownChannel)

	_, err = New[string, int](DefaultConfig, atoi(), map[source.Channel]sink.Committer[int]{source.Create: nil})
	require.Error(t, err)
}

//
// Scenarios
//

func TestRun_MalformedInputsAreDroppedAndBatchesAreExact(t *testing.T) {
	c := &recordingCommitter{}
	cfg := Config{ExtractionWorkers: 4, LoaderWorkers: 1, BatchSize: 25, QueueHeadroom: 1.5}
	p := newTestPipeline(t, cfg, map[source.Channel]sink.Committer[int]{source.Create: c})

	in := items(source.Create, 0, 97)
	for i, bad := range []string{"x", "", "1.5"} {
		pos := (i + 1) * 30
		in = slices.Insert(in, pos, source.WorkItem[string]{Channel: source.Create, ID: "bad-" + bad, Payload: bad})
	}
	require.Len(t, in, 100)

	res, err := runWithTimeout(t, p, source.Slice(in...))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.EqualValues(t, 97, res.Total)
	assert.EqualValues(t, 97, res.PerChannel[source.Create])
	assert.EqualValues(t, 3, res.Dropped)
	assert.Equal(t, []int{25, 25, 25, 22}, c.sizes())
	assert.EqualValues(t, 4, res.Batches[source.Create])
}

func TestRun_BatchThresholdIsExact(t *testing.T) {
	cases := []struct{ n, b int }{
		{0, 5}, {1, 5}, {5, 5}, {6, 5}, {49, 7}, {100, 10}, {3, 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d,b=%d", tc.n, tc.b), func(t *testing.T) {
			c := &recordingCommitter{}
			cfg := Config{ExtractionWorkers: 3, LoaderWorkers: 1, BatchSize: tc.b, QueueHeadroom: 1.0}
			p := newTestPipeline(t, cfg, map[source.Channel]sink.Committer[int]{source.Create: c})

			res, err := runWithTimeout(t, p, source.Slice(items(source.Create, 0, tc.n)...))
			require.NoError(t, err)
			assert.EqualValues(t, tc.n, res.Total)

			var want []int
			for i := 0; i < tc.n/tc.b; i++ {
				want = append(want, tc.b)
			}
			if r := tc.n % tc.b; r > 0 {
				want = append(want, r)
			}
			assert.Equal(t, want, nilIfEmpty(c.sizes()))
		})
	}
}

func nilIfEmpty(s []int) []int {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestRun_NoLossNoDuplication(t *testing.T) {
	create, update := &recordingCommitter{}, &recordingCommitter{}
	cfg := Config{ExtractionWorkers: 8, LoaderWorkers: 4, BatchSize: 7, QueueHeadroom: 1.5}
	p := newTestPipeline(t, cfg, map[source.Channel]sink.Committer[int]{
		source.Create: create,
		source.Update: update,
	})

	in := append(items(source.Create, 0, 600), items(source.Update, 600, 400)...)
	res, err := runWithTimeout(t, p, source.Slice(in...))
	require.NoError(t, err)

	got := create.items()
	slices.Sort(got)
	want := make([]int, 600)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)

	got = update.items()
	slices.Sort(got)
	want = make([]int, 400)
	for i := range want {
		want[i] = 600 + i
	}
	assert.Equal(t, want, got)

	assert.EqualValues(t, 1000, res.Total)
	assert.EqualValues(t, 600, res.PerChannel[source.Create])
	assert.EqualValues(t, 400, res.PerChannel[source.Update])
	for _, b := range create.sizes() {
		assert.LessOrEqual(t, b, 7)
	}
}

func TestRun_RecordsWithoutLaneAreDiscarded(t *testing.T) {
	c := &recordingCommitter{}
	cfg := Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 10, QueueHeadroom: 1.5}
	p := newTestPipeline(t, cfg, map[source.Channel]sink.Committer[int]{source.Create: c})

	in := append(items(source.Create, 0, 5), items(source.Update, 5, 3)...)
	res, err := runWithTimeout(t, p, source.Slice(in...))
	require.NoError(t, err)

	assert.EqualValues(t, 5, res.Total)
	assert.EqualValues(t, 3, res.Discarded)
	assert.Len(t, res.Queues, 3, "extract, one lane, monitor")
}

func TestRun_CommitFailureIsFatalAndStopsTheChannel(t *testing.T) {
	c := &recordingCommitter{failOn: 2}
	cfg := Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 10, QueueHeadroom: 1.5}
	p := newTestPipeline(t, cfg, map[source.Channel]sink.Committer[int]{source.Create: c})

	res, err := runWithTimeout(t, p, source.Slice(items(source.Create, 0, 100)...))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, err, errCommit)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageLoad, se.Stage)
	assert.Equal(t, "create", se.Channel)
	assert.Equal(t, 1, se.Worker)

	assert.Equal(t, 2, c.callCount(), "no batch is flushed after the failing one")
	assert.Equal(t, []int{10}, c.sizes())
	assert.EqualValues(t, 1, res.Batches[source.Create])
}

func TestRun_UpdateFailureKeepsFlushedCreates(t *testing.T) {
	createCommitted := make(chan struct{})
	var once sync.Once
	create := &recordingCommitter{}
	create.before = func(call int) {
		if call == 2 {
			// the second create batch is only attempted after the first one landed
			once.Do(func() { close(createCommitted) })
		}
	}
	update := &recordingCommitter{failOn: 1}
	update.before = func(int) {
		select {
		case <-createCommitted:
		case <-time.After(5 * time.Second):
		}
	}

	cfg := Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 10, QueueHeadroom: 1.5}
	p := newTestPipeline(t, cfg, map[source.Channel]sink.Committer[int]{
		source.Create: create,
		source.Update: update,
	})

	in := append(items(source.Create, 0, 30), items(source.Update, 30, 10)...)
	res, err := runWithTimeout(t, p, source.Slice(in...))

	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "update", se.Channel)

	assert.GreaterOrEqual(t, len(create.items()), 10, "create batches flushed before the failure stay committed")
	assert.Empty(t, update.items())
}

func TestRun_FatalTransformErrorFailsRun(t *testing.T) {
	tr := transformer.Func[string, int](func(_ context.Context, s string) (int, error) {
		if s == "boom" {
			return 0, Fatal(errors.New("out of disk"))
		}
		return strconv.Atoi(s)
	})
	c := &recordingCommitter{}
	p, err := New[string, int](Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 5, QueueHeadroom: 1.5},
		tr, map[source.Channel]sink.Committer[int]{source.Create: c}, WithLogger(quietLogger()))
	require.NoError(t, err)

	in := append(items(source.Create, 0, 3), source.WorkItem[string]{Channel: source.Create, ID: "boom", Payload: "boom"})
	res, err := p.Run(context.Background(), source.Slice(in...))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageExtract, se.Stage)
	assert.ErrorContains(t, err, "out of disk")
}

func TestRun_ProducerErrorFailsRun(t *testing.T) {
	c := &recordingCommitter{}
	p := newTestPipeline(t, Config{ExtractionWorkers: 1, LoaderWorkers: 1, BatchSize: 5, QueueHeadroom: 1.5},
		map[source.Channel]sink.Committer[int]{source.Create: c})

	broken := errors.New("disk gone")
	prod := func(yield func(source.WorkItem[string], error) bool) {
		for _, it := range items(source.Create, 0, 3) {
			if !yield(it, nil) {
				return
			}
		}
		yield(source.WorkItem[string]{}, broken)
	}

	res, err := runWithTimeout(t, p, prod)
	require.ErrorIs(t, err, broken)
	assert.Equal(t, StateFailed, res.State)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageProduce, se.Stage)
}

func TestRun_ContextCancelUnblocksEverything(t *testing.T) {
	block := make(chan struct{})
	c := sink.CommitFunc[int](func(ctx context.Context, _ []int) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	p := newTestPipeline(t, Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 1, QueueHeadroom: 1.0},
		map[source.Channel]sink.Committer[int]{source.Create: c})

	endless := func(yield func(source.WorkItem[string], error) bool) {
		for i := 0; ; i++ {
			if !yield(source.WorkItem[string]{Channel: source.Create, Payload: strconv.Itoa(i)}, nil) {
				return
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		res, err := p.Run(ctx, endless)
		assert.Equal(t, StateFailed, res.State)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	close(block)
}

func TestRun_CommitFailureSurfacesWhileProducerIdle(t *testing.T) {
	c := &recordingCommitter{failOn: 1}
	p := newTestPipeline(t, Config{ExtractionWorkers: 1, LoaderWorkers: 1, BatchSize: 1, QueueHeadroom: 1.5},
		map[source.Channel]sink.Committer[int]{source.Create: c})

	// yields one item, then waits like an empty long poll
	release := make(chan struct{})
	defer close(release)
	idle := func(yield func(source.WorkItem[string], error) bool) {
		if !yield(source.WorkItem[string]{Channel: source.Create, ID: "item-0", Payload: "0"}, nil) {
			return
		}
		<-release
	}

	start := time.Now()
	res, err := runWithTimeout(t, p, idle)
	require.ErrorIs(t, err, errCommit)
	assert.Equal(t, StateFailed, res.State)
	assert.Less(t, time.Since(start), 2*time.Second, "failure must not wait for the next produced item")
}

func TestRunStream_StreamSeesRunFailure(t *testing.T) {
	c := &recordingCommitter{failOn: 1}
	p := newTestPipeline(t, Config{ExtractionWorkers: 1, LoaderWorkers: 1, BatchSize: 1, QueueHeadroom: 1.5},
		map[source.Channel]sink.Committer[int]{source.Create: c})

	returned := make(chan struct{})
	stream := func(ctx context.Context) source.Producer[string] {
		return func(yield func(source.WorkItem[string], error) bool) {
			defer close(returned)
			if !yield(source.WorkItem[string]{Channel: source.Create, ID: "item-0", Payload: "0"}, nil) {
				return
			}
			<-ctx.Done()
		}
	}

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := p.RunStream(context.Background(), stream)
		done <- out{res, err}
	}()

	select {
	case o := <-done:
		require.ErrorIs(t, o.err, errCommit)
		assert.Equal(t, StateFailed, o.res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("RunStream did not return after the commit failure")
	}

	select {
	case <-returned:
	default:
		t.Fatal("stream still running after RunStream returned")
	}
}

func TestRunStream_Done(t *testing.T) {
	c := &recordingCommitter{}
	p := newTestPipeline(t, Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 4, QueueHeadroom: 1.5},
		map[source.Channel]sink.Committer[int]{source.Create: c})

	stream := func(context.Context) source.Producer[string] {
		return source.Slice(items(source.Create, 0, 10)...)
	}
	res, err := p.RunStream(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.EqualValues(t, 10, res.Total)

	_, err = p.RunStream(context.Background(), nil)
	require.ErrorIs(t, err, ErrStreamRequired)
}

//
// Protocol
//

func TestRun_StateTransitions(t *testing.T) {
	var states []State
	c := &recordingCommitter{}
	p := newTestPipeline(t, Config{ExtractionWorkers: 2, LoaderWorkers: 2, BatchSize: 3, QueueHeadroom: 1.5},
		map[source.Channel]sink.Committer[int]{source.Create: c, source.Update: c},
		WithStateHook(func(s State) { states = append(states, s) }))

	_, err := runWithTimeout(t, p, source.Slice(items(source.Create, 0, 10)...))
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateInit, StateFilling, StateDrainingExtract, StateDrainingLoad, StateDrainingMonitor, StateDone,
	}, states)
}

func TestRun_SentinelAccountingAndBackpressure(t *testing.T) {
	c := &recordingCommitter{delay: time.Millisecond}
	cfg := Config{ExtractionWorkers: 3, LoaderWorkers: 2, BatchSize: 4, QueueHeadroom: 1.0}
	p := newTestPipeline(t, cfg, map[source.Channel]sink.Committer[int]{source.Create: c, source.Update: c})

	in := append(items(source.Create, 0, 150), items(source.Update, 150, 50)...)
	res, err := runWithTimeout(t, p, source.Slice(in...))
	require.NoError(t, err)
	assert.EqualValues(t, 200, res.Total)

	stats := map[string]QueueStats{}
	for _, q := range res.Queues {
		stats[q.Name] = q
		assert.LessOrEqual(t, q.HighWater, q.Capacity, q.Name)
	}

	assert.Equal(t, 3, stats["extract"].Stops)
	assert.Equal(t, 3, stats["extract"].Capacity)
	assert.Equal(t, 2, stats["load/create"].Stops)
	assert.Equal(t, 8, stats["load/create"].Capacity)
	assert.Equal(t, 2, stats["load/update"].Stops)
	assert.Equal(t, 1, stats["monitor"].Stops)
	assert.Equal(t, 4, stats["monitor"].Capacity)
	assert.Positive(t, stats["extract"].HighWater, "the producer outran the extraction workers")
}

func TestRun_ReporterAndMonitor(t *testing.T) {
	var last atomic.Int64
	var calls atomic.Int32
	c := &recordingCommitter{}
	p := newTestPipeline(t, Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 4, QueueHeadroom: 1.5},
		map[source.Channel]sink.Committer[int]{source.Create: c},
		WithReporter(ReporterFunc(func(s Snapshot) {
			calls.Add(1)
			last.Store(s.Total)
		})))

	assert.Nil(t, p.Monitor())
	_, err := runWithTimeout(t, p, source.Slice(items(source.Create, 0, 10)...))
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 10, last.Load())
	require.NotNil(t, p.Monitor())
	assert.EqualValues(t, 10, p.Monitor().Total())
	assert.EqualValues(t, 3, p.Monitor().Snapshot().Batches)
}

func TestRun_RunsAreIndependent(t *testing.T) {
	c := &recordingCommitter{}
	p := newTestPipeline(t, Config{ExtractionWorkers: 2, LoaderWorkers: 1, BatchSize: 5, QueueHeadroom: 1.5},
		map[source.Channel]sink.Committer[int]{source.Create: c})

	for i := 0; i < 3; i++ {
		res, err := runWithTimeout(t, p, source.Slice(items(source.Create, 0, 12)...))
		require.NoError(t, err)
		assert.EqualValues(t, 12, res.Total, "totals start from zero on every run")
	}
	assert.Len(t, c.items(), 36)
}
