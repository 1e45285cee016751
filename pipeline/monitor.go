package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/baldanca/cve-ingestor/queue"
	"github.com/baldanca/cve-ingestor/source"
)

// Progress is what a load worker reports after each successful commit.
type Progress struct {
	Channel source.Channel
	Count   int
}

// Snapshot is a point-in-time copy of the monitor totals.
type Snapshot struct {
	Total      int64
	Batches    int64
	PerChannel [source.NumChannels]int64
}

// Reporter receives a snapshot after every committed batch. It is called from
// the monitor goroutine and must not block for long.
type Reporter interface {
	OnProgress(Snapshot)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(Snapshot)

func (f ReporterFunc) OnProgress(s Snapshot) { f(s) }

// Monitor aggregates committed counts of one run. Only the monitor goroutine
// writes; readers may call Total and Snapshot at any time.
type Monitor struct {
	total      atomic.Int64
	batches    atomic.Int64
	perChannel [source.NumChannels]atomic.Int64

	reporter Reporter
	log      *slog.Logger
}

func newMonitor(reporter Reporter, log *slog.Logger) *Monitor {
	return &Monitor{reporter: reporter, log: log.With("stage", StageMonitor)}
}

// Total returns the number of records committed so far.
func (m *Monitor) Total() int64 { return m.total.Load() }

func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{Total: m.total.Load(), Batches: m.batches.Load()}
	for i := range m.perChannel {
		s.PerChannel[i] = m.perChannel[i].Load()
	}
	return s
}

func (m *Monitor) run(ctx context.Context, q *queue.Queue[Progress]) error {
	m.log.Debug("worker started")
	for {
		it, err := q.Get(ctx)
		if err != nil {
			return &StageError{Stage: StageMonitor, Err: err}
		}
		if it.Stop() {
			if err := q.Done(); err != nil {
				return &StageError{Stage: StageMonitor, Err: err}
			}
			m.log.Debug("worker finished", "total", m.total.Load())
			return nil
		}

		p := it.Value()
		total := m.total.Add(int64(p.Count))
		m.batches.Add(1)
		if p.Channel.Valid() {
			m.perChannel[p.Channel].Add(int64(p.Count))
		}
		m.log.Info("objects loaded", "total", total, "channel", p.Channel.String(), "batch", p.Count)
		if m.reporter != nil {
			m.reporter.OnProgress(m.Snapshot())
		}

		if err := q.Done(); err != nil {
			return &StageError{Stage: StageMonitor, Err: err}
		}
	}
}
