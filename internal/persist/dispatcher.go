// Package persist fans each closed-candle cycle out to its storage sinks
// concurrently. Sinks fail independently: a failure is logged and counted
// but never reaches the ingestion loop. The number of cycles in flight is
// bounded; once the bound is reached Dispatch blocks until a cycle finishes.
//
// Writes to the same sink are applied in dispatch order, so append logs stay
// ordered and a snapshot is never overwritten by an older one.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"klinefeed/internal/feature"
	"klinefeed/internal/metrics"
	"klinefeed/internal/model"
)

// Job is the immutable payload of one persistence cycle. The dispatcher and
// its sinks only read it.
type Job struct {
	Seq      uint64
	Candle   model.Candle   // the candle that triggered the cycle
	Features *feature.Table // feature table of the feature window
	Raw      []model.Candle // copy of the raw window, oldest first

	// Bootstrap marks the initial pass after seeding. Append-only sinks
	// write a baseline instead of a single row.
	Bootstrap bool
}

// Sink is one independently failable write.
type Sink struct {
	Name  string
	Write func(ctx context.Context, job *Job) error
}

// Config configures the dispatcher.
type Config struct {
	MaxInFlight  int           // concurrent cycles (default 4)
	WriteTimeout time.Duration // per-sink write deadline (default 60s)
}

func (c *Config) defaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// CycleResult summarises one finished cycle.
type CycleResult struct {
	Seq      uint64
	Took     time.Duration
	Failures map[string]error // by sink name; empty on success
}

// Dispatcher runs persistence cycles.
type Dispatcher struct {
	cfg   Config
	sinks []Sink
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
	m     *metrics.Metrics

	mu    sync.Mutex
	tails map[string]chan struct{} // per-sink completion of the previous cycle

	// OnCycle is called after every cycle (optional, from a worker goroutine).
	OnCycle func(CycleResult)
}

// NewDispatcher creates a dispatcher over sinks. m may be nil.
func NewDispatcher(cfg Config, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:   cfg,
		sinks: sinks,
		sem:   semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		m:     m,
		tails: make(map[string]chan struct{}, len(sinks)),
	}
}

// Sinks returns the configured sink names.
func (d *Dispatcher) Sinks() []string {
	out := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		out[i] = s.Name
	}
	return out
}

// Dispatch starts a cycle for job and returns without waiting for the writes.
// It blocks while MaxInFlight cycles are running; the only error is ctx
// ending while blocked, in which case the job is not persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("persist: waiting for slot: %w", err)
	}
	waits := d.enqueue()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		// Writes outlive the caller's cancellation so shutdown can drain them.
		d.run(context.WithoutCancel(ctx), job, waits)
	}()
	return nil
}

// Run executes one cycle synchronously and returns its result.
func (d *Dispatcher) Run(ctx context.Context, job *Job) CycleResult {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return CycleResult{Seq: job.Seq, Failures: map[string]error{"dispatch": err}}
	}
	defer d.sem.Release(1)
	return d.run(ctx, job, d.enqueue())
}

// Wait blocks until every dispatched cycle has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

type turn struct {
	prev <-chan struct{}
	done chan struct{}
}

// enqueue reserves each sink's next turn in dispatch order.
func (d *Dispatcher) enqueue() []turn {
	d.mu.Lock()
	defer d.mu.Unlock()
	turns := make([]turn, len(d.sinks))
	for i, s := range d.sinks {
		done := make(chan struct{})
		turns[i] = turn{prev: d.tails[s.Name], done: done}
		d.tails[s.Name] = done
	}
	return turns
}

func (d *Dispatcher) run(ctx context.Context, job *Job, turns []turn) CycleResult {
	start := time.Now()
	if d.m != nil {
		d.m.PersistInFlight.Inc()
		defer d.m.PersistInFlight.Dec()
	}

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
	)

	var g errgroup.Group
	for i, s := range d.sinks {
		s, t := s, turns[i]
		g.Go(func() error {
			defer close(t.done)
			if t.prev != nil {
				<-t.prev
			}

			wctx, cancel := context.WithTimeout(ctx, d.cfg.WriteTimeout)
			defer cancel()
			sinkStart := time.Now()
			err := s.Write(wctx, job)
			if err == nil {
				log.Debug().Str("component", "persist").Str("sink", s.Name).
					Uint64("seq", job.Seq).Dur("took", time.Since(sinkStart)).Msg("write ok")
				return nil
			}

			log.Warn().Str("component", "persist").Str("sink", s.Name).
				Uint64("seq", job.Seq).Err(err).Msg("write failed")
			if d.m != nil {
				d.m.PersistFailures.WithLabelValues(s.Name).Inc()
			}
			mu.Lock()
			failures[s.Name] = err
			mu.Unlock()
			return fmt.Errorf("%s: %w", s.Name, err)
		})
	}
	firstErr := g.Wait()

	res := CycleResult{Seq: job.Seq, Took: time.Since(start), Failures: failures}
	if d.m != nil {
		d.m.PersistCycleDur.Observe(res.Took.Seconds())
	}
	ev := log.Info()
	if firstErr != nil {
		ev = log.Warn().AnErr("first_error", firstErr).Int("failed_sinks", len(failures))
	}
	ev.Str("component", "persist").Uint64("seq", job.Seq).
		Int("sinks", len(d.sinks)).Dur("took", res.Took).Msg("persist cycle done")

	if d.OnCycle != nil {
		d.OnCycle(res)
	}
	return res
}
