package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiihann/splitstress/latency"
)

// Inserter is the store operation the workload drives.
type Inserter interface {
	Insert(key, value []byte) error
}

// WorkerError reports the insert failure that stopped a worker.
type WorkerError struct {
	Worker int
	Ops    uint64
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed after %d ops: %v", e.Worker, e.Ops, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// WorkerStatus is the outcome of one worker.
type WorkerStatus struct {
	ID  int
	Ops uint64
	Err error
}

// Result aggregates all workers of a run. Code is 0 on success and 1 when
// any worker failed.
type Result struct {
	Ops     uint64
	Code    int
	Seed    int64
	Elapsed time.Duration
	Workers []WorkerStatus
}

// Err joins the worker failures, or returns nil.
func (r Result) Err() error {
	var errs []error
	for _, w := range r.Workers {
		if w.Err != nil {
			errs = append(errs, w.Err)
		}
	}

	return errors.Join(errs...)
}

// Progress is a live view of a running workload.
type Progress struct {
	Ops     uint64        `json:"ops"`
	Errors  uint64        `json:"errors"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Running bool          `json:"running"`
}

// Driver runs insert workers. A Driver runs one workload at a time.
type Driver struct {
	Logger   *slog.Logger
	Recorder *latency.Recorder

	ops     atomic.Uint64
	fails   atomic.Uint64
	started atomic.Int64
	running atomic.Bool
}

// NewDriver creates a Driver. recorder may be nil.
func NewDriver(logger *slog.Logger, recorder *latency.Recorder) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Driver{
		Logger:   logger,
		Recorder: recorder,
	}
}

// Progress returns the counters of the current or last run.
func (d *Driver) Progress() Progress {
	p := Progress{
		Ops:     d.ops.Load(),
		Errors:  d.fails.Load(),
		Running: d.running.Load(),
	}
	if start := d.started.Load(); start != 0 {
		p.Elapsed = time.Since(time.Unix(0, start))
	}

	return p
}

// Run starts cfg.Threads workers inserting into ins until cfg.RunTime has
// elapsed, ctx is cancelled, or a worker fails. The deadline is checked
// before every insert, so a worker overruns it by at most one operation.
func (d *Driver) Run(ctx context.Context, ins Inserter, cfg Config) Result {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	start := time.Now()
	deadline := start.Add(cfg.RunTime)

	d.ops.Store(0)
	d.fails.Store(0)
	d.started.Store(start.UnixNano())
	d.running.Store(true)
	defer d.running.Store(false)

	d.Logger.InfoContext(ctx, "workload started",
		slog.Int("threads", cfg.Threads),
		slog.Duration("run_time", cfg.RunTime),
		slog.Int64("seed", seed),
		slog.String("distribution", cfg.Distribution),
	)

	var (
		stop     atomic.Bool
		wg       sync.WaitGroup
		statuses = make([]WorkerStatus, cfg.Threads)
	)

	reportDone := make(chan struct{})
	reportExited := make(chan struct{})
	go func() {
		defer close(reportExited)
		d.report(ctx, cfg.ReportInterval, reportDone)
	}()

	wg.Add(cfg.Threads)
	for id := 0; id < cfg.Threads; id++ {
		go func() {
			defer wg.Done()
			statuses[id] = d.worker(ctx, id, ins, cfg, seed+int64(id), deadline, &stop)
		}()
	}
	wg.Wait()

	close(reportDone)
	<-reportExited

	res := Result{
		Seed:    seed,
		Elapsed: time.Since(start),
		Workers: statuses,
	}
	for _, st := range statuses {
		res.Ops += st.Ops
		if st.Err != nil {
			res.Code = 1
		}
	}

	d.Logger.InfoContext(ctx, "workload finished",
		slog.Uint64("ops", res.Ops),
		slog.Duration("elapsed", res.Elapsed),
		slog.Float64("ops_per_sec", rate(res.Ops, res.Elapsed)),
		slog.Int("code", res.Code),
	)

	return res
}

func (d *Driver) worker(
	ctx context.Context,
	id int,
	ins Inserter,
	cfg Config,
	seed int64,
	deadline time.Time,
	stop *atomic.Bool,
) WorkerStatus {
	gen := NewGenerator(cfg, seed)
	status := WorkerStatus{ID: id}

	for !stop.Load() && ctx.Err() == nil && time.Now().Before(deadline) {
		key := gen.Key()

		opStart := time.Now()
		err := ins.Insert(key, gen.Value())
		opEnd := time.Now()

		if err != nil {
			d.fails.Add(1)
			stop.Store(true)
			status.Err = &WorkerError{Worker: id, Ops: status.Ops, Err: err}

			d.Logger.Error("insert failed",
				slog.Int("worker", id),
				slog.Uint64("ops", status.Ops),
				slog.String("error", err.Error()),
			)

			break
		}

		if d.Recorder != nil {
			d.Recorder.Record(latency.Sample{
				Op:    latency.OpInsert,
				Start: opStart,
				End:   opEnd,
			})
		}
		status.Ops++
		d.ops.Add(1)
	}

	return status
}

// report logs a progress line every interval until done is closed.
func (d *Driver) report(ctx context.Context, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		<-done

		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p := d.Progress()
			d.Logger.InfoContext(ctx, "progress",
				slog.Uint64("ops", p.Ops),
				slog.Float64("ops_per_sec", rate(p.Ops-last, interval)),
				slog.Uint64("errors", p.Errors),
				slog.Duration("elapsed", p.Elapsed.Round(time.Millisecond)),
			)
			last = p.Ops
		}
	}
}

func rate(ops uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(ops) / d.Seconds()
}
