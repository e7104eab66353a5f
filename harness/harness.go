package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weiihann/splitstress/config"
	"github.com/weiihann/splitstress/latency"
	"github.com/weiihann/splitstress/metrics"
	"github.com/weiihann/splitstress/report"
	"github.com/weiihann/splitstress/store"
	"github.com/weiihann/splitstress/workload"
)

// Runner executes split stress runs.
type Runner struct {
	Logger *slog.Logger
}

// NewRunner creates a Runner. A nil logger discards output.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Runner{Logger: logger}
}

// run carries the pieces shared by the background services of one run.
type run struct {
	id       string
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	metrics  *metrics.Metrics
	recorder *latency.Recorder
	driver   *workload.Driver

	verifyPasses atomic.Int64
}

// Run validates cfg, runs the workload against a fresh store in cfg.Home and
// verifies the result. A configuration problem is reported before anything
// is created. If only the report cannot be written, the Result is returned
// together with the *report.IOError.
func (r *Runner) Run(ctx context.Context, cfg config.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := r.Logger
	if base == nil {
		base = slog.New(slog.DiscardHandler)
	}

	id := uuid.NewString()
	logger := base.With(slog.String("run_id", id))

	st, err := store.Open(store.FromConfig(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	closed := false
	defer func() {
		if !closed {
			st.Close()
		}
	}()

	statsLog, closeStatsLog, err := openStatsLog(cfg)
	if err != nil {
		return nil, err
	}
	defer closeStatsLog()

	m := metrics.New(st)
	rec := latency.NewRecorder(m.Observe)
	ru := &run{
		id:       id,
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  m,
		recorder: rec,
		driver:   workload.NewDriver(logger, rec),
	}

	logger.InfoContext(ctx, "starting run",
		slog.String("home", cfg.Home),
		slog.String("connection", cfg.Connection.ConnectionString()),
		slog.String("table", cfg.Table.TableString()),
		slog.Int("threads", cfg.Run.Threads),
		slog.Duration("run_time", cfg.Run.RunTime),
	)

	started := time.Now()
	wres, err := ru.execute(ctx, statsLog)
	if err != nil {
		return nil, err
	}

	if statsLog != nil {
		logStats(ctx, statsLog, st.Stats())
	}

	if wres.Code != 0 {
		return nil, fmt.Errorf("%w: %w", ErrWorkloadFailed, wres.Err())
	}
	if ctx.Err() != nil {
		logger.WarnContext(ctx, "run interrupted before its run time",
			slog.Duration("elapsed", wres.Elapsed),
		)
	}

	verifyStart := time.Now()
	if err := st.Verify(); err != nil {
		return nil, fmt.Errorf("verify tree: %w", err)
	}
	m.Since(latency.OpVerify, verifyStart)
	logger.InfoContext(ctx, "tree verified",
		slog.Int64("entries", st.Len()),
		slog.Int("height", st.Height()),
		slog.Duration("took", time.Since(verifyStart)),
	)

	result := &Result{
		RunID:        id,
		Ops:          wres.Ops,
		Seed:         wres.Seed,
		Elapsed:      wres.Elapsed,
		VerifyPasses: ru.verifyPasses.Load(),
		Latency:      rec.Snapshot(),
		Store:        st.Stats(),
	}

	reportPath := filepath.Join(cfg.Home, report.FileName)
	reportErr := report.WriteFile(reportPath, report.Report{
		RunID:      id,
		Started:    started,
		Elapsed:    wres.Elapsed,
		Threads:    cfg.Run.Threads,
		Seed:       wres.Seed,
		Connection: cfg.Connection.ConnectionString(),
		Table:      cfg.Table.TableString(),
		Ops:        wres.Ops,
		Latency:    result.Latency,
		Store:      result.Store,
	}, cfg.Run.ReportFormat == config.ReportJSON)
	if reportErr == nil {
		result.ReportPath = reportPath
	}

	closed = true
	if err := st.Close(); err != nil {
		return nil, fmt.Errorf("close store: %w", err)
	}

	homeSize, err := dirSize(cfg.Home)
	if err != nil {
		logger.Warn("failed to measure home size",
			slog.String("error", err.Error()),
		)
	}
	result.HomeSizeBytes = homeSize

	logger.InfoContext(ctx, "run complete",
		slog.Uint64("ops", result.Ops),
		slog.Duration("elapsed", result.Elapsed),
		slog.Duration("p99", result.Latency.Percentile(0.99)),
		slog.String("report", result.ReportPath),
	)

	return result, reportErr
}

// execute runs the workload and the background services under one errgroup.
// A failing service cancels the workload; the services stop once the
// workload returns.
func (ru *run) execute(ctx context.Context, statsLog *slog.Logger) (workload.Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	svcCtx, stopServices := context.WithCancel(gctx)
	defer stopServices()

	var wres workload.Result
	g.Go(func() error {
		defer stopServices()
		wres = ru.driver.Run(gctx, ru.store, workload.FromConfig(ru.cfg))

		return nil
	})

	if statsLog != nil && ru.cfg.Connection.StatisticsLog.Wait > 0 {
		g.Go(func() error {
			ru.statsLoop(svcCtx, statsLog, ru.cfg.Connection.StatisticsLog.Wait)

			return nil
		})
	}

	if ru.cfg.Run.VerifyInterval > 0 {
		g.Go(func() error {
			return ru.verifyLoop(svcCtx, ru.cfg.Run.VerifyInterval)
		})
	}

	if ru.cfg.StatusAddr != "" {
		srv := ru.statusServer(ru.cfg.StatusAddr)
		g.Go(func() error {
			ru.logger.Info("status server listening", slog.String("addr", srv.Addr))

			return serve(srv)
		})
		g.Go(func() error {
			<-svcCtx.Done()

			return shutdown(srv)
		})
	}

	if err := g.Wait(); err != nil {
		return wres, err
	}

	return wres, nil
}

// verifyLoop checks the tree while inserts run. Cancellation ends the loop
// without error.
func (ru *run) verifyLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		start := time.Now()
		pages, err := ru.store.VerifyConcurrent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("concurrent verify: %w", err)
		}
		ru.metrics.Since(latency.OpVerify, start)
		ru.verifyPasses.Add(1)

		ru.logger.Debug("concurrent verify passed",
			slog.Int("pages", pages),
			slog.Duration("took", time.Since(start)),
		)
	}
}

func dirSize(path string) (uint64, error) {
	var size uint64

	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += uint64(info.Size())
		}

		return nil
	})

	return size, err
}
