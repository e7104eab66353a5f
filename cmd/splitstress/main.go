// Package main provides the CLI entry point for splitstress, a concurrent
// page split stress test for the B-tree store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/weiihann/splitstress/config"
	"github.com/weiihann/splitstress/harness"
	"github.com/weiihann/splitstress/report"
	"github.com/weiihann/splitstress/store"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(logger, level)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("splitstress failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "splitstress",
		Short: "Concurrent page split stress test for a B-tree store",
		Long: `Splitstress inserts random keys from many threads into a store with
small pages, forcing frequent page splits, then checks that the tree is
still consistent and reports per-operation latency.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("parse --log-level: %w", err)
			}

			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(logger))
	root.AddCommand(newVerifyConfigCmd())

	return root
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		cfg        = config.Default()
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the split stress workload",
		Long: `Open a fresh store in --home, insert random keys from --threads workers
for --run-time, verify the tree and write latency.out into the home
directory. Flags override values from --config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyConfigFile(cmd.Flags(), configPath, &cfg); err != nil {
				return err
			}

			return runStress(cmd.Context(), logger, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "",
		"YAML configuration file (flags take precedence)")
	bindConfigFlags(flags, &cfg)

	return cmd
}

func newVerifyConfigCmd() *cobra.Command {
	var (
		cfg        = config.Default()
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "verify-config",
		Short: "Check a configuration without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyConfigFile(cmd.Flags(), configPath, &cfg); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := store.CheckConfig(store.FromConfig(cfg, nil)); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connection: %s\n", cfg.Connection.ConnectionString())
			fmt.Fprintf(out, "table: %s\n", cfg.Table.TableString())

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "",
		"YAML configuration file (flags take precedence)")
	bindConfigFlags(flags, &cfg)

	return cmd
}

// bindConfigFlags exposes every setting of cfg as a flag, defaulting to the
// current value.
func bindConfigFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.StringVar(&cfg.Home, "home", cfg.Home,
		"Directory for the page file, log, statistics and report")
	flags.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr,
		"Serve /healthz, /stats and /metrics on this address (empty = off)")

	conn := &cfg.Connection
	flags.Var(&conn.CacheSize, "cache-size",
		"Cache size, e.g. 100MB")
	flags.BoolVar(&conn.Log.Enabled, "log", conn.Log.Enabled,
		"Enable the write-ahead log")
	flags.StringVar((*string)(&conn.Statistics), "statistics", string(conn.Statistics),
		"Statistics mode: none, fast, all")
	flags.DurationVar(&conn.StatisticsLog.Wait, "statistics-wait", conn.StatisticsLog.Wait,
		"Interval between statistics log entries (0 = only at the end)")
	flags.BoolVar(&conn.StatisticsLog.JSON, "statistics-json", conn.StatisticsLog.JSON,
		"Write the statistics log as JSON")

	tbl := &cfg.Table
	flags.StringVar(&tbl.KeyFormat, "key-format", tbl.KeyFormat,
		"Key format: S (string) or u (raw bytes)")
	flags.StringVar(&tbl.ValueFormat, "value-format", tbl.ValueFormat,
		"Value format: S (string) or u (raw bytes)")
	flags.Var(&tbl.LeafPageMax, "leaf-page-max", "Maximum leaf page size")
	flags.Var(&tbl.InternalPageMax, "internal-page-max", "Maximum internal page size")
	flags.Var(&tbl.LeafKeyMax, "leaf-key-max", "Maximum key size")
	flags.Var(&tbl.LeafValueMax, "leaf-value-max", "Maximum value size")
	flags.Var(&tbl.MemoryPageMax, "memory-page-max", "Maximum in-memory page size")
	flags.IntVar(&tbl.SplitDeepenMinChild, "split-deepen-min-child", tbl.SplitDeepenMinChild,
		"Minimum root children before the root is deepened (0 = never)")

	data := &cfg.Data
	flags.IntVar(&data.KeySize, "key-size", data.KeySize,
		"Generated key size in bytes")
	flags.IntVar(&data.ValueSize, "value-size", data.ValueSize,
		"Generated value size in bytes")
	flags.Uint64Var(&data.Range, "range", data.Range,
		"Keys are drawn from [0, range)")
	flags.StringVar(&data.Distribution, "distribution", data.Distribution,
		"Key distribution: uniform, pareto")
	flags.Int64Var(&data.Seed, "seed", data.Seed,
		"Random seed (0 = use current time)")

	run := &cfg.Run
	flags.IntVar(&run.Threads, "threads", run.Threads,
		"Number of insert workers")
	flags.DurationVar(&run.RunTime, "run-time", run.RunTime,
		"How long the workers insert")
	flags.DurationVar(&run.ReportInterval, "report-interval", run.ReportInterval,
		"Interval between progress log lines (0 = off)")
	flags.DurationVar(&run.VerifyInterval, "verify-interval", run.VerifyInterval,
		"Interval between concurrent tree checks (0 = off)")
	flags.StringVar(&run.ReportFormat, "report-format", run.ReportFormat,
		"latency.out format: text, json")
}

// applyConfigFile replaces cfg with the file at path, then re-applies every
// flag set on the command line so that flags win.
func applyConfigFile(flags *pflag.FlagSet, path string, cfg *config.Config) error {
	if path == "" {
		return nil
	}

	type override struct{ name, value string }

	var changed []override
	flags.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			changed = append(changed, override{f.Name, f.Value.String()})
		}
	})

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	*cfg = loaded

	for _, o := range changed {
		if err := flags.Set(o.name, o.value); err != nil {
			return fmt.Errorf("apply --%s: %w", o.name, err)
		}
	}

	return nil
}

func runStress(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	result, err := harness.NewRunner(logger).Run(ctx, cfg)

	// A report that cannot be written does not fail a run that completed.
	var ioErr *report.IOError
	if errors.As(err, &ioErr) && result != nil {
		logger.ErrorContext(ctx, "run passed but the report was not written",
			slog.String("path", ioErr.Path),
			slog.String("error", ioErr.Err.Error()),
		)
		err = nil
	}
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "split stress complete",
		slog.Uint64("ops", result.Ops),
		slog.Int64("verify_passes", result.VerifyPasses),
		slog.String("report", result.ReportPath),
	)

	return nil
}
