package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/weiihann/splitstress/config"
	"github.com/weiihann/splitstress/store"
)

// StatsFileName is the periodic statistics log in the run's home directory.
const StatsFileName = "stats.log"

// openStatsLog creates <home>/stats.log when statistics are enabled. The
// returned logger is nil otherwise; the close func is always callable.
func openStatsLog(cfg config.Config) (*slog.Logger, func(), error) {
	if cfg.Connection.Statistics == config.StatisticsNone {
		return nil, func() {}, nil
	}

	path := filepath.Join(cfg.Home, StatsFileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create statistics log %s: %w", path, err)
	}

	var h slog.Handler
	if cfg.Connection.StatisticsLog.JSON {
		h = slog.NewJSONHandler(f, nil)
	} else {
		h = slog.NewTextHandler(f, nil)
	}

	return slog.New(h), func() { f.Close() }, nil
}

func (ru *run) statsLoop(ctx context.Context, logger *slog.Logger, wait time.Duration) {
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(ctx, logger, ru.store.Stats())
		}
	}
}

func logStats(ctx context.Context, logger *slog.Logger, st store.Stats) {
	attrs := []slog.Attr{
		slog.Int64("entries", st.Entries),
		slog.Uint64("inserts", st.Inserts),
		slog.Uint64("updates", st.Updates),
		slog.Uint64("leaf_splits", st.LeafSplits),
		slog.Uint64("internal_splits", st.InternalSplits),
		slog.Uint64("root_splits", st.RootSplits),
		slog.Uint64("deepens", st.Deepens),
		slog.Uint64("restarts", st.Restarts),
		slog.Uint64("evictions", st.Evictions),
		slog.Uint64("page_reads", st.PageReads),
		slog.Uint64("page_writes", st.PageWrites),
		slog.Uint64("log_records", st.LogRecords),
		slog.Uint64("capacity_errors", st.CapacityErrors),
		slog.Int64("cache_bytes", st.CacheBytes),
		slog.Int64("cache_capacity", st.CacheCapacity),
		slog.Int64("leaf_pages", st.LeafPages),
		slog.Int64("internal_pages", st.InternalPages),
		slog.Int("height", st.Height),
	}
	if st.LeafFill > 0 {
		attrs = append(attrs, slog.Float64("leaf_fill", st.LeafFill))
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "statistics", attrs...)
}
