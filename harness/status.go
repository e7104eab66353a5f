package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiihann/splitstress/latency"
	"github.com/weiihann/splitstress/store"
	"github.com/weiihann/splitstress/workload"
)

const shutdownTimeout = 5 * time.Second

// statusResponse is served by GET /stats.
type statusResponse struct {
	RunID    string            `json:"run_id"`
	Progress workload.Progress `json:"progress"`
	Store    store.Stats       `json:"store"`
	Latency  latencySummary    `json:"latency"`
}

// latencySummary is a Snapshot without its buckets.
type latencySummary struct {
	Count       uint64               `json:"count"`
	Mean        time.Duration        `json:"mean_ns"`
	Max         time.Duration        `json:"max_ns"`
	Percentiles []latency.Percentile `json:"percentiles"`
}

func (ru *run) statusHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", ru.handleStats)
	r.GET("/metrics", gin.WrapH(ru.metrics.Handler()))

	return r
}

func (ru *run) handleStats(c *gin.Context) {
	snap := ru.recorder.Snapshot()

	c.JSON(http.StatusOK, statusResponse{
		RunID:    ru.id,
		Progress: ru.driver.Progress(),
		Store:    ru.store.Stats(),
		Latency: latencySummary{
			Count:       snap.Count,
			Mean:        snap.Mean,
			Max:         snap.Max,
			Percentiles: snap.Percentiles,
		},
	})
}

func (ru *run) statusServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           ru.statusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server %s: %w", srv.Addr, err)
	}

	return nil
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}

	return nil
}
