// Package harness runs a split stress workload end to end: it opens the
// store, runs the workers alongside the background services, verifies the
// tree and writes the latency report.
package harness

import (
	"errors"
	"time"

	"github.com/weiihann/splitstress/latency"
	"github.com/weiihann/splitstress/store"
)

// ErrWorkloadFailed is returned when any worker stopped on an insert error.
// The joined worker errors are wrapped alongside it.
var ErrWorkloadFailed = errors.New("workload failed")

// Result holds the outcome of a successful run.
type Result struct {
	RunID         string           `json:"run_id"`
	Ops           uint64           `json:"ops"`
	Seed          int64            `json:"seed"`
	Elapsed       time.Duration    `json:"elapsed_ns"`
	VerifyPasses  int64            `json:"verify_passes"`
	Latency       latency.Snapshot `json:"latency"`
	Store         store.Stats      `json:"store"`
	ReportPath    string           `json:"report_path,omitempty"`
	HomeSizeBytes uint64           `json:"home_size_bytes"`
}
