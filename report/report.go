// Package report formats the latency summary of a split stress run and
// writes it to latency.out.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/weiihann/splitstress/latency"
	"github.com/weiihann/splitstress/store"
)

// FileName is the report written into the run's home directory.
const FileName = "latency.out"

// Report is everything written to latency.out.
type Report struct {
	RunID      string           `json:"run_id"`
	Started    time.Time        `json:"started"`
	Elapsed    time.Duration    `json:"elapsed_ns"`
	Threads    int              `json:"threads"`
	Seed       int64            `json:"seed"`
	Connection string           `json:"connection"`
	Table      string           `json:"table"`
	Ops        uint64           `json:"ops"`
	Latency    latency.Snapshot `json:"latency"`
	Store      store.Stats      `json:"store"`
}

// IOError reports that the report could not be written.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("write report %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Generate writes a markdown latency report to w.
func Generate(w io.Writer, r Report) error {
	if r.Latency.Count == 0 {
		return fmt.Errorf("no latency samples to report")
	}

	// Header.
	fmt.Fprintln(w, "## Split Stress Latency")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run: %s (started %s)\n", r.RunID, r.Started.Format(time.RFC3339))
	fmt.Fprintf(w, "Connection: %s\n", r.Connection)
	fmt.Fprintf(w, "Table: %s\n", r.Table)
	fmt.Fprintf(w, "Threads: %d, seed: %d, elapsed: %s, operations: %d (%.0f ops/sec)\n",
		r.Threads, r.Seed, formatDuration(r.Elapsed), r.Ops, opsPerSec(r.Ops, r.Elapsed))
	fmt.Fprintln(w)

	// Summary table.
	var header, sep strings.Builder
	header.WriteString("| Op | Count | Mean | Min |")
	sep.WriteString("|----|-------|------|-----|")
	for _, p := range r.Latency.Percentiles {
		fmt.Fprintf(&header, " %s |", quantileLabel(p.Quantile))
		sep.WriteString("-----|")
	}
	header.WriteString(" Max |")
	sep.WriteString("-----|")

	fmt.Fprintln(w, header.String())
	fmt.Fprintln(w, sep.String())

	fmt.Fprintf(w, "| %s | %d | %s | %s |",
		latency.OpInsert,
		r.Latency.Count,
		formatDuration(r.Latency.Mean),
		formatDuration(r.Latency.Min),
	)
	for _, p := range r.Latency.Percentiles {
		fmt.Fprintf(w, " %s |", formatDuration(p.Value))
	}
	fmt.Fprintf(w, " %s |\n", formatDuration(r.Latency.Max))
	fmt.Fprintln(w)

	// Histogram.
	fmt.Fprintln(w, "| From | To | Count | Cumulative |")
	fmt.Fprintln(w, "|------|----|-------|------------|")

	var cum uint64
	for _, b := range r.Latency.Buckets {
		cum += b.Count
		fmt.Fprintf(w, "| %s | %s | %d | %.3f%% |\n",
			formatDuration(b.Lower),
			formatDuration(b.Upper),
			b.Count,
			100*float64(cum)/float64(r.Latency.Count),
		)
	}
	fmt.Fprintln(w)

	// Store.
	st := r.Store
	fmt.Fprintln(w, "| Entries | Height | Leaf Pages | Internal Pages "+
		"| Leaf Splits | Internal Splits | Root Splits | Deepens | Evictions | Cache |")
	fmt.Fprintln(w, "|---------|--------|------------|----------------"+
		"|-------------|-----------------|-------------|---------|-----------|-------|")
	fmt.Fprintf(w, "| %d | %d | %d | %d | %d | %d | %d | %d | %d | %s / %s |\n",
		st.Entries,
		st.Height,
		st.LeafPages,
		st.InternalPages,
		st.LeafSplits,
		st.InternalSplits,
		st.RootSplits,
		st.Deepens,
		st.Evictions,
		formatBytes(uint64(max(st.CacheBytes, 0))),
		formatBytes(uint64(max(st.CacheCapacity, 0))),
	)

	return nil
}

// GenerateJSON writes the report as JSON to w.
func GenerateJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(r)
}

// WriteFile renders r into path, as JSON when asJSON is set. Any failure to
// create or write the file is returned as *IOError.
func WriteFile(path string, r Report, asJSON bool) error {
	f, err := os.Create(path)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}

	if asJSON {
		err = GenerateJSON(f, r)
	} else {
		err = Generate(f, r)
	}
	if err != nil {
		f.Close()

		return &IOError{Path: path, Err: err}
	}

	if err := f.Close(); err != nil {
		return &IOError{Path: path, Err: err}
	}

	return nil
}

func quantileLabel(q float64) string {
	return "p" + strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.1f", q*100), "0"), ".")
}

func opsPerSec(ops uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(ops) / d.Seconds()
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

func formatBytes(b uint64) string {
	if b == 0 {
		return "-"
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(b)
	unit := 0

	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	formatted := fmt.Sprintf("%.1f", size)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")

	return formatted + " " + units[unit]
}
