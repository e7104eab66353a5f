package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/weiihann/splitstress/latency"
	"github.com/weiihann/splitstress/store"
)

func testReport() Report {
	rec := latency.NewRecorder(nil)
	start := time.Unix(0, 0)
	for i := 1; i <= 100; i++ {
		rec.Record(latency.Sample{
			Op:    latency.OpInsert,
			Start: start,
			End:   start.Add(time.Duration(i) * 10 * time.Microsecond),
		})
	}

	return Report{
		RunID:      "3f1c2a9e-0000-4000-8000-000000000000",
		Started:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Elapsed:    2 * time.Second,
		Threads:    50,
		Seed:       7,
		Connection: "cache_size=100MB,log=(enabled=false)",
		Table:      "leaf_page_max=8KB",
		Ops:        100,
		Latency:    rec.Snapshot(),
		Store: store.Stats{
			Entries:       100,
			Height:        2,
			LeafSplits:    4,
			CacheBytes:    1536,
			CacheCapacity: 100 << 20,
		},
	}
}

func TestGenerate(t *testing.T) {
	var buf bytes.Buffer
	if err := Generate(&buf, testReport()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	for _, want := range []string{
		"3f1c2a9e-0000-4000-8000-000000000000",
		"cache_size=100MB",
		"leaf_page_max=8KB",
		"operations: 100 (50 ops/sec)",
		"| p50 | p90 | p95 | p99 | p99.9 |",
		"| insert | 100 |",
		"1.5 KB / 100 MB",
		"100.000%",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestGenerateEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := Generate(&buf, Report{}); err == nil {
		t.Error("expected error for a report without samples")
	}
}

func TestGenerateJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := GenerateJSON(&buf, testReport()); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	var parsed Report
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if parsed.Ops != 100 {
		t.Errorf("ops = %d, want 100", parsed.Ops)
	}
	if parsed.Latency.Count != parsed.Ops {
		t.Errorf("latency count = %d, want %d", parsed.Latency.Count, parsed.Ops)
	}
	if parsed.Store.LeafSplits != 4 {
		t.Errorf("leaf_splits = %d, want 4", parsed.Store.LeafSplits)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	if err := WriteFile(path, testReport(), false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "## Split Stress Latency") {
		t.Errorf("unexpected report contents:\n%s", data)
	}
}

func TestWriteFileUnwritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", FileName)

	err := WriteFile(path, testReport(), true)

	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("WriteFile error = %v, want *IOError", err)
	}
	if ioErr.Path != path {
		t.Errorf("path = %q, want %q", ioErr.Path, path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error does not unwrap to os.ErrNotExist: %v", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input uint64
		want  string
	}{
		{0, "-"},
		{512, "512 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1048576, "1 MB"},
		{1073741824, "1 GB"},
	}

	for _, tt := range tests {
		got := formatBytes(tt.input)
		if got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input time.Duration
		want  string
	}{
		{0, "0ns"},
		{999, "999ns"},
		{1500 * time.Nanosecond, "1.50µs"},
		{2500 * time.Microsecond, "2.50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{60 * time.Second, "60.00s"},
	}

	for _, tt := range tests {
		got := formatDuration(tt.input)
		if got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestQuantileLabel(t *testing.T) {
	tests := []struct {
		q    float64
		want string
	}{
		{0.5, "p50"},
		{0.99, "p99"},
		{0.999, "p99.9"},
	}

	for _, tt := range tests {
		if got := quantileLabel(tt.q); got != tt.want {
			t.Errorf("quantileLabel(%v) = %q, want %q", tt.q, got, tt.want)
		}
	}
}
