package workload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weiihann/splitstress/latency"
)

type mapInserter struct {
	mu   sync.Mutex
	keys map[string]int
}

func newMapInserter() *mapInserter {
	return &mapInserter{keys: make(map[string]int)}
}

func (m *mapInserter) Insert(key, _ []byte) error {
	m.mu.Lock()
	m.keys[string(key)]++
	m.mu.Unlock()

	return nil
}

func (m *mapInserter) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, c := range m.keys {
		n += c
	}

	return n
}

type failingInserter struct {
	calls atomic.Int64
	after int64
	err   error
}

func (f *failingInserter) Insert(_, _ []byte) error {
	if f.calls.Add(1) > f.after {
		return f.err
	}

	return nil
}

func newTestDriver() (*Driver, *latency.Recorder) {
	rec := latency.NewRecorder(nil)

	return NewDriver(slog.New(slog.DiscardHandler), rec), rec
}

func TestRunCompletes(t *testing.T) {
	d, rec := newTestDriver()
	ins := newMapInserter()

	cfg := testConfig()
	cfg.RunTime = 100 * time.Millisecond
	cfg.ReportInterval = 20 * time.Millisecond

	res := d.Run(context.Background(), ins, cfg)

	if res.Code != 0 {
		t.Fatalf("code = %d, err = %v", res.Code, res.Err())
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
	if res.Ops == 0 {
		t.Fatal("no operations completed")
	}
	if got := uint64(ins.total()); got != res.Ops {
		t.Errorf("inserter saw %d ops, result reports %d", got, res.Ops)
	}
	if rec.Count() != res.Ops {
		t.Errorf("recorded %d samples, want %d", rec.Count(), res.Ops)
	}
	if len(res.Workers) != cfg.Threads {
		t.Errorf("workers = %d, want %d", len(res.Workers), cfg.Threads)
	}

	var sum uint64
	for i, w := range res.Workers {
		if w.ID != i {
			t.Errorf("worker %d has id %d", i, w.ID)
		}
		sum += w.Ops
	}
	if sum != res.Ops {
		t.Errorf("worker ops sum to %d, want %d", sum, res.Ops)
	}

	if res.Elapsed < cfg.RunTime {
		t.Errorf("elapsed %s shorter than run time %s", res.Elapsed, cfg.RunTime)
	}
	if p := d.Progress(); p.Running || p.Ops != res.Ops {
		t.Errorf("progress after run = %+v", p)
	}
}

func TestRunSeeded(t *testing.T) {
	cfg := testConfig()
	cfg.Threads = 1
	cfg.Seed = 99
	cfg.RunTime = 10 * time.Millisecond

	d, _ := newTestDriver()
	res := d.Run(context.Background(), newMapInserter(), cfg)
	if res.Seed != 99 {
		t.Errorf("seed = %d, want 99", res.Seed)
	}

	cfg.Seed = 0
	res = d.Run(context.Background(), newMapInserter(), cfg)
	if res.Seed == 0 {
		t.Error("zero seed was not replaced by a time-based seed")
	}
}

func TestRunWorkerFailure(t *testing.T) {
	d, _ := newTestDriver()
	boom := errors.New("boom")
	ins := &failingInserter{after: 50, err: boom}

	cfg := testConfig()
	cfg.RunTime = 10 * time.Second

	start := time.Now()
	res := d.Run(context.Background(), ins, cfg)

	if time.Since(start) > 5*time.Second {
		t.Error("a failing worker did not stop the others")
	}
	if res.Code == 0 {
		t.Fatal("code = 0, want non-zero after a failure")
	}

	err := res.Err()
	if !errors.Is(err, boom) {
		t.Errorf("Err() = %v, want to wrap %v", err, boom)
	}

	var werr *WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("Err() = %v, want a *WorkerError", err)
	}
	if werr.Worker < 0 || werr.Worker >= cfg.Threads {
		t.Errorf("worker id = %d", werr.Worker)
	}
	if res.Ops != 50 {
		t.Errorf("ops = %d, want 50 successful inserts", res.Ops)
	}
	if p := d.Progress(); p.Errors == 0 {
		t.Error("progress reports no errors")
	}
}

func TestRunCancelled(t *testing.T) {
	d, _ := newTestDriver()

	cfg := testConfig()
	cfg.RunTime = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- d.Run(ctx, newMapInserter(), cfg) }()

	select {
	case res := <-done:
		if res.Code != 0 {
			t.Errorf("code = %d after cancellation, want 0", res.Code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
