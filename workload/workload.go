// Package workload generates random fixed-size keys and drives concurrent
// insert workers against a store for a fixed run time.
package workload

import (
	"bytes"
	"math"
	mrand "math/rand"
	"strconv"
	"time"

	"github.com/weiihann/splitstress/config"
)

// paretoAlpha shapes the pareto key distribution; lower keys are hotter.
const paretoAlpha = 1.5

// Config controls key generation and the worker schedule.
type Config struct {
	Threads        int
	RunTime        time.Duration
	ReportInterval time.Duration

	KeySize      int
	ValueSize    int
	Range        uint64
	Distribution string

	// Seed 0 picks a time-based seed. Worker i uses Seed+i.
	Seed int64
}

// FromConfig extracts the workload settings from a run configuration.
func FromConfig(cfg config.Config) Config {
	return Config{
		Threads:        cfg.Run.Threads,
		RunTime:        cfg.Run.RunTime,
		ReportInterval: cfg.Run.ReportInterval,
		KeySize:        cfg.Data.KeySize,
		ValueSize:      cfg.Data.ValueSize,
		Range:          cfg.Data.Range,
		Distribution:   cfg.Data.Distribution,
		Seed:           cfg.Data.Seed,
	}
}

// Generator produces keys for one worker. It is not safe for concurrent use.
type Generator struct {
	cfg   Config
	rng   *mrand.Rand
	key   []byte
	value []byte
}

// NewGenerator creates a Generator seeded with seed.
func NewGenerator(cfg Config, seed int64) *Generator {
	return &Generator{
		cfg:   cfg,
		rng:   mrand.New(mrand.NewSource(seed)),
		key:   make([]byte, cfg.KeySize),
		value: bytes.Repeat([]byte{'v'}, cfg.ValueSize),
	}
}

// Next returns the next key number in [0, Range).
func (g *Generator) Next() uint64 {
	switch g.cfg.Distribution {
	case config.DistPareto:
		u := g.rng.Float64()
		frac := 1 - math.Pow(1-u, 1/paretoAlpha)
		n := uint64(frac * float64(g.cfg.Range))

		return min(n, g.cfg.Range-1)

	default:
		return g.rng.Uint64() % g.cfg.Range
	}
}

// Key returns the next key, zero-padded to KeySize bytes. The slice is
// reused by the following call.
func (g *Generator) Key() []byte {
	return FormatKey(g.key, g.Next())
}

// Value returns the fixed value. Callers must not modify it.
func (g *Generator) Value() []byte {
	return g.value
}

// FormatKey writes n right-aligned and zero-padded into buf and returns buf.
// Digits that do not fit are truncated from the left.
func FormatKey(buf []byte, n uint64) []byte {
	var digits [20]byte
	d := strconv.AppendUint(digits[:0], n, 10)

	pad := len(buf) - len(d)
	for i := 0; i < pad; i++ {
		buf[i] = '0'
	}
	copy(buf[max(pad, 0):], d[max(-pad, 0):])

	return buf
}
