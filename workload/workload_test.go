package workload

import (
	"bytes"
	"testing"

	"github.com/weiihann/splitstress/config"
)

func testConfig() Config {
	return Config{
		Threads:      4,
		KeySize:      16,
		ValueSize:    32,
		Range:        1000,
		Distribution: config.DistUniform,
	}
}

func TestGenerateDeterministic(t *testing.T) {
	cfg := testConfig()

	gen1 := NewGenerator(cfg, 42)
	gen2 := NewGenerator(cfg, 42)

	for i := 0; i < 1000; i++ {
		k1 := string(gen1.Key())
		k2 := string(gen2.Key())
		if k1 != k2 {
			t.Fatalf("key %d differs for same seed: %q vs %q", i, k1, k2)
		}
	}
}

func TestGenerateKeys(t *testing.T) {
	tests := []struct {
		name string
		dist string
	}{
		{"uniform", config.DistUniform},
		{"pareto", config.DistPareto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Distribution = tt.dist
			gen := NewGenerator(cfg, 7)

			for i := 0; i < 5000; i++ {
				n := gen.Next()
				if n >= cfg.Range {
					t.Fatalf("key number %d outside range %d", n, cfg.Range)
				}
			}

			key := gen.Key()
			if len(key) != cfg.KeySize {
				t.Errorf("key length = %d, want %d", len(key), cfg.KeySize)
			}
			for _, c := range key {
				if c < '0' || c > '9' {
					t.Fatalf("key %q is not zero-padded decimal", key)
				}
			}
		})
	}
}

func TestParetoSkew(t *testing.T) {
	cfg := testConfig()
	cfg.Distribution = config.DistPareto
	gen := NewGenerator(cfg, 1)

	var low int
	const n = 10000
	for i := 0; i < n; i++ {
		if gen.Next() < cfg.Range/2 {
			low++
		}
	}

	// With alpha 1.5 about 65% of keys land in the lower half.
	if low < n*6/10 {
		t.Errorf("lower half drew %d of %d keys, want a pareto skew", low, n)
	}
}

func TestFormatKey(t *testing.T) {
	tests := []struct {
		size int
		n    uint64
		want string
	}{
		{8, 0, "00000000"},
		{8, 42, "00000042"},
		{4, 9999, "9999"},
		{3, 12345, "345"},
	}

	for _, tt := range tests {
		got := FormatKey(make([]byte, tt.size), tt.n)
		if string(got) != tt.want {
			t.Errorf("FormatKey(%d, %d) = %q, want %q", tt.size, tt.n, got, tt.want)
		}
	}
}

func TestValueFixed(t *testing.T) {
	gen := NewGenerator(testConfig(), 1)
	if v := gen.Value(); !bytes.Equal(v, bytes.Repeat([]byte("v"), 32)) {
		t.Errorf("value = %q", v)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.Default())

	if cfg.Threads != 50 {
		t.Errorf("threads = %d, want 50", cfg.Threads)
	}
	if cfg.KeySize != 64 || cfg.ValueSize != 200 {
		t.Errorf("key/value size = %d/%d, want 64/200", cfg.KeySize, cfg.ValueSize)
	}
	if cfg.Range != 100_000_000 {
		t.Errorf("range = %d, want 100000000", cfg.Range)
	}
}
