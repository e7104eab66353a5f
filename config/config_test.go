package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  Size
	}{
		{"512", 512},
		{"8k", 8 * KB},
		{"8K", 8 * KB},
		{"8KB", 8 * KB},
		{"100MB", 100 * MB},
		{"512m", 512 * MB},
		{"1GB", GB},
		{"2t", 2 * TB},
		{"64b", 64},
		{" 4 kb ", 4 * KB},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if err != nil {
			t.Errorf("ParseSize(%q) failed: %v", tt.input, err)

			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, input := range []string{"", "k", "ten", "-1", "1.5MB", "99999999999999999999TB"} {
		if _, err := ParseSize(input); err == nil {
			t.Errorf("ParseSize(%q): expected error", input)
		}
	}
}

func TestSizeString(t *testing.T) {
	tests := []struct {
		input Size
		want  string
	}{
		{0, "0"},
		{1433, "1433"},
		{8 * KB, "8KB"},
		{100 * MB, "100MB"},
		{1536 * KB, "1536KB"},
		{GB, "1GB"},
	}

	for _, tt := range tests {
		if got := tt.input.String(); got != tt.want {
			t.Errorf("Size(%d).String() = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"empty home", func(c *Config) { c.Home = "" }, "home"},
		{"zero cache", func(c *Config) { c.Connection.CacheSize = 0 }, "connection.cache_size"},
		{"bad statistics", func(c *Config) { c.Connection.Statistics = "some" }, "connection.statistics"},
		{"bad key format", func(c *Config) { c.Table.KeyFormat = "Q" }, "table.key_format"},
		{"key max over page max", func(c *Config) { c.Table.LeafKeyMax = 16 * KB }, "table.leaf_key_max"},
		{"value max over page max", func(c *Config) { c.Table.LeafValueMax = 9 * KB }, "table.leaf_value_max"},
		{"memory page max too small", func(c *Config) { c.Table.MemoryPageMax = 4 * KB }, "table.memory_page_max"},
		{"negative deepen", func(c *Config) { c.Table.SplitDeepenMinChild = -1 }, "table.split_deepen_min_child"},
		{"key size over key max", func(c *Config) { c.Data.KeySize = 2000 }, "data.key_size"},
		{"key too short for range", func(c *Config) { c.Data.KeySize = 4 }, "data.key_size"},
		{"value size over max", func(c *Config) { c.Data.ValueSize = 1434 }, "data.value_size"},
		{"zero range", func(c *Config) { c.Data.Range = 0 }, "data.range"},
		{"bad distribution", func(c *Config) { c.Data.Distribution = "zipf" }, "data.distribution"},
		{"zero threads", func(c *Config) { c.Run.Threads = 0 }, "run.threads"},
		{"zero run time", func(c *Config) { c.Run.RunTime = 0 }, "run.run_time"},
		{"bad report format", func(c *Config) { c.Run.ReportFormat = "csv" }, "run.report_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(&cfg)

			err := cfg.Validate()

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "split.yaml")
	body := `
home: /tmp/split
connection:
  cache_size: 10MB
  statistics: all
  statistics_log:
    wait: 2s
    json: true
table:
  leaf_page_max: 4k
  internal_page_max: 4k
  leaf_key_max: 512
  leaf_value_max: 512
  memory_page_max: 64MB
run:
  threads: 4
  run_time: 10s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Home != "/tmp/split" {
		t.Errorf("home = %q, want /tmp/split", cfg.Home)
	}
	if cfg.Connection.CacheSize != 10*MB {
		t.Errorf("cache_size = %s, want 10MB", cfg.Connection.CacheSize)
	}
	if cfg.Connection.StatisticsLog.Wait != 2*time.Second {
		t.Errorf("statistics_log.wait = %s, want 2s", cfg.Connection.StatisticsLog.Wait)
	}
	if !cfg.Connection.StatisticsLog.JSON {
		t.Error("statistics_log.json = false, want true")
	}
	if cfg.Table.LeafPageMax != 4*KB {
		t.Errorf("leaf_page_max = %s, want 4KB", cfg.Table.LeafPageMax)
	}
	if cfg.Run.Threads != 4 {
		t.Errorf("threads = %d, want 4", cfg.Run.Threads)
	}
	// Untouched fields keep their defaults.
	if cfg.Data.KeySize != 64 {
		t.Errorf("key_size = %d, want 64", cfg.Data.KeySize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("table:\n  leaf_page_maxx: 8k\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestConnectionString(t *testing.T) {
	got := Default().Connection.ConnectionString()
	want := "cache_size=100MB,log=(enabled=false),statistics=[fast],statistics_log=(wait=1,json=false)"

	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestTableString(t *testing.T) {
	got := Default().Table.TableString()

	for _, part := range []string{
		"leaf_page_max=8KB", "internal_page_max=8KB",
		"leaf_key_max=1433", "memory_page_max=512MB",
		"split_deepen_min_child=100",
	} {
		if !strings.Contains(got, part) {
			t.Errorf("TableString() = %q, missing %q", got, part)
		}
	}
}
