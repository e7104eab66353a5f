package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/weiihann/splitstress/config"
	"github.com/weiihann/splitstress/report"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "splitstress.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestApplyConfigFileFlagsWin(t *testing.T) {
	path := writeConfig(t, `
home: from-file
connection:
  cache_size: 64MB
run:
  threads: 8
  run_time: 10s
`)

	cfg := config.Default()
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindConfigFlags(flags, &cfg)

	if err := flags.Parse([]string{"--threads", "3", "--leaf-page-max", "4KB"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if err := applyConfigFile(flags, path, &cfg); err != nil {
		t.Fatalf("applyConfigFile failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"home", cfg.Home, "from-file"},
		{"cache_size", cfg.Connection.CacheSize, 64 * config.MB},
		{"threads", cfg.Run.Threads, 3},
		{"run_time", cfg.Run.RunTime, 10 * time.Second},
		{"leaf_page_max", cfg.Table.LeafPageMax, 4 * config.KB},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestApplyConfigFileMissing(t *testing.T) {
	cfg := config.Default()
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindConfigFlags(flags, &cfg)

	err := applyConfigFile(flags, filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("applyConfigFile error = %v, want os.ErrNotExist", err)
	}
}

func TestVerifyConfig(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantErr   bool
		wantField string
	}{
		{
			name: "defaults",
			args: nil,
		},
		{
			name:      "bad threads",
			args:      []string{"--threads", "0"},
			wantErr:   true,
			wantField: "run.threads",
		},
		{
			name:      "keys too large for pages",
			args:      []string{"--leaf-page-max", "1KB", "--internal-page-max", "1KB"},
			wantErr:   true,
			wantField: "table.leaf_key_max",
		},
		{
			name:      "cells do not fit twice",
			args:      []string{"--leaf-key-max", "512", "--leaf-value-max", "512", "--leaf-page-max", "1KB"},
			wantErr:   true,
			wantField: "table.leaf_page_max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer

			level := new(slog.LevelVar)
			root := newRootCmd(slog.New(slog.DiscardHandler), level)
			root.SetOut(&out)
			root.SetArgs(append([]string{"verify-config"}, tt.args...))

			err := root.Execute()
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("verify-config failed: %v", err)
				}
				if !strings.Contains(out.String(), "leaf_page_max=8KB") {
					t.Errorf("unexpected output:\n%s", out.String())
				}

				return
			}

			var cfgErr *config.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want *config.ConfigError", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestLogLevelFlag(t *testing.T) {
	level := new(slog.LevelVar)
	root := newRootCmd(slog.New(slog.DiscardHandler), level)
	root.SetArgs([]string{"--log-level", "debug", "verify-config"})
	root.SetOut(new(bytes.Buffer))

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	root = newRootCmd(slog.New(slog.DiscardHandler), level)
	root.SetArgs([]string{"--log-level", "loud", "verify-config"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for an unknown log level")
	}
}

func smallConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Home = filepath.Join(t.TempDir(), "home")
	cfg.Connection.CacheSize = config.MB
	cfg.Table.LeafPageMax = 512
	cfg.Table.InternalPageMax = 512
	cfg.Table.LeafKeyMax = 32
	cfg.Table.LeafValueMax = 64
	cfg.Table.MemoryPageMax = 64 * config.KB
	cfg.Data.KeySize = 8
	cfg.Data.ValueSize = 16
	cfg.Data.Range = 10_000
	cfg.Run.Threads = 4
	cfg.Run.RunTime = 100 * time.Millisecond

	return cfg
}

func TestRunStressReportUnwritable(t *testing.T) {
	cfg := smallConfig(t)
	if err := os.MkdirAll(filepath.Join(cfg.Home, report.FileName), 0o755); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	if err := runStress(context.Background(), logger, cfg); err != nil {
		t.Fatalf("runStress error = %v, want nil when only the report fails", err)
	}
	if !strings.Contains(logs.String(), "report was not written") {
		t.Errorf("report failure not logged:\n%s", logs.String())
	}
}

func TestRunStressInvalidConfig(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Run.Threads = 0

	var cfgErr *config.ConfigError
	if err := runStress(context.Background(), slog.New(slog.DiscardHandler), cfg); !errors.As(err, &cfgErr) {
		t.Errorf("runStress error = %v, want *config.ConfigError", err)
	}
}
