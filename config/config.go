// Package config holds the typed configuration of a split stress run:
// connection (cache, logging, statistics), table (page sizes), generated
// data and run parameters.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StatisticsMode selects how much the store tracks.
type StatisticsMode string

const (
	StatisticsNone StatisticsMode = "none"
	StatisticsFast StatisticsMode = "fast"
	StatisticsAll  StatisticsMode = "all"
)

// Report formats for latency.out.
const (
	ReportText = "text"
	ReportJSON = "json"
)

// Distribution names for generated keys.
const (
	DistUniform = "uniform"
	DistPareto  = "pareto"
)

// Config is the complete description of one run.
type Config struct {
	Home       string     `yaml:"home"`
	StatusAddr string     `yaml:"status_addr"`
	Connection Connection `yaml:"connection"`
	Table      Table      `yaml:"table"`
	Data       Data       `yaml:"data"`
	Run        Run        `yaml:"run"`
}

// Connection configures the store instance as a whole.
type Connection struct {
	CacheSize     Size           `yaml:"cache_size"`
	Log           Log            `yaml:"log"`
	Statistics    StatisticsMode `yaml:"statistics"`
	StatisticsLog StatisticsLog  `yaml:"statistics_log"`
}

// Log controls the write-ahead log.
type Log struct {
	Enabled bool `yaml:"enabled"`
}

// StatisticsLog controls periodic statistics output.
type StatisticsLog struct {
	Wait time.Duration `yaml:"wait"`
	JSON bool          `yaml:"json"`
}

// Table configures the tree layout.
type Table struct {
	KeyFormat           string `yaml:"key_format"`
	ValueFormat         string `yaml:"value_format"`
	LeafPageMax         Size   `yaml:"leaf_page_max"`
	InternalPageMax     Size   `yaml:"internal_page_max"`
	LeafKeyMax          Size   `yaml:"leaf_key_max"`
	LeafValueMax        Size   `yaml:"leaf_value_max"`
	MemoryPageMax       Size   `yaml:"memory_page_max"`
	SplitDeepenMinChild int    `yaml:"split_deepen_min_child"`
}

// Data describes the generated keys and values.
type Data struct {
	KeySize      int    `yaml:"key_size"`
	ValueSize    int    `yaml:"value_size"`
	Range        uint64 `yaml:"range"`
	Distribution string `yaml:"distribution"`
	Seed         int64  `yaml:"seed"`
}

// Run describes the workload schedule.
type Run struct {
	Threads        int           `yaml:"threads"`
	ReportInterval time.Duration `yaml:"report_interval"`
	RunTime        time.Duration `yaml:"run_time"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	ReportFormat   string        `yaml:"report_format"`
}

// Default returns the split stress configuration: a small cache, 8KB pages
// and fifty threads inserting random keys for six minutes.
func Default() Config {
	return Config{
		Home: "WT_TEST",
		Connection: Connection{
			CacheSize:  100 * MB,
			Statistics: StatisticsFast,
			StatisticsLog: StatisticsLog{
				Wait: time.Second,
			},
		},
		Table: Table{
			KeyFormat:           "S",
			ValueFormat:         "S",
			LeafPageMax:         8 * KB,
			InternalPageMax:     8 * KB,
			LeafKeyMax:          1433,
			LeafValueMax:        1433,
			MemoryPageMax:       512 * MB,
			SplitDeepenMinChild: 100,
		},
		Data: Data{
			KeySize:      64,
			ValueSize:    200,
			Range:        100_000_000,
			Distribution: DistUniform,
		},
		Run: Run{
			Threads:        50,
			ReportInterval: 5 * time.Second,
			RunTime:        360 * time.Second,
			ReportFormat:   ReportText,
		},
	}
}

// Load reads a YAML file on top of Default. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the fields that do not depend on the page layout. The
// store performs its own layout checks when it is opened.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Home) == "" {
		return invalid("home", "must be set")
	}
	if err := c.Connection.validate(); err != nil {
		return err
	}
	if err := c.Table.Validate(); err != nil {
		return err
	}
	if err := c.Data.validate(c.Table); err != nil {
		return err
	}

	return c.Run.validate()
}

func (c Connection) validate() error {
	if c.CacheSize == 0 {
		return invalid("connection.cache_size", "must be positive")
	}

	switch c.Statistics {
	case StatisticsNone, StatisticsFast, StatisticsAll:
	default:
		return invalid("connection.statistics",
			fmt.Sprintf("unknown mode %q", c.Statistics))
	}

	if c.Statistics != StatisticsNone && c.StatisticsLog.Wait < 0 {
		return invalid("connection.statistics_log.wait", "must not be negative")
	}

	return nil
}

// Validate checks table-level limits.
func (t Table) Validate() error {
	for _, f := range []struct {
		name, val string
	}{
		{"table.key_format", t.KeyFormat},
		{"table.value_format", t.ValueFormat},
	} {
		if f.val != "S" && f.val != "u" {
			return invalid(f.name, fmt.Sprintf("unsupported format %q", f.val))
		}
	}

	if t.LeafPageMax == 0 {
		return invalid("table.leaf_page_max", "must be positive")
	}
	if t.InternalPageMax == 0 {
		return invalid("table.internal_page_max", "must be positive")
	}
	if t.LeafKeyMax == 0 {
		return invalid("table.leaf_key_max", "must be positive")
	}
	if t.LeafValueMax == 0 {
		return invalid("table.leaf_value_max", "must be positive")
	}

	if t.LeafKeyMax > t.LeafPageMax {
		return invalid("table.leaf_key_max",
			fmt.Sprintf("%s exceeds leaf_page_max %s", t.LeafKeyMax, t.LeafPageMax))
	}
	if t.LeafValueMax > t.LeafPageMax {
		return invalid("table.leaf_value_max",
			fmt.Sprintf("%s exceeds leaf_page_max %s", t.LeafValueMax, t.LeafPageMax))
	}
	if t.LeafKeyMax > t.InternalPageMax {
		return invalid("table.leaf_key_max",
			fmt.Sprintf("%s exceeds internal_page_max %s", t.LeafKeyMax, t.InternalPageMax))
	}

	if t.MemoryPageMax < max(t.LeafPageMax, t.InternalPageMax) {
		return invalid("table.memory_page_max",
			fmt.Sprintf("%s is smaller than the largest page max", t.MemoryPageMax))
	}

	if t.SplitDeepenMinChild < 0 {
		return invalid("table.split_deepen_min_child", "must not be negative")
	}

	return nil
}

func (d Data) validate(t Table) error {
	if d.KeySize <= 0 {
		return invalid("data.key_size", "must be positive")
	}
	if Size(d.KeySize) > t.LeafKeyMax {
		return invalid("data.key_size",
			fmt.Sprintf("%d exceeds leaf_key_max %s", d.KeySize, t.LeafKeyMax))
	}
	if d.ValueSize < 0 {
		return invalid("data.value_size", "must not be negative")
	}
	if Size(d.ValueSize) > t.LeafValueMax {
		return invalid("data.value_size",
			fmt.Sprintf("%d exceeds leaf_value_max %s", d.ValueSize, t.LeafValueMax))
	}
	if d.Range == 0 {
		return invalid("data.range", "must be positive")
	}
	if digits := len(fmt.Sprint(d.Range - 1)); digits > d.KeySize {
		return invalid("data.key_size",
			fmt.Sprintf("%d bytes cannot hold %d-digit keys", d.KeySize, digits))
	}

	switch d.Distribution {
	case DistUniform, DistPareto:
	default:
		return invalid("data.distribution",
			fmt.Sprintf("unknown distribution %q", d.Distribution))
	}

	return nil
}

func (r Run) validate() error {
	if r.Threads <= 0 {
		return invalid("run.threads", "must be positive")
	}
	if r.RunTime <= 0 {
		return invalid("run.run_time", "must be positive")
	}
	if r.ReportInterval < 0 {
		return invalid("run.report_interval", "must not be negative")
	}
	if r.VerifyInterval < 0 {
		return invalid("run.verify_interval", "must not be negative")
	}

	switch r.ReportFormat {
	case ReportText, ReportJSON:
	default:
		return invalid("run.report_format",
			fmt.Sprintf("unknown format %q", r.ReportFormat))
	}

	return nil
}

// ConnectionString renders the connection settings in the
// "key=value,..." form used in reports and logs.
func (c Connection) ConnectionString() string {
	parts := []string{
		"cache_size=" + c.CacheSize.String(),
		fmt.Sprintf("log=(enabled=%t)", c.Log.Enabled),
		fmt.Sprintf("statistics=[%s]", c.Statistics),
	}
	if c.Statistics != StatisticsNone {
		parts = append(parts, fmt.Sprintf("statistics_log=(wait=%d,json=%t)",
			int(c.StatisticsLog.Wait/time.Second), c.StatisticsLog.JSON))
	}

	return strings.Join(parts, ",")
}

// TableString renders the table settings in "key=value,..." form.
func (t Table) TableString() string {
	return strings.Join([]string{
		"key_format=" + t.KeyFormat,
		"value_format=" + t.ValueFormat,
		"leaf_page_max=" + t.LeafPageMax.String(),
		"internal_page_max=" + t.InternalPageMax.String(),
		"leaf_key_max=" + t.LeafKeyMax.String(),
		"leaf_value_max=" + t.LeafValueMax.String(),
		"memory_page_max=" + t.MemoryPageMax.String(),
		fmt.Sprintf("split_deepen_min_child=%d", t.SplitDeepenMinChild),
	}, ",")
}
