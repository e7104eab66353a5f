package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Size is a byte count that parses from strings like "512", "8k", "8KB" or
// "100MB". Multipliers are powers of 1024.
type Size uint64

const (
	KB Size = 1 << 10
	MB Size = 1 << 20
	GB Size = 1 << 30
	TB Size = 1 << 40
)

var sizeSuffixes = []struct {
	suffix string
	mult   Size
}{
	{"tb", TB}, {"gb", GB}, {"mb", MB}, {"kb", KB},
	{"t", TB}, {"g", GB}, {"m", MB}, {"k", KB},
	{"b", 1},
}

// ParseSize parses a human-readable byte size.
func ParseSize(s string) (Size, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := Size(1)
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(raw, sfx.suffix) {
			raw = strings.TrimSpace(strings.TrimSuffix(raw, sfx.suffix))
			mult = sfx.mult

			break
		}
	}

	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}

	if n > 0 && uint64(mult) > ^uint64(0)/n {
		return 0, fmt.Errorf("parse size %q: overflows", s)
	}

	return Size(n) * mult, nil
}

// Bytes returns the size as an int for length arithmetic.
func (s Size) Bytes() int { return int(s) }

// String renders the size with the largest exact unit.
func (s Size) String() string {
	switch {
	case s == 0:
		return "0"
	case s%TB == 0:
		return fmt.Sprintf("%dTB", s/TB)
	case s%GB == 0:
		return fmt.Sprintf("%dGB", s/GB)
	case s%MB == 0:
		return fmt.Sprintf("%dMB", s/MB)
	case s%KB == 0:
		return fmt.Sprintf("%dKB", s/KB)
	default:
		return strconv.FormatUint(uint64(s), 10)
	}
}

// Set implements pflag.Value.
func (s *Size) Set(v string) error {
	parsed, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = parsed

	return nil
}

// Type implements pflag.Value.
func (s *Size) Type() string { return "size" }

// UnmarshalYAML accepts both plain integers and suffixed strings.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}

	return s.Set(value.Value)
}

// MarshalYAML writes the size in its string form.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}
