package config

import "fmt"

// ConfigError reports an invalid or inconsistent setting. It is always
// detected before a workload starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// Invalid builds a ConfigError for checks performed outside this package.
func Invalid(field, reason string) *ConfigError {
	return invalid(field, reason)
}
