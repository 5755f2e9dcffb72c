// Package env provides typed configuration values read from environment variables.
package env

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Bool represents a boolean that is configured using environment variables.
// Any non-empty value for the variable sets it to true, however the common format is VAR=1.
// The default is always false, so plan accordingly.
type Bool struct {
	Key string
}

// String value of if the boolean is true or false.
func (env Bool) String() string {
	return fmt.Sprintf("%t", env.Bool())
}

// Bool based on the environment variable value.
// True if any non-empty value is set, false otherwise.
func (env Bool) Bool() bool {
	if val := os.Getenv(env.Key); val != "" {
		return true
	}
	slog.Debug("missing configuration, using default value", "env_var", env.Key, "type", "bool", "default", false)
	return false
}

// IsSet returns true if the boolean is true.
func (env Bool) IsSet() bool {
	return env.Bool()
}

// IsUnset returns false if the boolean is true.
func (env Bool) IsUnset() bool {
	return !env.Bool()
}

// String represents a string that is configured using environment variables.
type String struct {
	Key     string
	Default string
}

// String parsed from the environment variable.
func (env String) String() string {
	if val := os.Getenv(env.Key); val != "" {
		return val
	}
	slog.Debug("missing configuration, using default value", "env_var", env.Key, "type", "string", "default", env.Default)
	return env.Default
}

// Integer represents an integer that is configured using environment variables.
type Integer struct {
	Key     string
	Default int
}

// Int parsed from the environment variable.
func (env Integer) Int() int {
	envVar := os.Getenv(env.Key)
	if envVar == "" {
		slog.Debug("missing configuration, using default value", "env_var", env.Key, "type", "int", "default", env.Default)
		return env.Default
	}
	val, err := strconv.Atoi(envVar)
	if err != nil {
		log.Fatalf("[FATAL] invalid integer value (%q) provided for %s: %v", envVar, env.Key, err)
	}
	return val
}

// Duration represents a time.Duration that is configured using environment variables.
// Values use time.ParseDuration syntax (e.g. "15m", "90s").
type Duration struct {
	Key     string
	Default time.Duration
}

// Duration parsed from the environment variable.
func (env Duration) Duration() time.Duration {
	envVar := os.Getenv(env.Key)
	if envVar == "" {
		slog.Debug("missing configuration, using default value", "env_var", env.Key, "type", "duration", "default", env.Default)
		return env.Default
	}
	val, err := time.ParseDuration(envVar)
	if err != nil {
		log.Fatalf("[FATAL] invalid duration value (%q) provided for %s: %v", envVar, env.Key, err)
	}
	return val
}

// List represents a comma separated list of strings configured using environment variables.
// Surrounding whitespace and empty entries are dropped.
type List struct {
	Key     string
	Default []string
}

// Values parsed from the environment variable.
func (env List) Values() []string {
	envVar := os.Getenv(env.Key)
	if envVar == "" {
		slog.Debug("missing configuration, using default value", "env_var", env.Key, "type", "list", "default", env.Default)
		return append([]string(nil), env.Default...)
	}
	var vals []string
	for _, v := range strings.Split(envVar, ",") {
		if v = strings.TrimSpace(v); v != "" {
			vals = append(vals, v)
		}
	}
	return vals
}
