// Package envconfig reads gobert settings from GOBERT_* environment
// variables. Every getter re-reads the environment so tests can use
// t.Setenv.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of surrounding quotes and
// whitespace.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level configured by GOBERT_DEBUG.
// 0/false is INFO (default), 1/true is DEBUG, 2 is TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("GOBERT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// Models returns the default checkpoint directory.
// Configurable via GOBERT_MODELS, default $HOME/.gobert/models.
func Models() string {
	if s := Var("GOBERT_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gobert", "models")
	}
	return filepath.Join(home, ".gobert", "models")
}

// Uint returns a getter for a uint with a default value.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Int64 returns a getter for an int64 with a default value.
func Int64(key string, defaultValue int64) func() int64 {
	return func() int64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

var (
	// NumThreads bounds concurrent head and batch evaluation.
	// Configurable via GOBERT_NUM_THREADS, default GOMAXPROCS.
	NumThreads = Uint("GOBERT_NUM_THREADS", uint(runtime.GOMAXPROCS(0)))

	// Seed seeds parameter initialization when no seed is given explicitly.
	Seed = Int64("GOBERT_SEED", 42)
)

// EnvVar describes one supported variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every supported variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GOBERT_DEBUG":       {"GOBERT_DEBUG", LogLevel(), "Show additional debug information (e.g. GOBERT_DEBUG=1)"},
		"GOBERT_MODELS":      {"GOBERT_MODELS", Models(), "The path to the checkpoint directory"},
		"GOBERT_NUM_THREADS": {"GOBERT_NUM_THREADS", NumThreads(), "Maximum attention heads or batch items evaluated concurrently"},
		"GOBERT_SEED":        {"GOBERT_SEED", Seed(), "Default seed for parameter initialization"},
	}
}

// Values returns AsMap rendered as strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
