package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wfgen/wfgen/internal/env"
)

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
}

func lookup(key string) string {
	ensureEnvLoaded()
	return strings.TrimSpace(os.Getenv(key))
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	if val := lookup(key); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
// Bare numbers are read as seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	val := lookup(key)
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	if val := lookup(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Float returns a float environment variable or fallback when invalid.
func Float(key string, fallback float64) float64 {
	if val := lookup(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	if val := lookup(key); val != "" {
		lower := strings.ToLower(val)
		if lower == "1" || lower == "true" || lower == "yes" {
			return true
		}
		if lower == "0" || lower == "false" || lower == "no" {
			return false
		}
	}
	return fallback
}

// List splits a comma separated environment variable, dropping empty items.
func List(key string, fallback []string) []string {
	val := lookup(key)
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
