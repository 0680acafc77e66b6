package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader reads FRUGAL_* variables with defaults and remembers every
// malformed value, so a typo fails startup instead of silently using the
// default.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func newEnvReader() *envReader {
	return &envReader{lookup: os.LookupEnv}
}

func (e *envReader) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) bad(key, v, want string) {
	e.errs = append(e.errs, fmt.Sprintf("%s=%q: want %s", key, v, want))
}

// String reads a string env var with a default.
func (e *envReader) String(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

// Bool reads a bool env var with a default.
func (e *envReader) Bool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.bad(key, v, "a boolean")
		return def
	}
	return b
}

// Int reads a positive int env var with a default.
func (e *envReader) Int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.bad(key, v, "a positive integer")
		return def
	}
	return n
}

// Int32 reads a non-negative int32 env var with a default.
func (e *envReader) Int32(key string, def int32) int32 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		e.bad(key, v, "a non-negative 32-bit integer")
		return def
	}
	return int32(n)
}

// Duration reads a positive duration env var with a default.
func (e *envReader) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.bad(key, v, "a positive duration")
		return def
	}
	return d
}

// CSV reads a comma separated list; empty items are dropped.
func (e *envReader) CSV(key string, def []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// OneOf reads a lower-cased enum value.
func (e *envReader) OneOf(key, def string, allowed ...string) string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	e.bad(key, v, "one of "+strings.Join(allowed, "|"))
	return def
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfig, strings.Join(e.errs, "; "))
}
