package config

import (
	"fmt"
	"strings"
	"time"
)

// durationField is one duration option and the dotted path it is reported under.
type durationField struct {
	path string
	raw  string
}

// ParseDurationField parses a Go duration option. An empty value is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// unset or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// checkDurations reports every malformed field, in order.
func checkDurations(add func(error), fields ...durationField) {
	for _, f := range fields {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
}
