package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations live as strings in the config file ("10m", "90s") so operators
// can edit them without knowing Go's nanosecond encoding. These helpers parse
// them with the field path baked into the error, matching how Validate
// reports every other bad field.

// ParseDurationField parses one duration-valued field. An empty or
// whitespace-only value parses as zero; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: cannot parse %q as a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q not allowed", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
