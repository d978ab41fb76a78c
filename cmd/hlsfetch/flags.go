package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDuration accepts Go durations ("2s", "1m30s") or a bare number of
// seconds.
func parseDuration(flag, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, s, err)
	}
	return d, nil
}

// parseRate converts a rate such as "500K", "2M" or "1.5m" to bytes per
// second. Units are binary; an optional trailing "B" or "/s" is ignored.
func parseRate(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "/S")
	v = strings.TrimSuffix(v, "B")
	if v == "" {
		return 0, fmt.Errorf("invalid --limit-rate %q", s)
	}

	mult := 1.0
	switch v[len(v)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid --limit-rate %q", s)
	}
	return int64(n * mult), nil
}
