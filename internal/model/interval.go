package model

import (
	"fmt"
	"time"
)

// intervalDurations maps Bybit v5 kline interval codes to bar durations.
// Monthly bars are approximated as 30 days; they are only used for timeouts.
var intervalDurations = map[string]time.Duration{
	"1":   time.Minute,
	"3":   3 * time.Minute,
	"5":   5 * time.Minute,
	"15":  15 * time.Minute,
	"30":  30 * time.Minute,
	"60":  time.Hour,
	"120": 2 * time.Hour,
	"240": 4 * time.Hour,
	"360": 6 * time.Hour,
	"720": 12 * time.Hour,
	"D":   24 * time.Hour,
	"W":   7 * 24 * time.Hour,
	"M":   30 * 24 * time.Hour,
}

// IntervalDuration returns the bar length for a venue interval code.
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("unknown interval %q", interval)
	}
	return d, nil
}
