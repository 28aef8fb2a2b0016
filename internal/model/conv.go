package model

import (
	"errors"
	"fmt"
	"time"
)

// TimeLayout renders epoch-ms timestamps in CSV output and logs.
const TimeLayout = "2006-01-02 15:04:05.000 UTC"

// ErrUnsupportedInterval is returned for kline interval strings the pipeline
// does not know how to stream or backfill.
var ErrUnsupportedInterval = errors.New("unsupported interval")

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseInterval maps an exchange interval string ("5m", "1h", ...) to its duration.
func ParseInterval(s string) (time.Duration, error) {
	d, ok := intervals[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, s)
	}
	return d, nil
}

// IntervalString is the inverse of ParseInterval.
func IntervalString(d time.Duration) (string, error) {
	for s, v := range intervals {
		if v == d {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedInterval, d)
}

// FormatUTC renders an epoch-ms timestamp as "YYYY-MM-DD HH:MM:SS.mmm UTC".
func FormatUTC(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(TimeLayout)
}

// Millis returns d in milliseconds.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// Label names a timeframe for feature column suffixes:
// m<minutes> below one hour, h<hours> below one day, d<days> otherwise.
func Label(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("m%d", int64(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("h%d", int64(d/time.Hour))
	default:
		return fmt.Sprintf("d%d", int64(d/(24*time.Hour)))
	}
}
