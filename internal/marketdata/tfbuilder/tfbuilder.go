// Package tfbuilder resamples a native-interval candle sequence into coarser
// timeframe bars. Buckets are anchored at the Unix epoch: a candle with
// open_time t falls into bucket k = floor(t/T), which covers [k*T, (k+1)*T).
// A bucket is finalized when a candle arrives in a later bucket, so the
// bucket holding the last candle of the sequence is never emitted.
package tfbuilder

import (
	"errors"
	"fmt"
	"time"

	"klinefeed/internal/model"
)

// ErrInvalidTimeframe is returned by Validate for unusable timeframes.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// Bar is one closed resampled bar.
type Bar struct {
	Datetime int64   // bucket right edge (k+1)*T, ms
	Close    float64 // close of the last native candle in the bucket
}

// Validate checks that tf is a positive whole multiple of the native interval.
func Validate(tf, native time.Duration) error {
	if native <= 0 {
		return fmt.Errorf("%w: native interval %s must be positive", ErrInvalidTimeframe, native)
	}
	if tf <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidTimeframe, tf)
	}
	if tf < native || tf%native != 0 {
		return fmt.Errorf("%w: %s is not a multiple of native %s", ErrInvalidTimeframe, tf, native)
	}
	return nil
}

// Bucket returns the epoch-anchored bucket index for an open_time in ms.
func Bucket(openTime, tfMs int64) int64 {
	k := openTime / tfMs
	if openTime%tfMs != 0 && openTime < 0 {
		k-- // floor for pre-epoch timestamps
	}
	return k
}

// Resample buckets seq by tf and returns one bar per closed, non-empty bucket
// in ascending order. seq must be ordered by open_time.
func Resample(seq model.Sequence, tf time.Duration) []Bar {
	n := seq.Len()
	tfMs := tf.Milliseconds()
	if n == 0 || tfMs <= 0 {
		return nil
	}

	first := seq.At(0)
	last := seq.At(n - 1)
	span := Bucket(last.OpenTime, tfMs) - Bucket(first.OpenTime, tfMs)
	if span <= 0 {
		return nil
	}
	out := make([]Bar, 0, span)

	cur := Bucket(first.OpenTime, tfMs)
	closePx := first.Close
	for i := 1; i < n; i++ {
		c := seq.At(i)
		k := Bucket(c.OpenTime, tfMs)
		if k != cur {
			// Bucket closed: a candle arrived in a later bucket.
			out = append(out, Bar{Datetime: (cur + 1) * tfMs, Close: closePx})
			cur = k
		}
		closePx = c.Close
	}
	// The bucket holding the final candle is still forming; drop it.
	return out
}

// Closes extracts the close series of bars.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
