package tfbuilder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinefeed/internal/model"
)

const m15 = 15 * 60 * 1000

// makeCandles creates n consecutive 15m candles starting at openTime with
// closes start, start+1, ...
func makeCandles(openTime int64, n int, start float64) model.Candles {
	out := make(model.Candles, n)
	for i := range out {
		ot := openTime + int64(i)*m15
		out[i] = model.Candle{
			OpenTime:  ot,
			Open:      start + float64(i),
			High:      start + float64(i) + 1,
			Low:       start + float64(i) - 1,
			Close:     start + float64(i),
			Volume:    10,
			CloseTime: ot + m15 - 1,
		}
	}
	return out
}

func TestResample_15mTo1h(t *testing.T) {
	// 2024-01-01 00:00 UTC is hour-aligned.
	base := int64(1704067200000)
	cs := makeCandles(base, 9, 100) // 00:00 .. 02:00

	bars := Resample(cs, time.Hour)
	require.Len(t, bars, 2)

	assert.Equal(t, base+3_600_000, bars[0].Datetime)
	assert.Equal(t, 103.0, bars[0].Close) // last candle of 00:00 hour is 00:45
	assert.Equal(t, base+7_200_000, bars[1].Datetime)
	assert.Equal(t, 107.0, bars[1].Close)
}

func TestResample_DropsFormingBucket(t *testing.T) {
	base := int64(1704067200000)

	// Exactly one full hour: the final candle sits in bucket 0, nothing closes.
	assert.Empty(t, Resample(makeCandles(base, 4, 1), time.Hour))

	// A single candle of the next hour closes the first bucket only.
	bars := Resample(makeCandles(base, 5, 1), time.Hour)
	require.Len(t, bars, 1)
	assert.Equal(t, base+3_600_000, bars[0].Datetime)
}

func TestResample_UnalignedStart(t *testing.T) {
	// Window starting mid-hour: the first partial bucket still yields a bar
	// labelled with its epoch-anchored right edge.
	base := int64(1704067200000) + 2*m15 // 00:30
	bars := Resample(makeCandles(base, 4, 1), time.Hour)
	require.Len(t, bars, 1)
	assert.Equal(t, int64(1704067200000)+3_600_000, bars[0].Datetime)
	assert.Equal(t, 2.0, bars[0].Close)
}

func TestResample_OmitsEmptyBuckets(t *testing.T) {
	base := int64(1704067200000)
	cs := model.Candles{
		{OpenTime: base, Close: 1, CloseTime: base + m15 - 1},
		// gap: hours 01:00 and 02:00 have no candles
		{OpenTime: base + 3*3_600_000, Close: 2, CloseTime: base + 3*3_600_000 + m15 - 1},
		{OpenTime: base + 4*3_600_000, Close: 3, CloseTime: base + 4*3_600_000 + m15 - 1},
	}
	bars := Resample(cs, time.Hour)
	require.Len(t, bars, 2)
	assert.Equal(t, base+3_600_000, bars[0].Datetime)
	assert.Equal(t, base+4*3_600_000, bars[1].Datetime)
}

func TestResample_Idempotent(t *testing.T) {
	cs := makeCandles(1704067200000+m15, 300, 50)
	a := Resample(cs, 4*time.Hour)
	b := Resample(cs, 4*time.Hour)
	assert.Equal(t, a, b)
}

func TestResample_Empty(t *testing.T) {
	assert.Nil(t, Resample(model.Candles{}, time.Hour))
}

func TestBucket_FloorDivision(t *testing.T) {
	assert.Equal(t, int64(0), Bucket(0, 1000))
	assert.Equal(t, int64(0), Bucket(999, 1000))
	assert.Equal(t, int64(1), Bucket(1000, 1000))
	assert.Equal(t, int64(-1), Bucket(-1, 1000))
	assert.Equal(t, int64(-1), Bucket(-1000, 1000))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(time.Hour, 15*time.Minute))
	assert.NoError(t, Validate(15*time.Minute, 15*time.Minute))

	for _, tf := range []time.Duration{0, -time.Hour, 5 * time.Minute, 20 * time.Minute} {
		err := Validate(tf, 15*time.Minute)
		require.Error(t, err, "tf=%s", tf)
		assert.True(t, errors.Is(err, ErrInvalidTimeframe))
	}
}
