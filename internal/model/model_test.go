package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	d, err := ParseInterval("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	_, err = ParseInterval("7m")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedInterval))
}

func TestIntervalString(t *testing.T) {
	s, err := IntervalString(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "1h", s)

	_, err = IntervalString(7 * time.Minute)
	assert.True(t, errors.Is(err, ErrUnsupportedInterval))
}

func TestFormatUTC(t *testing.T) {
	assert.Equal(t, "1970-01-01 00:00:00.000 UTC", FormatUTC(0))
	assert.Equal(t, "2024-01-01 00:15:00.123 UTC", FormatUTC(1704068100123))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "m15", Label(15*time.Minute))
	assert.Equal(t, "h1", Label(time.Hour))
	assert.Equal(t, "h4", Label(4*time.Hour))
	assert.Equal(t, "d1", Label(24*time.Hour))
}

func TestCandleValidate(t *testing.T) {
	c := Candle{OpenTime: 0, CloseTime: 899_999}
	assert.NoError(t, c.Validate())
	c.CloseTime = 0
	assert.Error(t, c.Validate())
}

func TestSeriesExtraction(t *testing.T) {
	cs := Candles{{High: 2, Low: 0.5, Close: 1}, {High: 3, Low: 1.5, Close: 2}}
	assert.Equal(t, []float64{1, 2}, Closes(cs))
	assert.Equal(t, []float64{2, 3}, Highs(cs))
	assert.Equal(t, []float64{0.5, 1.5}, Lows(cs))
}
