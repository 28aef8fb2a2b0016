package model

import "fmt"

// Candle represents one closed OHLCV bar for the configured instrument.
// Timestamps are Unix epoch milliseconds (UTC).
type Candle struct {
	OpenTime  int64   `json:"open_time"` // bar start, ms
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"` // last ms inside the bar
}

// Validate checks the per-candle invariant open_time < close_time.
func (c *Candle) Validate() error {
	if c.OpenTime >= c.CloseTime {
		return fmt.Errorf("candle %d: open_time must be before close_time %d", c.OpenTime, c.CloseTime)
	}
	return nil
}

// Sequence is an ordered, read-only run of candles. Both plain slices
// (Candles) and ring buffer views satisfy it, so the feature engine can
// read a window without copying it first.
type Sequence interface {
	Len() int
	At(i int) Candle
}

// Candles adapts a slice to Sequence.
type Candles []Candle

func (cs Candles) Len() int        { return len(cs) }
func (cs Candles) At(i int) Candle { return cs[i] }

// Closes extracts the close series of seq.
func Closes(seq Sequence) []float64 {
	out := make([]float64, seq.Len())
	for i := range out {
		out[i] = seq.At(i).Close
	}
	return out
}

// Highs extracts the high series of seq.
func Highs(seq Sequence) []float64 {
	out := make([]float64, seq.Len())
	for i := range out {
		out[i] = seq.At(i).High
	}
	return out
}

// Lows extracts the low series of seq.
func Lows(seq Sequence) []float64 {
	out := make([]float64, seq.Len())
	for i := range out {
		out[i] = seq.At(i).Low
	}
	return out
}
