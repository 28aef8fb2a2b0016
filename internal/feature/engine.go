// Package feature derives the per-candle feature table from a window of
// native candles: OHLCV, EMAs at the native and coarser timeframes
// (forward-filled onto native rows), and pivot strengths.
//
// The engine is a pure function of its input window. Every call recomputes
// every column from scratch, so identical windows give identical tables.
package feature

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"klinefeed/internal/indicator"
	"klinefeed/internal/marketdata/tfbuilder"
	"klinefeed/internal/model"
)

// ErrUnordered is returned when the input window is not strictly increasing by open_time.
var ErrUnordered = errors.New("feature: candles not strictly increasing by open_time")

// Spec requests one EMA column: span evaluated on the close series of timeframe.
type Spec struct {
	Span      int
	Timeframe time.Duration
}

// Config configures the feature engine.
type Config struct {
	Native      time.Duration // interval of the input candles
	Specs       []Spec
	PivotWindow int // <= 0 selects indicator.DefaultPivotWindow
}

// DefaultSpecs returns spans {50, 200} at the native interval, 1h and 4h.
// Timeframes not coarser than native are skipped.
func DefaultSpecs(native time.Duration) []Spec {
	var out []Spec
	for i, tf := range []time.Duration{native, time.Hour, 4 * time.Hour} {
		if i > 0 && tf <= native {
			continue
		}
		out = append(out, Spec{Span: 50, Timeframe: tf}, Spec{Span: 200, Timeframe: tf})
	}
	return out
}

// Column names of the fixed (non-EMA) columns.
const (
	ColDatetime       = "datetime"
	ColOpenTime       = "open_time"
	ColOpen           = "open"
	ColHigh           = "high"
	ColLow            = "low"
	ColClose          = "close"
	ColVolume         = "volume"
	ColCloseTime      = "close_time"
	ColPivotHighLeft  = "pivot_high_left"
	ColPivotHighRight = "pivot_high_right"
	ColPivotLowLeft   = "pivot_low_left"
	ColPivotLowRight  = "pivot_low_right"
	ColPivotHighMax   = "pivot_high_max"
	ColPivotLowMax    = "pivot_low_max"
)

// EMAColumn names the column produced by s, e.g. "ema200_h1".
func EMAColumn(s Spec) string {
	return fmt.Sprintf("ema%d_%s", s.Span, model.Label(s.Timeframe))
}

// Engine computes feature tables. Safe for concurrent use: it holds only
// immutable configuration.
type Engine struct {
	native      time.Duration
	specs       []Spec
	timeframes  []time.Duration // distinct coarser timeframes, ascending
	pivotWindow int
}

// NewEngine validates cfg and returns an engine. Every timeframe must be a
// positive multiple of the native interval and every span at least 1.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Native <= 0 {
		return nil, fmt.Errorf("feature: native interval %s must be positive", cfg.Native)
	}
	if len(cfg.Specs) == 0 {
		cfg.Specs = DefaultSpecs(cfg.Native)
	}

	seen := make(map[string]bool, len(cfg.Specs))
	tfSet := make(map[time.Duration]bool)
	for _, s := range cfg.Specs {
		if s.Span < 1 {
			return nil, fmt.Errorf("feature: span %d must be >= 1", s.Span)
		}
		if err := tfbuilder.Validate(s.Timeframe, cfg.Native); err != nil {
			return nil, fmt.Errorf("feature: spec %d@%s: %w", s.Span, s.Timeframe, err)
		}
		name := EMAColumn(s)
		if seen[name] {
			return nil, fmt.Errorf("feature: duplicate spec %s", name)
		}
		seen[name] = true
		if s.Timeframe != cfg.Native {
			tfSet[s.Timeframe] = true
		}
	}

	tfs := make([]time.Duration, 0, len(tfSet))
	for tf := range tfSet {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i] < tfs[j] })

	pw := cfg.PivotWindow
	if pw <= 0 {
		pw = indicator.DefaultPivotWindow
	}

	specs := make([]Spec, len(cfg.Specs))
	copy(specs, cfg.Specs)
	return &Engine{native: cfg.Native, specs: specs, timeframes: tfs, pivotWindow: pw}, nil
}

// Native returns the candle interval the engine was built for.
func (e *Engine) Native() time.Duration { return e.native }

// Specs returns the configured EMA specs in column order.
func (e *Engine) Specs() []Spec {
	out := make([]Spec, len(e.specs))
	copy(out, e.specs)
	return out
}

// Columns returns the output column names in order.
func (e *Engine) Columns() []string {
	names := []string{ColDatetime, ColOpenTime, ColOpen, ColHigh, ColLow, ColClose, ColVolume, ColCloseTime}
	for _, s := range e.specs {
		names = append(names, EMAColumn(s))
	}
	return append(names,
		ColPivotHighLeft, ColPivotHighRight, ColPivotLowLeft, ColPivotLowRight,
		ColPivotHighMax, ColPivotLowMax)
}

// Compute builds the feature table for seq. One row per candle, in window order.
func (e *Engine) Compute(seq model.Sequence) (*Table, error) {
	if err := checkOrdered(seq); err != nil {
		return nil, err
	}
	n := seq.Len()
	t := NewTable(n)

	openTimes := make([]int64, n)
	for i := range openTimes {
		openTimes[i] = seq.At(i).OpenTime
	}
	// datetime shares the backing array with open_time; tables are read-only.
	if err := t.AddTime(ColDatetime, openTimes); err != nil {
		return nil, err
	}
	if err := addOHLCV(t, seq, openTimes); err != nil {
		return nil, err
	}

	closes := model.Closes(seq)

	// One resample + close extraction per distinct coarser timeframe.
	resampled := make(map[time.Duration][]tfbuilder.Bar, len(e.timeframes))
	for _, tf := range e.timeframes {
		resampled[tf] = tfbuilder.Resample(seq, tf)
	}

	for _, s := range e.specs {
		name := EMAColumn(s)
		if s.Timeframe == e.native {
			if err := t.AddFloat(name, indicator.EMASeries(closes, s.Span), nil); err != nil {
				return nil, err
			}
			continue
		}
		bars := resampled[s.Timeframe]
		ema := indicator.EMASeries(tfbuilder.Closes(bars), s.Span)
		vals, valid := asOf(openTimes, bars, ema)
		if err := t.AddFloat(name, vals, valid); err != nil {
			return nil, err
		}
	}

	if err := addPivots(t, model.Highs(seq), model.Lows(seq), e.pivotWindow); err != nil {
		return nil, err
	}
	return t, nil
}

// RawTable builds the raw candle table: open_time, OHLCV, close_time.
func RawTable(seq model.Sequence) (*Table, error) {
	n := seq.Len()
	t := NewTable(n)
	openTimes := make([]int64, n)
	for i := range openTimes {
		openTimes[i] = seq.At(i).OpenTime
	}
	if err := addOHLCV(t, seq, openTimes); err != nil {
		return nil, err
	}
	return t, nil
}

func addOHLCV(t *Table, seq model.Sequence, openTimes []int64) error {
	n := seq.Len()
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	cls := make([]float64, n)
	vol := make([]float64, n)
	closeTimes := make([]int64, n)
	for i := 0; i < n; i++ {
		c := seq.At(i)
		open[i], high[i], low[i], cls[i], vol[i] = c.Open, c.High, c.Low, c.Close, c.Volume
		closeTimes[i] = c.CloseTime
	}

	if err := t.AddTime(ColOpenTime, openTimes); err != nil {
		return err
	}
	for _, col := range []struct {
		name string
		v    []float64
	}{{ColOpen, open}, {ColHigh, high}, {ColLow, low}, {ColClose, cls}, {ColVolume, vol}} {
		if err := t.AddFloat(col.name, col.v, nil); err != nil {
			return err
		}
	}
	return t.AddTime(ColCloseTime, closeTimes)
}

func addPivots(t *Table, highs, lows []float64, window int) error {
	ph := indicator.PivotHigh(highs, window)
	pl := indicator.PivotLow(lows, window)
	for _, col := range []struct {
		name string
		v    []int
	}{
		{ColPivotHighLeft, ph.Left},
		{ColPivotHighRight, ph.Right},
		{ColPivotLowLeft, pl.Left},
		{ColPivotLowRight, pl.Right},
		{ColPivotHighMax, ph.MaxSeries()},
		{ColPivotLowMax, pl.MaxSeries()},
	} {
		if err := t.AddInt(col.name, widen(col.v)); err != nil {
			return err
		}
	}
	return nil
}

// asOf assigns each native row the last bar value with Datetime <= its
// open_time. Rows before the first bar are null. Both inputs are ascending,
// so a single forward pointer suffices.
func asOf(openTimes []int64, bars []tfbuilder.Bar, values []float64) ([]float64, []bool) {
	out := make([]float64, len(openTimes))
	valid := make([]bool, len(openTimes))
	j := -1
	for i, ts := range openTimes {
		for j+1 < len(bars) && bars[j+1].Datetime <= ts {
			j++
		}
		if j >= 0 {
			out[i] = values[j]
			valid[i] = true
		}
	}
	return out, valid
}

func checkOrdered(seq model.Sequence) error {
	for i := 1; i < seq.Len(); i++ {
		if seq.At(i).OpenTime <= seq.At(i-1).OpenTime {
			return fmt.Errorf("%w: index %d", ErrUnordered, i)
		}
	}
	return nil
}

func widen(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}
