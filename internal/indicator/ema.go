package indicator

// EMA calculates Exponential Moving Average.
// O(1) per update, no window storage.
//
// The recurrence is seeded with the first observed value rather than an SMA,
// so the output has one value per input starting at index 0.
type EMA struct {
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates a new EMA indicator with the given period (span).
func NewEMA(period int) *EMA {
	return &EMA{multiplier: 2.0 / float64(period+1)}
}

func (e *EMA) Update(price float64) {
	e.count++
	if e.count == 1 {
		e.current = price
		return
	}
	// EMA = EMA_prev + multiplier * (Price - EMA_prev); exact on a flat series.
	e.current += e.multiplier * (price - e.current)
}

func (e *EMA) Value() float64 { return e.current }

// EMASeries returns the EMA of values with the given span, one output per
// input: ema[0] = values[0], ema[i] = alpha*values[i] + (1-alpha)*ema[i-1]
// with alpha = 2/(span+1). Empty input yields an empty (non-nil) slice.
func EMASeries(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	e := NewEMA(span)
	for i, v := range values {
		e.Update(v)
		out[i] = e.Value()
	}
	return out
}
