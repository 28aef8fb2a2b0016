package indicator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPivotHigh_Basic(t *testing.T) {
	prices := []float64{1, 2, 3, 2, 1}
	ps := PivotHigh(prices, 0)

	assert.Equal(t, []int{0, 1, 2, 0, 0}, ps.Left)
	assert.Equal(t, []int{0, 0, 2, 1, 0}, ps.Right)
	assert.Equal(t, 2, ps.Max(2))
	assert.Equal(t, []int{0, 0, 2, 0, 0}, ps.MaxSeries())
}

func TestPivotLow_Basic(t *testing.T) {
	prices := []float64{5, 4, 3, 4, 5}
	ps := PivotLow(prices, 0)

	assert.Equal(t, []int{0, 1, 2, 0, 0}, ps.Left)
	assert.Equal(t, []int{0, 0, 2, 1, 0}, ps.Right)
	assert.Equal(t, 2, ps.Max(2))
}

func TestPivot_StrictComparison(t *testing.T) {
	// Equal neighbours do not confirm a pivot.
	ps := PivotHigh([]float64{3, 3, 3}, 0)
	assert.Equal(t, []int{0, 0, 0}, ps.Left)
	assert.Equal(t, []int{0, 0, 0}, ps.Right)
}

func TestPivot_WindowBound(t *testing.T) {
	prices := []float64{1, 1, 1, 1, 1, 9, 1, 1, 1, 1, 1}
	ps := PivotHigh(prices, 3)
	assert.Equal(t, 3, ps.Left[5])
	assert.Equal(t, 3, ps.Right[5])
}

func TestPivot_NaN(t *testing.T) {
	nan := math.NaN()
	prices := []float64{1, nan, 2, 5, 2, 1}
	ps := PivotHigh(prices, 0)

	// NaN at the pivot scores zero both sides.
	assert.Equal(t, 0, ps.Left[1])
	assert.Equal(t, 0, ps.Right[1])
	// NaN neighbour stops the left run of index 2.
	assert.Equal(t, 0, ps.Left[2])
	assert.Equal(t, 1, ps.Left[3], "left run of index 3 stops at the NaN")
	assert.Equal(t, 2, ps.Right[3])
}

func TestPivot_Empty(t *testing.T) {
	ps := PivotHigh(nil, 10)
	assert.Empty(t, ps.Left)
	assert.Empty(t, ps.Right)
}

func TestPivot_NegationSymmetry(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	lows := make([]float64, 500)
	neg := make([]float64, len(lows))
	for i := range lows {
		// Coarse grid so ties occur.
		lows[i] = float64(r.Intn(40))
		neg[i] = -lows[i]
	}

	for _, w := range []int{3, 25, 0} {
		low := PivotLow(lows, w)
		high := PivotHigh(neg, w)
		require.Equal(t, low.Left, high.Left, "window %d", w)
		require.Equal(t, low.Right, high.Right, "window %d", w)
	}
}
