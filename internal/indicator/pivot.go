package indicator

import "math"

// DefaultPivotWindow bounds how far a pivot strength scan looks on each side.
const DefaultPivotWindow = 5000

// PivotStrength holds, per bar, how many consecutive neighbours on each side
// confirm the bar as a local extremum.
type PivotStrength struct {
	Left  []int
	Right []int
}

// Max returns min(Left[i], Right[i]): the strength confirmed on both sides.
func (p PivotStrength) Max(i int) int {
	if p.Left[i] < p.Right[i] {
		return p.Left[i]
	}
	return p.Right[i]
}

// MaxSeries returns Max(i) for every bar.
func (p PivotStrength) MaxSeries() []int {
	out := make([]int, len(p.Left))
	for i := range out {
		out[i] = p.Max(i)
	}
	return out
}

// PivotHigh counts, for each bar i, the consecutive bars before and after i
// (at most window each) whose price is strictly below prices[i].
// A NaN neighbour stops the count; a NaN at i scores 0 on both sides.
// window <= 0 selects DefaultPivotWindow.
func PivotHigh(prices []float64, window int) PivotStrength {
	return pivotScan(prices, window, func(neighbour, pivot float64) bool { return neighbour < pivot })
}

// PivotLow is PivotHigh with the comparison reversed (neighbours strictly above).
func PivotLow(prices []float64, window int) PivotStrength {
	return pivotScan(prices, window, func(neighbour, pivot float64) bool { return neighbour > pivot })
}

// pivotScan is O(n·window).
func pivotScan(prices []float64, window int, confirms func(neighbour, pivot float64) bool) PivotStrength {
	if window <= 0 {
		window = DefaultPivotWindow
	}
	n := len(prices)
	ps := PivotStrength{Left: make([]int, n), Right: make([]int, n)}

	for i, p := range prices {
		if math.IsNaN(p) {
			continue
		}

		left := 0
		for j := i - 1; j >= 0 && left < window; j-- {
			// NaN compares false, which also terminates the run.
			if !confirms(prices[j], p) {
				break
			}
			left++
		}

		right := 0
		for j := i + 1; j < n && right < window; j++ {
			if !confirms(prices[j], p) {
				break
			}
			right++
		}

		ps.Left[i] = left
		ps.Right[i] = right
	}
	return ps
}
