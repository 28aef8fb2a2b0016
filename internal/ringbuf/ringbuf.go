// Package ringbuf provides a fixed-capacity FIFO window of model.Candle.
// Pushing into a full window evicts the oldest element in O(1); readers get
// zero-copy views over the backing array made of at most two segments.
//
// A Window is not safe for concurrent use. It is owned by the goroutine that
// drives ingestion; views must not be retained across a subsequent Push.
package ringbuf

import (
	"klinefeed/internal/model"
)

// Window is a bounded FIFO ring buffer for Candle values.
type Window struct {
	buf  []model.Candle
	head int // index of the oldest element
	n    int // number of stored elements

	// Eviction counter (for metrics)
	evicted uint64
}

// New creates a window holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]model.Candle, capacity)}
}

// Push appends c at the tail. If the window is full the head element is
// evicted first, so Len never exceeds Cap.
func (w *Window) Push(c model.Candle) {
	if w.n == len(w.buf) {
		w.buf[w.head] = c
		w.head = w.wrap(w.head + 1)
		w.evicted++
		return
	}
	w.buf[w.wrap(w.head+w.n)] = c
	w.n++
}

// Len returns the current number of items in the window.
func (w *Window) Len() int {
	return w.n
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Evicted returns the total number of head evictions caused by pushes into a full window.
func (w *Window) Evicted() uint64 {
	return w.evicted
}

// Oldest returns the head element. ok is false on an empty window.
func (w *Window) Oldest() (model.Candle, bool) {
	if w.n == 0 {
		return model.Candle{}, false
	}
	return w.buf[w.head], true
}

// Newest returns the tail element. ok is false on an empty window.
func (w *Window) Newest() (model.Candle, bool) {
	if w.n == 0 {
		return model.Candle{}, false
	}
	return w.buf[w.wrap(w.head+w.n-1)], true
}

// View returns a point-in-time view of the window contents, oldest first.
func (w *Window) View() View {
	if w.n == 0 {
		return View{}
	}
	end := w.head + w.n
	if end <= len(w.buf) {
		return View{a: w.buf[w.head:end]}
	}
	return View{a: w.buf[w.head:], b: w.buf[:end-len(w.buf)]}
}

func (w *Window) wrap(i int) int {
	if i >= len(w.buf) {
		return i - len(w.buf)
	}
	return i
}

// View is an ordered read-only sequence over one or two backing segments.
// It satisfies model.Sequence.
type View struct {
	a, b []model.Candle
}

// Len returns the number of candles in the view.
func (v View) Len() int {
	return len(v.a) + len(v.b)
}

// At returns the i-th candle, oldest first. Panics if i is out of range.
func (v View) At(i int) model.Candle {
	if i < len(v.a) {
		return v.a[i]
	}
	return v.b[i-len(v.a)]
}

// Suffix returns a view over the last n candles (all of them if n >= Len).
func (v View) Suffix(n int) View {
	total := v.Len()
	if n >= total {
		return v
	}
	if n <= 0 {
		return View{}
	}
	skip := total - n
	if skip >= len(v.a) {
		return View{a: v.b[skip-len(v.a):]}
	}
	return View{a: v.a[skip:], b: v.b}
}

// AppendTo appends the view contents to dst and returns the extended slice.
func (v View) AppendTo(dst []model.Candle) []model.Candle {
	dst = append(dst, v.a...)
	return append(dst, v.b...)
}

// Segments exposes the backing segments (second may be empty).
func (v View) Segments() ([]model.Candle, []model.Candle) {
	return v.a, v.b
}
