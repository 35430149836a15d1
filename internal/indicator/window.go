package indicator

import "math"

// Window is a rolling window over the last period values.
// Uses a preallocated circular buffer; Mean is O(1), Min/Max are O(period).
type Window struct {
	period int
	buf    []float64
	idx    int // next write position
	count  int // values received, capped at period
	sum    float64
}

// NewWindow creates a window of the given period.
func NewWindow(period int) *Window {
	return &Window{
		period: period,
		buf:    make([]float64, period),
	}
}

// Push adds v, dropping the oldest value when the window is full.
func (w *Window) Push(v float64) {
	if w.count == w.period {
		w.sum -= w.buf[w.idx]
	} else {
		w.count++
	}
	w.buf[w.idx] = v
	w.sum += v
	w.idx = (w.idx + 1) % w.period
}

// Full reports whether period values have been pushed.
func (w *Window) Full() bool { return w.count == w.period }

// Len returns the number of values currently held.
func (w *Window) Len() int { return w.count }

// Mean averages the values held, or returns 0 when empty.
func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// Min returns the smallest value held.
func (w *Window) Min() float64 {
	m := math.Inf(1)
	for _, v := range w.Values() {
		m = math.Min(m, v)
	}
	return m
}

// Max returns the largest value held.
func (w *Window) Max() float64 {
	m := math.Inf(-1)
	for _, v := range w.Values() {
		m = math.Max(m, v)
	}
	return m
}

// Values returns the held values oldest first, as a fresh slice.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.count)
	start := (w.idx - w.count + w.period) % w.period
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%w.period])
	}
	return out
}
