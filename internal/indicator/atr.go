package indicator

import (
	"math"

	"klinebot/internal/model"
)

// ATR is the mean true range over the trailing period bars. The first bar
// has no previous close and contributes high-low only. Before period bars
// are seen the bars available are averaged.
type ATR struct {
	trs       *Window
	prevClose float64
	seen      bool
}

// NewATR creates an ATR with the given period.
func NewATR(period int) *ATR {
	return &ATR{trs: NewWindow(period)}
}

// Update feeds the next candle.
func (a *ATR) Update(c model.Candle) {
	tr := c.High - c.Low
	if a.seen {
		tr = math.Max(tr, math.Max(math.Abs(c.High-a.prevClose), math.Abs(c.Low-a.prevClose)))
	}
	a.trs.Push(tr)
	a.prevClose = c.Close
	a.seen = true
}

func (a *ATR) Value() float64 { return a.trs.Mean() }
