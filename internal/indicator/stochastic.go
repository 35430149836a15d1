package indicator

import "klinebot/internal/model"

// FlatRangeK is the %K reported when the high/low range of the look-back
// window is zero.
const FlatRangeK = 50.0

// Stochastic computes %K over period bars and %D as the mean of the last
// dPeriod %K values (fewer while %K is warming up).
type Stochastic struct {
	highs *Window
	lows  *Window
	ks    *Window

	k, prevK float64
	kCount   int
}

// NewStochastic creates a stochastic oscillator.
func NewStochastic(period, dPeriod int) *Stochastic {
	return &Stochastic{
		highs: NewWindow(period),
		lows:  NewWindow(period),
		ks:    NewWindow(dPeriod),
	}
}

// Update feeds the next candle. %K is defined once period candles are seen.
func (s *Stochastic) Update(c model.Candle) {
	s.highs.Push(c.High)
	s.lows.Push(c.Low)
	if !s.highs.Full() {
		return
	}

	hh, ll := s.highs.Max(), s.lows.Min()
	k := FlatRangeK
	if hh > ll {
		k = 100 * (c.Close - ll) / (hh - ll)
	}

	s.prevK = s.k
	s.k = k
	s.kCount++
	s.ks.Push(k)
}

// K returns the current %K.
func (s *Stochastic) K() float64 { return s.k }

// PrevK returns the %K before the latest update. It is only meaningful
// once PrevReady is true.
func (s *Stochastic) PrevK() float64 { return s.prevK }

// D returns %D.
func (s *Stochastic) D() float64 { return s.ks.Mean() }

// PrevReady reports whether two %K values have been produced.
func (s *Stochastic) PrevReady() bool { return s.kCount >= 2 }
