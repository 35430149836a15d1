package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Candle is a closed OHLCV bar for a single instrument and interval.
// Values are passed by copy; nothing in the pipeline mutates a Candle after
// NewCandle has validated it.
type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"` // venue interval code, e.g. "15"
	TS       time.Time `json:"ts"`       // bucket start (UTC, millisecond resolution)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// NewCandle builds a Candle and validates its OHLCV invariants.
func NewCandle(symbol, interval string, ts time.Time, open, high, low, closePrice, volume float64) (Candle, error) {
	c := Candle{
		Symbol:   symbol,
		Interval: interval,
		TS:       ts.UTC().Truncate(time.Millisecond),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// Validate checks that every field is a non-negative finite number and that
// high/low bound open and close.
func (c Candle) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}, {"volume", c.Volume},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("candle %s: %s is not finite", c.Symbol, f.name)
		}
		if f.v < 0 {
			return fmt.Errorf("candle %s: %s is negative (%v)", c.Symbol, f.name, f.v)
		}
	}
	if c.High < math.Max(c.Open, math.Max(c.Close, c.Low)) {
		return fmt.Errorf("candle %s: high %v below open/close/low", c.Symbol, c.High)
	}
	if c.Low > math.Min(c.Open, math.Min(c.Close, c.High)) {
		return fmt.Errorf("candle %s: low %v above open/close/high", c.Symbol, c.Low)
	}
	if c.TS.IsZero() {
		return fmt.Errorf("candle %s: missing timestamp", c.Symbol)
	}
	return nil
}

// Key returns "symbol:interval".
func (c Candle) Key() string {
	return c.Symbol + ":" + c.Interval
}

// UnixMilli returns the bucket start in epoch milliseconds.
func (c Candle) UnixMilli() int64 {
	return c.TS.UnixMilli()
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
