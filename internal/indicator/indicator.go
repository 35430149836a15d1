// Package indicator derives the technical indicators the signal engine needs
// from a snapshot of closed candles.
//
// The building blocks (EMA, Window, Stochastic, ATR) are incremental: each
// Update is O(1) or O(period). Compute replays a whole snapshot through them
// so a result depends only on its input.
package indicator

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned by Compute when the snapshot is shorter
// than Params.MinLength. Callers treat it as "no signal", not a failure.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// Params holds the indicator periods.
type Params struct {
	FastEMA      int `yaml:"fast_ema" json:"fast_ema"`
	SlowEMA      int `yaml:"slow_ema" json:"slow_ema"`
	StochPeriod  int `yaml:"stoch_period" json:"stoch_period"`
	StochDPeriod int `yaml:"stoch_k_period" json:"stoch_k_period"`
	ATRPeriod    int `yaml:"atr_period" json:"atr_period"`
	VolumePeriod int `yaml:"volume_period" json:"volume_period"`
}

// DefaultParams returns the stock periods: EMA 9/21, stochastic 14/3,
// ATR 14, volume 20.
func DefaultParams() Params {
	return Params{
		FastEMA:      9,
		SlowEMA:      21,
		StochPeriod:  14,
		StochDPeriod: 3,
		ATRPeriod:    14,
		VolumePeriod: 20,
	}
}

// MinLength is the shortest snapshot Compute accepts. The extra bar gives
// the stochastic a previous value for crossover detection.
func (p Params) MinLength() int {
	return max(p.FastEMA, p.SlowEMA, p.StochPeriod) + 1
}

// Validate checks that every period is positive.
func (p Params) Validate() error {
	for name, v := range map[string]int{
		"fast_ema":       p.FastEMA,
		"slow_ema":       p.SlowEMA,
		"stoch_period":   p.StochPeriod,
		"stoch_k_period": p.StochDPeriod,
		"atr_period":     p.ATRPeriod,
		"volume_period":  p.VolumePeriod,
	} {
		if v <= 0 {
			return fmt.Errorf("indicator: %s must be positive, got %d", name, v)
		}
	}
	return nil
}
