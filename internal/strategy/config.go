package strategy

import (
	"errors"
	"fmt"

	"klinebot/internal/indicator"
)

// Config is the per-instrument signal configuration.
type Config struct {
	Symbol string
	Params indicator.Params

	ATRMultiplier   float64 // stop distance in ATRs
	RiskRewardRatio float64 // take-profit distance / stop distance
	WinRate         float64 // assumed probability of a winning trade, (0,1)
	KellyFraction   float64 // fractional-Kelly safety multiplier, (0,1]

	AccountSize float64 // account equity in quote currency
	Allocation  float64 // share of AccountSize assigned to this instrument, (0,1]
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("strategy: symbol is required")
	}
	if err := c.Params.Validate(); err != nil {
		return err
	}
	switch {
	case c.ATRMultiplier <= 0:
		return fmt.Errorf("strategy: atr_multiplier must be positive, got %v", c.ATRMultiplier)
	case c.RiskRewardRatio <= 0:
		return fmt.Errorf("strategy: risk_reward_ratio must be positive, got %v", c.RiskRewardRatio)
	case c.WinRate <= 0 || c.WinRate >= 1:
		return fmt.Errorf("strategy: win_rate must be in (0,1), got %v", c.WinRate)
	case c.KellyFraction <= 0 || c.KellyFraction > 1:
		return fmt.Errorf("strategy: kelly_fraction must be in (0,1], got %v", c.KellyFraction)
	case c.AccountSize <= 0:
		return fmt.Errorf("strategy: account size must be positive, got %v", c.AccountSize)
	case c.Allocation <= 0 || c.Allocation > 1:
		return fmt.Errorf("strategy: allocation must be in (0,1], got %v", c.Allocation)
	}
	if k := KellyPercentage(c.WinRate, c.RiskRewardRatio, c.KellyFraction); k <= 0 {
		return fmt.Errorf("strategy: win_rate %v and risk_reward_ratio %v give a non-positive kelly percentage (%.4f)",
			c.WinRate, c.RiskRewardRatio, k)
	}
	return nil
}
