package strategy

import (
	"klinebot/internal/indicator"
	"klinebot/internal/model"
)

// Stochastic crossover levels.
const (
	oversold   = 20.0
	overbought = 80.0
)

// Signal is the decision produced for one buffer update.
type Signal struct {
	Direction  model.Direction `json:"direction"`
	EntryPrice float64         `json:"entry_price"`
	StopLoss   float64         `json:"stop_loss"`
	TakeProfit float64         `json:"take_profit"`
	Size       float64         `json:"size"`
}

// IsFlat reports whether the signal asks for no trade.
func (s Signal) IsFlat() bool { return s.Direction == model.Flat }

// Info returns the event form of the signal.
func (s Signal) Info() *model.SignalInfo {
	return &model.SignalInfo{
		Direction:  s.Direction,
		EntryPrice: s.EntryPrice,
		StopLoss:   s.StopLoss,
		TakeProfit: s.TakeProfit,
		Size:       s.Size,
	}
}

// Direction applies the entry rules to an indicator snapshot:
//
//	Long:  close above both EMAs and %K crosses up through 20
//	Short: close below both EMAs and %K crosses down through 80
//
// The trend conditions make the two mutually exclusive. The volume filter
// is not applied here.
func Direction(s indicator.Snapshot) model.Direction {
	switch {
	case s.Close > s.EMAFast && s.Close > s.EMASlow &&
		s.PrevStochK < oversold && s.StochK >= oversold:
		return model.Long
	case s.Close < s.EMAFast && s.Close < s.EMASlow &&
		s.PrevStochK > overbought && s.StochK <= overbought:
		return model.Short
	default:
		return model.Flat
	}
}

// Evaluate turns a snapshot into a Signal using cfg's risk parameters and a
// precomputed Kelly percentage. A failed volume filter yields Flat.
func Evaluate(s indicator.Snapshot, cfg Config, kellyPct float64) Signal {
	if !s.VolumeSurge || s.Close <= 0 {
		return Signal{}
	}

	dir := Direction(s)
	if dir == model.Flat {
		return Signal{}
	}

	stop := s.ATR * cfg.ATRMultiplier
	target := stop * cfg.RiskRewardRatio
	sig := Signal{
		Direction:  dir,
		EntryPrice: s.Close,
		Size:       PositionSize(cfg.AccountSize, cfg.Allocation, kellyPct, s.Close),
	}
	if dir == model.Long {
		sig.StopLoss = s.Close - stop
		sig.TakeProfit = s.Close + target
	} else {
		sig.StopLoss = s.Close + stop
		sig.TakeProfit = s.Close - target
	}
	return sig
}
