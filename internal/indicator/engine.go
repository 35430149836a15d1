package indicator

import (
	"fmt"

	"klinebot/internal/model"
)

// Snapshot is the indicator state at the newest candle of a snapshot.
// It is ephemeral and recomputed in full on every update.
type Snapshot struct {
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	StochK     float64 `json:"stoch_k"`
	PrevStochK float64 `json:"prev_stoch_k"`
	StochD     float64 `json:"stoch_d"`
	ATR        float64 `json:"atr"`
	VolumeSMA  float64 `json:"volume_sma"`
	VolumeStd  float64 `json:"volume_std"`
	// VolumeSurge is the volume filter: Volume > VolumeSMA + VolumeStd.
	VolumeSurge bool `json:"volume_surge"`
}

// Compute derives a Snapshot from candles ordered oldest to newest.
// It is a pure function of its input. Snapshots shorter than p.MinLength
// return ErrInsufficientData.
func Compute(candles []model.Candle, p Params) (Snapshot, error) {
	if need := p.MinLength(); len(candles) < need {
		return Snapshot{}, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientData, len(candles), need)
	}

	fast := NewEMA(p.FastEMA)
	slow := NewEMA(p.SlowEMA)
	stoch := NewStochastic(p.StochPeriod, p.StochDPeriod)
	atr := NewATR(p.ATRPeriod)
	vol := NewWindow(p.VolumePeriod)

	for _, c := range candles {
		fast.Update(c.Close)
		slow.Update(c.Close)
		stoch.Update(c)
		atr.Update(c)
		vol.Push(c.Volume)
	}

	last := candles[len(candles)-1]
	vs := ComputeVolumeStats(vol)

	return Snapshot{
		Close:       last.Close,
		Volume:      last.Volume,
		EMAFast:     fast.Value(),
		EMASlow:     slow.Value(),
		StochK:      stoch.K(),
		PrevStochK:  stoch.PrevK(),
		StochD:      stoch.D(),
		ATR:         atr.Value(),
		VolumeSMA:   vs.Mean,
		VolumeStd:   vs.Std,
		VolumeSurge: vs.Surge(last.Volume),
	}, nil
}
