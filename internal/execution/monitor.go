package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"klinebot/internal/model"
)

const (
	DefaultPollInterval = 30 * time.Second
	pollTimeout         = 10 * time.Second
)

// Tracked is the engine surface the monitor needs.
type Tracked interface {
	Symbol() string
	Position() *model.Position
	ClearPosition() bool
}

// PositionMonitor polls the venue for every engine holding a position and
// clears the engine's record once the venue reports the symbol flat, which
// is how stop-loss and take-profit exits reach the engines.
type PositionMonitor struct {
	gw       model.OrderGateway
	engines  []Tracked
	interval time.Duration
	log      zerolog.Logger

	// OnCleared is called after an engine position was cleared.
	OnCleared func(symbol string)
}

func NewPositionMonitor(gw model.OrderGateway, interval time.Duration, log zerolog.Logger, engines ...Tracked) *PositionMonitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PositionMonitor{
		gw:       gw,
		engines:  engines,
		interval: interval,
		log:      log.With().Str("component", "position_monitor").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (m *PositionMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce checks every held position once and returns how many were
// cleared. A failed query leaves the engine's position untouched.
func (m *PositionMonitor) PollOnce(ctx context.Context) int {
	cleared := 0
	for _, e := range m.engines {
		if e.Position() == nil {
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, pollTimeout)
		info, err := m.gw.GetPosition(qctx, e.Symbol())
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", e.Symbol()).Msg("position query failed")
			continue
		}
		if !info.IsFlat() {
			continue
		}
		if e.ClearPosition() {
			cleared++
			m.log.Info().Str("symbol", e.Symbol()).Msg("venue position closed")
			if m.OnCleared != nil {
				m.OnCleared(e.Symbol())
			}
		}
	}
	return cleared
}
