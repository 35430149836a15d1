// Package strategy holds the per-instrument signal engine.
//
// On every buffer update the Engine recomputes indicators over the snapshot,
// applies the EMA-trend / stochastic-crossover entry rules with a volume
// filter, sizes the trade with fractional Kelly and, if no position is held,
// places an order through a model.OrderGateway. At most one position is
// held per instrument; it is cleared only by an explicit close event.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"klinebot/internal/indicator"
	"klinebot/internal/logger"
	"klinebot/internal/metrics"
	"klinebot/internal/model"
	"klinebot/internal/notification"
)

var (
	// ErrGatewayFailure wraps any failed or empty order placement.
	ErrGatewayFailure = errors.New("strategy: order gateway failure")

	// ErrPositionOpen is returned when a non-flat signal is discarded
	// because a position is already held.
	ErrPositionOpen = errors.New("strategy: position already open")
)

const notifyTimeout = 10 * time.Second

// Outcome classifies what one update did.
type Outcome string

const (
	OutcomeInsufficientData Outcome = "insufficient_data"
	OutcomeVolumeFiltered   Outcome = "volume_filtered"
	OutcomeFlat             Outcome = "flat"
	OutcomePositionOpen     Outcome = "position_open"
	OutcomeEntered          Outcome = "entered"
	OutcomeOrderFailed      Outcome = "order_failed"
)

// Decision is the result of processing one snapshot.
type Decision struct {
	Outcome    Outcome            `json:"outcome"`
	Signal     Signal             `json:"signal"`
	Indicators indicator.Snapshot `json:"indicators"`
	Position   *model.Position    `json:"position,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithNotifier sends an alert on entries and order failures.
func WithNotifier(n notification.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPublisher publishes signal, entry and order_failed events.
func WithPublisher(p model.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records signal, order and compute metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the per-instrument signal engine. Process runs on the
// instrument's feed task; Position and ClearPosition may be called from
// other goroutines (API, position monitor).
type Engine struct {
	cfg      Config
	kellyPct float64
	gateway  model.OrderGateway

	log       zerolog.Logger
	notifier  notification.Notifier
	publisher model.EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time

	mu         sync.Mutex
	position   *model.Position
	lastSignal *Signal
	signalAt   time.Time
}

// NewEngine validates cfg and builds an engine that trades through gw.
func NewEngine(cfg Config, gw model.OrderGateway, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, errors.New("strategy: order gateway is required")
	}
	e := &Engine{
		cfg:      cfg,
		kellyPct: KellyPercentage(cfg.WinRate, cfg.RiskRewardRatio, cfg.KellyFraction),
		gateway:  gw,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Symbol returns the instrument symbol.
func (e *Engine) Symbol() string { return e.cfg.Symbol }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// KellyPercentage returns the sizing percentage computed at construction.
func (e *Engine) KellyPercentage() float64 { return e.kellyPct }

// OnCandles implements the feed's candle observer. It processes the
// snapshot and logs the classified outcome; it never fails the feed.
func (e *Engine) OnCandles(ctx context.Context, candles []model.Candle) {
	log := logger.WithTrace(ctx, e.log)

	d, err := e.Process(ctx, candles)
	switch {
	case err == nil:
		log.Debug().
			Str("outcome", string(d.Outcome)).
			Float64("close", d.Indicators.Close).
			Float64("stoch_k", d.Indicators.StochK).
			Msg("candle evaluated")
	case errors.Is(err, indicator.ErrInsufficientData):
		log.Debug().Int("len", len(candles)).Msg("insufficient data, skipping")
	case errors.Is(err, ErrPositionOpen):
		log.Debug().Stringer("direction", d.Signal.Direction).Msg("signal discarded, position open")
	case errors.Is(err, ErrGatewayFailure):
		log.Error().Err(err).
			Stringer("direction", d.Signal.Direction).
			Float64("size", d.Signal.Size).
			Msg("order placement failed")
	default:
		log.Error().Err(err).Msg("signal processing failed")
	}
}

// Process evaluates one buffer snapshot (oldest first) and, on a qualifying
// signal with no position held, places an entry order.
//
// Returned errors are classified: indicator.ErrInsufficientData (no signal),
// ErrPositionOpen (signal discarded by the entry guard) and ErrGatewayFailure
// (order not placed, state stays flat). A failed volume filter or a flat
// rule evaluation is not an error.
func (e *Engine) Process(ctx context.Context, candles []model.Candle) (Decision, error) {
	start := time.Now()
	snap, err := indicator.Compute(candles, e.cfg.Params)
	if e.metrics != nil {
		e.metrics.IndicatorComputeDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return Decision{Outcome: OutcomeInsufficientData}, err
	}

	d := Decision{Indicators: snap}
	if !snap.VolumeSurge {
		d.Outcome = OutcomeVolumeFiltered
		return d, nil
	}

	sig := Evaluate(snap, e.cfg, e.kellyPct)
	d.Signal = sig
	if sig.IsFlat() {
		d.Outcome = OutcomeFlat
		return d, nil
	}

	ts := candles[len(candles)-1].TS
	e.recordSignal(sig, ts)

	// Entry guard: one position per instrument, no pyramiding or reversal.
	if held := e.Position(); held != nil {
		d.Outcome = OutcomePositionOpen
		d.Position = held
		return d, fmt.Errorf("%w: %s %s", ErrPositionOpen, e.cfg.Symbol, held.Direction)
	}

	pos, err := e.enter(ctx, sig)
	if err != nil {
		d.Outcome = OutcomeOrderFailed
		e.publish(model.Event{Kind: model.EventOrderFailed, Symbol: e.cfg.Symbol, TS: ts, Signal: sig.Info(), Message: err.Error()})
		e.notify(notification.Alert{
			Level:   notification.AlertWarning,
			Symbol:  e.cfg.Symbol,
			Title:   "order failed",
			Message: fmt.Sprintf("%s %.6f @ %.4f: %v", sig.Direction.Side(), sig.Size, sig.EntryPrice, err),
		})
		return d, err
	}

	d.Outcome = OutcomeEntered
	d.Position = pos
	tl := logger.WithTrace(ctx, e.log)
	tl.Info().
		Stringer("direction", pos.Direction).
		Float64("entry", pos.EntryPrice).
		Float64("stop_loss", pos.StopLoss).
		Float64("take_profit", pos.TakeProfit).
		Float64("size", pos.Size).
		Str("order_id", pos.OrderID).
		Msg("position entered")
	p := *pos
	e.publish(model.Event{Kind: model.EventEntry, Symbol: e.cfg.Symbol, TS: ts, Signal: sig.Info(), Position: &p})
	e.notify(notification.Alert{
		Level:  notification.AlertInfo,
		Symbol: e.cfg.Symbol,
		Title:  "entered " + pos.Direction.String(),
		Message: fmt.Sprintf("size %.6f @ %.4f, SL %.4f, TP %.4f",
			pos.Size, pos.EntryPrice, pos.StopLoss, pos.TakeProfit),
	})
	return d, nil
}

// enter places the order and records the position. The position is set only
// for a non-nil result with a nil error.
func (e *Engine) enter(ctx context.Context, sig Signal) (*model.Position, error) {
	side := sig.Direction.Side()
	res, err := e.gateway.PlaceOrder(ctx, model.OrderRequest{
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Qty:        sig.Size,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		RefPrice:   sig.EntryPrice,
	})
	if err == nil && res == nil {
		err = errors.New("no order result")
	}
	if err != nil {
		e.countOrder(side, "failed")
		return nil, fmt.Errorf("%w: %s %s: %v", ErrGatewayFailure, e.cfg.Symbol, side, err)
	}
	e.countOrder(side, "placed")

	pos := &model.Position{
		Symbol:     e.cfg.Symbol,
		Direction:  sig.Direction,
		EntryPrice: sig.EntryPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Size:       sig.Size,
		OrderID:    res.OrderID,
		OpenedAt:   e.now().UTC(),
	}
	if res.Price > 0 {
		pos.EntryPrice = res.Price
	}

	e.mu.Lock()
	e.position = pos
	e.mu.Unlock()

	out := *pos
	return &out, nil
}

// Position returns a copy of the held position, or nil when flat.
func (e *Engine) Position() *model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return nil
	}
	p := *e.position
	return &p
}

// ClearPosition drops the held position after an external close event.
// It reports whether a position was held.
func (e *Engine) ClearPosition() bool {
	e.mu.Lock()
	held := e.position != nil
	e.position = nil
	e.mu.Unlock()
	if held {
		e.log.Info().Msg("position cleared")
	}
	return held
}

// LastSignal returns the most recent non-flat signal and when it was seen.
func (e *Engine) LastSignal() (Signal, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSignal == nil {
		return Signal{}, time.Time{}, false
	}
	return *e.lastSignal, e.signalAt, true
}

func (e *Engine) recordSignal(sig Signal, ts time.Time) {
	e.mu.Lock()
	e.lastSignal = &sig
	e.signalAt = e.now().UTC()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SignalsTotal.WithLabelValues(e.cfg.Symbol, sig.Direction.String()).Inc()
	}
	e.publish(model.Event{Kind: model.EventSignal, Symbol: e.cfg.Symbol, TS: ts, Signal: sig.Info()})
}

func (e *Engine) countOrder(side model.Side, outcome string) {
	if e.metrics != nil {
		e.metrics.OrdersTotal.WithLabelValues(e.cfg.Symbol, string(side), outcome).Inc()
	}
}

func (e *Engine) publish(ev model.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

// notify delivers asynchronously so a slow channel never stalls the feed.
func (e *Engine) notify(a notification.Alert) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := e.notifier.Send(ctx, a); err != nil {
			e.log.Warn().Err(err).Str("title", a.Title).Msg("alert delivery failed")
		}
	}()
}
