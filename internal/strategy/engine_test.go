package strategy

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinebot/internal/indicator"
	"klinebot/internal/logger"
	"klinebot/internal/metrics"
	"klinebot/internal/model"
	"klinebot/internal/notification"
)

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func bar(i int, open, high, low, closePrice, volume float64) model.Candle {
	return model.Candle{
		Symbol: "TEST", Interval: "15",
		TS:   t0.Add(time.Duration(i) * 15 * time.Minute),
		Open: open, High: high, Low: low, Close: closePrice, Volume: volume,
	}
}

// crossingSeries: 23 ascending bars, a drop that takes %K under 20, then a
// volume-spike bar crossing %K back above 20 while close is over both EMAs.
func crossingSeries() []model.Candle {
	var out []model.Candle
	for i := 0; i < 23; i++ {
		c := 100 + float64(i)
		out = append(out, bar(i, c-0.5, c+1, c-1, c, 1000))
	}
	out = append(out, bar(23, 122, 122.5, 94, 95, 1000))
	out = append(out, bar(24, 95, 131, 94.5, 130, 5000))
	return out
}

func testConfig() Config {
	return Config{
		Symbol:          "TEST",
		Params:          indicator.DefaultParams(),
		ATRMultiplier:   2.0,
		RiskRewardRatio: 2.0,
		WinRate:         0.6061,
		KellyFraction:   0.10,
		AccountSize:     10000,
		Allocation:      0.5,
	}
}

type fakeGateway struct {
	mu     sync.Mutex
	placed []model.OrderRequest
	err    error
	nilRes bool
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req model.OrderRequest) (*model.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.nilRes {
		return nil, nil
	}
	return &model.OrderResult{OrderID: "ord-1", Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Status: "New"}, nil
}

func (g *fakeGateway) GetPosition(context.Context, string) (*model.PositionInfo, error) {
	return nil, nil
}

func (g *fakeGateway) ClosePosition(context.Context, string) (*model.OrderResult, error) {
	return nil, nil
}

func (g *fakeGateway) calls() []model.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.OrderRequest(nil), g.placed...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(ev model.Event) bool {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return true
}

func (p *recordingPublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.EventKind
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

type chanNotifier chan notification.Alert

func (c chanNotifier) Send(_ context.Context, a notification.Alert) error {
	c <- a
	return nil
}

func TestKellyPercentage(t *testing.T) {
	got := KellyPercentage(0.6061, 2.0, 0.10)
	assert.InDelta(t, 100*0.10*(0.6061-0.3939/2.0), got, 1e-9)
	assert.InDelta(t, 4.0915, got, 1e-9)

	// negative edge
	assert.Less(t, KellyPercentage(0.3, 1.0, 0.5), 0.0)
}

func TestPositionSize(t *testing.T) {
	assert.InDelta(t, 10000*0.5*0.040915/130, PositionSize(10000, 0.5, 4.0915, 130), 1e-12)
	assert.Zero(t, PositionSize(10000, 0.5, 4.0915, 0))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	cases := map[string]func(*Config){
		"no symbol":         func(c *Config) { c.Symbol = "" },
		"zero account size": func(c *Config) { c.AccountSize = 0 },
		"allocation > 1":    func(c *Config) { c.Allocation = 1.5 },
		"win rate 1":        func(c *Config) { c.WinRate = 1 },
		"zero rr":           func(c *Config) { c.RiskRewardRatio = 0 },
		"negative kelly":    func(c *Config) { c.WinRate = 0.2; c.RiskRewardRatio = 1 },
		"bad period":        func(c *Config) { c.Params.FastEMA = 0 },
		"zero atr mult":     func(c *Config) { c.ATRMultiplier = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := testConfig()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDirection_Rules(t *testing.T) {
	long := indicator.Snapshot{Close: 110, EMAFast: 105, EMASlow: 100, PrevStochK: 15, StochK: 20}
	assert.Equal(t, model.Long, Direction(long))

	short := indicator.Snapshot{Close: 90, EMAFast: 95, EMASlow: 100, PrevStochK: 85, StochK: 80}
	assert.Equal(t, model.Short, Direction(short))

	noCross := long
	noCross.PrevStochK = 25
	assert.Equal(t, model.Flat, Direction(noCross))

	betweenEMAs := long
	betweenEMAs.EMAFast = 115
	assert.Equal(t, model.Flat, Direction(betweenEMAs))
}

func TestEvaluate_LevelsAndSize(t *testing.T) {
	cfg := testConfig()
	kp := KellyPercentage(cfg.WinRate, cfg.RiskRewardRatio, cfg.KellyFraction)

	long := indicator.Snapshot{Close: 100, EMAFast: 95, EMASlow: 90, PrevStochK: 10, StochK: 30, ATR: 2, VolumeSurge: true}
	sig := Evaluate(long, cfg, kp)
	assert.Equal(t, model.Long, sig.Direction)
	assert.InDelta(t, 96, sig.StopLoss, 1e-9)
	assert.InDelta(t, 108, sig.TakeProfit, 1e-9)
	assert.InDelta(t, 10000*0.5*kp/100/100, sig.Size, 1e-12)

	short := indicator.Snapshot{Close: 100, EMAFast: 105, EMASlow: 110, PrevStochK: 90, StochK: 70, ATR: 2, VolumeSurge: true}
	sig = Evaluate(short, cfg, kp)
	assert.Equal(t, model.Short, sig.Direction)
	assert.InDelta(t, 104, sig.StopLoss, 1e-9)
	assert.InDelta(t, 92, sig.TakeProfit, 1e-9)

	long.VolumeSurge = false
	assert.True(t, Evaluate(long, cfg, kp).IsFlat(), "failed volume filter must be flat")
}

func TestEngine_InsufficientData(t *testing.T) {
	gw := &fakeGateway{}
	e, err := NewEngine(testConfig(), gw)
	require.NoError(t, err)

	d, err := e.Process(context.Background(), crossingSeries()[:21])
	assert.ErrorIs(t, err, indicator.ErrInsufficientData)
	assert.Equal(t, OutcomeInsufficientData, d.Outcome)
	assert.Empty(t, gw.calls())
}

func TestEngine_CrossingScenarioEntersLong(t *testing.T) {
	gw := &fakeGateway{}
	pub := &recordingPublisher{}
	alerts := make(chanNotifier, 4)
	reg := prometheus.NewRegistry()
	e, err := NewEngine(testConfig(), gw,
		WithPublisher(pub), WithNotifier(alerts), WithMetrics(metrics.NewMetrics(reg)))
	require.NoError(t, err)

	// Stream the series one bar at a time, as the feed does.
	series := crossingSeries()
	var longs int
	for i := 1; i <= len(series); i++ {
		d, err := e.Process(context.Background(), series[:i])
		if i < e.Config().Params.MinLength() {
			require.ErrorIs(t, err, indicator.ErrInsufficientData)
			continue
		}
		require.NoError(t, err, "bar %d", i-1)
		if d.Signal.Direction == model.Long {
			longs++
		}
		if i < len(series) {
			assert.NotEqual(t, OutcomeEntered, d.Outcome, "bar %d", i-1)
		}
	}
	assert.Equal(t, 1, longs)

	calls := gw.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.SideBuy, calls[0].Side)
	assert.Equal(t, "TEST", calls[0].Symbol)
	assert.Less(t, calls[0].StopLoss, 130.0)
	assert.Greater(t, calls[0].TakeProfit, 130.0)
	assert.InDelta(t, 10000*0.5*4.0915/100/130, calls[0].Qty, 1e-9)

	pos := e.Position()
	require.NotNil(t, pos)
	assert.Equal(t, model.Long, pos.Direction)
	assert.Less(t, pos.StopLoss, pos.EntryPrice)
	assert.Less(t, pos.EntryPrice, pos.TakeProfit)
	assert.Equal(t, "ord-1", pos.OrderID)

	assert.Equal(t, []model.EventKind{model.EventSignal, model.EventEntry}, pub.kinds())

	select {
	case a := <-alerts:
		assert.Equal(t, notification.AlertInfo, a.Level)
		assert.Equal(t, "TEST", a.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an entry alert")
	}
}

func TestEngine_EntryLogCarriesTraceID(t *testing.T) {
	var buf bytes.Buffer
	e, err := NewEngine(testConfig(), &fakeGateway{}, WithLogger(zerolog.New(&buf).Level(zerolog.InfoLevel)))
	require.NoError(t, err)

	series := crossingSeries()
	last := series[len(series)-1]
	ctx := logger.WithTraceID(context.Background(), logger.GenerateTraceID("TEST", last.TS))

	d, err := e.Process(ctx, series)
	require.NoError(t, err)
	require.Equal(t, OutcomeEntered, d.Outcome)

	out := buf.String()
	assert.Contains(t, out, `"message":"position entered"`)
	assert.Contains(t, out, `"trace_id":"`+logger.GenerateTraceID("TEST", last.TS)+`"`)
	assert.Contains(t, out, `"order_id":"ord-1"`)
}

func TestEngine_EntryGuardSinglePlaceCall(t *testing.T) {
	gw := &fakeGateway{}
	e, err := NewEngine(testConfig(), gw)
	require.NoError(t, err)

	series := crossingSeries()
	for i := 0; i < 5; i++ {
		d, err := e.Process(context.Background(), series)
		assert.Equal(t, model.Long, d.Signal.Direction, "update %d should qualify", i)
		if i == 0 {
			require.NoError(t, err)
			assert.Equal(t, OutcomeEntered, d.Outcome)
			continue
		}
		assert.ErrorIs(t, err, ErrPositionOpen)
		assert.Equal(t, OutcomePositionOpen, d.Outcome)
	}
	assert.Len(t, gw.calls(), 1, "guard must allow exactly one place() call")

	// once cleared, the next qualifying update enters again
	assert.True(t, e.ClearPosition())
	assert.False(t, e.ClearPosition())
	_, err = e.Process(context.Background(), series)
	require.NoError(t, err)
	assert.Len(t, gw.calls(), 2)
}

func TestEngine_GatewayFailureStaysFlat(t *testing.T) {
	for name, gw := range map[string]*fakeGateway{
		"error":      {err: errors.New("retCode 10001: params error")},
		"nil result": {nilRes: true},
	} {
		t.Run(name, func(t *testing.T) {
			pub := &recordingPublisher{}
			e, err := NewEngine(testConfig(), gw, WithPublisher(pub))
			require.NoError(t, err)

			d, err := e.Process(context.Background(), crossingSeries())
			assert.ErrorIs(t, err, ErrGatewayFailure)
			assert.Equal(t, OutcomeOrderFailed, d.Outcome)
			assert.Nil(t, e.Position())
			assert.Contains(t, pub.kinds(), model.EventOrderFailed)

			// not retried automatically; the next qualifying update tries again
			_, err = e.Process(context.Background(), crossingSeries())
			assert.ErrorIs(t, err, ErrGatewayFailure)
			assert.Len(t, gw.calls(), 2)
		})
	}
}

func TestEngine_OnCandlesNeverPanics(t *testing.T) {
	gw := &fakeGateway{err: errors.New("down")}
	e, err := NewEngine(testConfig(), gw)
	require.NoError(t, err)

	e.OnCandles(context.Background(), nil)
	e.OnCandles(context.Background(), crossingSeries()[:5])
	e.OnCandles(context.Background(), crossingSeries())
	assert.Nil(t, e.Position())

	sig, _, ok := e.LastSignal()
	require.True(t, ok)
	assert.Equal(t, model.Long, sig.Direction)
}

func TestEngine_PositionIsACopy(t *testing.T) {
	e, err := NewEngine(testConfig(), &fakeGateway{})
	require.NoError(t, err)
	_, err = e.Process(context.Background(), crossingSeries())
	require.NoError(t, err)

	p := e.Position()
	p.Size = -1
	assert.NotEqual(t, -1.0, e.Position().Size)
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AccountSize = 0
	_, err := NewEngine(cfg, &fakeGateway{})
	assert.Error(t, err)

	_, err = NewEngine(testConfig(), nil)
	assert.Error(t, err)
}
