// Package instrument assembles one self-contained pipeline per trading
// symbol (candle buffer, signal engine, feed connector) and runs them side
// by side. Instruments share no mutable state.
package instrument

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"klinebot/internal/logger"
	"klinebot/internal/marketdata/feed"
	"klinebot/internal/metrics"
	"klinebot/internal/model"
	"klinebot/internal/notification"
	"klinebot/internal/ringbuf"
	"klinebot/internal/strategy"
)

// Spec describes one instrument.
type Spec struct {
	Symbol         string
	Interval       string
	BufferSize     int
	BackfillLimit  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Strategy       strategy.Config
}

// Deps are the collaborators shared by every instrument. Only Dialer and
// Gateway are required.
type Deps struct {
	Dialer    feed.Dialer
	History   feed.HistoryFetcher
	Gateway   model.OrderGateway
	Publisher model.EventPublisher
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus

	// OnCandle sees every accepted candle before the engine does.
	OnCandle func(model.Candle)

	Log zerolog.Logger
}

// Context is one instrument's pipeline.
type Context struct {
	Symbol   string
	Interval string
	Buffer   *ringbuf.CandleBuffer
	Engine   *strategy.Engine
	Feed     *feed.Connector

	mu         sync.RWMutex
	lastCandle *model.Candle
}

// New builds the pipeline for def.
func New(def Spec, deps Deps) (*Context, error) {
	log := logger.ForInstrument(deps.Log, def.Symbol)

	cfg := def.Strategy
	cfg.Symbol = def.Symbol
	opts := []strategy.Option{strategy.WithLogger(log)}
	if deps.Notifier != nil {
		opts = append(opts, strategy.WithNotifier(deps.Notifier))
	}
	if deps.Publisher != nil {
		opts = append(opts, strategy.WithPublisher(deps.Publisher))
	}
	if deps.Metrics != nil {
		opts = append(opts, strategy.WithMetrics(deps.Metrics))
	}
	engine, err := strategy.NewEngine(cfg, deps.Gateway, opts...)
	if err != nil {
		return nil, err
	}

	ic := &Context{
		Symbol:   def.Symbol,
		Interval: def.Interval,
		Buffer:   ringbuf.New(def.BufferSize),
		Engine:   engine,
	}
	ic.Feed = feed.NewConnector(feed.Config{
		Symbol:         def.Symbol,
		Interval:       def.Interval,
		BackfillLimit:  def.BackfillLimit,
		InitialBackoff: def.InitialBackoff,
		MaxBackoff:     def.MaxBackoff,
	}, deps.Dialer, deps.History, ic.Buffer, engine, ic.hooks(deps), log)

	if deps.Health != nil {
		deps.Health.SetFeedState(def.Symbol, feed.Disconnected.String(), false)
	}
	return ic, nil
}

func (ic *Context) hooks(deps Deps) feed.Hooks {
	m, health, sym := deps.Metrics, deps.Health, ic.Symbol
	return feed.Hooks{
		OnAccepted: func(c model.Candle) {
			ic.mu.Lock()
			ic.lastCandle = &c
			ic.mu.Unlock()

			if m != nil {
				m.CandlesTotal.WithLabelValues(sym).Inc()
			}
			if health != nil {
				health.SetLastCandle(sym, c.TS)
			}
			if deps.Publisher != nil {
				deps.Publisher.Publish(model.Event{Kind: model.EventCandle, Symbol: sym, TS: c.TS, Candle: &c})
			}
			if deps.OnCandle != nil {
				deps.OnCandle(c)
			}
		},
		OnRejected: func(model.Candle, error) {
			if m != nil {
				m.CandlesRejected.WithLabelValues(sym).Inc()
			}
		},
		OnMalformed: func(error) {
			if m != nil {
				m.MalformedMessages.WithLabelValues(sym).Inc()
			}
		},
		OnStateChange: func(s feed.State) {
			if m != nil {
				m.FeedState.WithLabelValues(sym).Set(float64(s))
			}
			if health != nil {
				health.SetFeedState(sym, s.String(), s == feed.Streaming)
			}
		},
		OnReconnect: func(time.Duration, error) {
			if m != nil {
				m.WSReconnects.WithLabelValues(sym).Inc()
			}
		},
	}
}

// LastSignal is the most recent non-flat signal and when it was seen.
type LastSignal struct {
	Signal strategy.Signal `json:"signal"`
	At     time.Time       `json:"at"`
}

// Status is an immutable view of one instrument.
type Status struct {
	Symbol          string          `json:"symbol"`
	Interval        string          `json:"interval"`
	FeedState       string          `json:"feed_state"`
	BufferLen       int             `json:"buffer_len"`
	BufferCap       int             `json:"buffer_cap"`
	Rejected        uint64          `json:"rejected"`
	LastCandle      *model.Candle   `json:"last_candle,omitempty"`
	Position        *model.Position `json:"position,omitempty"`
	LastSignal      *LastSignal     `json:"last_signal,omitempty"`
	KellyPercentage float64         `json:"kelly_percentage"`
}

// Status returns a copy of the instrument's current state.
func (ic *Context) Status() Status {
	st := Status{
		Symbol:          ic.Symbol,
		Interval:        ic.Interval,
		FeedState:       ic.Feed.State().String(),
		BufferLen:       ic.Buffer.Len(),
		BufferCap:       ic.Buffer.Cap(),
		Rejected:        ic.Buffer.Rejected(),
		Position:        ic.Engine.Position(),
		KellyPercentage: ic.Engine.KellyPercentage(),
	}
	ic.mu.RLock()
	if ic.lastCandle != nil {
		c := *ic.lastCandle
		st.LastCandle = &c
	}
	ic.mu.RUnlock()
	if sig, at, ok := ic.Engine.LastSignal(); ok {
		st.LastSignal = &LastSignal{Signal: sig, At: at}
	}
	return st
}
