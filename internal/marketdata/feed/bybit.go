package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"klinebot/internal/model"
	"klinebot/pkg/bybit"
)

const (
	minReadTimeout  = 60 * time.Second
	maxHistoryLimit = 1000 // Bybit /v5/market/kline cap
	readTimeoutBars = 3
)

// ReadTimeoutFor is the silence allowed on a stream before it is treated as
// dead: three candle intervals, at least one minute.
func ReadTimeoutFor(interval string) time.Duration {
	d, err := model.IntervalDuration(interval)
	if err != nil {
		return minReadTimeout
	}
	return readTimeout(d)
}

func readTimeout(bar time.Duration) time.Duration {
	return max(readTimeoutBars*bar, minReadTimeout)
}

// BybitDialer opens public kline streams.
type BybitDialer struct {
	URL          string
	ReadTimeout  time.Duration // zero derives it from the interval
	PingInterval time.Duration
}

func (d BybitDialer) Dial(ctx context.Context, symbol, interval string) (Stream, error) {
	rt := d.ReadTimeout
	if rt <= 0 {
		rt = ReadTimeoutFor(interval)
	}
	s, err := bybit.DialKlineStream(ctx, bybit.StreamConfig{
		URL:          d.URL,
		Symbol:       symbol,
		Interval:     interval,
		ReadTimeout:  rt,
		PingInterval: d.PingInterval,
	})
	if err != nil {
		return nil, err
	}
	return &bybitStream{s: s, symbol: symbol, interval: interval}, nil
}

type bybitStream struct {
	s        *bybit.KlineStream
	symbol   string
	interval string
}

func (b *bybitStream) ReadCandle() (model.Candle, error) {
	k, err := b.s.Next()
	if err != nil {
		if errors.Is(err, bybit.ErrMalformedMessage) {
			return model.Candle{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return model.Candle{}, err
	}
	c, err := klineToCandle(b.symbol, b.interval, k)
	if err != nil {
		return model.Candle{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return c, nil
}

func (b *bybitStream) Close() error { return b.s.Close() }

func (b *bybitStream) Active() bool { return b.s.Active() }

func klineToCandle(symbol, interval string, k bybit.Kline) (model.Candle, error) {
	return model.NewCandle(symbol, interval, time.UnixMilli(k.Start),
		k.Open.InexactFloat64(),
		k.High.InexactFloat64(),
		k.Low.InexactFloat64(),
		k.Close.InexactFloat64(),
		k.Volume.InexactFloat64(),
	)
}

// KlineClient is the REST call BybitHistory needs.
type KlineClient interface {
	GetKlines(ctx context.Context, category, symbol, interval string, limit int) ([]bybit.Kline, error)
}

// BybitHistory fetches closed candles over REST.
type BybitHistory struct {
	Client   KlineClient
	Category string
	Now      func() time.Time // nil = time.Now
}

// FetchRecent returns up to limit closed candles, newest first. The row for
// the still-forming candle is dropped.
func (h BybitHistory) FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	step, err := model.IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	category := h.Category
	if category == "" {
		category = bybit.CategoryLinear
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	klines, err := h.Client.GetKlines(ctx, category, symbol, interval, min(limit+1, maxHistoryLimit))
	if err != nil {
		return nil, err
	}

	cutoff := now()
	out := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		if time.UnixMilli(k.Start).Add(step).After(cutoff) {
			continue // forming
		}
		c, err := klineToCandle(symbol, interval, k)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", symbol, err)
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
