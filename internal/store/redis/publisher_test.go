package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinebot/internal/metrics"
	"klinebot/internal/model"
)

func TestChannelAndKeyNames(t *testing.T) {
	assert.Equal(t, "events:candle:BTCUSDT", Channel(model.EventCandle, "BTCUSDT"))
	assert.Equal(t, "events:order_failed:ETHUSDT", Channel(model.EventOrderFailed, "ETHUSDT"))
	assert.Equal(t, "latest:candle:BTCUSDT", LatestCandleKey("BTCUSDT"))
}

func TestPublisher_BreakerSkipsWritesWhenUnreachable(t *testing.T) {
	// nothing listens on port 1
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewWithClient(client, zerolog.Nop(), m)

	c := model.Candle{Symbol: "BTCUSDT", Interval: "15", Close: 1}
	ev := model.Event{Kind: model.EventCandle, Symbol: "BTCUSDT", Candle: &c}

	for i := 0; i < defaultMaxFailures; i++ {
		err := p.Write(context.Background(), ev)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, StateOpen, p.Breaker().CurrentState())

	assert.ErrorIs(t, p.Write(context.Background(), ev), ErrCircuitOpen)

	var skipped, state dto.Metric
	require.NoError(t, m.RedisSkippedWrites.Write(&skipped))
	require.NoError(t, m.RedisCircuitBreakerState.Write(&state))
	assert.Equal(t, 1.0, skipped.GetCounter().GetValue())
	assert.Equal(t, float64(StateOpen), state.GetGauge().GetValue())
}

func TestPublisher_RunStopsOnClose(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 20 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	p := NewWithClient(client, zerolog.Nop(), nil)

	events := make(chan model.Event, 3)
	for i := 0; i < 3; i++ {
		events <- model.Event{Kind: model.EventSignal, Symbol: "BTCUSDT"}
	}
	close(events)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
