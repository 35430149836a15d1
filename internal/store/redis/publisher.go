// Package redis publishes instrument events to Redis pub/sub and keeps the
// latest candle per symbol under a TTL'd key, behind a circuit breaker so an
// unavailable server costs nothing on the hot path.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"klinebot/internal/metrics"
	"klinebot/internal/model"
)

const (
	defaultLatestTTL    = 30 * time.Minute
	defaultMaxFailures  = 5
	defaultResetTimeout = 10 * time.Second
	writeTimeout        = 2 * time.Second
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Channel is the pub/sub channel for an event: events:<kind>:<symbol>.
func Channel(kind model.EventKind, symbol string) string {
	return "events:" + string(kind) + ":" + symbol
}

// LatestCandleKey holds the most recent closed candle for symbol.
func LatestCandleKey(symbol string) string {
	return "latest:candle:" + symbol
}

// Publisher writes events to Redis.
type Publisher struct {
	client  *goredis.Client
	cb      *CircuitBreaker
	log     zerolog.Logger
	metrics *metrics.Metrics
	ttl     time.Duration
}

// New connects to Redis and pings it. m may be nil.
func New(cfg Config, log zerolog.Logger, m *metrics.Metrics) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := NewWithClient(client, log, m)
	p.log.Info().Str("addr", cfg.Addr).Msg("connected")
	return p, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, log zerolog.Logger, m *metrics.Metrics) *Publisher {
	p := &Publisher{
		client:  client,
		cb:      NewCircuitBreaker(defaultMaxFailures, defaultResetTimeout),
		log:     log.With().Str("component", "redis").Logger(),
		metrics: m,
		ttl:     defaultLatestTTL,
	}
	p.cb.OnStateChange = func(from, to State) {
		p.log.Warn().Stringer("from", from).Stringer("to", to).Msg("circuit breaker")
		if p.metrics != nil {
			p.metrics.RedisCircuitBreakerState.Set(float64(to))
		}
	}
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker exposes the circuit breaker state.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// Close closes the client.
func (p *Publisher) Close() error { return p.client.Close() }

// Run writes every event from events until ctx is cancelled or the channel
// is closed. Write failures are logged and never stop the loop.
func (p *Publisher) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Write(ctx, ev); err != nil && !errors.Is(err, ErrCircuitOpen) {
				p.log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("symbol", ev.Symbol).Msg("write failed")
			}
		}
	}
}

// Write publishes ev on its channel and, for candle events, refreshes the
// latest-candle key. Both commands go in one pipeline through the breaker;
// while the breaker is open the write is skipped and ErrCircuitOpen returned.
func (p *Publisher) Write(ctx context.Context, ev model.Event) error {
	payload := ev.JSON()
	err := p.cb.Execute(func() error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		pipe := p.client.Pipeline()
		pipe.Publish(wctx, Channel(ev.Kind, ev.Symbol), payload)
		if ev.Kind == model.EventCandle && ev.Candle != nil {
			pipe.Set(wctx, LatestCandleKey(ev.Symbol), ev.Candle.JSON(), p.ttl)
		}
		_, err := pipe.Exec(wctx)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) && p.metrics != nil {
		p.metrics.RedisSkippedWrites.Inc()
	}
	return err
}
