// Package feed owns per-instrument market data ingestion: a one-shot
// historical backfill followed by a live stream that reconnects forever
// with exponential backoff. Every accepted candle is appended to the
// instrument's buffer and the new snapshot is handed to an observer on the
// same goroutine, so all updates for one instrument are serialized.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"klinebot/internal/logger"
	"klinebot/internal/model"
)

// ErrMalformed marks a single undecodable message. The connection is kept.
var ErrMalformed = errors.New("feed: malformed message")

var errStopped = errors.New("feed: connector stopped")

// Stream is a live connection yielding closed candles.
type Stream interface {
	// ReadCandle blocks for the next closed candle. Errors wrapping
	// ErrMalformed are per-message; any other error ends the connection.
	ReadCandle() (model.Candle, error)
	// Close releases the connection and unblocks ReadCandle. Idempotent.
	Close() error
}

// ActivityReporter is implemented by streams that see valid traffic which
// carries no closed candle, such as updates to the forming kline.
type ActivityReporter interface {
	// Active reports whether any valid topic message has been read.
	Active() bool
}

// Dialer opens a Stream subscribed to (symbol, interval).
type Dialer interface {
	Dial(ctx context.Context, symbol, interval string) (Stream, error)
}

// HistoryFetcher returns up to limit of the most recent closed candles,
// newest first.
type HistoryFetcher interface {
	FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
}

// CandleObserver is notified with a fresh buffer snapshot (oldest first)
// after every accepted candle.
type CandleObserver interface {
	OnCandles(ctx context.Context, candles []model.Candle)
}

// Buffer is the candle store the connector appends to.
type Buffer interface {
	Append(c model.Candle) error
	Snapshot() []model.Candle
}

// Config configures one connector.
type Config struct {
	Symbol         string
	Interval       string
	BackfillLimit  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Hooks are optional callbacks, invoked on the connector goroutine.
type Hooks struct {
	OnAccepted    func(c model.Candle)
	OnRejected    func(c model.Candle, err error)
	OnMalformed   func(err error)
	OnStateChange func(s State)
	OnReconnect   func(wait time.Duration, cause error)
}

// Connector manages one instrument's backfill and live stream.
type Connector struct {
	cfg      Config
	dialer   Dialer
	history  HistoryFetcher
	buffer   Buffer
	observer CandleObserver
	hooks    Hooks
	log      zerolog.Logger

	state   atomic.Int32
	running atomic.Bool

	// mu guards conn and stopped. Stop swaps conn to nil before closing it.
	mu      sync.Mutex
	conn    Stream
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConnector wires a connector. history may be nil to skip backfill.
func NewConnector(cfg Config, dialer Dialer, history HistoryFetcher, buffer Buffer, observer CandleObserver, hooks Hooks, log zerolog.Logger) *Connector {
	return &Connector{
		cfg:      cfg,
		dialer:   dialer,
		history:  history,
		buffer:   buffer,
		observer: observer,
		hooks:    hooks,
		log:      log.With().Str("component", "feed").Str("interval", cfg.Interval).Logger(),
		stopCh:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

// Symbol returns the instrument symbol.
func (c *Connector) Symbol() string { return c.cfg.Symbol }

// Run performs the backfill synchronously, then streams until ctx is done
// or Stop is called. Transport failures never end Run; it reconnects
// forever. Returns nil on shutdown.
func (c *Connector) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("feed %s: already running", c.cfg.Symbol)
	}
	defer c.setState(Stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if c.isStopped() {
		return nil
	}

	c.backfill(ctx)

	bo := NewBackoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	for {
		if ctx.Err() != nil || c.isStopped() {
			return nil
		}

		c.setState(Connecting)
		err := c.stream(ctx, bo)
		if ctx.Err() != nil || c.isStopped() {
			return nil
		}

		wait := bo.Next()
		c.setState(Reconnecting)
		c.log.Warn().Err(err).Dur("backoff", wait).Msg("stream lost, reconnecting")
		if c.hooks.OnReconnect != nil {
			c.hooks.OnReconnect(wait, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

// Stop ends Run: it marks the connector stopped, closes the active
// connection and wakes any backoff sleep. Safe to call concurrently with
// Run and more than once.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		close(c.stopCh)
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Connector) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// backfill loads recent history newest-first and feeds it oldest-first as
// if streamed. Failure is logged and streaming proceeds regardless.
func (c *Connector) backfill(ctx context.Context) {
	if c.history == nil || c.cfg.BackfillLimit <= 0 {
		return
	}
	candles, err := c.history.FetchRecent(ctx, c.cfg.Symbol, c.cfg.Interval, c.cfg.BackfillLimit)
	if err != nil {
		c.log.Warn().Err(err).Msg("backfill failed, streaming without history")
		return
	}

	accepted := 0
	for i := len(candles) - 1; i >= 0; i-- {
		if c.accept(ctx, candles[i]) {
			accepted++
		}
	}
	c.log.Info().Int("fetched", len(candles)).Int("accepted", accepted).Msg("backfill complete")
}

// stream runs one connection until it fails.
func (c *Connector) stream(ctx context.Context, bo *Backoff) error {
	s, err := c.dialer.Dial(ctx, c.cfg.Symbol, c.cfg.Interval)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if !c.setConn(s) {
		s.Close()
		return errStopped
	}
	defer c.dropConn(s)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.dropConn(s)
		case <-done:
		}
	}()

	c.setState(Streaming)
	for {
		candle, err := s.ReadCandle()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				c.log.Warn().Err(err).Msg("skipping malformed message")
				if c.hooks.OnMalformed != nil {
					c.hooks.OnMalformed(err)
				}
				continue
			}
			if a, ok := s.(ActivityReporter); ok && a.Active() {
				bo.Reset()
			}
			return fmt.Errorf("read: %w", err)
		}

		bo.Reset()
		c.accept(ctx, candle)
	}
}

// setConn installs s as the active connection unless Stop already ran.
func (c *Connector) setConn(s Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.conn = s
	return true
}

// dropConn clears s if it is still the active connection, then closes it.
func (c *Connector) dropConn(s Stream) {
	c.mu.Lock()
	if c.conn == s {
		c.conn = nil
	}
	c.mu.Unlock()
	s.Close()
}

// accept appends c to the buffer and notifies the observer with a snapshot.
// Out-of-order candles are logged and dropped.
func (c *Connector) accept(ctx context.Context, candle model.Candle) bool {
	if err := c.buffer.Append(candle); err != nil {
		c.log.Warn().Err(err).Time("ts", candle.TS).Msg("candle rejected")
		if c.hooks.OnRejected != nil {
			c.hooks.OnRejected(candle, err)
		}
		return false
	}
	if c.hooks.OnAccepted != nil {
		c.hooks.OnAccepted(candle)
	}
	if c.observer != nil {
		tctx := logger.WithTraceID(ctx, logger.GenerateTraceID(c.cfg.Symbol, candle.TS))
		c.observer.OnCandles(tctx, c.buffer.Snapshot())
	}
	return true
}

func (c *Connector) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.log.Info().Stringer("from", prev).Stringer("to", s).Msg("feed state")
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}
