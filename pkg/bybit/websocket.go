package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	writeWait           = 5 * time.Second
)

// StreamConfig configures a public kline subscription.
type StreamConfig struct {
	URL      string
	Symbol   string
	Interval string

	// ReadTimeout bounds each read; a silent connection surfaces as an error.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// KlineStream is one live connection subscribed to one kline topic.
// Next must be called from a single goroutine; Close may be called from any.
type KlineStream struct {
	conn        *websocket.Conn
	topic       string
	readTimeout time.Duration
	pending     []Kline
	active      atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

type wsFrame struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type wsKline struct {
	Start    int64           `json:"start"`
	End      int64           `json:"end"`
	Interval string          `json:"interval"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Turnover decimal.Decimal `json:"turnover"`
	Confirm  bool            `json:"confirm"`
}

// DialKlineStream connects, subscribes to kline.<interval>.<symbol> and
// starts the application-level ping. The stream is closed when ctx is done.
func DialKlineStream(ctx context.Context, cfg StreamConfig) (*KlineStream, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("bybit ws: dial %s: status %s: %w", cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("bybit ws: dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(1 << 20)

	s := &KlineStream{
		conn:        conn,
		topic:       Topic(cfg.Interval, cfg.Symbol),
		readTimeout: readTimeout,
		done:        make(chan struct{}),
	}

	sub := map[string]any{"op": "subscribe", "args": []string{s.topic}}
	if err := s.writeJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bybit ws: subscribe %s: %w", s.topic, err)
	}

	go s.pingLoop(pingInterval)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// Topic returns the subscribed topic.
func (s *KlineStream) Topic() string { return s.topic }

// Active reports whether a well-formed frame for the topic has been read,
// confirmed or not.
func (s *KlineStream) Active() bool { return s.active.Load() }

// Next blocks until the next confirmed (closed) kline. Frames that carry
// several confirmed klines are yielded in order. A frame that cannot be
// decoded returns an error wrapping ErrMalformedMessage; the stream remains
// usable. Any other error means the connection is gone.
func (s *KlineStream) Next() (Kline, error) {
	for {
		if len(s.pending) > 0 {
			k := s.pending[0]
			s.pending = s.pending[1:]
			return k, nil
		}

		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return Kline{}, err
		}

		klines, err := s.decode(msg)
		if err != nil {
			return Kline{}, err
		}
		s.pending = klines
	}
}

func (s *KlineStream) decode(msg []byte) ([]Kline, error) {
	var f wsFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if f.Op != "" {
		// subscribe ack or pong
		if f.Op == "subscribe" && f.Success != nil && !*f.Success {
			return nil, fmt.Errorf("bybit ws: subscribe %s rejected: %s", s.topic, f.RetMsg)
		}
		return nil, nil
	}
	if f.Topic != s.topic {
		return nil, nil
	}

	var rows []wsKline
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedMessage, f.Topic, err)
	}
	s.active.Store(true)

	var out []Kline
	for _, r := range rows {
		if !r.Confirm {
			continue
		}
		out = append(out, Kline{
			Start:    r.Start,
			End:      r.End,
			Interval: r.Interval,
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			Volume:   r.Volume,
			Turnover: r.Turnover,
			Confirm:  true,
		})
	}
	return out, nil
}

func (s *KlineStream) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"op": "ping"}); err != nil {
				// a failed write leaves the socket open; closing it unblocks Next
				s.Close()
				return
			}
		}
	}
}

func (s *KlineStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Close sends a close frame and closes the connection. Safe to call more
// than once and concurrently with Next.
func (s *KlineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
