package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// FeedHealth is the last known connector state of one instrument.
type FeedHealth struct {
	State      string    `json:"state"`
	Streaming  bool      `json:"streaming"`
	LastCandle time.Time `json:"last_candle"`
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	feeds map[string]FeedHealth

	redisEnabled    bool
	redisConnected  bool
	redisLatencyMs  float64
	sqliteEnabled   bool
	sqliteOK        bool
	sqliteLatencyMs float64
	lastCheckAt     time.Time
	startedAt       time.Time
}

// NewHealthStatus returns a health status with no feeds and no stores.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		feeds:     make(map[string]FeedHealth),
		startedAt: time.Now(),
	}
}

// SetFeedState records the connector state for symbol.
func (h *HealthStatus) SetFeedState(symbol, state string, streaming bool) {
	h.mu.Lock()
	f := h.feeds[symbol]
	f.State = state
	f.Streaming = streaming
	h.feeds[symbol] = f
	h.mu.Unlock()
}

// SetLastCandle records the timestamp of the last accepted candle for symbol.
func (h *HealthStatus) SetLastCandle(symbol string, ts time.Time) {
	h.mu.Lock()
	f := h.feeds[symbol]
	f.LastCandle = ts
	h.feeds[symbol] = f
	h.mu.Unlock()
}

// EnableRedis marks Redis as a configured dependency.
func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.redisEnabled = true
	h.mu.Unlock()
}

// EnableSQLite marks SQLite as a configured dependency.
func (h *HealthStatus) EnableSQLite() {
	h.mu.Lock()
	h.sqliteEnabled = true
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.redisConnected = err == nil
	h.redisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.sqliteOK = err == nil
	h.sqliteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
// Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}

	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

type healthReport struct {
	Status          string                `json:"status"`
	Uptime          string                `json:"uptime"`
	Feeds           map[string]FeedHealth `json:"feeds"`
	Degraded        []string              `json:"degraded,omitempty"`
	RedisEnabled    bool                  `json:"redis_enabled"`
	RedisConnected  bool                  `json:"redis_connected"`
	RedisLatencyMs  float64               `json:"redis_latency_ms"`
	SQLiteEnabled   bool                  `json:"sqlite_enabled"`
	SQLiteOK        bool                  `json:"sqlite_ok"`
	SQLiteLatencyMs float64               `json:"sqlite_latency_ms"`
	LastCheckAt     string                `json:"last_check_at"`
}

func (h *HealthStatus) report() (healthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := healthReport{
		Status:          "healthy",
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		Feeds:           make(map[string]FeedHealth, len(h.feeds)),
		RedisEnabled:    h.redisEnabled,
		RedisConnected:  h.redisConnected,
		RedisLatencyMs:  h.redisLatencyMs,
		SQLiteEnabled:   h.sqliteEnabled,
		SQLiteOK:        h.sqliteOK,
		SQLiteLatencyMs: h.sqliteLatencyMs,
		LastCheckAt:     h.lastCheckAt.Format(time.RFC3339),
	}

	for sym, f := range h.feeds {
		r.Feeds[sym] = f
		if !f.Streaming {
			r.Degraded = append(r.Degraded, "feed:"+sym)
		}
	}
	if h.redisEnabled && !h.redisConnected {
		r.Degraded = append(r.Degraded, "redis")
	}
	if h.sqliteEnabled && !h.sqliteOK {
		r.Degraded = append(r.Degraded, "sqlite")
	}
	sort.Strings(r.Degraded)

	if len(r.Degraded) > 0 {
		r.Status = "degraded"
		return r, http.StatusServiceUnavailable
	}
	return r, http.StatusOK
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.report()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}
