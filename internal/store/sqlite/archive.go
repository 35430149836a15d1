// Package sqlite archives closed candles to a local SQLite database and
// serves them back as a secondary history source for backfill.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"klinebot/internal/metrics"
	"klinebot/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol   TEXT    NOT NULL,
	interval TEXT    NOT NULL,
	ts       INTEGER NOT NULL,
	open     REAL    NOT NULL,
	high     REAL    NOT NULL,
	low      REAL    NOT NULL,
	close    REAL    NOT NULL,
	volume   REAL    NOT NULL,
	PRIMARY KEY (symbol, interval, ts)
);`

const insertCandle = `
INSERT OR REPLACE INTO candles (symbol, interval, ts, open, high, low, close, volume)
VALUES (:symbol, :interval, :ts, :open, :high, :low, :close, :volume)`

// candleRow is the table form; ts is epoch milliseconds.
type candleRow struct {
	Symbol   string  `db:"symbol"`
	Interval string  `db:"interval"`
	TS       int64   `db:"ts"`
	Open     float64 `db:"open"`
	High     float64 `db:"high"`
	Low      float64 `db:"low"`
	Close    float64 `db:"close"`
	Volume   float64 `db:"volume"`
}

func toRow(c model.Candle) candleRow {
	return candleRow{
		Symbol: c.Symbol, Interval: c.Interval, TS: c.UnixMilli(),
		Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
	}
}

func (r candleRow) candle() model.Candle {
	return model.Candle{
		Symbol: r.Symbol, Interval: r.Interval, TS: time.UnixMilli(r.TS).UTC(),
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
	}
}

// Archive is a single-goroutine SQLite writer with transaction batching.
type Archive struct {
	db      *sqlx.DB
	log     zerolog.Logger
	metrics *metrics.Metrics

	batchSize  int
	flushDelay time.Duration
}

// Open creates the database file if needed, enables WAL and applies the
// schema. m may be nil.
func Open(path string, log zerolog.Logger, m *metrics.Metrics) (*Archive, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	l := log.With().Str("component", "sqlite").Logger()
	l.Info().Str("path", path).Msg("opened candle archive")
	return &Archive{
		db:         db,
		log:        l,
		metrics:    m,
		batchSize:  defaultBatchSize,
		flushDelay: defaultFlushDelay,
	}, nil
}

// DB returns the underlying sql.DB for health checks.
func (a *Archive) DB() *sql.DB { return a.db.DB }

// Close closes the database.
func (a *Archive) Close() error { return a.db.Close() }

// Run consumes events and archives the candle events among them in batched
// transactions, flushing every batchSize candles or every flushDelay,
// whichever comes first. Other event kinds are ignored. Blocks until ctx is
// cancelled or events is closed; pending rows are flushed before returning.
func (a *Archive) Run(ctx context.Context, events <-chan model.Event) {
	batch := make([]model.Candle, 0, a.batchSize)
	timer := time.NewTimer(a.flushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := a.Insert(context.Background(), batch); err != nil {
			a.log.Error().Err(err).Int("rows", len(batch)).Msg("batch insert failed")
		} else {
			dur := time.Since(start)
			if a.metrics != nil {
				a.metrics.SQLiteCommitDur.Observe(dur.Seconds())
			}
			a.log.Debug().Int("rows", len(batch)).Dur("took", dur).Msg("committed candles")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			if ev.Kind != model.EventCandle || ev.Candle == nil {
				continue
			}
			batch = append(batch, *ev.Candle)
			if len(batch) >= a.batchSize {
				flush()
				timer.Reset(a.flushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(a.flushDelay)
		}
	}
}

// Insert writes candles in a single transaction. Rows with an existing
// (symbol, interval, ts) key are replaced.
func (a *Archive) Insert(ctx context.Context, candles []model.Candle) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareNamedContext(ctx, insertCandle)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, toRow(c)); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert %s: %w", c.Key(), err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit archived candles for (symbol, interval),
// newest first.
func (a *Archive) Recent(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	var rows []candleRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT symbol, interval, ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND interval = ?
		ORDER BY ts DESC
		LIMIT ?`, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	out := make([]model.Candle, len(rows))
	for i, r := range rows {
		out[i] = r.candle()
	}
	return out, nil
}

// FetchRecent makes the archive usable as a backfill source.
func (a *Archive) FetchRecent(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	return a.Recent(ctx, symbol, interval, limit)
}

// Count returns the number of archived candles for (symbol, interval).
func (a *Archive) Count(ctx context.Context, symbol, interval string) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM candles WHERE symbol = ? AND interval = ?`, symbol, interval)
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}
