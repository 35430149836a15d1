package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"klinebot/config"
	"klinebot/internal/api"
	"klinebot/internal/execution"
	"klinebot/internal/instrument"
	"klinebot/internal/logger"
	"klinebot/internal/marketdata/bus"
	"klinebot/internal/marketdata/feed"
	"klinebot/internal/metrics"
	"klinebot/internal/model"
	"klinebot/internal/notification"
	redisstore "klinebot/internal/store/redis"
	sqlitestore "klinebot/internal/store/sqlite"
	"klinebot/pkg/bybit"
)

const (
	busInputSize    = 4096
	busOutputSize   = 1024
	livenessEvery   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Init("klinebot", cfg.LogLevel)

	file, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return err
	}
	enabled := file.Enabled()
	log.Info().Int("instruments", len(enabled)).Bool("paper", cfg.PaperTrading).
		Bool("testnet", cfg.BybitTestnet).Msg("starting")

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	// ---- Venue ----
	client := bybit.NewClient(cfg.RESTURL(), cfg.BybitAPIKey, cfg.BybitAPISecret)
	var (
		gateway model.OrderGateway
		paper   *execution.PaperGateway
		live    *execution.LiveGateway
	)
	if cfg.PaperTrading {
		paper = execution.NewPaperGateway(cfg.PaperSlippageBps, log)
		gateway = paper
	} else {
		live = execution.NewLiveGateway(client, log)
		gateway = live
	}

	// ---- Event bus & sinks ----
	events := bus.New(busInputSize, busOutputSize, log)
	events.OnDrop = func(_ int, name string) {
		m.BusDropsTotal.WithLabelValues(name).Inc()
	}

	var history feed.HistoryFetcher = feed.BybitHistory{Client: client}
	var sinks sync.WaitGroup

	var archive *sqlitestore.Archive
	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("sqlite dir: %w", err)
		}
		archive, err = sqlitestore.Open(cfg.SQLitePath, log, m)
		if err != nil {
			return err
		}
		defer archive.Close()
		health.EnableSQLite()
		history = feed.FallbackHistory{Primary: history, Secondary: archive, Log: log}

		ch := events.Subscribe("sqlite")
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			archive.Run(context.Background(), ch)
		}()
	}

	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		health.EnableRedis()
		pub, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log, m)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, continuing without pub/sub")
		} else {
			defer pub.Close()
			rdb = pub.Client()
			ch := events.Subscribe("redis")
			sinks.Add(1)
			go func() {
				defer sinks.Done()
				pub.Run(context.Background(), ch)
			}()
		}
	}

	// ---- Instruments ----
	deps := instrument.Deps{
		Dialer:    feed.BybitDialer{URL: cfg.WSURL()},
		History:   history,
		Gateway:   gateway,
		Publisher: events,
		Notifier:  buildNotifier(cfg, log),
		Metrics:   m,
		Health:    health,
		Log:       log,
	}
	if paper != nil {
		deps.OnCandle = func(c model.Candle) {
			if f, hit := paper.Mark(c); hit {
				log.Info().Str("symbol", f.Symbol).Str("reason", f.Reason).Float64("pnl", f.PnL).Msg("paper exit")
			}
		}
	}

	contexts := make([]*instrument.Context, 0, len(enabled))
	for _, in := range enabled {
		ic, err := instrument.New(instrument.Spec{
			Symbol:        in.Symbol,
			Interval:      in.Interval,
			BufferSize:    in.BufferSize,
			BackfillLimit: in.BackfillLimit,
			Strategy:      in.StrategyConfig(file.Account.Size),
		}, deps)
		if err != nil {
			return fmt.Errorf("instrument %s: %w", in.Symbol, err)
		}
		if live != nil {
			live.SetPrecision(in.Symbol, precisionOf(in))
		}
		contexts = append(contexts, ic)
	}
	mgr, err := instrument.NewManager(log, contexts...)
	if err != nil {
		return err
	}

	// ---- Background services ----
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	busDone := make(chan struct{})
	go func() {
		events.Run(runCtx)
		close(busDone)
	}()

	health.StartLivenessChecker(runCtx, rdb, archiveDB(archive), livenessEvery)

	monitor := execution.NewPositionMonitor(gateway, cfg.PositionPollInterval, log, mgr.Tracked()...)
	go monitor.Run(runCtx)

	srv := api.NewServer(cfg.MetricsAddr, api.NewRouter(mgr, health, reg), log)
	srv.Start()

	// ---- Run until interrupted ----
	go func() {
		select {
		case <-ctx.Done():
			mgr.Stop()
		case <-runCtx.Done():
		}
	}()
	mgr.Run(runCtx)
	log.Info().Msg("shutting down")
	cancel()

	// bus closes subscriber channels on exit, which flushes and stops the sinks
	<-busDone
	sinks.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}

func buildNotifier(cfg *config.Config, log zerolog.Logger) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, log))
	}
	if cfg.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.WebhookURL, log))
	}
	return n
}

func precisionOf(in config.Instrument) execution.Precision {
	p := execution.DefaultPrecision
	if in.Trading == nil {
		return p
	}
	if in.Trading.QtyDecimals != nil {
		p.Qty = *in.Trading.QtyDecimals
	}
	if in.Trading.PriceDecimals != nil {
		p.Price = *in.Trading.PriceDecimals
	}
	return p
}

// archiveDB hands the liveness checker a nil *sql.DB when archiving is off,
// never a typed nil wrapped in an interface.
func archiveDB(a *sqlitestore.Archive) *sql.DB {
	if a == nil {
		return nil
	}
	return a.DB()
}
