// Package config loads service settings from the environment (optionally
// seeded from a .env file) and the per-instrument trading setup from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"klinebot/pkg/bybit"
)

// ErrInvalid marks every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Bybit
	BybitAPIKey    string
	BybitAPISecret string
	BybitTestnet   bool
	BybitRESTURL   string // overrides the mainnet/testnet default
	BybitWSURL     string

	// Trading mode
	PaperTrading     bool
	PaperSlippageBps float64

	// Infrastructure; empty address or path disables the component
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	LogLevel      string

	InstrumentsFile      string
	PositionPollInterval time.Duration

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// Load reads .env when present, then the environment. Credentials are only
// required when trading live.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	var errs []error
	cfg := &Config{
		BybitAPIKey:    os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret: os.Getenv("BYBIT_API_SECRET"),
		BybitTestnet:   getBool("BYBIT_TESTNET", false, &errs),
		BybitRESTURL:   getEnv("BYBIT_REST_URL", ""),
		BybitWSURL:     getEnv("BYBIT_WS_URL", ""),

		PaperTrading:     getBool("PAPER_TRADING", true, &errs),
		PaperSlippageBps: getFloat("PAPER_SLIPPAGE_BPS", 5, &errs),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		InstrumentsFile:      getEnv("INSTRUMENTS_FILE", "config/instruments.yaml"),
		PositionPollInterval: getDuration("POSITION_POLL_INTERVAL", 30*time.Second, &errs),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
	}

	if !cfg.PaperTrading && (cfg.BybitAPIKey == "" || cfg.BybitAPISecret == "") {
		errs = append(errs, fmt.Errorf("%w: BYBIT_API_KEY and BYBIT_API_SECRET are required when PAPER_TRADING=false", ErrInvalid))
	}
	if cfg.PositionPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: POSITION_POLL_INTERVAL must be positive", ErrInvalid))
	}
	if cfg.PaperSlippageBps < 0 {
		errs = append(errs, fmt.Errorf("%w: PAPER_SLIPPAGE_BPS must not be negative", ErrInvalid))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RESTURL is the REST base URL for the configured network.
func (c *Config) RESTURL() string {
	switch {
	case c.BybitRESTURL != "":
		return c.BybitRESTURL
	case c.BybitTestnet:
		return bybit.TestnetREST
	default:
		return bybit.MainnetREST
	}
}

// WSURL is the public linear stream URL for the configured network.
func (c *Config) WSURL() string {
	switch {
	case c.BybitWSURL != "":
		return c.BybitWSURL
	case c.BybitTestnet:
		return bybit.TestnetWS
	default:
		return bybit.MainnetWS
	}
}

// HasCredentials reports whether signed REST calls are possible.
func (c *Config) HasCredentials() bool {
	return c.BybitAPIKey != "" && c.BybitAPISecret != ""
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, v))
		return fallback
	}
	return b
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, key, v))
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalid, key, v))
		return fallback
	}
	return d
}
