package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Database
	DBDriver    string // "sqlite" (default) or "postgres"
	DBPath      string
	DatabaseURL string

	// Broker
	Broker          string // "paper"
	PaperCash       decimal.Decimal
	PaperPrices     map[string]decimal.Decimal
	BrokerTimeout   time.Duration
	BrokerRateLimit float64 // requests per second, 0 disables
	BrokerRateBurst int
	QuoteTTL        time.Duration

	// Optional cross-instance signal claims
	RedisAddr string

	// Seed data
	StrategiesFile string

	// Risk
	ExchangeTZ        string
	QuantityPrecision int32

	// Signals
	StrictActions bool // reject unknown actions instead of defaulting to buy

	// Background loop intervals
	ProcessInterval   time.Duration
	FillInterval      time.Duration
	CleanupInterval   time.Duration
	TrailingInterval  time.Duration
	ReconcileInterval time.Duration
	Workers           int

	// Logging
	LogFormat string // "json" (default) or "console"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/execution.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBDriver:          strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:            dbPath,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Broker:            strings.ToLower(getEnv("BROKER", "paper")),
		PaperCash:         getEnvDecimal("PAPER_CASH", decimal.NewFromInt(100000)),
		PaperPrices:       parsePrices(os.Getenv("PAPER_PRICES")),
		BrokerTimeout:     getEnvDuration("BROKER_TIMEOUT", 10*time.Second),
		BrokerRateLimit:   getEnvFloat("BROKER_RATE_LIMIT", 5),
		BrokerRateBurst:   getEnvInt("BROKER_RATE_BURST", 10),
		QuoteTTL:          getEnvDuration("QUOTE_TTL", 2*time.Second),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		StrategiesFile:    getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		ExchangeTZ:        getEnv("EXCHANGE_TZ", "America/New_York"),
		QuantityPrecision: int32(getEnvInt("QUANTITY_PRECISION", 0)),
		StrictActions:     getEnv("STRICT_ACTIONS", "true") == "true",
		ProcessInterval:   getEnvDuration("PROCESS_INTERVAL", 30*time.Second),
		FillInterval:      getEnvDuration("FILL_INTERVAL", 60*time.Second),
		CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL", 30*time.Minute),
		TrailingInterval:  getEnvDuration("TRAILING_INTERVAL", 60*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
		Workers:           getEnvInt("PROCESS_WORKERS", 4),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parsePrices reads "AAPL=100,MSFT=410.5" into a price map.
func parsePrices(val string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pair := range splitAndTrim(val) {
		sym, price, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil || !d.IsPositive() {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = d
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
