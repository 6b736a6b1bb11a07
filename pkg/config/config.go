package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port string

	// Database
	DBDriver    string // "sqlite" (default) or "postgres"
	DBPath      string
	DatabaseURL string

	// Binance Futures (USDT)
	BinanceTestnet    bool
	BinanceUSDTKey    string
	BinanceUSDTSecret string
	BinanceBaseURL    string

	// Execution
	DryRun          bool
	PaperFeed       bool // dry-run marks follow real candles
	PaperFeedPeriod time.Duration
	OrderIDPrefix   string
	DefaultLeverage int
	MarginType      string

	// Risk limits, zero disables
	MaxPositions        int
	MaxPositionNotional float64

	// Order lifetime
	OrderTimeout  time.Duration
	TimeoutGrace  time.Duration
	SweepInterval time.Duration
	DedupWindow   time.Duration

	EventQueueSize int

	// Gateway retry policy
	GatewayTimeout    time.Duration
	GatewayMaxRetries int
	GatewayRetryBase  time.Duration

	// User data stream
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	ListenKeyKeepalive time.Duration
	ListenKeyMaxAge    time.Duration

	// Audit
	AuditInterval time.Duration
	AuditAutoSync bool

	// Protective orders
	TPPercentage       float64
	MinTPProfitPct     float64
	StopLossPercentage float64
	EnableStopLoss     bool

	// Signal intake
	TradingBlock    string // "HH:MM-HH:MM", empty disables
	TradingTimezone string
	StrategyConfig  string

	JWTSecret string

	// Logging
	LogLevel string
	LogFile  string
	Language string // startup messages: en or zh
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBDriver:           strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:             getEnv("DB_PATH", "./data/engine.db"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		BinanceTestnet:     getEnvBool("BINANCE_TESTNET", false),
		BinanceUSDTKey:     os.Getenv("BINANCE_USDT_KEY"),
		BinanceUSDTSecret:  os.Getenv("BINANCE_USDT_SECRET"),
		BinanceBaseURL:     os.Getenv("BINANCE_BASE_URL"),
		DryRun:             getEnvBool("DRY_RUN", true),
		PaperFeed:          getEnvBool("PAPER_FEED", true),
		PaperFeedPeriod:    getEnvDuration("PAPER_FEED_INTERVAL", 5*time.Second),
		OrderIDPrefix:      getEnv("ORDER_ID_PREFIX", "FE"),
		DefaultLeverage:    getEnvInt("DEFAULT_LEVERAGE", 30),
		MarginType:         strings.ToUpper(getEnv("MARGIN_TYPE", "ISOLATED")),
		MaxPositions:       getEnvInt("MAX_POSITIONS", 10),
		OrderTimeout:       time.Duration(getEnvInt("ORDER_TIMEOUT_MINUTES", 45)) * time.Minute,
		TimeoutGrace:       time.Duration(getEnvInt("TIMEOUT_GRACE_SECONDS", 30)) * time.Second,
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		DedupWindow:        getEnvDuration("DEDUP_WINDOW", 10*time.Second),
		EventQueueSize:     getEnvInt("EVENT_QUEUE_SIZE", 1024),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		GatewayMaxRetries:  getEnvInt("GATEWAY_MAX_RETRIES", 3),
		GatewayRetryBase:   getEnvDuration("GATEWAY_RETRY_BASE", 200*time.Millisecond),
		ReconnectBase:      getEnvDuration("RECONNECT_BASE", time.Second),
		ReconnectMax:       getEnvDuration("RECONNECT_MAX", time.Minute),
		ListenKeyKeepalive: getEnvDuration("LISTEN_KEY_KEEPALIVE", 30*time.Minute),
		ListenKeyMaxAge:    getEnvDuration("LISTEN_KEY_MAX_AGE", 23*time.Hour),
		AuditInterval:      getEnvDuration("AUDIT_INTERVAL", 5*time.Minute),
		AuditAutoSync:      getEnvBool("AUDIT_AUTO_SYNC", false),
		TPPercentage:       getEnvFloat("TP_PERCENTAGE", 0.05),
		MinTPProfitPct:     getEnvFloat("MIN_TP_PROFIT_PERCENTAGE", 0.0045),
		StopLossPercentage: getEnvFloat("STOP_LOSS_PERCENTAGE", 0.02),
		EnableStopLoss:     getEnvBool("ENABLE_STOP_LOSS", true),
		TradingBlock:       getEnv("TRADING_BLOCK", "20:00-23:50"),
		TradingTimezone:    getEnv("TRADING_TIMEZONE", "Asia/Taipei"),
		StrategyConfig:     getEnv("STRATEGY_CONFIG", "./config/strategies.yaml"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            os.Getenv("LOG_FILE"),
		Language:           strings.ToLower(getEnv("LANGUAGE", "en")),
	}
	cfg.MaxPositionNotional = getEnvFloat("MAX_POSITION_SIZE_USDT", 10000)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if !c.DryRun && (c.BinanceUSDTKey == "" || c.BinanceUSDTSecret == "") {
		return fmt.Errorf("BINANCE_USDT_KEY and BINANCE_USDT_SECRET are required when DRY_RUN=false")
	}
	if c.OrderIDPrefix == "" || len(c.OrderIDPrefix) > 4 {
		return fmt.Errorf("ORDER_ID_PREFIX must be 1-4 characters, got %q", c.OrderIDPrefix)
	}
	if c.MarginType != "ISOLATED" && c.MarginType != "CROSSED" {
		return fmt.Errorf("MARGIN_TYPE must be ISOLATED or CROSSED, got %q", c.MarginType)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be positive")
	}
	if c.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT_MINUTES must be positive")
	}
	if c.MaxPositions < 0 || c.MaxPositionNotional < 0 {
		return fmt.Errorf("MAX_POSITIONS and MAX_POSITION_SIZE_USDT must not be negative")
	}
	if c.GatewayMaxRetries < 0 {
		return fmt.Errorf("GATEWAY_MAX_RETRIES must not be negative")
	}
	if _, err := time.LoadLocation(c.TradingTimezone); err != nil {
		return fmt.Errorf("TRADING_TIMEZONE: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
