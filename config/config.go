package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"tvTrailBot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Database
	DBPath string

	// Logging
	LogLevel  zerolog.Level
	LogPretty bool

	// Loop cadence and exchange call limits
	MonitorInterval   time.Duration
	PortfolioInterval time.Duration
	ExchangeTimeout   time.Duration
	MonitorParallel   int // Positions evaluated concurrently per tick

	// Stop-loss behavior
	AutoCloseEnabled bool
	// Per-side global tiers; nil pointer semantics are modeled by the
	// negative sentinel: values < 0 mean "not configured, use built-ins".
	LongProfitThresholdPct  float64
	LongLockRatio           float64
	LongBaseSLPct           float64
	ShortProfitThresholdPct float64
	ShortLockRatio          float64
	ShortBaseSLPct          float64

	// Portfolio trailing stop, per side
	PortfolioLongEnabled   bool
	PortfolioLongTarget    float64
	PortfolioLongLockRatio float64

	PortfolioShortEnabled   bool
	PortfolioShortTarget    float64
	PortfolioShortLockRatio float64

	PortfolioAutoReset bool

	// Signal handling
	SignalDedupWindow time.Duration
	ResizeThreshold   float64
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trail_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogPretty = getEnvAsBool("LOG_PRETTY", false)

	// Cadence
	monitorSeconds := getEnvAsInt("MONITOR_INTERVAL_SECONDS", 5)
	if monitorSeconds <= 0 {
		errs = append(errs, "MONITOR_INTERVAL_SECONDS must be positive")
	}
	cfg.MonitorInterval = time.Duration(monitorSeconds) * time.Second

	portfolioSeconds := getEnvAsInt("PORTFOLIO_INTERVAL_SECONDS", 5)
	if portfolioSeconds <= 0 {
		errs = append(errs, "PORTFOLIO_INTERVAL_SECONDS must be positive")
	}
	cfg.PortfolioInterval = time.Duration(portfolioSeconds) * time.Second

	timeoutSeconds := getEnvAsInt("EXCHANGE_TIMEOUT_SECONDS", 10)
	if timeoutSeconds <= 0 {
		errs = append(errs, "EXCHANGE_TIMEOUT_SECONDS must be positive")
	}
	cfg.ExchangeTimeout = time.Duration(timeoutSeconds) * time.Second

	cfg.MonitorParallel = getEnvAsInt("MONITOR_PARALLEL", 4)
	if cfg.MonitorParallel <= 0 {
		errs = append(errs, "MONITOR_PARALLEL must be positive")
	}

	// Stop-loss behavior
	cfg.AutoCloseEnabled = getEnvAsBool("AUTO_CLOSE_ENABLED", true)
	cfg.LongProfitThresholdPct = getEnvAsFloat("LONG_PROFIT_THRESHOLD_PCT", -1)
	cfg.LongLockRatio = getEnvAsFloat("LONG_LOCK_RATIO", -1)
	cfg.LongBaseSLPct = getEnvAsFloat("LONG_BASE_SL_PCT", -1)
	cfg.ShortProfitThresholdPct = getEnvAsFloat("SHORT_PROFIT_THRESHOLD_PCT", -1)
	cfg.ShortLockRatio = getEnvAsFloat("SHORT_LOCK_RATIO", -1)
	cfg.ShortBaseSLPct = getEnvAsFloat("SHORT_BASE_SL_PCT", -1)

	// Portfolio trailing
	cfg.PortfolioLongEnabled = getEnvAsBool("PORTFOLIO_LONG_ENABLED", false)
	cfg.PortfolioLongTarget, err = getEnvAsFloatRequired("PORTFOLIO_LONG_TARGET_PNL", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PORTFOLIO_LONG_TARGET_PNL: %v", err))
	}
	cfg.PortfolioLongLockRatio = getEnvAsFloat("PORTFOLIO_LONG_LOCK_RATIO", -1)

	cfg.PortfolioShortEnabled = getEnvAsBool("PORTFOLIO_SHORT_ENABLED", false)
	cfg.PortfolioShortTarget, err = getEnvAsFloatRequired("PORTFOLIO_SHORT_TARGET_PNL", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PORTFOLIO_SHORT_TARGET_PNL: %v", err))
	}
	cfg.PortfolioShortLockRatio = getEnvAsFloat("PORTFOLIO_SHORT_LOCK_RATIO", -1)

	cfg.PortfolioAutoReset = getEnvAsBool("PORTFOLIO_AUTO_RESET", false)

	if cfg.PortfolioLongEnabled && cfg.PortfolioLongTarget <= 0 {
		errs = append(errs, "PORTFOLIO_LONG_TARGET_PNL must be positive when PORTFOLIO_LONG_ENABLED")
	}
	if cfg.PortfolioShortEnabled && cfg.PortfolioShortTarget <= 0 {
		errs = append(errs, "PORTFOLIO_SHORT_TARGET_PNL must be positive when PORTFOLIO_SHORT_ENABLED")
	}

	// Signal handling
	dedupSeconds := getEnvAsInt("SIGNAL_DEDUP_WINDOW_SECONDS", 30)
	if dedupSeconds < 0 {
		errs = append(errs, "SIGNAL_DEDUP_WINDOW_SECONDS cannot be negative")
	}
	cfg.SignalDedupWindow = time.Duration(dedupSeconds) * time.Second

	cfg.ResizeThreshold, err = getEnvAsFloatRequired("RESIZE_THRESHOLD", 0.10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RESIZE_THRESHOLD: %v", err))
	} else if cfg.ResizeThreshold <= 0 || cfg.ResizeThreshold >= 1 {
		errs = append(errs, "RESIZE_THRESHOLD must be between 0.0 and 1.0 (exclusive)")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// OptionalFloat converts the negative "not configured" sentinel into
// pointer semantics for the config cascade.
func OptionalFloat(v float64) *float64 {
	if v < 0 {
		return nil
	}
	return &v
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
