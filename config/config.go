// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/pawn-engine/credit"
)

// Config holds application configuration.
type Config struct {
	Port     int
	DBPath   string
	LogLevel string

	// PenaltyDailyRate is a fraction: 0.003 is 0.3% per day overdue.
	PenaltyDailyRate  decimal.Decimal
	AmountEpsilon     decimal.Decimal
	SettleMaxAttempts int
	SettleTimeout     time.Duration
	DueSoonDays       int
	DefaultAfterDays  int
	RenewalAnchor     credit.RenewalAnchor

	// StatusSweepSchedule is a cron spec; empty disables the sweep.
	StatusSweepSchedule string
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("could not read .env file, relying on environment")
	}

	cfg := &Config{
		DBPath:              getEnv("DB_PATH", "pawn.db"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		RenewalAnchor:       credit.RenewalAnchor(getEnv("RENEWAL_ANCHOR", string(credit.RenewalFromDueDate))),
		StatusSweepSchedule: getEnv("STATUS_SWEEP_SCHEDULE", "@hourly"),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.SettleMaxAttempts, err = getInt("SETTLE_MAX_ATTEMPTS", credit.DefaultMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.DueSoonDays, err = getInt("DUE_SOON_DAYS", 3); err != nil {
		return nil, err
	}
	if cfg.DefaultAfterDays, err = getInt("DEFAULT_AFTER_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.PenaltyDailyRate, err = getDecimal("PENALTY_DAILY_RATE", "0.003"); err != nil {
		return nil, err
	}
	if cfg.AmountEpsilon, err = getDecimal("AMOUNT_EPSILON", "0.005"); err != nil {
		return nil, err
	}
	if cfg.SettleTimeout, err = time.ParseDuration(getEnv("SETTLE_TIMEOUT", credit.DefaultSettleTimeout.String())); err != nil {
		return nil, fmt.Errorf("SETTLE_TIMEOUT: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0:
		return fmt.Errorf("PORT must be positive")
	case c.DBPath == "":
		return fmt.Errorf("DB_PATH is required")
	case c.SettleMaxAttempts <= 0:
		return fmt.Errorf("SETTLE_MAX_ATTEMPTS must be positive")
	case c.SettleTimeout <= 0:
		return fmt.Errorf("SETTLE_TIMEOUT must be positive")
	case c.PenaltyDailyRate.IsNegative():
		return fmt.Errorf("PENALTY_DAILY_RATE must not be negative")
	case c.AmountEpsilon.IsNegative() || c.AmountEpsilon.GreaterThanOrEqual(decimal.RequireFromString("0.01")):
		return fmt.Errorf("AMOUNT_EPSILON must be in [0, 0.01)")
	case c.DueSoonDays < 0 || c.DefaultAfterDays < 0:
		return fmt.Errorf("DUE_SOON_DAYS and DEFAULT_AFTER_DAYS must not be negative")
	case !c.RenewalAnchor.Valid():
		return fmt.Errorf("RENEWAL_ANCHOR must be %q or %q", credit.RenewalFromDueDate, credit.RenewalFromNow)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// StatusPolicy returns the time-driven status windows.
func (c *Config) StatusPolicy() credit.StatusPolicy {
	return credit.StatusPolicy{DueSoonDays: c.DueSoonDays, DefaultAfterDays: c.DefaultAfterDays}
}

// AllocationPolicy returns the allocator settings.
func (c *Config) AllocationPolicy() credit.AllocationPolicy {
	return credit.AllocationPolicy{
		Epsilon:       credit.Amount{Value: c.AmountEpsilon},
		RenewalAnchor: c.RenewalAnchor,
		Status:        c.StatusPolicy(),
	}
}

// NewLogger builds the JSON logrus logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// NewCoordinator wires the settlement engine from this configuration.
func (c *Config) NewCoordinator(store credit.TxStore, log logrus.FieldLogger) *credit.Coordinator {
	coord := credit.NewCoordinator(store, log)
	coord.Calculator = credit.NewCalculator(credit.RateFromFraction(c.PenaltyDailyRate))
	coord.Allocator = credit.NewAllocator(c.AllocationPolicy())
	coord.MaxAttempts = c.SettleMaxAttempts
	coord.Timeout = c.SettleTimeout
	return coord
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
