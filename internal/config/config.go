// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/taintguard/internal/cleanzone"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Ledger node (optional, uses an in-memory ledger if not set)
	LedgerRPCURL       string
	LedgerTimeout      time.Duration
	LedgerRetries      int
	LedgerPollInterval time.Duration

	// Admin sessions
	AdminTokens       string // "token=adminID,..."
	AdminDirectoryURL string // JSON-RPC endpoint serving admin_verifySession

	// Clean zones, "addr=KIND[:label],..."
	CleanZones string

	// System pool
	PoolAddress     string
	PoolFeeShareBps int64
	ReversalFeeBps  int64
	PoolLowBalance  string // decimal GXC

	// Detectors
	TaintThresholdBps int64
	FanOutK           int
	ReAggThetaBps     int64
	ReAggMinSources   int
	VelocityHops      int
	VelocityWindow    time.Duration
	DormancyPeriod    time.Duration

	// Propagation and feasibility
	TaintMaxDepth       int
	FeasibilityMaxHops  int
	FeasibilityMaxNodes int
	ReversalWindow      time.Duration
	ReversalMinTaintBps int64
	ReversalTokenTTL    time.Duration

	// Workers
	PipelineWorkers   int
	PipelineQueueSize int
	ReconcileInterval time.Duration

	// Outbound notifications
	WebhookURLs   string
	WebhookSecret string

	// Security
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultRateLimit = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LedgerRPCURL:        os.Getenv("LEDGER_RPC_URL"),
		LedgerTimeout:       getEnvDuration("LEDGER_TIMEOUT", 10*time.Second),
		LedgerRetries:       getEnvInt("LEDGER_RETRIES", 3),
		LedgerPollInterval:  getEnvDuration("LEDGER_POLL_INTERVAL", 5*time.Second),
		AdminTokens:         os.Getenv("ADMIN_TOKENS"),
		AdminDirectoryURL:   os.Getenv("ADMIN_DIRECTORY_URL"),
		CleanZones:          os.Getenv("CLEAN_ZONES"),
		PoolAddress:         os.Getenv("POOL_ADDRESS"),
		PoolFeeShareBps:     getEnvInt64("POOL_FEE_SHARE_BPS", 1500),
		ReversalFeeBps:      getEnvInt64("REVERSAL_FEE_BPS", 20),
		PoolLowBalance:      getEnv("POOL_LOW_BALANCE", "1"),
		TaintThresholdBps:   getEnvInt64("TAINT_THRESHOLD_BPS", 1000),
		FanOutK:             getEnvInt("FAN_OUT_K", 5),
		ReAggThetaBps:       getEnvInt64("RE_AGG_THETA_BPS", 7000),
		ReAggMinSources:     getEnvInt("RE_AGG_MIN_SOURCES", 2),
		VelocityHops:        getEnvInt("VELOCITY_HOPS", 3),
		VelocityWindow:      getEnvDuration("VELOCITY_WINDOW", 5*time.Minute),
		DormancyPeriod:      getEnvDuration("DORMANCY_PERIOD", 7*24*time.Hour),
		TaintMaxDepth:       getEnvInt("TAINT_MAX_DEPTH", 64),
		FeasibilityMaxHops:  getEnvInt("FEASIBILITY_MAX_HOPS", 20),
		FeasibilityMaxNodes: getEnvInt("FEASIBILITY_MAX_NODES", 500),
		ReversalWindow:      getEnvDuration("REVERSAL_WINDOW", 30*24*time.Hour),
		ReversalMinTaintBps: getEnvInt64("REVERSAL_MIN_TAINT_BPS", 1000),
		ReversalTokenTTL:    getEnvDuration("REVERSAL_TOKEN_TTL", 10*time.Minute),
		PipelineWorkers:     getEnvInt("PIPELINE_WORKERS", 4),
		PipelineQueueSize:   getEnvInt("PIPELINE_QUEUE_SIZE", 256),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		WebhookURLs:         os.Getenv("WEBHOOK_URLS"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		fail("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		fail("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	for name, v := range map[string]int64{
		"POOL_FEE_SHARE_BPS":     c.PoolFeeShareBps,
		"REVERSAL_FEE_BPS":       c.ReversalFeeBps,
		"TAINT_THRESHOLD_BPS":    c.TaintThresholdBps,
		"RE_AGG_THETA_BPS":       c.ReAggThetaBps,
		"REVERSAL_MIN_TAINT_BPS": c.ReversalMinTaintBps,
	} {
		if v < 0 || v > 10000 {
			fail("%s must be between 0 and 10000 basis points, got %d", name, v)
		}
	}
	for name, v := range map[string]int{
		"FAN_OUT_K":             c.FanOutK,
		"RE_AGG_MIN_SOURCES":    c.ReAggMinSources,
		"VELOCITY_HOPS":         c.VelocityHops,
		"TAINT_MAX_DEPTH":       c.TaintMaxDepth,
		"FEASIBILITY_MAX_HOPS":  c.FeasibilityMaxHops,
		"FEASIBILITY_MAX_NODES": c.FeasibilityMaxNodes,
		"PIPELINE_WORKERS":      c.PipelineWorkers,
		"PIPELINE_QUEUE_SIZE":   c.PipelineQueueSize,
		"RATE_LIMIT_RPM":        c.RateLimitRPM,
	} {
		if v <= 0 {
			fail("%s must be positive, got %d", name, v)
		}
	}

	if _, ok := gxc.Parse(c.PoolLowBalance); !ok {
		fail("POOL_LOW_BALANCE must be a decimal GXC amount, got %q", c.PoolLowBalance)
	}
	if c.PoolAddress != "" && !validation.IsValidAddress(c.PoolAddress) {
		fail("POOL_ADDRESS is not a valid GXC address")
	}
	if _, err := cleanzone.Parse(c.CleanZones); err != nil {
		fail("CLEAN_ZONES: %v", err)
	}
	if c.WebhookURLs != "" && c.WebhookSecret == "" {
		fail("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	if c.AdminTokens != "" && c.AdminDirectoryURL != "" {
		fail("set only one of ADMIN_TOKENS and ADMIN_DIRECTORY_URL")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			fail("DATABASE_URL is required in production")
		}
		if c.LedgerRPCURL == "" {
			fail("LEDGER_RPC_URL is required in production")
		}
		if c.AdminTokens == "" && c.AdminDirectoryURL == "" {
			fail("ADMIN_TOKENS or ADMIN_DIRECTORY_URL is required in production")
		}
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// WebhookTargets splits WEBHOOK_URLS.
func (c *Config) WebhookTargets() []string {
	var out []string
	for _, u := range strings.Split(c.WebhookURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
