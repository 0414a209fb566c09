/**
 * @description
 * Configuration management for the transfer-service. Values come from
 * environment variables (optionally seeded from a .env file) and are bound
 * into Config with Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/omoke1/Flowpay-sub000/internal/domain"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/spf13/viper"
)

const (
	LedgerModeHTTP   = "http"
	LedgerModeMemory = "memory"

	NotifierModeAuto   = "auto"
	NotifierModeEmail  = "email"
	NotifierModeEvents = "events"
	NotifierModeBoth   = "both"
)

// Config holds all the configuration variables for the transfer-service.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	FiatSettlementQueue       string `mapstructure:"FIAT_SETTLEMENT_QUEUE"`
	JWKSURL                   string `mapstructure:"JWKS_URL"`
	JWTAudience               string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                 string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	ClaimBaseURL              string `mapstructure:"CLAIM_BASE_URL"`
	TransferExpiryHours       int    `mapstructure:"TRANSFER_EXPIRY_HOURS"`
	ReminderWindowHours       int    `mapstructure:"REMINDER_WINDOW_HOURS"`
	ReconcileAfterMinutes     int    `mapstructure:"RECONCILE_AFTER_MINUTES"`
	LedgerMode                string `mapstructure:"LEDGER_MODE"`
	LedgerAPIURL              string `mapstructure:"LEDGER_API_URL"`
	LedgerAPIKey              string `mapstructure:"LEDGER_API_KEY"`
	LedgerSealTimeoutSeconds  int    `mapstructure:"LEDGER_SEAL_TIMEOUT_SECONDS"`
	LedgerPollIntervalMS      int    `mapstructure:"LEDGER_POLL_INTERVAL_MS"`
	FiatEnabledTokens         string `mapstructure:"FIAT_ENABLED_TOKENS"`
	FiatBridgeAddress         string `mapstructure:"FIAT_BRIDGE_ADDRESS"`
	NotifierMode              string `mapstructure:"NOTIFIER_MODE"`
	ResendAPIURL              string `mapstructure:"RESEND_API_URL"`
	ResendAPIKey              string `mapstructure:"RESEND_API_KEY"`
	ResendFromEmail           string `mapstructure:"RESEND_FROM_EMAIL"`
	ClaimRateLimitPerMinute   int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	DetailsRateLimitPerMinute int    `mapstructure:"DETAILS_RATE_LIMIT_PER_MINUTE"`
	SweepSchedule             string `mapstructure:"SWEEP_SCHEDULE"`
	ReminderSchedule          string `mapstructure:"REMINDER_SCHEDULE"`
	ReconcileSchedule         string `mapstructure:"RECONCILE_SCHEDULE"`
	EscrowAuditSchedule       string `mapstructure:"ESCROW_AUDIT_SCHEDULE"`
	SweepBatchSize            int    `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepConcurrency          int    `mapstructure:"SWEEP_CONCURRENCY"`
	JobTimeoutMinutes         int    `mapstructure:"JOB_TIMEOUT_MINUTES"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	LogFormat                 string `mapstructure:"LOG_FORMAT"`
}

var keys = []string{
	"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RABBITMQ_URL",
	"EVENTS_EXCHANGE", "FIAT_SETTLEMENT_QUEUE", "JWKS_URL", "JWT_AUDIENCE", "JWT_ISSUER",
	"INTERNAL_API_KEY", "CLAIM_BASE_URL", "TRANSFER_EXPIRY_HOURS", "REMINDER_WINDOW_HOURS",
	"RECONCILE_AFTER_MINUTES", "LEDGER_MODE", "LEDGER_API_URL", "LEDGER_API_KEY",
	"LEDGER_SEAL_TIMEOUT_SECONDS", "LEDGER_POLL_INTERVAL_MS", "FIAT_ENABLED_TOKENS",
	"FIAT_BRIDGE_ADDRESS", "NOTIFIER_MODE", "RESEND_API_URL", "RESEND_API_KEY", "RESEND_FROM_EMAIL",
	"CLAIM_RATE_LIMIT_PER_MINUTE", "DETAILS_RATE_LIMIT_PER_MINUTE", "SWEEP_SCHEDULE",
	"REMINDER_SCHEDULE", "RECONCILE_SCHEDULE", "ESCROW_AUDIT_SCHEDULE", "SWEEP_BATCH_SIZE",
	"SWEEP_CONCURRENCY", "JOB_TIMEOUT_MINUTES", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "LOG_FORMAT",
}

// LoadConfig reads configuration from the environment and an optional .env
// file under path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "flowpay:rate_limit")
	viper.SetDefault("EVENTS_EXCHANGE", "flowpay.events")
	viper.SetDefault("FIAT_SETTLEMENT_QUEUE", "transfer_service.fiat_settlements")
	viper.SetDefault("CLAIM_BASE_URL", "https://flowpay.app")
	viper.SetDefault("TRANSFER_EXPIRY_HOURS", 168)
	viper.SetDefault("REMINDER_WINDOW_HOURS", 24)
	viper.SetDefault("RECONCILE_AFTER_MINUTES", 15)
	viper.SetDefault("LEDGER_MODE", LedgerModeHTTP)
	viper.SetDefault("LEDGER_SEAL_TIMEOUT_SECONDS", 90)
	viper.SetDefault("LEDGER_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("FIAT_ENABLED_TOKENS", "USDC")
	viper.SetDefault("NOTIFIER_MODE", NotifierModeAuto)
	viper.SetDefault("RESEND_API_URL", "https://api.resend.com")
	viper.SetDefault("RESEND_FROM_EMAIL", "FlowPay <no-reply@flowpay.app>")
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("DETAILS_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("REMINDER_SCHEDULE", "0 * * * *")
	viper.SetDefault("RECONCILE_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("ESCROW_AUDIT_SCHEDULE", "30 3 * * *")
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("SWEEP_CONCURRENCY", 4)
	viper.SetDefault("JOB_TIMEOUT_MINUTES", 10)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind explicitly so unset keys still appear in Unmarshal.
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			applog.Bootstrap.Warn().Err(err).Msg("failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return config, nil
}

func (c *Config) normalize() {
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = "flowpay:rate_limit"
	}
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.LedgerMode = strings.ToLower(strings.TrimSpace(c.LedgerMode))
	c.NotifierMode = strings.ToLower(strings.TrimSpace(c.NotifierMode))
	if c.NotifierMode == "" {
		c.NotifierMode = NotifierModeAuto
	}

	if c.TransferExpiryHours <= 0 {
		applog.Bootstrap.Warn().Int("value", c.TransferExpiryHours).Msg("invalid TRANSFER_EXPIRY_HOURS; using 168")
		c.TransferExpiryHours = 168
	}
	if c.ReminderWindowHours <= 0 || c.ReminderWindowHours >= c.TransferExpiryHours {
		c.ReminderWindowHours = min(24, c.TransferExpiryHours/2)
		if c.ReminderWindowHours == 0 {
			c.ReminderWindowHours = 1
		}
	}
	if c.LedgerSealTimeoutSeconds <= 0 {
		c.LedgerSealTimeoutSeconds = 90
	}
	if c.LedgerPollIntervalMS <= 0 {
		c.LedgerPollIntervalMS = 1000
	}
	// Reconciliation must not inspect a reservation while its seal may still land.
	minReconcile := c.LedgerSealTimeoutSeconds/60 + 1
	if c.ReconcileAfterMinutes < minReconcile {
		c.ReconcileAfterMinutes = max(15, minReconcile)
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.SweepBatchSize > 1000 {
		c.SweepBatchSize = 1000
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	if c.JobTimeoutMinutes <= 0 {
		c.JobTimeoutMinutes = 10
	}
	if c.ClaimRateLimitPerMinute < 0 {
		c.ClaimRateLimitPerMinute = 0
	}
	if c.DetailsRateLimitPerMinute < 0 {
		c.DetailsRateLimitPerMinute = 0
	}
}

// Validate reports settings the HTTP server cannot run without.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.InternalAPIKey == "" {
		problems = append(problems, "INTERNAL_API_KEY is required")
	}
	if strings.TrimSpace(c.JWKSURL) == "" {
		problems = append(problems, "JWKS_URL is required")
	}
	switch c.LedgerMode {
	case LedgerModeHTTP:
		if strings.TrimSpace(c.LedgerAPIURL) == "" {
			problems = append(problems, "LEDGER_API_URL is required when LEDGER_MODE=http")
		}
	case LedgerModeMemory:
	default:
		problems = append(problems, fmt.Sprintf("LEDGER_MODE must be %q or %q", LedgerModeHTTP, LedgerModeMemory))
	}
	switch c.NotifierMode {
	case NotifierModeAuto, NotifierModeEvents:
	case NotifierModeEmail, NotifierModeBoth:
		if strings.TrimSpace(c.ResendAPIKey) == "" {
			problems = append(problems, "RESEND_API_KEY is required when NOTIFIER_MODE="+c.NotifierMode)
		}
	default:
		problems = append(problems, "NOTIFIER_MODE must be one of auto, email, events, both")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// FiatTokens parses FIAT_ENABLED_TOKENS, skipping unknown symbols.
func (c Config) FiatTokens() []domain.Token {
	var tokens []domain.Token
	seen := make(map[domain.Token]bool)
	for _, raw := range strings.Split(c.FiatEnabledTokens, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		token, err := domain.ParseToken(raw)
		if err != nil {
			applog.Bootstrap.Warn().Str("token", raw).Msg("ignoring unsupported fiat token")
			continue
		}
		if !seen[token] {
			seen[token] = true
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS. Empty means the router default.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (c Config) ExpiryWindow() time.Duration {
	return time.Duration(c.TransferExpiryHours) * time.Hour
}

func (c Config) ReminderWindow() time.Duration {
	return time.Duration(c.ReminderWindowHours) * time.Hour
}

func (c Config) ReconcileAfter() time.Duration {
	return time.Duration(c.ReconcileAfterMinutes) * time.Minute
}

func (c Config) LedgerSealTimeout() time.Duration {
	return time.Duration(c.LedgerSealTimeoutSeconds) * time.Second
}

func (c Config) LedgerPollInterval() time.Duration {
	return time.Duration(c.LedgerPollIntervalMS) * time.Millisecond
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMinutes) * time.Minute
}
