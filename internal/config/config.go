/**
 * @description
 * This package handles the configuration management for the settlement-service. It uses the
 * Viper library to read configuration from environment variables (and an optional .env file),
 * providing a centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	OrderStoreDriverPostgres = "postgres"
	OrderStoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort       string `mapstructure:"SERVER_PORT"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	OrderStoreDriver string `mapstructure:"ORDER_STORE_DRIVER"`
	ApplyMigrations  bool   `mapstructure:"APPLY_MIGRATIONS"`

	RedisURL              string `mapstructure:"REDIS_URL"`
	WebhookDedupPrefix    string `mapstructure:"WEBHOOK_DEDUP_PREFIX"`
	WebhookDedupTTLMinute int    `mapstructure:"WEBHOOK_DEDUP_TTL_MINUTES"`

	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	SettlementExchange string `mapstructure:"SETTLEMENT_EXCHANGE"`
	SettlementQueue    string `mapstructure:"SETTLEMENT_QUEUE"`
	SettlementWorkers  int    `mapstructure:"SETTLEMENT_WORKERS"`

	PaymentGatewayBaseURL string `mapstructure:"PAYMENT_GATEWAY_BASE_URL"`
	PaymentGatewayAPIKey  string `mapstructure:"PAYMENT_GATEWAY_API_KEY"`
	PaymentWebhookSecret  string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PaymentWebhookToken   string `mapstructure:"PAYMENT_WEBHOOK_TOKEN"`
	AllowUnsignedWebhooks bool   `mapstructure:"ALLOW_UNSIGNED_WEBHOOKS"`
	ChargeMaxAttempts     int    `mapstructure:"CHARGE_MAX_ATTEMPTS"`
	ChargeRetryBaseMS     int    `mapstructure:"CHARGE_RETRY_BASE_MS"`
	DefaultCurrency       string `mapstructure:"DEFAULT_CURRENCY"`
	SplitMaxReceivers     int    `mapstructure:"SPLIT_MAX_RECEIVERS"`

	AnchorRPCURL                 string  `mapstructure:"ANCHOR_RPC_URL"`
	AnchorContractAddress        string  `mapstructure:"ANCHOR_CONTRACT_ADDRESS"`
	AnchorMaxAttempts            int     `mapstructure:"ANCHOR_MAX_ATTEMPTS"`
	AnchorRetryBaseMS            int     `mapstructure:"ANCHOR_RETRY_BASE_MS"`
	AnchorRetryMaxMS             int     `mapstructure:"ANCHOR_RETRY_MAX_MS"`
	AnchorConfirmationTimeoutSec int     `mapstructure:"ANCHOR_CONFIRMATION_TIMEOUT_SECONDS"`
	AnchorPollIntervalMS         int     `mapstructure:"ANCHOR_POLL_INTERVAL_MS"`
	AnchorMinConfirmations       uint64  `mapstructure:"ANCHOR_MIN_CONFIRMATIONS"`
	AnchorSubmissionsPerSecond   float64 `mapstructure:"ANCHOR_SUBMISSIONS_PER_SECOND"`
	OrderExpiryMinutes           int     `mapstructure:"ORDER_EXPIRY_MINUTES"`
	SettlementStaleMinutes       int     `mapstructure:"SETTLEMENT_STALE_MINUTES"`
	ExpirySweepSchedule          string  `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	SettlementRecoverySchedule   string  `mapstructure:"SETTLEMENT_RECOVERY_SCHEDULE"`
	SweepBatchSize               int     `mapstructure:"SWEEP_BATCH_SIZE"`
	ClerkJWKSURL                 string  `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey               string  `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins           string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ORDER_STORE_DRIVER", OrderStoreDriverPostgres)
	viper.SetDefault("APPLY_MIGRATIONS", true)
	viper.SetDefault("WEBHOOK_DEDUP_PREFIX", "settlement:webhook_dedup")
	viper.SetDefault("WEBHOOK_DEDUP_TTL_MINUTES", 1440)
	viper.SetDefault("SETTLEMENT_EXCHANGE", "settlement.events")
	viper.SetDefault("SETTLEMENT_QUEUE", "settlement_service.settlement_tasks")
	viper.SetDefault("SETTLEMENT_WORKERS", 4)
	viper.SetDefault("CHARGE_MAX_ATTEMPTS", 3)
	viper.SetDefault("CHARGE_RETRY_BASE_MS", 200)
	viper.SetDefault("DEFAULT_CURRENCY", "BRL")
	viper.SetDefault("SPLIT_MAX_RECEIVERS", 10)
	viper.SetDefault("ANCHOR_MAX_ATTEMPTS", 5)
	viper.SetDefault("ANCHOR_RETRY_BASE_MS", 500)
	viper.SetDefault("ANCHOR_RETRY_MAX_MS", 30000)
	viper.SetDefault("ANCHOR_CONFIRMATION_TIMEOUT_SECONDS", 120)
	viper.SetDefault("ANCHOR_POLL_INTERVAL_MS", 2000)
	viper.SetDefault("ANCHOR_MIN_CONFIRMATIONS", 1)
	viper.SetDefault("ANCHOR_SUBMISSIONS_PER_SECOND", 2.0)
	viper.SetDefault("ORDER_EXPIRY_MINUTES", 30)
	viper.SetDefault("SETTLEMENT_STALE_MINUTES", 10)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SETTLEMENT_RECOVERY_SCHEDULE", "@every 5m")
	viper.SetDefault("SWEEP_BATCH_SIZE", 200)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "ORDER_STORE_DRIVER", "APPLY_MIGRATIONS",
		"WEBHOOK_DEDUP_PREFIX", "WEBHOOK_DEDUP_TTL_MINUTES",
		"RABBITMQ_URL", "SETTLEMENT_EXCHANGE", "SETTLEMENT_QUEUE", "SETTLEMENT_WORKERS",
		"PAYMENT_GATEWAY_BASE_URL", "PAYMENT_GATEWAY_API_KEY", "PAYMENT_WEBHOOK_SECRET", "PAYMENT_WEBHOOK_TOKEN",
		"ALLOW_UNSIGNED_WEBHOOKS", "CHARGE_MAX_ATTEMPTS", "CHARGE_RETRY_BASE_MS", "DEFAULT_CURRENCY", "SPLIT_MAX_RECEIVERS",
		"ANCHOR_RPC_URL", "ANCHOR_CONTRACT_ADDRESS", "ANCHOR_MAX_ATTEMPTS", "ANCHOR_RETRY_BASE_MS", "ANCHOR_RETRY_MAX_MS",
		"ANCHOR_CONFIRMATION_TIMEOUT_SECONDS", "ANCHOR_POLL_INTERVAL_MS", "ANCHOR_MIN_CONFIRMATIONS",
		"ANCHOR_SUBMISSIONS_PER_SECOND", "ORDER_EXPIRY_MINUTES", "SETTLEMENT_STALE_MINUTES",
		"EXPIRY_SWEEP_SCHEDULE", "SETTLEMENT_RECOVERY_SCHEDULE", "SWEEP_BATCH_SIZE",
		"CLERK_JWKS_URL", "CORS_ALLOWED_ORIGINS",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.WebhookDedupPrefix = strings.TrimSpace(config.WebhookDedupPrefix)
	if config.WebhookDedupPrefix == "" {
		config.WebhookDedupPrefix = "settlement:webhook_dedup"
	}
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "BRL"
	}

	config.OrderStoreDriver = strings.ToLower(strings.TrimSpace(config.OrderStoreDriver))
	switch config.OrderStoreDriver {
	case OrderStoreDriverPostgres, OrderStoreDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown order store driver; using postgres\" value=%q", config.OrderStoreDriver)
		config.OrderStoreDriver = OrderStoreDriverPostgres
	}

	coercePositive(&config.WebhookDedupTTLMinute, 1440, "WEBHOOK_DEDUP_TTL_MINUTES")
	coercePositive(&config.SettlementWorkers, 4, "SETTLEMENT_WORKERS")
	coercePositive(&config.ChargeMaxAttempts, 3, "CHARGE_MAX_ATTEMPTS")
	coercePositive(&config.ChargeRetryBaseMS, 200, "CHARGE_RETRY_BASE_MS")
	coercePositive(&config.SplitMaxReceivers, 10, "SPLIT_MAX_RECEIVERS")
	coercePositive(&config.AnchorMaxAttempts, 5, "ANCHOR_MAX_ATTEMPTS")
	coercePositive(&config.AnchorRetryBaseMS, 500, "ANCHOR_RETRY_BASE_MS")
	coercePositive(&config.AnchorRetryMaxMS, 30000, "ANCHOR_RETRY_MAX_MS")
	coercePositive(&config.AnchorConfirmationTimeoutSec, 120, "ANCHOR_CONFIRMATION_TIMEOUT_SECONDS")
	coercePositive(&config.AnchorPollIntervalMS, 2000, "ANCHOR_POLL_INTERVAL_MS")
	coercePositive(&config.OrderExpiryMinutes, 30, "ORDER_EXPIRY_MINUTES")
	coercePositive(&config.SettlementStaleMinutes, 10, "SETTLEMENT_STALE_MINUTES")
	coercePositive(&config.SweepBatchSize, 200, "SWEEP_BATCH_SIZE")

	if config.AnchorRetryMaxMS < config.AnchorRetryBaseMS {
		log.Printf("level=warn component=config msg=\"anchor retry cap below base; raising cap\" base_ms=%d max_ms=%d", config.AnchorRetryBaseMS, config.AnchorRetryMaxMS)
		config.AnchorRetryMaxMS = config.AnchorRetryBaseMS
	}
	if minimum := minSettlementStaleMinutes(config); config.SettlementStaleMinutes < minimum {
		log.Printf("level=warn component=config msg=\"settlement stale window shorter than one anchor attempt; raising it\" configured=%d minimum=%d", config.SettlementStaleMinutes, minimum)
		config.SettlementStaleMinutes = minimum
	}
	if config.AnchorMinConfirmations == 0 {
		config.AnchorMinConfirmations = 1
	}
	if config.AnchorSubmissionsPerSecond <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive anchor submission rate; using default\" value=%f", config.AnchorSubmissionsPerSecond)
		config.AnchorSubmissionsPerSecond = 2
	}
	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "@every 1m"
	}
	if strings.TrimSpace(config.SettlementRecoverySchedule) == "" {
		config.SettlementRecoverySchedule = "@every 5m"
	}

	return
}

func coercePositive(value *int, fallback int, key string) {
	if *value > 0 {
		return
	}
	log.Printf("level=warn component=config msg=\"non-positive value configured; using default\" key=%s value=%d default=%d", key, *value, fallback)
	*value = fallback
}

// minSettlementStaleMinutes keeps recovery away from live workers. A worker touches the
// order after every anchor attempt, so the gap between updates never exceeds one
// confirmation timeout plus the longest backoff; the stale window adds a minute on top.
func minSettlementStaleMinutes(c Config) int {
	gap := c.AnchorConfirmationTimeout() + c.AnchorRetryMax()
	minutes := int(gap / time.Minute)
	if gap%time.Minute != 0 {
		minutes++
	}
	return minutes + 1
}

// OrderExpiry is the window a charge may stay unpaid before the sweep expires it.
func (c Config) OrderExpiry() time.Duration {
	return time.Duration(c.OrderExpiryMinutes) * time.Minute
}

func (c Config) WebhookDedupTTL() time.Duration {
	return time.Duration(c.WebhookDedupTTLMinute) * time.Minute
}

func (c Config) SettlementStaleAfter() time.Duration {
	return time.Duration(c.SettlementStaleMinutes) * time.Minute
}

func (c Config) AnchorConfirmationTimeout() time.Duration {
	return time.Duration(c.AnchorConfirmationTimeoutSec) * time.Second
}

func (c Config) AnchorPollInterval() time.Duration {
	return time.Duration(c.AnchorPollIntervalMS) * time.Millisecond
}

func (c Config) AnchorRetryBase() time.Duration {
	return time.Duration(c.AnchorRetryBaseMS) * time.Millisecond
}

func (c Config) AnchorRetryMax() time.Duration {
	return time.Duration(c.AnchorRetryMaxMS) * time.Millisecond
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
