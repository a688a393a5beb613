// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Fraud       FraudConfig       `mapstructure:"fraud"`
	Gift        GiftConfig        `mapstructure:"gift"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	KYC         KYCConfig         `mapstructure:"kyc"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// LimitsConfig holds spend limit policy configuration. Amounts are in cents.
type LimitsConfig struct {
	PerTransactionMax int64         `mapstructure:"per_transaction_max"`
	DailyMax          int64         `mapstructure:"daily_max"`
	UnverifiedMax     int64         `mapstructure:"unverified_max"`
	Window            time.Duration `mapstructure:"window"`
}

// FraudConfig holds fraud scoring weights and action thresholds.
// These are product-tuned policy inputs, not fixed business truth.
type FraudConfig struct {
	BlockThreshold    int           `mapstructure:"block_threshold"`
	ReviewThreshold   int           `mapstructure:"review_threshold"`
	PatternWeight     int           `mapstructure:"pattern_weight"`
	VelocityWeight    int           `mapstructure:"velocity_weight"`
	AnomalyWeight     int           `mapstructure:"anomaly_weight"`
	GeoWeight         int           `mapstructure:"geo_weight"`
	VelocityMax       int           `mapstructure:"velocity_max"`
	AnomalyMultiplier int64         `mapstructure:"anomaly_multiplier"`
	VelocityWindow    time.Duration `mapstructure:"velocity_window"`
	HistoryWindow     time.Duration `mapstructure:"history_window"`
}

// GiftConfig holds gift split policy configuration.
type GiftConfig struct {
	ReceiverSharePercent int64 `mapstructure:"receiver_share_percent"`
	PlatformUserID       int64 `mapstructure:"platform_user_id"`
	MaxMultiplier        int64 `mapstructure:"max_multiplier"`
}

// PaymentConfig holds payment orchestration configuration.
type PaymentConfig struct {
	IntentTTL    time.Duration             `mapstructure:"intent_ttl"`
	CoinsPerCent int64                     `mapstructure:"coins_per_cent"`
	RetryMax     time.Duration             `mapstructure:"retry_max"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig holds one payment provider's credentials and endpoint.
type ProviderConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	ReturnURL     string `mapstructure:"return_url"`
	Enabled       bool   `mapstructure:"enabled"`
}

// IdempotencyConfig holds idempotency key retention configuration.
type IdempotencyConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// KYCConfig maps verified user IDs for the static tier lookup.
// Production deployments replace this with the verification service.
type KYCConfig struct {
	VerifiedIDs []int64 `mapstructure:"verified_ids"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the given directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. DATABASE_HOST, SERVER_ADDR, LIMITS_DAILY_MAX.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - env vars can provide all config
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coinledger")
	v.SetDefault("database.name", "coinledger")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Limits defaults (cents)
	v.SetDefault("limits.per_transaction_max", 100000)
	v.SetDefault("limits.daily_max", 500000)
	v.SetDefault("limits.unverified_max", 10000)
	v.SetDefault("limits.window", "24h")

	// Fraud defaults
	v.SetDefault("fraud.block_threshold", 80)
	v.SetDefault("fraud.review_threshold", 50)
	v.SetDefault("fraud.pattern_weight", 30)
	v.SetDefault("fraud.velocity_weight", 10)
	v.SetDefault("fraud.anomaly_weight", 40)
	v.SetDefault("fraud.geo_weight", 25)
	v.SetDefault("fraud.velocity_max", 5)
	v.SetDefault("fraud.anomaly_multiplier", 10)
	v.SetDefault("fraud.velocity_window", "1h")
	v.SetDefault("fraud.history_window", "720h")

	// Gift defaults
	v.SetDefault("gift.receiver_share_percent", 70)
	v.SetDefault("gift.platform_user_id", 0)
	v.SetDefault("gift.max_multiplier", 999)

	// Payment defaults
	v.SetDefault("payment.intent_ttl", "30m")
	v.SetDefault("payment.coins_per_cent", 1)
	v.SetDefault("payment.retry_max", "30s")

	// Idempotency defaults
	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.sweep_interval", "1h")
}
