// Package config loads service settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every runtime setting.
type Config struct {
	Port        string
	DatabaseURL string // empty runs on the in-memory store
	RedisURL    string
	CacheTTL    time.Duration

	KafkaBrokers         string // empty disables publishing and the resolution consumer
	KafkaTopicPrefix     string
	KafkaResolutionTopic string
	KafkaGroupID         string

	DefaultEscrowProvider string
	EscrowComAPIKey       string
	EscrowComAPISecret    string
	EscrowSandbox         bool
	EscrowComRPS          float64
	ChainContractAddress  string
	WebhookSecrets        map[string]string // provider name -> HMAC secret

	ProviderTimeout  time.Duration
	MaxBetAmount     decimal.Decimal
	PlatformFee      decimal.Decimal
	DailyLimit       decimal.Decimal
	MonthlyLimit     decimal.Decimal
	PayoutMaxRetries int
	SweepInterval    time.Duration
	SweepGrace       time.Duration
	InboxInterval    time.Duration
	PlatformAccount  string
}

// Load reads the environment. A .env file in the working directory is
// loaded first if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		KafkaBrokers:          getEnv("KAFKA_BROKERS", ""),
		KafkaTopicPrefix:      getEnv("KAFKA_TOPIC_PREFIX", "clashout."),
		KafkaResolutionTopic:  getEnv("KAFKA_TOPIC_DISPUTE_RESOLVED", "clashout.dispute_resolved"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "settlement-engine"),
		DefaultEscrowProvider: getEnv("DEFAULT_ESCROW_PROVIDER", "escrow.com"),
		EscrowComAPIKey:       getEnv("ESCROW_COM_API_KEY", ""),
		EscrowComAPISecret:    getEnv("ESCROW_COM_API_SECRET", ""),
		ChainContractAddress:  getEnv("CHAIN_CONTRACT_ADDRESS", ""),
		PlatformAccount:       getEnv("PLATFORM_ACCOUNT", "platform"),
		WebhookSecrets:        webhookSecrets(os.Environ()),
	}

	var err error
	if cfg.CacheTTL, err = duration("CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.EscrowSandbox, err = boolean("ESCROW_SANDBOX", true); err != nil {
		return nil, err
	}
	if cfg.EscrowComRPS, err = float("ESCROW_COM_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = duration("PROVIDER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxBetAmount, err = amount("MAX_BET_AMOUNT", "10000"); err != nil {
		return nil, err
	}
	if cfg.PlatformFee, err = amount("PLATFORM_FEE", "0.05"); err != nil {
		return nil, err
	}
	if cfg.DailyLimit, err = amount("DEFAULT_DAILY_LIMIT", "1000"); err != nil {
		return nil, err
	}
	if cfg.MonthlyLimit, err = amount("DEFAULT_MONTHLY_LIMIT", "10000"); err != nil {
		return nil, err
	}
	if cfg.PayoutMaxRetries, err = integer("PAYOUT_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = duration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepGrace, err = duration("SWEEP_GRACE", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.InboxInterval, err = duration("INBOX_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}

	if cfg.PlatformFee.IsNegative() || cfg.PlatformFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("config: PLATFORM_FEE must be in [0, 1), got %s", cfg.PlatformFee)
	}
	if !cfg.MaxBetAmount.IsPositive() {
		return nil, fmt.Errorf("config: MAX_BET_AMOUNT must be positive, got %s", cfg.MaxBetAmount)
	}
	return cfg, nil
}

// webhookSecrets collects WEBHOOK_SECRET_<PROVIDER> variables. In the
// suffix a single underscore becomes a dot and a doubled one an underscore:
// WEBHOOK_SECRET_ESCROW_COM configures "escrow.com" and
// WEBHOOK_SECRET_SMART__CONTRACT configures "smart_contract".
func webhookSecrets(environ []string) map[string]string {
	const prefix = "WEBHOOK_SECRET_"
	out := make(map[string]string)
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || val == "" || !strings.HasPrefix(key, prefix) {
			continue
		}
		out[providerName(strings.TrimPrefix(key, prefix))] = val
	}
	return out
}

func providerName(suffix string) string {
	name := strings.ToLower(suffix)
	name = strings.ReplaceAll(name, "__", "\x00")
	name = strings.ReplaceAll(name, "_", ".")
	return strings.ReplaceAll(name, "\x00", "_")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func amount(key, def string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, def))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func integer(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func float(key string, def float64) (float64, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func boolean(key string, def bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}
