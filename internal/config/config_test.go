package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PLATFORM_FEE", "")
	t.Setenv("PROVIDER_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port == "" || cfg.DatabaseURL != "" {
		t.Errorf("port=%q database=%q", cfg.Port, cfg.DatabaseURL)
	}
	if !cfg.PlatformFee.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("platform fee = %s", cfg.PlatformFee)
	}
	if cfg.ProviderTimeout != 10*time.Second {
		t.Errorf("provider timeout = %s", cfg.ProviderTimeout)
	}
	if cfg.PayoutMaxRetries != 5 || cfg.PlatformAccount != "platform" {
		t.Errorf("retries=%d account=%q", cfg.PayoutMaxRetries, cfg.PlatformAccount)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PLATFORM_FEE", "0.1")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("PAYOUT_MAX_RETRIES", "3")
	t.Setenv("ESCROW_SANDBOX", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.SweepInterval != 30*time.Second || cfg.PayoutMaxRetries != 3 || cfg.EscrowSandbox {
		t.Errorf("config = %+v", cfg)
	}
	if !cfg.PlatformFee.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("platform fee = %s", cfg.PlatformFee)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"PLATFORM_FEE":       "1.5",
		"PROVIDER_TIMEOUT":   "soon",
		"PAYOUT_MAX_RETRIES": "many",
		"MAX_BET_AMOUNT":     "0",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%s: expected error", key, val)
			}
		})
	}
}

func TestWebhookSecrets(t *testing.T) {
	got := webhookSecrets([]string{
		"WEBHOOK_SECRET_ESCROW_COM=abc",
		"WEBHOOK_SECRET_SMART__CONTRACT=def",
		"WEBHOOK_SECRET_EMPTY=",
		"PATH=/usr/bin",
	})
	if got["escrow.com"] != "abc" || got["smart_contract"] != "def" || len(got) != 2 {
		t.Errorf("secrets = %v", got)
	}
}
