package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %s", cfg.Port)
	}
	if cfg.PlatformFeeBps != DefaultPlatformFeeBps {
		t.Errorf("PlatformFeeBps = %d", cfg.PlatformFeeBps)
	}
	if cfg.EscrowHoldDays != DefaultEscrowHoldDays {
		t.Errorf("EscrowHoldDays = %d", cfg.EscrowHoldDays)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %s", cfg.SweepInterval)
	}
	if !cfg.IsDevelopment() {
		t.Error("default env should be development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("PLATFORM_FEE_BPS", "250")
	t.Setenv("ESCROW_HOLD_DAYS", "14")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("GATEWAY_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9999" || cfg.PlatformFeeBps != 250 || cfg.EscrowHoldDays != 14 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.SweepInterval != 30*time.Second || cfg.GatewayTimeout != 5*time.Second {
		t.Errorf("durations not applied: %+v", cfg)
	}
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Errorf("SweepInterval = %s", cfg.SweepInterval)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Env: "development", PlatformFeeBps: 500, EscrowHoldDays: 7}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.PlatformFeeBps = 10_000
	if err := cfg.Validate(); err == nil {
		t.Error("fee of 100% accepted")
	}
	cfg.PlatformFeeBps = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative fee accepted")
	}

	cfg = &Config{Env: "production", PlatformFeeBps: 500, EscrowHoldDays: 7}
	if err := cfg.Validate(); err == nil {
		t.Error("production without a gateway key accepted")
	}
	cfg.StripeAPIKey = "sk_test_123"
	if err := cfg.Validate(); err != nil {
		t.Errorf("production with key rejected: %v", err)
	}
}
