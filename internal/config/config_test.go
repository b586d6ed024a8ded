package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "")
	t.Setenv("MIN_BID_INCREMENT_BPS", "")
	t.Setenv("PAYMENT_WINDOW_SECONDS", "")

	cfg := Load()
	if cfg.PlatformFeeBPS != 300 {
		t.Errorf("PlatformFeeBPS = %d, want 300", cfg.PlatformFeeBPS)
	}
	if cfg.MinBidIncrementBPS != 200 {
		t.Errorf("MinBidIncrementBPS = %d, want 200", cfg.MinBidIncrementBPS)
	}
	if cfg.PaymentWindow != 24*time.Hour {
		t.Errorf("PaymentWindow = %v, want 24h", cfg.PaymentWindow)
	}
}

func TestLoadLists(t *testing.T) {
	t.Setenv("ACCEPTED_ASSETS", "native, usd ,,eur")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PUSH_TIMEOUT_MS", "250")

	cfg := Load()
	want := []string{"native", "usd", "eur"}
	if len(cfg.AcceptedAssets) != len(want) {
		t.Fatalf("AcceptedAssets = %v, want %v", cfg.AcceptedAssets, want)
	}
	for i := range want {
		if cfg.AcceptedAssets[i] != want[i] {
			t.Errorf("AcceptedAssets[%d] = %q, want %q", i, cfg.AcceptedAssets[i], want[i])
		}
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.PushTimeout != 250*time.Millisecond {
		t.Errorf("PushTimeout = %v, want 250ms", cfg.PushTimeout)
	}
}

func TestValidateClamps(t *testing.T) {
	cfg := &Config{PlatformFeeBPS: 20000, MinBidIncrementBPS: -5, JWTSecret: "x"}
	cfg.Validate(zap.NewNop())
	if cfg.PlatformFeeBPS != 10000 {
		t.Errorf("PlatformFeeBPS = %d, want 10000", cfg.PlatformFeeBPS)
	}
	if cfg.MinBidIncrementBPS != 0 {
		t.Errorf("MinBidIncrementBPS = %d, want 0", cfg.MinBidIncrementBPS)
	}
}
