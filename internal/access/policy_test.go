package access

import (
	"testing"

	"github.com/title-market/backend/internal/config"
)

func TestStaticPolicy(t *testing.T) {
	cfg := &config.Config{
		PlatformFeeBPS:   300,
		FeeRecipient:     "treasury",
		AcceptedAssets:   []string{"native"},
		AdminAddresses:   []string{"root"},
		HaltedOperations: []string{OpRent},
	}
	p := NewStaticPolicy(cfg)

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"empty allowlist permits", p.IsPermitted("anyone"), true},
		{"empty address never permitted", p.IsPermitted(""), false},
		{"native accepted", p.IsAssetAccepted("native"), true},
		{"usd not accepted", p.IsAssetAccepted("usd"), false},
		{"admin", p.IsAdmin("root"), true},
		{"non-admin", p.IsAdmin("anyone"), false},
		{"rent halted", p.IsOperationHalted(OpRent), true},
		{"bid running", p.IsOperationHalted(OpBid), false},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if p.FeeRateBps() != 300 || p.FeeRecipient() != "treasury" {
		t.Errorf("fee = %d to %q", p.FeeRateBps(), p.FeeRecipient())
	}

	p.Resume(OpRent)
	p.Halt(OpBid)
	if p.IsOperationHalted(OpRent) || !p.IsOperationHalted(OpBid) {
		t.Error("runtime halt/resume not applied")
	}

	p.Allow("alice")
	if !p.IsPermitted("alice") || p.IsPermitted("bob") {
		t.Error("non-empty allowlist should only permit listed participants")
	}
}

func TestIsKnownOperation(t *testing.T) {
	for _, op := range Operations {
		if !IsKnownOperation(op) {
			t.Errorf("%q should be known", op)
		}
	}
	if IsKnownOperation("launch_rocket") {
		t.Error("unknown op reported as known")
	}
}
