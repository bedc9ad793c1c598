package config

import (
	"testing"
	"time"
)

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()

	if cfg.TTL <= 0 {
		t.Error("TTL must be positive")
	}
	if cfg.WarningWindow <= 0 || cfg.WarningWindow >= cfg.TTL {
		t.Errorf("WarningWindow %v must be positive and shorter than TTL %v", cfg.WarningWindow, cfg.TTL)
	}
	if cfg.SupervisorInterval <= 0 || cfg.SupervisorInterval > time.Minute {
		t.Errorf("SupervisorInterval %v out of range", cfg.SupervisorInterval)
	}
	if cfg.Retention < cfg.TTL {
		t.Error("Retention should outlast the session TTL")
	}
}

func TestDefaultBackendURL(t *testing.T) {
	tests := []struct {
		symbol  string
		testnet bool
		wantSet bool
	}{
		{"BTC", false, true},
		{"BTC", true, true},
		{"LTC", false, true},
		{"DOGE", false, false},
	}

	for _, tt := range tests {
		url := DefaultBackendURL(tt.symbol, tt.testnet)
		if (url != "") != tt.wantSet {
			t.Errorf("DefaultBackendURL(%s, %v) = %q", tt.symbol, tt.testnet, url)
		}
	}
}

func TestParticipantLimits(t *testing.T) {
	if MinParticipants < 2 {
		t.Error("a shared wallet needs at least two participants")
	}
	if MaxParticipants <= MinParticipants {
		t.Error("MaxParticipants must exceed MinParticipants")
	}
}
