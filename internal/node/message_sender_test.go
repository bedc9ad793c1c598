package node

import (
	"testing"
	"time"
)

func TestDefaultMessageSenderConfig(t *testing.T) {
	cfg := DefaultMessageSenderConfig()

	// Verify defaults
	if cfg.InitialRetryInterval != 5*time.Second {
		t.Errorf("InitialRetryInterval = %v, want %v", cfg.InitialRetryInterval, 5*time.Second)
	}

	if cfg.MaxRetryInterval != 2*time.Minute {
		t.Errorf("MaxRetryInterval = %v, want %v", cfg.MaxRetryInterval, 2*time.Minute)
	}

	if cfg.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want %v", cfg.BackoffMultiplier, 2.0)
	}

	if cfg.AckTimeout != 30*time.Second {
		t.Errorf("AckTimeout = %v, want %v", cfg.AckTimeout, 30*time.Second)
	}

	if cfg.StopBeforeExpiry != 1*time.Minute {
		t.Errorf("StopBeforeExpiry = %v, want %v", cfg.StopBeforeExpiry, 1*time.Minute)
	}

	if cfg.MaxRetries != 20 {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, 20)
	}
}

func TestMessageSenderConfigCustom(t *testing.T) {
	cfg := MessageSenderConfig{
		InitialRetryInterval: 10 * time.Second,
		MaxRetryInterval:     5 * time.Minute,
		BackoffMultiplier:    1.5,
		AckTimeout:           15 * time.Second,
		StopBeforeExpiry:     30 * time.Second,
		MaxRetries:           10,
	}

	if cfg.InitialRetryInterval != 10*time.Second {
		t.Errorf("InitialRetryInterval = %v, want %v", cfg.InitialRetryInterval, 10*time.Second)
	}
	if cfg.MaxRetryInterval != 5*time.Minute {
		t.Errorf("MaxRetryInterval = %v, want %v", cfg.MaxRetryInterval, 5*time.Minute)
	}
	if cfg.BackoffMultiplier != 1.5 {
		t.Errorf("BackoffMultiplier = %v, want %v", cfg.BackoffMultiplier, 1.5)
	}
	if cfg.AckTimeout != 15*time.Second {
		t.Errorf("AckTimeout = %v, want %v", cfg.AckTimeout, 15*time.Second)
	}
	if cfg.StopBeforeExpiry != 30*time.Second {
		t.Errorf("StopBeforeExpiry = %v, want %v", cfg.StopBeforeExpiry, 30*time.Second)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, 10)
	}
}

func TestBackoffCalculation(t *testing.T) {
	cfg := DefaultMessageSenderConfig()

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 5 * time.Second},    // First retry: 5s
		{1, 10 * time.Second},   // Second: 10s
		{2, 20 * time.Second},   // Third: 20s
		{3, 40 * time.Second},   // Fourth: 40s
		{4, 80 * time.Second},   // Fifth: 80s
		{5, 2 * time.Minute},    // Sixth: 160s -> capped at 120s (2min)
		{6, 2 * time.Minute},    // Seventh+: stays at max
		{10, 2 * time.Minute},   // Always capped
		{100, 2 * time.Minute},  // Always capped
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			backoff := calculateBackoff(cfg, tt.retryCount)
			if backoff != tt.want {
				t.Errorf("retry %d: backoff = %v, want %v", tt.retryCount, backoff, tt.want)
			}
		})
	}
}

// calculateBackoff mimics the backoff logic from MessageSender.scheduleRetry
func calculateBackoff(cfg MessageSenderConfig, retryCount int) time.Duration {
	backoff := cfg.InitialRetryInterval
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxRetryInterval {
			backoff = cfg.MaxRetryInterval
			break
		}
	}
	return backoff
}

func TestMaxRetriesCoverSessionTTL(t *testing.T) {
	cfg := DefaultMessageSenderConfig()

	// MaxRetries = 20 with exponential backoff to 2min
	// Initial ramp: 5+10+20+40+80 = 155s
	// Remaining retries at max: 15 * 2min = 30min
	// Total retry window should comfortably span a 30-minute session

	totalTime := time.Duration(0)
	for i := 0; i < cfg.MaxRetries; i++ {
		totalTime += calculateBackoff(cfg, i)
	}

	if totalTime < 30*time.Minute {
		t.Errorf("total retry time = %v, want at least 30m", totalTime)
	}

	if totalTime > 45*time.Minute {
		t.Errorf("total retry time = %v, should be less than 45m", totalTime)
	}
}

func TestSessionDeadlineCheck(t *testing.T) {
	cfg := DefaultMessageSenderConfig()

	// Session expires in 10 minutes
	sessionTimeout := time.Now().Add(10 * time.Minute).Unix()

	// StopBeforeExpiry = 1 minute, so the cutoff is 9 minutes from now
	deadline := time.Unix(sessionTimeout, 0).Add(-cfg.StopBeforeExpiry)

	if time.Now().After(deadline) {
		t.Error("deadline should be in the future")
	}

	untilDeadline := time.Until(deadline)
	if untilDeadline < 8*time.Minute || untilDeadline > 10*time.Minute {
		t.Errorf("time until deadline = %v, want approximately 9m", untilDeadline)
	}
}

func TestSessionDeadlinePassed(t *testing.T) {
	cfg := DefaultMessageSenderConfig()

	// Session expired 5 minutes ago
	sessionTimeout := time.Now().Add(-5 * time.Minute).Unix()

	deadline := time.Unix(sessionTimeout, 0).Add(-cfg.StopBeforeExpiry)

	if !time.Now().After(deadline) {
		t.Error("deadline should be in the past")
	}
}

func TestSessionDeadlineApproaching(t *testing.T) {
	cfg := DefaultMessageSenderConfig()

	// Session expires in 30 seconds, inside the 1 minute buffer
	sessionTimeout := time.Now().Add(30 * time.Second).Unix()

	deadline := time.Unix(sessionTimeout, 0).Add(-cfg.StopBeforeExpiry)

	if !time.Now().After(deadline) {
		t.Error("deadline should be in the past when the session deadline is approaching")
	}
}
