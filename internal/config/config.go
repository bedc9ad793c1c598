// Package config provides centralized configuration for the kosign coordinator.
// ALL protocol parameters (session timing, participant limits, fees) MUST be
// defined here. No hardcoded values should exist elsewhere in the codebase.
package config

import "time"

// =============================================================================
// Participant Limits
// =============================================================================

const (
	// MinParticipants is the smallest participant set a shared wallet can have.
	// MuSig2 aggregation of a single key is meaningless.
	MinParticipants = 2

	// MaxParticipants bounds the fan-out of a signing ceremony. Every
	// participant must sign (N-of-N), so large sets rarely complete.
	MaxParticipants = 15
)

// =============================================================================
// Session Timing
// =============================================================================

// SessionConfig holds timing parameters for signing sessions.
type SessionConfig struct {
	// TTL is how long a session stays open after proposal. Fixed at proposal
	// time - activity does not extend it - to bound signing exposure.
	TTL time.Duration

	// WarningWindow is how long before expiry a one-time warning event is
	// emitted for sessions that are still pending.
	WarningWindow time.Duration

	// SupervisorInterval is the tick interval for the timeout supervisor.
	SupervisorInterval time.Duration

	// Retention is how long terminal sessions are kept for history display
	// before being garbage-collected.
	Retention time.Duration
}

// DefaultSessionConfig returns the default session timing.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:                30 * time.Minute,
		WarningWindow:      60 * time.Second,
		SupervisorInterval: 5 * time.Second,
		Retention:          7 * 24 * time.Hour,
	}
}

// =============================================================================
// Spend Parameters
// =============================================================================

// SpendConfig holds parameters for building shared-wallet spends.
type SpendConfig struct {
	// FallbackFeeRate in sat/vB, used when the backend has no estimate.
	FallbackFeeRate uint64

	// MinConfirmations a UTXO needs before it is spendable from the shared
	// address. Protects the ceremony from signing over reorg-able inputs.
	MinConfirmations int64
}

// DefaultSpendConfig returns the default spend parameters.
func DefaultSpendConfig() SpendConfig {
	return SpendConfig{
		FallbackFeeRate:  10,
		MinConfirmations: 1,
	}
}

// =============================================================================
// Backend Endpoints
// =============================================================================

// DefaultBackendURL returns the default esplora-compatible API endpoint for a
// chain. Overridable via the node config file.
func DefaultBackendURL(symbol string, testnet bool) string {
	switch symbol {
	case "BTC":
		if testnet {
			return "https://mempool.space/testnet/api"
		}
		return "https://mempool.space/api"
	case "LTC":
		if testnet {
			return "https://litecoinspace.org/testnet/api"
		}
		return "https://litecoinspace.org/api"
	default:
		return ""
	}
}
