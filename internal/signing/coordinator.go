// Package signing - Coordinator manages active signing sessions and drives
// the ceremony flow.
package signing

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/kosign/internal/backend"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/config"
	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/internal/wallet"
	"github.com/klingon-exchange/kosign/pkg/logging"
)

// Coordinator drives signing sessions for the local participant. Every node
// in a wallet runs its own coordinator; they converge purely through message
// exchange.
type Coordinator struct {
	mu sync.RWMutex

	// Dependencies
	store    *storage.Storage
	wallets  *wallet.Registry
	backends *backend.Registry

	network chain.Network
	cfg     config.SessionConfig
	spend   config.SpendConfig

	// Delivers ceremony messages to co-signers. May be nil in tests that
	// drive handlers directly.
	transport Transport

	// Active sessions (sessionID -> Session)
	sessions map[string]*Session

	eventHandlers []EventHandler

	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// CoordinatorConfig holds construction parameters for the Coordinator.
type CoordinatorConfig struct {
	Store    *storage.Storage
	Wallets  *wallet.Registry
	Backends *backend.Registry
	Network  chain.Network
	Session  config.SessionConfig
	Spend    config.SpendConfig
}

// NewCoordinator creates a signing coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	sessionCfg := cfg.Session
	if sessionCfg.TTL == 0 {
		sessionCfg = config.DefaultSessionConfig()
	}
	spendCfg := cfg.Spend
	if spendCfg.FallbackFeeRate == 0 {
		spendCfg = config.DefaultSpendConfig()
	}

	return &Coordinator{
		store:         cfg.Store,
		wallets:       cfg.Wallets,
		backends:      cfg.Backends,
		network:       cfg.Network,
		cfg:           sessionCfg,
		spend:         spendCfg,
		sessions:      make(map[string]*Session),
		eventHandlers: make([]EventHandler, 0),
		log:           logging.GetDefault().Component("signing"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetTransport sets the message transport. Must be called before sessions
// are proposed; handlers tolerate a nil transport for local-only testing.
func (c *Coordinator) SetTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// OnEvent registers a session event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
// NOTE: caller must hold c.mu (read or write lock).
func (c *Coordinator) emitEvent(sessionID, eventType string, data interface{}) {
	event := Event{
		SessionID: sessionID,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)

	for _, handler := range handlers {
		go handler(event)
	}
}

// GetSession returns an active session.
func (c *Coordinator) GetSession(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions returns persisted sessions, optionally filtered by wallet.
func (c *Coordinator) ListSessions(walletID string, limit int, includeTerminal bool) ([]*storage.SessionRecord, error) {
	return c.store.ListSessions(walletID, limit, includeTerminal)
}

// persist writes the session record to storage. Caller holds c.mu.
func (c *Coordinator) persist(sess *Session) {
	if err := c.store.SaveSession(sess.Record); err != nil {
		c.log.Error("failed to persist session",
			"session_id", sess.Record.SessionID, "error", err)
	}
}

// sendToPeers delivers a ceremony message to every bound co-signer peer.
// Unbound participants are skipped; the retry queue covers transient
// failures once a peer is known.
func (c *Coordinator) sendToPeers(ctx context.Context, sess *Session, msgType string, payload interface{}) {
	if c.transport == nil {
		return
	}

	peers, err := c.wallets.ParticipantPeers(sess.Record.WalletID)
	if err != nil {
		c.log.Warn("failed to resolve participant peers",
			"session_id", sess.Record.SessionID, "error", err)
		return
	}

	timeout := sess.Record.ExpiresAt.Unix()
	for pubkey, peerID := range peers {
		if err := c.transport.SendSessionMessage(ctx, peerID, sess.Record.SessionID, timeout, msgType, payload); err != nil {
			c.log.Warn("failed to send session message",
				"session_id", sess.Record.SessionID,
				"type", msgType,
				"to", pubkey,
				"error", err)
		}
	}
}

// Close shuts down the coordinator.
func (c *Coordinator) Close() error {
	c.cancel()
	return nil
}
