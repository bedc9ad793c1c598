// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the kosign node.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "kosign.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Known peers table
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		last_connected INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- =========================================================================
	-- Shared Wallets
	-- =========================================================================

	-- A shared wallet is an N-of-N MuSig2 aggregated key. The wallet ID is a
	-- fingerprint of the sorted participant keys, so all participants derive
	-- the same ID independently.
	CREATE TABLE IF NOT EXISTS shared_wallets (
		id TEXT PRIMARY KEY,
		label TEXT,
		chain TEXT NOT NULL,

		-- Aggregated key material (hex)
		aggregated_pubkey TEXT NOT NULL,
		tweaked_pubkey TEXT NOT NULL,
		address TEXT NOT NULL,

		-- Our key within the participant set (hex-encoded compressed pubkey)
		local_pubkey TEXT NOT NULL,

		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_chain ON shared_wallets(chain);
	CREATE INDEX IF NOT EXISTS idx_wallets_address ON shared_wallets(address);

	-- Participant set of a shared wallet. Position is the index in the
	-- lexicographically sorted key list used for aggregation.
	CREATE TABLE IF NOT EXISTS wallet_participants (
		wallet_id TEXT NOT NULL,
		pubkey TEXT NOT NULL,
		position INTEGER NOT NULL,

		-- Transport binding (libp2p peer ID, set once discovered)
		peer_id TEXT,
		label TEXT,

		created_at INTEGER NOT NULL,

		PRIMARY KEY (wallet_id, pubkey),
		FOREIGN KEY (wallet_id) REFERENCES shared_wallets(id)
	);

	CREATE INDEX IF NOT EXISTS idx_participants_wallet ON wallet_participants(wallet_id, position);
	CREATE INDEX IF NOT EXISTS idx_participants_peer ON wallet_participants(peer_id);

	-- =========================================================================
	-- Signing Sessions
	-- =========================================================================

	-- One row per signing ceremony. Persisted on every state change so an
	-- interrupted ceremony can be recovered (or expired) after restart.
	CREATE TABLE IF NOT EXISTS signing_sessions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		chain TEXT NOT NULL,

		-- Who proposed the spend (hex-encoded compressed pubkey)
		initiator_pubkey TEXT NOT NULL,

		-- Spend details
		recipient TEXT NOT NULL,
		amount INTEGER NOT NULL,
		fee_rate INTEGER NOT NULL,
		memo TEXT,

		-- Ceremony state
		state TEXT NOT NULL DEFAULT 'proposed',

		-- Unsigned transaction and the digest every participant signs (hex)
		unsigned_tx TEXT,
		sig_digest TEXT,

		-- Aggregated signature and broadcast result
		final_sig TEXT,
		result_txid TEXT,

		-- Why the session reached a terminal failure state
		reason TEXT,

		-- Timing. expires_at is fixed at proposal time and never extended.
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		warned_at INTEGER DEFAULT 0,
		completed_at INTEGER DEFAULT 0,

		FOREIGN KEY (wallet_id) REFERENCES shared_wallets(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_wallet ON signing_sessions(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON signing_sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON signing_sessions(expires_at);

	-- Per-participant ceremony progress: which nonce and partial signature
	-- each participant has contributed, and their accept/reject decision.
	-- Keyed by (session, pubkey) so redelivered messages overwrite nothing.
	CREATE TABLE IF NOT EXISTS session_progress (
		session_id TEXT NOT NULL,
		pubkey TEXT NOT NULL,

		-- Contributions (hex, NULL until received)
		pub_nonce TEXT,
		partial_sig TEXT,

		-- accept, reject or NULL while undecided
		decision TEXT,

		nonce_received_at INTEGER,
		sig_received_at INTEGER,
		decided_at INTEGER,

		PRIMARY KEY (session_id, pubkey),
		FOREIGN KEY (session_id) REFERENCES signing_sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_progress_session ON session_progress(session_id);

	-- =========================================================================
	-- P2P Message Queue (for reliable direct messaging)
	-- =========================================================================

	-- Outbound message queue (pending delivery with retry)
	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID for deduplication
		session_id TEXT NOT NULL,             -- Associated signing session
		peer_id TEXT NOT NULL,                -- Target peer
		message_type TEXT NOT NULL,           -- proposal, nonce, partial_sig, etc.
		payload BLOB NOT NULL,                -- Full message JSON
		sequence_num INTEGER NOT NULL,        -- Per-session sequence number

		-- Session deadline (for retry decision)
		session_timeout INTEGER NOT NULL,     -- Unix timestamp when session expires

		-- Retry tracking
		created_at INTEGER NOT NULL,          -- When message was queued
		retry_count INTEGER DEFAULT 0,        -- Number of send attempts
		last_attempt_at INTEGER,              -- Last send attempt timestamp
		next_retry_at INTEGER NOT NULL,       -- When to retry next

		-- Delivery status
		acked_at INTEGER,                     -- When ACK received (NULL until ACKed)
		status TEXT DEFAULT 'pending',        -- pending, sent, acked, failed, expired
		error_message TEXT                    -- Error if failed
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at)
		WHERE status = 'pending' OR status = 'sent';
	CREATE INDEX IF NOT EXISTS idx_outbox_session ON message_outbox(session_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON message_outbox(peer_id, status);
	CREATE INDEX IF NOT EXISTS idx_outbox_message ON message_outbox(message_id);

	-- Inbound message log (for deduplication/idempotency)
	CREATE TABLE IF NOT EXISTS message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID from sender (for dedup)
		session_id TEXT NOT NULL,             -- Associated signing session
		peer_id TEXT NOT NULL,                -- Sender peer ID
		message_type TEXT NOT NULL,           -- Message type
		sequence_num INTEGER NOT NULL,        -- Sequence number from sender

		-- Processing status
		received_at INTEGER NOT NULL,         -- When received
		processed_at INTEGER,                 -- When handler completed (NULL until done)
		ack_sent INTEGER DEFAULT 0            -- Whether ACK was sent
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_message ON message_inbox(message_id);
	CREATE INDEX IF NOT EXISTS idx_inbox_session ON message_inbox(session_id, sequence_num);
	CREATE INDEX IF NOT EXISTS idx_inbox_peer ON message_inbox(peer_id);

	-- Sequence number tracking per session (for ordering)
	CREATE TABLE IF NOT EXISTS message_sequences (
		session_id TEXT PRIMARY KEY,
		local_seq INTEGER DEFAULT 0,          -- Our next outbound sequence number
		remote_seq INTEGER DEFAULT 0,         -- Last received inbound sequence number
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
