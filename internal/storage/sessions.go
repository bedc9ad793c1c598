// Package storage - Signing session persistence.
// This file provides CRUD operations for persisting ceremony state to SQLite,
// enabling recovery after node restart.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session persistence errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// SessionRecord represents a persisted signing session in the database.
// This contains all data needed to recover a session after restart.
type SessionRecord struct {
	// Identity
	SessionID string `json:"session_id"`
	WalletID  string `json:"wallet_id"`
	Chain     string `json:"chain"`

	// Who proposed the spend (hex-encoded compressed pubkey)
	InitiatorPubKey string `json:"initiator_pubkey"`

	// Spend details
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	FeeRate   uint64 `json:"fee_rate"`
	Memo      string `json:"memo,omitempty"`

	// Ceremony state (matches signing.State)
	State string `json:"state"`

	// Unsigned transaction and the digest every participant signs (hex)
	UnsignedTx string `json:"unsigned_tx,omitempty"`
	SigDigest  string `json:"sig_digest,omitempty"`

	// Result
	FinalSig      string `json:"final_sig,omitempty"`
	ResultTxID    string `json:"result_txid,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// Timing
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	WarnedAt    time.Time `json:"warned_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ProgressRecord tracks one participant's contributions to a session.
type ProgressRecord struct {
	SessionID string `json:"session_id"`
	PubKey    string `json:"pubkey"`

	// Contributions (hex, empty until received)
	PubNonce   string `json:"pub_nonce,omitempty"`
	PartialSig string `json:"partial_sig,omitempty"`

	// "accept", "reject" or empty while undecided
	Decision string `json:"decision,omitempty"`

	NonceReceivedAt time.Time `json:"nonce_received_at,omitempty"`
	SigReceivedAt   time.Time `json:"sig_received_at,omitempty"`
	DecidedAt       time.Time `json:"decided_at,omitempty"`
}

const sessionColumns = `id, wallet_id, chain, initiator_pubkey,
		recipient, amount, fee_rate, memo, state,
		unsigned_tx, sig_digest, final_sig, result_txid, reason,
		created_at, updated_at, expires_at, warned_at, completed_at`

// SaveSession saves or updates a session record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveSession(sess *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	query := `
		INSERT INTO signing_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			unsigned_tx = excluded.unsigned_tx,
			sig_digest = excluded.sig_digest,
			final_sig = excluded.final_sig,
			result_txid = excluded.result_txid,
			reason = excluded.reason,
			updated_at = excluded.updated_at,
			warned_at = excluded.warned_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		sess.SessionID,
		sess.WalletID,
		sess.Chain,
		sess.InitiatorPubKey,
		sess.Recipient,
		sess.Amount,
		sess.FeeRate,
		sess.Memo,
		sess.State,
		sess.UnsignedTx,
		sess.SigDigest,
		sess.FinalSig,
		sess.ResultTxID,
		sess.FailureReason,
		sess.CreatedAt.Unix(),
		sess.UpdatedAt.Unix(),
		sess.ExpiresAt.Unix(),
		timeToUnixOrZero(sess.WarnedAt),
		timeToUnixOrZero(sess.CompletedAt),
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Storage) GetSession(sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM signing_sessions WHERE id = ?", sessionID)

	sess, err := scanSessionRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// GetPendingSessions returns all sessions that are not in a terminal state.
// These are sessions that need to be recovered (or expired) on startup.
func (s *Storage) GetPendingSessions() ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySessions(`
		SELECT `+sessionColumns+`
		FROM signing_sessions
		WHERE state NOT IN ('completed', 'rejected', 'expired', 'aborted')
		ORDER BY created_at ASC
	`)
}

// GetExpiredSessions returns non-terminal sessions whose deadline has passed.
func (s *Storage) GetExpiredSessions(now time.Time) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySessions(`
		SELECT `+sessionColumns+`
		FROM signing_sessions
		WHERE state NOT IN ('completed', 'rejected', 'expired', 'aborted')
		AND expires_at <= ?
		ORDER BY expires_at ASC
	`, now.Unix())
}

// GetSessionsNearingExpiry returns non-terminal sessions inside the warning
// window that have not been warned yet.
func (s *Storage) GetSessionsNearingExpiry(now time.Time, window time.Duration) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySessions(`
		SELECT `+sessionColumns+`
		FROM signing_sessions
		WHERE state NOT IN ('completed', 'rejected', 'expired', 'aborted')
		AND warned_at = 0
		AND expires_at > ?
		AND expires_at <= ?
		ORDER BY expires_at ASC
	`, now.Unix(), now.Add(window).Unix())
}

// MarkSessionWarned records that an expiry warning was emitted. The warning
// is one-shot per session.
func (s *Storage) MarkSessionWarned(sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE signing_sessions SET warned_at = ? WHERE id = ? AND warned_at = 0",
		at.Unix(), sessionID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions returns sessions for a wallet (or all wallets if walletID is
// empty), newest first.
func (s *Storage) ListSessions(walletID string, limit int, includeTerminal bool) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + sessionColumns + " FROM signing_sessions WHERE 1=1"
	var args []interface{}

	if walletID != "" {
		query += " AND wallet_id = ?"
		args = append(args, walletID)
	}
	if !includeTerminal {
		query += " AND state NOT IN ('completed', 'rejected', 'expired', 'aborted')"
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	return s.querySessions(query, args...)
}

// DeleteSessionsBefore removes terminal sessions completed before the cutoff.
// Returns the number of sessions removed.
func (s *Storage) DeleteSessionsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Progress rows first, the session rows reference them
	_, err := s.db.Exec(`
		DELETE FROM session_progress WHERE session_id IN (
			SELECT id FROM signing_sessions
			WHERE state IN ('completed', 'rejected', 'expired', 'aborted')
			AND completed_at > 0 AND completed_at < ?
		)
	`, cutoff.Unix())
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM signing_sessions
		WHERE state IN ('completed', 'rejected', 'expired', 'aborted')
		AND completed_at > 0 AND completed_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SessionCount returns count of pending and terminal sessions.
func (s *Storage) SessionCount() (pending, terminal int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM signing_sessions WHERE state NOT IN ('completed', 'rejected', 'expired', 'aborted')",
	).Scan(&pending)
	if err != nil {
		return
	}

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM signing_sessions WHERE state IN ('completed', 'rejected', 'expired', 'aborted')",
	).Scan(&terminal)
	return
}

// =============================================================================
// Session Progress
// =============================================================================

// SaveNonce records a participant's public nonce. The first write wins:
// redelivered nonces for the same (session, pubkey) are ignored.
func (s *Storage) SaveNonce(sessionID, pubkey, pubNonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_progress (session_id, pubkey, pub_nonce, nonce_received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, pubkey) DO UPDATE SET
			pub_nonce = COALESCE(session_progress.pub_nonce, excluded.pub_nonce),
			nonce_received_at = COALESCE(session_progress.nonce_received_at, excluded.nonce_received_at)
	`, sessionID, pubkey, pubNonce, time.Now().Unix())
	return err
}

// SavePartialSig records a participant's partial signature. First write wins.
func (s *Storage) SavePartialSig(sessionID, pubkey, partialSig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_progress (session_id, pubkey, partial_sig, sig_received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, pubkey) DO UPDATE SET
			partial_sig = COALESCE(session_progress.partial_sig, excluded.partial_sig),
			sig_received_at = COALESCE(session_progress.sig_received_at, excluded.sig_received_at)
	`, sessionID, pubkey, partialSig, time.Now().Unix())
	return err
}

// SaveDecision records a participant's accept/reject decision. First write wins.
func (s *Storage) SaveDecision(sessionID, pubkey, decision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_progress (session_id, pubkey, decision, decided_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, pubkey) DO UPDATE SET
			decision = COALESCE(session_progress.decision, excluded.decision),
			decided_at = COALESCE(session_progress.decided_at, excluded.decided_at)
	`, sessionID, pubkey, decision, time.Now().Unix())
	return err
}

// GetProgress returns all participant progress rows for a session.
func (s *Storage) GetProgress(sessionID string) ([]*ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_id, pubkey, pub_nonce, partial_sig, decision,
		       nonce_received_at, sig_received_at, decided_at
		FROM session_progress
		WHERE session_id = ?
		ORDER BY pubkey ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ProgressRecord
	for rows.Next() {
		var rec ProgressRecord
		var nonce, sig, decision sql.NullString
		var nonceAt, sigAt, decidedAt sql.NullInt64

		err := rows.Scan(&rec.SessionID, &rec.PubKey, &nonce, &sig, &decision,
			&nonceAt, &sigAt, &decidedAt)
		if err != nil {
			return nil, err
		}

		rec.PubNonce = nonce.String
		rec.PartialSig = sig.String
		rec.Decision = decision.String
		if nonceAt.Valid && nonceAt.Int64 > 0 {
			rec.NonceReceivedAt = time.Unix(nonceAt.Int64, 0)
		}
		if sigAt.Valid && sigAt.Int64 > 0 {
			rec.SigReceivedAt = time.Unix(sigAt.Int64, 0)
		}
		if decidedAt.Valid && decidedAt.Int64 > 0 {
			rec.DecidedAt = time.Unix(decidedAt.Int64, 0)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// =============================================================================
// Helper Functions
// =============================================================================

func (s *Storage) querySessions(query string, args ...interface{}) ([]*SessionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		sess, err := scanSessionRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSessionRecord(scan func(dest ...interface{}) error) (*SessionRecord, error) {
	var sess SessionRecord
	var memo, unsignedTx, sigDigest, finalSig, resultTxID, reason sql.NullString
	var createdAt, updatedAt, expiresAt, warnedAt, completedAt int64

	err := scan(
		&sess.SessionID,
		&sess.WalletID,
		&sess.Chain,
		&sess.InitiatorPubKey,
		&sess.Recipient,
		&sess.Amount,
		&sess.FeeRate,
		&memo,
		&sess.State,
		&unsignedTx,
		&sigDigest,
		&finalSig,
		&resultTxID,
		&reason,
		&createdAt,
		&updatedAt,
		&expiresAt,
		&warnedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Memo = memo.String
	sess.UnsignedTx = unsignedTx.String
	sess.SigDigest = sigDigest.String
	sess.FinalSig = finalSig.String
	sess.ResultTxID = resultTxID.String
	sess.FailureReason = reason.String

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	if warnedAt > 0 {
		sess.WarnedAt = time.Unix(warnedAt, 0)
	}
	if completedAt > 0 {
		sess.CompletedAt = time.Unix(completedAt, 0)
	}

	return &sess, nil
}
