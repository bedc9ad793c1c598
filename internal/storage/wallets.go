// Package storage - Shared wallet persistence.
package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Wallet persistence errors
var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletExists   = errors.New("wallet already exists")
)

// WalletRecord represents a persisted shared wallet.
type WalletRecord struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Chain string `json:"chain"`

	// Aggregated key material (hex)
	AggregatedPubKey string `json:"aggregated_pubkey"`
	TweakedPubKey    string `json:"tweaked_pubkey"`
	Address          string `json:"address"`

	// Our key within the participant set (hex-encoded compressed pubkey)
	LocalPubKey string `json:"local_pubkey"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ParticipantRecord represents one participant of a shared wallet.
type ParticipantRecord struct {
	WalletID string `json:"wallet_id"`
	PubKey   string `json:"pubkey"`

	// Position in the lexicographically sorted key list
	Position int `json:"position"`

	// Transport binding (libp2p peer ID, empty until discovered)
	PeerID string `json:"peer_id,omitempty"`
	Label  string `json:"label,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SaveWallet persists a wallet and its participant set in one transaction.
func (s *Storage) SaveWallet(w *WalletRecord, participants []*ParticipantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM shared_wallets WHERE id = ?", w.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return ErrWalletExists
	}

	_, err = tx.Exec(`
		INSERT INTO shared_wallets (id, label, chain, aggregated_pubkey, tweaked_pubkey,
			address, local_pubkey, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Label, w.Chain, w.AggregatedPubKey, w.TweakedPubKey,
		w.Address, w.LocalPubKey, w.CreatedAt.Unix(), w.UpdatedAt.Unix())
	if err != nil {
		return err
	}

	for _, p := range participants {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		_, err = tx.Exec(`
			INSERT INTO wallet_participants (wallet_id, pubkey, position, peer_id, label, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, w.ID, p.PubKey, p.Position, p.PeerID, p.Label, p.CreatedAt.Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetWallet retrieves a wallet by ID.
func (s *Storage) GetWallet(walletID string) (*WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, label, chain, aggregated_pubkey, tweaked_pubkey,
		       address, local_pubkey, created_at, updated_at
		FROM shared_wallets WHERE id = ?
	`, walletID)

	w, err := scanWalletRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return w, err
}

// ListWallets returns all wallets, newest first.
func (s *Storage) ListWallets() ([]*WalletRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, label, chain, aggregated_pubkey, tweaked_pubkey,
		       address, local_pubkey, created_at, updated_at
		FROM shared_wallets
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*WalletRecord
	for rows.Next() {
		w, err := scanWalletRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// GetParticipants returns the participant set of a wallet in aggregation order.
func (s *Storage) GetParticipants(walletID string) ([]*ParticipantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT wallet_id, pubkey, position, peer_id, label, created_at
		FROM wallet_participants
		WHERE wallet_id = ?
		ORDER BY position ASC
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*ParticipantRecord
	for rows.Next() {
		var p ParticipantRecord
		var peerID, label sql.NullString
		var createdAt int64

		err := rows.Scan(&p.WalletID, &p.PubKey, &p.Position, &peerID, &label, &createdAt)
		if err != nil {
			return nil, err
		}
		p.PeerID = peerID.String
		p.Label = label.String
		p.CreatedAt = time.Unix(createdAt, 0)
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

// BindParticipantPeer sets the libp2p peer ID for a participant key.
func (s *Storage) BindParticipantPeer(walletID, pubkey, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE wallet_participants SET peer_id = ? WHERE wallet_id = ? AND pubkey = ?",
		peerID, walletID, pubkey)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// FindParticipantByPeer returns participant rows bound to a peer ID.
func (s *Storage) FindParticipantByPeer(peerID string) ([]*ParticipantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT wallet_id, pubkey, position, peer_id, label, created_at
		FROM wallet_participants
		WHERE peer_id = ?
	`, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*ParticipantRecord
	for rows.Next() {
		var p ParticipantRecord
		var pid, label sql.NullString
		var createdAt int64

		if err := rows.Scan(&p.WalletID, &p.PubKey, &p.Position, &pid, &label, &createdAt); err != nil {
			return nil, err
		}
		p.PeerID = pid.String
		p.Label = label.String
		p.CreatedAt = time.Unix(createdAt, 0)
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

// DeleteWallet removes a wallet and its participant rows.
// Sessions referencing the wallet are kept for history.
func (s *Storage) DeleteWallet(walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM wallet_participants WHERE wallet_id = ?", walletID); err != nil {
		return err
	}

	result, err := tx.Exec("DELETE FROM shared_wallets WHERE id = ?", walletID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}

	return tx.Commit()
}

// WalletCount returns the number of shared wallets.
func (s *Storage) WalletCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM shared_wallets").Scan(&count)
	return count, err
}

func scanWalletRecord(scan func(dest ...interface{}) error) (*WalletRecord, error) {
	var w WalletRecord
	var label sql.NullString
	var createdAt, updatedAt int64

	err := scan(
		&w.ID,
		&label,
		&w.Chain,
		&w.AggregatedPubKey,
		&w.TweakedPubKey,
		&w.Address,
		&w.LocalPubKey,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Label = label.String
	w.CreatedAt = time.Unix(createdAt, 0)
	if updatedAt > 0 {
		w.UpdatedAt = time.Unix(updatedAt, 0)
	}
	return &w, nil
}
