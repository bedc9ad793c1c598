// Package signing - Crash recovery for the Coordinator.
package signing

import (
	"context"
	"encoding/hex"
	"time"
)

// LoadSessions restores non-terminal sessions from storage after a restart.
// Sessions past their deadline are expired immediately. Sessions where this
// node had already shared a nonce are aborted: the secret nonce halves are
// deliberately never persisted, and continuing a ceremony with regenerated
// nonces after co-signers saw the old public nonce is exactly the reuse
// hazard MuSig2 forbids. Everything else resumes awaiting messages.
func (c *Coordinator) LoadSessions(ctx context.Context) (int, error) {
	records, err := c.store.GetPendingSessions()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	localHex := c.wallets.Identity().PubKeyHex()
	resumed := 0

	for _, record := range records {
		w, err := c.wallets.GetWallet(record.WalletID)
		if err != nil {
			record.State = string(StateAborted)
			record.FailureReason = "wallet no longer exists"
			record.UpdatedAt = now
			record.CompletedAt = now
			if err := c.store.SaveSession(record); err != nil {
				c.log.Warn("failed to persist aborted session", "session_id", record.SessionID, "error", err)
			}
			continue
		}

		if !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt) {
			record.State = string(StateExpired)
			record.FailureReason = "request expired"
			record.UpdatedAt = now
			record.CompletedAt = now
			if err := c.store.SaveSession(record); err != nil {
				c.log.Warn("failed to persist expired session", "session_id", record.SessionID, "error", err)
			}
			c.emitEvent(record.SessionID, string(StateExpired), nil)
			continue
		}

		sess := newSession(record, w, record.InitiatorPubKey == localHex)

		progressRecords, err := c.store.GetProgress(record.SessionID)
		if err != nil {
			c.log.Warn("failed to load session progress",
				"session_id", record.SessionID, "error", err)
			continue
		}

		localContributed := false
		for _, pr := range progressRecords {
			p, ok := sess.Progress[pr.PubKey]
			if !ok {
				continue
			}
			if pr.PubNonce != "" {
				if nonce, err := hex.DecodeString(pr.PubNonce); err == nil {
					p.PubNonce = nonce
				}
			}
			if pr.PartialSig != "" {
				if sig, err := hex.DecodeString(pr.PartialSig); err == nil {
					p.PartialSig = sig
				}
			}
			p.Decision = pr.Decision
			if pr.PubKey == localHex && p.HasNonce() {
				localContributed = true
			}
		}

		if localContributed && record.State != string(StateCompleted) {
			c.sessions[record.SessionID] = sess
			c.abortLocked(ctx, sess, "signing state lost on restart")
			continue
		}

		c.sessions[record.SessionID] = sess
		resumed++

		c.log.Info("resumed session",
			"session_id", record.SessionID,
			"wallet_id", record.WalletID,
			"state", record.State)
	}

	return resumed, nil
}
