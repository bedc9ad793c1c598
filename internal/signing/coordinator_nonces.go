// Package signing - Nonce round (round 1) handling for the Coordinator.
package signing

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// ContributeNonce generates the local participant's public nonce for a
// session and sends it to the co-signers. Safe to call before deciding on
// the spend itself; only the partial signature is binding. Calling it twice
// is a no-op.
func (c *Coordinator) ContributeNonce(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	return c.contributeNonceLocked(ctx, sess)
}

// contributeNonceLocked performs the nonce contribution. Caller holds c.mu.
func (c *Coordinator) contributeNonceLocked(ctx context.Context, sess *Session) error {
	state := State(sess.Record.State)
	if state.IsTerminal() {
		return ErrSessionTerminal
	}
	if sess.IsExpired(time.Now()) {
		c.expireLocked(sess)
		return ErrSessionExpired
	}
	if state != StateProposed && state != StateAwaitingNonces {
		return ErrWrongRound
	}

	if sess.Signer == nil {
		signer, err := c.newSessionSigner(sess)
		if err != nil {
			return err
		}
		sess.Signer = signer
	}

	localHex := sess.Signer.LocalPubKeyHex()
	if sess.Progress[localHex].HasNonce() {
		return nil
	}

	nonce, err := sess.Signer.GenerateNonces()
	if err != nil {
		return err
	}

	sess.Progress[localHex].PubNonce = nonce
	if err := c.store.SaveNonce(sess.Record.SessionID, localHex, hex.EncodeToString(nonce)); err != nil {
		c.log.Warn("failed to persist local nonce", "session_id", sess.Record.SessionID, "error", err)
	}

	if err := sess.transition(StateAwaitingNonces); err != nil {
		return err
	}
	c.persist(sess)

	c.sendToPeers(ctx, sess, MsgNonce, &NoncePayload{
		SessionID: sess.Record.SessionID,
		PubKey:    localHex,
		PubNonce:  hex.EncodeToString(nonce),
	})

	c.log.Debug("contributed nonce", "session_id", sess.Record.SessionID)

	return c.advanceNonceRoundLocked(sess)
}

// HandleNonce processes a co-signer's public nonce. Redelivery of the same
// nonce for the same (session, participant) is a no-op.
func (c *Coordinator) HandleNonce(ctx context.Context, fromPeer string, data []byte) error {
	var payload NoncePayload
	if err := decodePayload(data, &payload); err != nil {
		return fmt.Errorf("malformed nonce message: %w", err)
	}

	nonce, err := hex.DecodeString(payload.PubNonce)
	if err != nil {
		return fmt.Errorf("malformed nonce hex: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[payload.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if State(sess.Record.State).IsTerminal() {
		return nil
	}
	if sess.IsExpired(time.Now()) {
		c.expireLocked(sess)
		return ErrSessionExpired
	}

	progress, ok := sess.Progress[payload.PubKey]
	if !ok {
		c.log.Warn("nonce from non-participant dropped",
			"session_id", payload.SessionID, "pubkey", payload.PubKey)
		return ErrUnknownParticipant
	}

	if progress.HasNonce() {
		// At-least-once delivery: first nonce wins, identical redelivery
		// is silently absorbed
		if hex.EncodeToString(progress.PubNonce) != payload.PubNonce {
			c.log.Warn("conflicting nonce dropped",
				"session_id", payload.SessionID, "pubkey", payload.PubKey)
		}
		return nil
	}

	progress.PubNonce = nonce
	if err := c.store.SaveNonce(payload.SessionID, payload.PubKey, payload.PubNonce); err != nil {
		c.log.Warn("failed to persist nonce", "session_id", payload.SessionID, "error", err)
	}

	if sess.Signer != nil {
		if err := sess.Signer.SetParticipantNonce(payload.PubKey, nonce); err != nil {
			return err
		}
	}

	c.log.Debug("received nonce",
		"session_id", payload.SessionID, "pubkey", payload.PubKey)

	return c.advanceNonceRoundLocked(sess)
}

// advanceNonceRoundLocked moves the session to the partial-signature round
// once every participant's nonce is present. Caller holds c.mu.
func (c *Coordinator) advanceNonceRoundLocked(sess *Session) error {
	if !sess.allNonces() {
		return nil
	}
	state := State(sess.Record.State)
	if state != StateProposed && state != StateAwaitingNonces {
		return nil
	}

	// Fix all nonces in the signer before any partial signature exists
	if sess.Signer != nil {
		localHex := sess.Signer.LocalPubKeyHex()
		for pubkey, p := range sess.Progress {
			if pubkey == localHex {
				continue
			}
			if err := sess.Signer.SetParticipantNonce(pubkey, p.PubNonce); err != nil {
				return err
			}
		}
	}

	if err := sess.transition(StateAwaitingPartials); err != nil {
		return err
	}
	c.persist(sess)
	c.emitEvent(sess.Record.SessionID, "nonces_complete", nil)

	c.log.Info("all nonces received",
		"session_id", sess.Record.SessionID,
		"participants", len(sess.Progress))
	return nil
}
