// Package signing - Partial-signature round (round 2), aggregation and
// broadcast for the Coordinator.
package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/kosign/internal/backend"
)

// ContributePartialSignature signs the session digest with the local key and
// sends the partial signature to the co-signers. Only legal once every nonce
// is fixed; partial signatures are binding, so the caller must have shown the
// user the full transaction first. Calling it twice is a no-op.
func (c *Coordinator) ContributePartialSignature(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	state := State(sess.Record.State)
	if state.IsTerminal() {
		return ErrSessionTerminal
	}
	if sess.IsExpired(time.Now()) {
		c.expireLocked(sess)
		return ErrSessionExpired
	}
	if state != StateAwaitingPartials {
		return ErrWrongRound
	}
	if sess.Signer == nil {
		return ErrSignerNotReady
	}

	localHex := sess.Signer.LocalPubKeyHex()
	if sess.Progress[localHex].HasPartialSig() {
		return nil
	}

	digest, err := hex.DecodeString(sess.Record.SigDigest)
	if err != nil {
		return fmt.Errorf("corrupt session digest: %w", err)
	}

	sig, err := sess.Signer.Sign(digest)
	if err != nil {
		return err
	}

	sess.Progress[localHex].PartialSig = sig
	if err := c.store.SavePartialSig(sess.Record.SessionID, localHex, hex.EncodeToString(sig)); err != nil {
		c.log.Warn("failed to persist partial signature",
			"session_id", sess.Record.SessionID, "error", err)
	}

	c.sendToPeers(ctx, sess, MsgPartialSig, &PartialSigPayload{
		SessionID:  sess.Record.SessionID,
		PubKey:     localHex,
		PartialSig: hex.EncodeToString(sig),
	})

	c.log.Debug("contributed partial signature", "session_id", sess.Record.SessionID)

	return c.advanceSigningRoundLocked(ctx, sess)
}

// HandlePartialSig processes a co-signer's partial signature. Signatures that
// arrive before the local nonce round is complete are buffered in progress
// and combined later. Redelivery is a no-op.
func (c *Coordinator) HandlePartialSig(ctx context.Context, fromPeer string, data []byte) error {
	var payload PartialSigPayload
	if err := decodePayload(data, &payload); err != nil {
		return fmt.Errorf("malformed partial signature message: %w", err)
	}

	sig, err := hex.DecodeString(payload.PartialSig)
	if err != nil {
		return fmt.Errorf("malformed partial signature hex: %w", err)
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
		c.log.Warn("partial signature from non-participant dropped",
			"session_id", payload.SessionID, "pubkey", payload.PubKey)
		return ErrUnknownParticipant
	}

	if progress.HasPartialSig() {
		if hex.EncodeToString(progress.PartialSig) != payload.PartialSig {
			c.log.Warn("conflicting partial signature dropped",
				"session_id", payload.SessionID, "pubkey", payload.PubKey)
		}
		return nil
	}

	progress.PartialSig = sig
	if err := c.store.SavePartialSig(payload.SessionID, payload.PubKey, payload.PartialSig); err != nil {
		c.log.Warn("failed to persist partial signature",
			"session_id", payload.SessionID, "error", err)
	}

	c.log.Debug("received partial signature",
		"session_id", payload.SessionID, "pubkey", payload.PubKey)

	return c.advanceSigningRoundLocked(ctx, sess)
}

// advanceSigningRoundLocked triggers aggregation once every partial signature
// is present and the local participant has signed. Only the initiator
// aggregates and broadcasts; co-signers park in aggregating and wait for the
// completion notification. Caller holds c.mu.
func (c *Coordinator) advanceSigningRoundLocked(ctx context.Context, sess *Session) error {
	if State(sess.Record.State) != StateAwaitingPartials {
		return nil
	}
	if !sess.allPartialSigs() {
		return nil
	}
	if sess.Signer == nil || sess.Signer.IsValid() {
		// Local participant has not signed yet; signing is what arms the
		// signer for aggregation
		return nil
	}

	if err := sess.transition(StateAggregating); err != nil {
		return err
	}
	c.persist(sess)
	c.emitEvent(sess.Record.SessionID, "aggregating", nil)

	if !sess.Initiator {
		return nil
	}
	return c.aggregateAndBroadcastLocked(ctx, sess)
}

// aggregateAndBroadcastLocked combines all partial signatures into the final
// Schnorr signature, attaches it, and submits the transaction. Caller holds
// c.mu and the session is in StateAggregating.
func (c *Coordinator) aggregateAndBroadcastLocked(ctx context.Context, sess *Session) error {
	localHex := sess.Signer.LocalPubKeyHex()

	for pubkey, progress := range sess.Progress {
		if pubkey == localHex {
			continue
		}
		if _, err := sess.Signer.AddPartialSig(pubkey, progress.PartialSig); err != nil {
			c.abortLocked(ctx, sess, fmt.Sprintf("signature aggregation failed: %v", err))
			return err
		}
	}

	finalSig, err := sess.Signer.FinalSig()
	if err != nil {
		c.abortLocked(ctx, sess, fmt.Sprintf("signature aggregation failed: %v", err))
		return err
	}
	sess.Record.FinalSig = hex.EncodeToString(finalSig)

	tx, err := DeserializeTx(sess.Record.UnsignedTx)
	if err != nil {
		c.abortLocked(ctx, sess, fmt.Sprintf("corrupt session transaction: %v", err))
		return err
	}
	AttachFinalSig(tx, finalSig)

	txHex, err := SerializeTx(tx)
	if err != nil {
		c.abortLocked(ctx, sess, fmt.Sprintf("failed to serialize signed transaction: %v", err))
		return err
	}

	b, err := c.backends.Get(sess.Record.Chain)
	if err != nil {
		c.abortLocked(ctx, sess, fmt.Sprintf("no backend for chain %s", sess.Record.Chain))
		return err
	}

	txid, err := b.BroadcastTransaction(ctx, txHex)
	if err != nil {
		// A conflicting concurrent spend from the same wallet is expected
		// under the no-global-lock model: surface it clearly, never retry
		reason := fmt.Sprintf("broadcast failed: %v", err)
		if errors.Is(err, backend.ErrConflictingSpend) {
			reason = "this spend conflicts with another transaction"
		}
		c.abortLocked(ctx, sess, reason)
		return err
	}

	sess.Record.ResultTxID = txid
	if err := sess.transition(StateCompleted); err != nil {
		return err
	}
	c.persist(sess)

	c.log.Info("session completed",
		"session_id", sess.Record.SessionID,
		"txid", txid)

	// Best-effort notification; the transaction is on-chain regardless
	c.sendToPeers(ctx, sess, MsgCompleted, &CompletedPayload{
		SessionID:  sess.Record.SessionID,
		PubKey:     localHex,
		ResultTxID: txid,
		FinalSig:   sess.Record.FinalSig,
	})
	c.emitEvent(sess.Record.SessionID, "completed", map[string]string{"txid": txid})
	return nil
}

// HandleCompleted processes the initiator's broadcast notification on a
// co-signer. A completion is only binding once its aggregated signature
// verifies against the session digest and the shared output key; anything
// else is dropped. Idempotent; terminal sessions are left untouched.
func (c *Coordinator) HandleCompleted(ctx context.Context, fromPeer string, data []byte) error {
	var payload CompletedPayload
	if err := decodePayload(data, &payload); err != nil {
		return fmt.Errorf("malformed completion message: %w", err)
	}

	sigBytes, err := hex.DecodeString(payload.FinalSig)
	if err != nil {
		return fmt.Errorf("malformed final signature hex: %w", err)
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

	if !sess.isParticipant(payload.PubKey) {
		c.log.Warn("completion from non-participant dropped",
			"session_id", payload.SessionID, "pubkey", payload.PubKey)
		return ErrUnknownParticipant
	}
	if sess.Signer == nil {
		// Nothing to verify against; a completion cannot precede the local
		// nonce round
		return ErrSignerNotReady
	}

	digest, err := hex.DecodeString(sess.Record.SigDigest)
	if err != nil {
		return fmt.Errorf("corrupt session digest: %w", err)
	}
	if !sess.Signer.VerifyFinalSig(sigBytes, digest) {
		c.log.Warn("completion with invalid final signature dropped",
			"session_id", payload.SessionID, "pubkey", payload.PubKey)
		return ErrInvalidFinalSig
	}

	// The ceremony may not have locally observed every partial signature;
	// the verified broadcast is authoritative
	_ = sess.transition(StateAggregating)

	sess.Record.FinalSig = payload.FinalSig
	sess.Record.ResultTxID = payload.ResultTxID
	if err := sess.transition(StateCompleted); err != nil {
		return err
	}
	c.persist(sess)

	c.log.Info("session completed by initiator",
		"session_id", payload.SessionID,
		"txid", payload.ResultTxID)

	c.emitEvent(payload.SessionID, "completed", map[string]string{"txid": payload.ResultTxID})
	return nil
}
