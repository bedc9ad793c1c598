// Package signing - Reject/abort decisions and expiry for the Coordinator.
package signing

import (
	"context"
	"fmt"
	"time"
)

// RejectSession declines a proposed spend as a co-signer and notifies the
// other participants so their mirrors terminate without waiting for the
// timeout. Rejecting an already-terminal session is a no-op.
func (c *Coordinator) RejectSession(ctx context.Context, sessionID, reason string) error {
	return c.decide(ctx, sessionID, DecisionReject, reason)
}

// AbortSession cancels a session (initiator cancel or local fatal error) and
// notifies the other participants. Aborting an already-terminal session is a
// no-op.
func (c *Coordinator) AbortSession(ctx context.Context, sessionID, reason string) error {
	return c.decide(ctx, sessionID, DecisionAbort, reason)
}

func (c *Coordinator) decide(ctx context.Context, sessionID, decision, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if State(sess.Record.State).IsTerminal() {
		return nil
	}

	target := StateRejected
	if decision == DecisionAbort {
		target = StateAborted
	}

	if reason == "" {
		reason = "declined by participant"
		if decision == DecisionAbort {
			reason = "cancelled"
		}
	}

	localHex := c.wallets.Identity().PubKeyHex()
	if p, ok := sess.Progress[localHex]; ok {
		p.Decision = decision
	}
	if err := c.store.SaveDecision(sessionID, localHex, decision); err != nil {
		c.log.Warn("failed to persist decision", "session_id", sessionID, "error", err)
	}

	sess.Record.FailureReason = reason
	if err := sess.transition(target); err != nil {
		return err
	}
	c.persist(sess)

	c.sendToPeers(ctx, sess, MsgDecision, &DecisionPayload{
		SessionID: sessionID,
		PubKey:    localHex,
		Decision:  decision,
		Reason:    reason,
	})

	c.log.Info("session terminated locally",
		"session_id", sessionID,
		"decision", decision,
		"reason", reason)

	c.emitEvent(sessionID, string(target), map[string]string{"reason": reason})
	return nil
}

// HandleDecision processes a co-signer's reject or the initiator's abort,
// terminating the local session mirror. Decisions for terminal sessions are
// no-ops; decisions from non-participants are dropped.
func (c *Coordinator) HandleDecision(ctx context.Context, fromPeer string, data []byte) error {
	var payload DecisionPayload
	if err := decodePayload(data, &payload); err != nil {
		return fmt.Errorf("malformed decision message: %w", err)
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

	progress, ok := sess.Progress[payload.PubKey]
	if !ok {
		c.log.Warn("decision from non-participant dropped",
			"session_id", payload.SessionID, "pubkey", payload.PubKey)
		return ErrUnknownParticipant
	}

	target := StateRejected
	if payload.Decision == DecisionAbort {
		target = StateAborted
	} else if payload.Decision != DecisionReject {
		return fmt.Errorf("unknown decision %q", payload.Decision)
	}

	progress.Decision = payload.Decision
	if err := c.store.SaveDecision(payload.SessionID, payload.PubKey, payload.Decision); err != nil {
		c.log.Warn("failed to persist decision", "session_id", payload.SessionID, "error", err)
	}

	reason := payload.Reason
	if reason == "" {
		reason = fmt.Sprintf("%sed by participant", payload.Decision)
	}
	sess.Record.FailureReason = reason
	if err := sess.transition(target); err != nil {
		return err
	}
	c.persist(sess)

	c.log.Info("session terminated by participant",
		"session_id", payload.SessionID,
		"pubkey", payload.PubKey,
		"decision", payload.Decision,
		"reason", reason)

	c.emitEvent(payload.SessionID, string(target), map[string]string{
		"pubkey": payload.PubKey,
		"reason": reason,
	})
	return nil
}

// ExpireSession moves a session past its deadline to expired. Called by the
// timeout supervisor; safe on sessions that already reached a terminal state.
func (c *Coordinator) ExpireSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		// Session not active in memory; expire the record directly
		record, err := c.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if State(record.State).IsTerminal() {
			return nil
		}
		record.State = string(StateExpired)
		record.FailureReason = "request expired"
		record.UpdatedAt = time.Now()
		record.CompletedAt = record.UpdatedAt
		if err := c.store.SaveSession(record); err != nil {
			return err
		}
		c.emitEvent(sessionID, string(StateExpired), nil)
		return nil
	}

	if State(sess.Record.State).IsTerminal() {
		return nil
	}
	c.expireLocked(sess)
	return nil
}

// expireLocked transitions an in-memory session to expired. Caller holds c.mu.
func (c *Coordinator) expireLocked(sess *Session) {
	if State(sess.Record.State).IsTerminal() {
		return
	}
	sess.Record.FailureReason = "request expired"
	if err := sess.transition(StateExpired); err != nil {
		return
	}
	c.persist(sess)

	c.log.Info("session expired", "session_id", sess.Record.SessionID)
	c.emitEvent(sess.Record.SessionID, string(StateExpired), nil)
}

// abortLocked transitions a session to aborted after a local fatal error and
// notifies the co-signers. Caller holds c.mu.
func (c *Coordinator) abortLocked(ctx context.Context, sess *Session, reason string) {
	if State(sess.Record.State).IsTerminal() {
		return
	}
	sess.Record.FailureReason = reason
	if err := sess.transition(StateAborted); err != nil {
		return
	}
	c.persist(sess)

	localHex := c.wallets.Identity().PubKeyHex()
	c.sendToPeers(ctx, sess, MsgDecision, &DecisionPayload{
		SessionID: sess.Record.SessionID,
		PubKey:    localHex,
		Decision:  DecisionAbort,
		Reason:    reason,
	})

	c.log.Warn("session aborted",
		"session_id", sess.Record.SessionID, "reason", reason)
	c.emitEvent(sess.Record.SessionID, string(StateAborted), map[string]string{"reason": reason})
}
