package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingon-exchange/kosign/internal/signing"
	"github.com/klingon-exchange/kosign/internal/storage"
)

// ========================================
// Session handlers
// ========================================

// SessionProposeParams are the parameters for session_propose.
type SessionProposeParams struct {
	WalletID  string `json:"wallet_id"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	FeeRate   uint64 `json:"fee_rate,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

func (s *Server) sessionPropose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionProposeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if p.WalletID == "" {
		return nil, fmt.Errorf("wallet_id is required")
	}
	if p.Recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	sess, err := s.coordinator.ProposeSpend(ctx, p.WalletID, p.Recipient, p.Amount, p.FeeRate, p.Memo)
	if err != nil {
		return nil, err
	}

	return sessionToDetail(sess), nil
}

// SessionListParams are the parameters for session_list.
type SessionListParams struct {
	WalletID        string `json:"wallet_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	IncludeTerminal bool   `json:"include_terminal,omitempty"`
}

func (s *Server) sessionList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	if p.Limit <= 0 {
		p.Limit = 50
	}

	records, err := s.coordinator.ListSessions(p.WalletID, p.Limit, p.IncludeTerminal)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sessions": records,
		"count":    len(records),
	}, nil
}

// SessionGetParams are the parameters for methods addressing one session.
type SessionGetParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) sessionGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	// Live sessions carry ceremony progress; terminal ones only survive in
	// storage.
	sess, err := s.coordinator.GetSession(p.SessionID)
	if err == nil {
		return sessionToDetail(sess), nil
	}
	if !errors.Is(err, signing.ErrSessionNotFound) {
		return nil, err
	}

	record, err := s.store.GetSession(p.SessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, signing.ErrSessionNotFound
	}
	return &SessionDetail{Record: record}, nil
}

func (s *Server) sessionContributeNonce(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	if err := s.coordinator.ContributeNonce(ctx, p.SessionID); err != nil {
		return nil, err
	}

	return s.sessionStatus(p.SessionID)
}

func (s *Server) sessionSign(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	if err := s.coordinator.ContributePartialSignature(ctx, p.SessionID); err != nil {
		return nil, err
	}

	return s.sessionStatus(p.SessionID)
}

// SessionDecisionParams are the parameters for session_reject and
// session_abort.
type SessionDecisionParams struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) sessionReject(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionDecisionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	if err := s.coordinator.RejectSession(ctx, p.SessionID, p.Reason); err != nil {
		return nil, err
	}

	return s.sessionStatus(p.SessionID)
}

func (s *Server) sessionAbort(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionDecisionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	if err := s.coordinator.AbortSession(ctx, p.SessionID, p.Reason); err != nil {
		return nil, err
	}

	return s.sessionStatus(p.SessionID)
}

func (s *Server) sessionPendingMessages(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	sender := s.node.MessageSender()
	if sender == nil {
		return nil, fmt.Errorf("direct messaging not initialized")
	}

	count, err := sender.GetPendingCount(p.SessionID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"session_id": p.SessionID,
		"pending":    count,
	}, nil
}

// sessionStatus returns the detail view after an operation that changed the
// session, falling back to the bare record if it already left memory.
func (s *Server) sessionStatus(sessionID string) (interface{}, error) {
	sess, err := s.coordinator.GetSession(sessionID)
	if err == nil {
		return sessionToDetail(sess), nil
	}

	record, rerr := s.store.GetSession(sessionID)
	if rerr != nil || record == nil {
		return nil, err
	}
	return &SessionDetail{Record: record}, nil
}

// ParticipantStatus summarizes one participant's ceremony contributions.
type ParticipantStatus struct {
	PubKey        string `json:"pubkey"`
	HasNonce      bool   `json:"has_nonce"`
	HasPartialSig bool   `json:"has_partial_sig"`
	Decision      string `json:"decision,omitempty"`
}

// SessionDetail is the full session view returned by session_get.
type SessionDetail struct {
	Record       *storage.SessionRecord `json:"record"`
	Initiator    bool                   `json:"initiator"`
	Participants []ParticipantStatus    `json:"participants,omitempty"`
}

// sessionToDetail flattens a live session into its RPC view.
func sessionToDetail(sess *signing.Session) *SessionDetail {
	detail := &SessionDetail{
		Record:    sess.Record,
		Initiator: sess.Initiator,
	}
	for pubkey, prog := range sess.Progress {
		detail.Participants = append(detail.Participants, ParticipantStatus{
			PubKey:        pubkey,
			HasNonce:      prog.HasNonce(),
			HasPartialSig: prog.HasPartialSig(),
			Decision:      prog.Decision,
		})
	}
	return detail
}
