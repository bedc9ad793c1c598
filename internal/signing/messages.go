// Package signing - Ceremony message contract.
// These are the logical payloads exchanged between participants; the node
// layer wraps them in its delivery envelope and handles retry and dedup.
package signing

import (
	"context"
	"encoding/json"
	"time"
)

// Ceremony message types.
const (
	MsgProposal   = "session_propose"
	MsgNonce      = "nonce_exchange"
	MsgPartialSig = "partial_sig"
	MsgDecision   = "decision"
	MsgCompleted  = "complete"
)

// Decision values carried by DecisionPayload.
const (
	DecisionReject = "reject"
	DecisionAbort  = "abort"
)

// ProposalPayload announces a new spend to the co-signers. It carries the
// full unsigned transaction so every participant can independently verify
// the digest before contributing anything binding.
type ProposalPayload struct {
	SessionID       string `json:"session_id"`
	WalletID        string `json:"wallet_id"`
	Chain           string `json:"chain"`
	InitiatorPubKey string `json:"initiator_pubkey"`
	Recipient       string `json:"recipient"`
	Amount          uint64 `json:"amount"`
	FeeRate         uint64 `json:"fee_rate"`
	Memo            string `json:"memo,omitempty"`
	UnsignedTx      string `json:"unsigned_tx"`  // Hex-encoded wire tx
	InputAmount     uint64 `json:"input_amount"` // Value of the spent output, needed to recompute the digest
	SigDigest       string `json:"sig_digest"`   // Hex-encoded 32-byte sighash
	ExpiresAt       int64  `json:"expires_at"`   // Unix timestamp
}

// NoncePayload carries one participant's public nonce (round 1).
type NoncePayload struct {
	SessionID string `json:"session_id"`
	PubKey    string `json:"pubkey"`
	PubNonce  string `json:"pub_nonce"` // Hex-encoded 66-byte nonce
}

// PartialSigPayload carries one participant's partial signature (round 2).
type PartialSigPayload struct {
	SessionID  string `json:"session_id"`
	PubKey     string `json:"pubkey"`
	PartialSig string `json:"partial_sig"` // Hex-encoded
}

// DecisionPayload terminates a session early: a co-signer declining
// (reject) or the initiator cancelling (abort).
type DecisionPayload struct {
	SessionID string `json:"session_id"`
	PubKey    string `json:"pubkey"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// CompletedPayload notifies co-signers of the broadcast result. Delivery is
// best-effort; the transaction is on-chain regardless. FinalSig lets the
// receiver verify the claim against the session digest before accepting it.
type CompletedPayload struct {
	SessionID  string `json:"session_id"`
	PubKey     string `json:"pubkey"`
	ResultTxID string `json:"result_txid"`
	FinalSig   string `json:"final_sig"` // Hex-encoded 64-byte schnorr signature
}

// Transport delivers ceremony messages to a specific peer. The coordinator
// only assumes at-least-once delivery and sender identity; ordering and dedup
// are handled by idempotent message handling on the receiving side.
type Transport interface {
	SendSessionMessage(ctx context.Context, peerID, sessionID string, sessionTimeout int64, msgType string, payload interface{}) error
}

// Event is emitted on session lifecycle changes for the notification layer.
type Event struct {
	SessionID string
	EventType string
	Data      interface{}
	Timestamp time.Time
}

// EventHandler receives session events. Delivery is best-effort.
type EventHandler func(event Event)

// decodePayload unmarshals a raw ceremony payload.
func decodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
