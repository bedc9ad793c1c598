// Package node - PubSub fallback path for signing session messages.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/kosign/pkg/logging"
)

// PubSub topics for session messages.
const (
	// SessionEncryptedTopic carries encrypted session messages. Every message
	// is encrypted with the recipient's public key, broadcast via gossip, and
	// only the recipient can decrypt it. This is the fallback path when a
	// direct stream cannot be opened.
	SessionEncryptedTopic = "/kosign/session/encrypted/1.0.0"

	// Note: SessionDirectProtocol is defined in stream_handler.go
)

// SessionMessage is the delivery envelope for signing ceremony messages.
// The node layer treats the payload as opaque; routing is by Type, which the
// signing coordinator registers handlers for at wiring time.
type SessionMessage struct {
	Type      string          `json:"type"`       // Message type
	SessionID string          `json:"session_id"` // Signing session identifier
	FromPeer  string          `json:"from_peer"`  // Sender peer ID
	Payload   json.RawMessage `json:"payload"`    // Type-specific payload
	Timestamp int64           `json:"timestamp"`  // Unix timestamp

	// Delivery guarantee fields
	MessageID      string `json:"message_id,omitempty"`      // UUID for deduplication
	SequenceNum    uint64 `json:"sequence_num,omitempty"`    // Per-session sequence number
	RequiresAck    bool   `json:"requires_ack,omitempty"`    // Whether sender expects ACK
	SessionTimeout int64  `json:"session_timeout,omitempty"` // When the session expires (for retry decision)
}

// AckPayload is the acknowledgment message payload.
type AckPayload struct {
	MessageID   string `json:"message_id"`      // Which message we're ACKing
	SequenceNum uint64 `json:"sequence_num"`    // Sequence number ACKed
	Success     bool   `json:"success"`         // Processing successful
	Error       string `json:"error,omitempty"` // Error if failed
}

// SessionMsgAck acknowledges receipt of a session message. Ceremony message
// types are owned by the signing layer and registered via OnMessage; the ACK
// type is the only one the node layer handles itself.
const SessionMsgAck = "ack"

// SessionMessageHandler handles incoming session messages.
type SessionMessageHandler func(ctx context.Context, msg *SessionMessage) error

// SessionHandler manages the encrypted PubSub path for session messages.
type SessionHandler struct {
	node *Node
	log  *logging.Logger

	encryptedTopic *pubsub.Topic
	encryptedSub   *pubsub.Subscription
	encryptor      *MessageEncryptor

	handlers map[string]SessionMessageHandler
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(n *Node) (*SessionHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &SessionHandler{
		node:     n,
		log:      logging.GetDefault().Component("session-handler"),
		handlers: make(map[string]SessionMessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	return h, nil
}

// Start joins the encrypted session topic and begins processing.
func (h *SessionHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	encTopic, err := h.node.pubsub.Join(SessionEncryptedTopic)
	if err != nil {
		return fmt.Errorf("failed to join encrypted session topic: %w", err)
	}
	h.encryptedTopic = encTopic

	encSub, err := encTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to encrypted session topic: %w", err)
	}
	h.encryptedSub = encSub

	// Create encryptor for handling encrypted messages
	privKey := h.node.Host().Peerstore().PrivKey(h.node.ID())
	if privKey != nil {
		enc, err := NewMessageEncryptor(privKey, h.node.ID())
		if err != nil {
			h.log.Warn("Failed to create encryptor", "error", err)
		} else {
			h.encryptor = enc
		}
	}

	go h.processEncryptedMessages()

	h.log.Info("Session handler started", "encrypted_topic", SessionEncryptedTopic)
	return nil
}

// GetEncryptedTopic returns the encrypted topic for direct publishing.
func (h *SessionHandler) GetEncryptedTopic() *pubsub.Topic {
	return h.encryptedTopic
}

// Stop stops the session handler.
func (h *SessionHandler) Stop() error {
	h.cancel()

	if h.encryptedSub != nil {
		h.encryptedSub.Cancel()
	}
	if h.encryptedTopic != nil {
		h.encryptedTopic.Close()
	}

	h.log.Info("Session handler stopped")
	return nil
}

// OnMessage registers a handler for a specific message type.
func (h *SessionHandler) OnMessage(msgType string, handler SessionMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// processEncryptedMessages processes incoming encrypted session messages.
// These are messages encrypted with our public key, broadcast via PubSub gossip.
func (h *SessionHandler) processEncryptedMessages() {
	for {
		msg, err := h.encryptedSub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return // Context cancelled, shutting down
			}
			h.log.Warn("Error receiving encrypted message", "error", err)
			continue
		}

		// Don't process our own messages
		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		// Parse envelope
		var envelope EncryptedEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			h.log.Debug("Failed to parse encrypted envelope", "error", err)
			continue
		}

		// Check if message is for us
		if h.encryptor == nil || !h.encryptor.IsForUs(&envelope) {
			// Not for us, ignore (this is normal - all peers receive all gossip)
			continue
		}

		// Decrypt the message
		sessionMsg, err := h.encryptor.Decrypt(&envelope)
		if err != nil {
			h.log.Warn("Failed to decrypt message", "error", err, "from", envelope.SenderPeerID[:12])
			continue
		}

		h.log.Debug("Received encrypted message",
			"type", sessionMsg.Type,
			"session_id", sessionMsg.SessionID,
			"message_id", sessionMsg.MessageID,
			"from", envelope.SenderPeerID[:12])

		// Get handler for this message type
		h.mu.RLock()
		handler, ok := h.handlers[sessionMsg.Type]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for encrypted message type", "type", sessionMsg.Type)
			continue
		}

		// Handle message
		go func(env EncryptedEnvelope, sMsg *SessionMessage) {
			if err := handler(h.ctx, sMsg); err != nil {
				h.log.Warn("Error handling encrypted message", "type", sMsg.Type, "error", err)
				// Send NACK if message required ACK
				if sMsg.RequiresAck {
					h.sendEncryptedAck(env.SenderPeerID, sMsg.MessageID, sMsg.SequenceNum, false, err.Error())
				}
				return
			}

			// Send ACK if required
			if sMsg.RequiresAck {
				h.sendEncryptedAck(env.SenderPeerID, sMsg.MessageID, sMsg.SequenceNum, true, "")
			}
		}(envelope, sessionMsg)
	}
}

// sendEncryptedAck sends an encrypted ACK back to the sender via PubSub.
func (h *SessionHandler) sendEncryptedAck(senderPeerIDStr string, messageID string, seq uint64, success bool, errMsg string) {
	if h.encryptor == nil || h.encryptedTopic == nil {
		return
	}

	senderPeerID, err := peer.Decode(senderPeerIDStr)
	if err != nil {
		h.log.Warn("Invalid sender peer ID for ACK", "peer", senderPeerIDStr)
		return
	}

	// Create ACK message
	ackPayload := AckPayload{
		MessageID:   messageID,
		SequenceNum: seq,
		Success:     success,
		Error:       errMsg,
	}

	payloadBytes, err := json.Marshal(ackPayload)
	if err != nil {
		h.log.Warn("Failed to marshal ACK payload", "error", err)
		return
	}

	ackMsg := &SessionMessage{
		Type:      SessionMsgAck,
		Payload:   payloadBytes,
		FromPeer:  h.node.ID().String(),
		MessageID: messageID,
	}

	// Encrypt and send ACK
	envelope, err := h.encryptor.Encrypt(senderPeerID, ackMsg)
	if err != nil {
		h.log.Warn("Failed to encrypt ACK", "error", err)
		return
	}

	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		h.log.Warn("Failed to marshal ACK envelope", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	if err := h.encryptedTopic.Publish(ctx, envelopeBytes); err != nil {
		h.log.Warn("Failed to publish ACK", "error", err)
	}

	h.log.Debug("Sent encrypted ACK", "message_id", messageID, "success", success)
}

func shortPeerID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// NewSessionMessage creates a session message with a marshaled payload.
func NewSessionMessage(msgType, sessionID string, payload interface{}) (*SessionMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &SessionMessage{
		Type:      msgType,
		SessionID: sessionID,
		Payload:   data,
	}, nil
}
