// Package node - Transport adapter for the signing coordinator.
package node

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// SessionSender adapts the node's direct messaging layer to the transport
// contract the signing coordinator expects: fire a ceremony payload at one
// peer and rely on the outbox for retries.
type SessionSender struct {
	node *Node
}

// NewSessionSender creates a session sender backed by the given node.
func NewSessionSender(n *Node) *SessionSender {
	return &SessionSender{node: n}
}

// SendSessionMessage wraps a ceremony payload in the delivery envelope and
// hands it to the persistent message sender. The message is durably queued
// before this returns; actual delivery happens in the background.
func (s *SessionSender) SendSessionMessage(ctx context.Context, peerID, sessionID string, sessionTimeout int64, msgType string, payload interface{}) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer ID %q: %w", peerID, err)
	}

	msg, err := NewSessionMessage(msgType, sessionID, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}

	return s.node.SendDirect(ctx, pid, sessionID, sessionTimeout, msg)
}
