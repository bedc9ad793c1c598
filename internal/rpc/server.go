// Package rpc provides a JSON-RPC 2.0 server for the kosign daemon.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/kosign/internal/node"
	"github.com/klingon-exchange/kosign/internal/signing"
	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/internal/wallet"
	"github.com/klingon-exchange/kosign/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	node        *node.Node
	store       *storage.Storage
	wallets     *wallet.Registry
	coordinator *signing.Coordinator
	log         *logging.Logger
	wsHub       *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server.
func NewServer(n *node.Node, store *storage.Storage, wallets *wallet.Registry, coord *signing.Coordinator) *Server {
	s := &Server{
		node:        n,
		store:       store,
		wallets:     wallets,
		coordinator: coord,
		log:         logging.GetDefault().Component("rpc"),
		handlers:    make(map[string]Handler),
	}

	// Register handlers
	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_status"] = s.nodeStatus

	// Peer methods
	s.handlers["peers_list"] = s.peersList
	s.handlers["peers_count"] = s.peersCount
	s.handlers["peers_connect"] = s.peersConnect
	s.handlers["peers_disconnect"] = s.peersDisconnect
	s.handlers["peers_known"] = s.peersKnown

	// Wallet methods (shared multi-signature wallets)
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_list"] = s.walletList
	s.handlers["wallet_get"] = s.walletGet
	s.handlers["wallet_delete"] = s.walletDelete
	s.handlers["wallet_balance"] = s.walletBalance
	s.handlers["wallet_utxos"] = s.walletUTXOs
	s.handlers["wallet_bindPeer"] = s.walletBindPeer
	s.handlers["wallet_identity"] = s.walletIdentity
	s.handlers["wallet_validateMnemonic"] = s.walletValidateMnemonic

	// Session methods (MuSig2 signing ceremonies)
	s.handlers["session_propose"] = s.sessionPropose
	s.handlers["session_list"] = s.sessionList
	s.handlers["session_get"] = s.sessionGet
	s.handlers["session_contributeNonce"] = s.sessionContributeNonce
	s.handlers["session_sign"] = s.sessionSign
	s.handlers["session_reject"] = s.sessionReject
	s.handlers["session_abort"] = s.sessionAbort
	s.handlers["session_pendingMessages"] = s.sessionPendingMessages
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	// Initialize WebSocket hub
	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetupSessionHandlers wires incoming ceremony messages into the signing
// coordinator and bridges coordinator events onto the WebSocket hub.
// This should be called after the node's direct messaging is started.
func (s *Server) SetupSessionHandlers() {
	s.node.RegisterDirectHandler(signing.MsgProposal, func(ctx context.Context, msg *node.SessionMessage) error {
		return s.coordinator.HandleProposal(ctx, msg.FromPeer, msg.Payload)
	})
	s.node.RegisterDirectHandler(signing.MsgNonce, func(ctx context.Context, msg *node.SessionMessage) error {
		return s.coordinator.HandleNonce(ctx, msg.FromPeer, msg.Payload)
	})
	s.node.RegisterDirectHandler(signing.MsgPartialSig, func(ctx context.Context, msg *node.SessionMessage) error {
		return s.coordinator.HandlePartialSig(ctx, msg.FromPeer, msg.Payload)
	})
	s.node.RegisterDirectHandler(signing.MsgDecision, func(ctx context.Context, msg *node.SessionMessage) error {
		return s.coordinator.HandleDecision(ctx, msg.FromPeer, msg.Payload)
	})
	s.node.RegisterDirectHandler(signing.MsgCompleted, func(ctx context.Context, msg *node.SessionMessage) error {
		return s.coordinator.HandleCompleted(ctx, msg.FromPeer, msg.Payload)
	})

	// Session lifecycle events go out to WebSocket subscribers
	s.coordinator.OnEvent(func(ev signing.Event) {
		if s.wsHub == nil {
			return
		}
		s.wsHub.Broadcast(EventType("session_"+ev.EventType), map[string]interface{}{
			"session_id": ev.SessionID,
			"event":      ev.EventType,
			"data":       ev.Data,
			"timestamp":  ev.Timestamp.Unix(),
		})
	})

	s.log.Info("Session message handlers registered")
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Allow requests from any origin (for Electron apps and web clients)
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400") // Cache preflight for 24 hours

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
