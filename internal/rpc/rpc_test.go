package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestServer builds a server with no backing node or coordinator. Handlers
// that validate params before touching dependencies can be exercised directly.
func newTestServer() *Server {
	return NewServer(nil, nil, nil, nil)
}

func doRPC(t *testing.T, s *Server, body string) *Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp
}

func TestHandleRPCParseError(t *testing.T) {
	s := newTestServer()
	resp := doRPC(t, s, "{not json")

	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != ParseError {
		t.Errorf("code = %d, want %d", resp.Error.Code, ParseError)
	}
}

func TestHandleRPCInvalidVersion(t *testing.T) {
	s := newTestServer()
	resp := doRPC(t, s, `{"jsonrpc":"1.0","method":"node_info","id":1}`)

	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != InvalidRequest {
		t.Errorf("code = %d, want %d", resp.Error.Code, InvalidRequest)
	}
}

func TestHandleRPCMethodNotFound(t *testing.T) {
	s := newTestServer()
	resp := doRPC(t, s, `{"jsonrpc":"2.0","method":"no_such_method","id":1}`)

	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("code = %d, want %d", resp.Error.Code, MethodNotFound)
	}
	if resp.Error.Data != "no_such_method" {
		t.Errorf("data = %v, want method name", resp.Error.Data)
	}
}

func TestRegisteredMethods(t *testing.T) {
	s := newTestServer()

	methods := []string{
		"node_info",
		"node_status",
		"peers_list",
		"peers_count",
		"peers_connect",
		"peers_disconnect",
		"peers_known",
		"wallet_create",
		"wallet_list",
		"wallet_get",
		"wallet_delete",
		"wallet_balance",
		"wallet_utxos",
		"wallet_bindPeer",
		"wallet_identity",
		"wallet_validateMnemonic",
		"session_propose",
		"session_list",
		"session_get",
		"session_contributeNonce",
		"session_sign",
		"session_reject",
		"session_abort",
		"session_pendingMessages",
	}

	for _, m := range methods {
		if _, ok := s.handlers[m]; !ok {
			t.Errorf("method %q not registered", m)
		}
	}
}

func TestNoLegacyMethods(t *testing.T) {
	s := newTestServer()

	for name := range s.handlers {
		for _, prefix := range []string{"orders_", "trades_", "swap_"} {
			if strings.HasPrefix(name, prefix) {
				t.Errorf("unexpected method %q", name)
			}
		}
	}
}

func TestRequestMarshalRoundTrip(t *testing.T) {
	req := Request{
		JSONRPC: "2.0",
		Method:  "session_propose",
		Params:  json.RawMessage(`{"wallet_id":"w1"}`),
		ID:      float64(7),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got Request
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got.Method != req.Method {
		t.Errorf("method = %q, want %q", got.Method, req.Method)
	}
	if string(got.Params) != string(req.Params) {
		t.Errorf("params = %s, want %s", got.Params, req.Params)
	}
}

func TestErrorResponseOmitsResult(t *testing.T) {
	resp := Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: InternalError, Message: "boom"},
		ID:      1,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if bytes.Contains(data, []byte(`"result"`)) {
		t.Errorf("error response should omit result: %s", data)
	}
	if !bytes.Contains(data, []byte(`"error"`)) {
		t.Errorf("error response should include error: %s", data)
	}
}

func TestCORSMiddlewareHeaders(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q, want request origin", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Allow-Methods header missing")
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	called := false
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if called {
		t.Error("preflight should not reach the next handler")
	}
}

// ========================================
// Param validation
// ========================================

func TestWalletCreateParamValidation(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		name   string
		params string
	}{
		{"missing chain", `{"participant_keys":["aa","bb"]}`},
		{"too few keys", `{"chain":"BTC","participant_keys":["aa"]}`},
		{"malformed json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.walletCreate(context.Background(), json.RawMessage(tt.params))
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWalletGetRequiresID(t *testing.T) {
	s := newTestServer()

	handlers := map[string]Handler{
		"wallet_get":     s.walletGet,
		"wallet_delete":  s.walletDelete,
		"wallet_balance": s.walletBalance,
		"wallet_utxos":   s.walletUTXOs,
	}

	for name, h := range handlers {
		if _, err := h(context.Background(), json.RawMessage(`{}`)); err == nil {
			t.Errorf("%s: expected error for missing wallet_id", name)
		}
	}
}

func TestWalletBindPeerParamValidation(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		name   string
		params string
	}{
		{"missing all", `{}`},
		{"missing peer", `{"wallet_id":"w1","pubkey":"aa"}`},
		{"missing pubkey", `{"wallet_id":"w1","peer_id":"12D3Koo"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.walletBindPeer(context.Background(), json.RawMessage(tt.params))
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSessionProposeParamValidation(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		name   string
		params string
	}{
		{"missing wallet", `{"recipient":"bc1p...","amount":1000}`},
		{"missing recipient", `{"wallet_id":"w1","amount":1000}`},
		{"zero amount", `{"wallet_id":"w1","recipient":"bc1p...","amount":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.sessionPropose(context.Background(), json.RawMessage(tt.params))
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSessionMethodsRequireID(t *testing.T) {
	s := newTestServer()

	handlers := map[string]Handler{
		"session_get":             s.sessionGet,
		"session_contributeNonce": s.sessionContributeNonce,
		"session_sign":            s.sessionSign,
		"session_reject":          s.sessionReject,
		"session_abort":           s.sessionAbort,
		"session_pendingMessages": s.sessionPendingMessages,
	}

	for name, h := range handlers {
		if _, err := h(context.Background(), json.RawMessage(`{}`)); err == nil {
			t.Errorf("%s: expected error for missing session_id", name)
		}
	}
}
