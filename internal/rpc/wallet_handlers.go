package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/kosign/internal/wallet"
)

// ========================================
// Wallet handlers
// ========================================

// WalletCreateParams are the parameters for wallet_create.
type WalletCreateParams struct {
	Label string `json:"label,omitempty"`
	Chain string `json:"chain"`

	// Hex-encoded compressed pubkeys of every participant, including our
	// own. Order does not matter; key aggregation sorts internally.
	ParticipantKeys []string `json:"participant_keys"`
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if p.Chain == "" {
		return nil, fmt.Errorf("chain is required")
	}
	if len(p.ParticipantKeys) < 2 {
		return nil, fmt.Errorf("at least 2 participant keys are required")
	}

	w, err := s.wallets.CreateWallet(p.Label, p.Chain, p.ParticipantKeys)
	if err != nil {
		return nil, err
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventWalletCreated, w)
	}

	return w, nil
}

func (s *Server) walletList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	wallets, err := s.wallets.ListWallets()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"wallets": wallets,
		"count":   len(wallets),
	}, nil
}

// WalletGetParams are the parameters for methods addressing one wallet.
type WalletGetParams struct {
	WalletID string `json:"wallet_id"`
}

func (s *Server) walletGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.WalletID == "" {
		return nil, fmt.Errorf("wallet_id is required")
	}

	return s.wallets.GetWallet(p.WalletID)
}

func (s *Server) walletDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.WalletID == "" {
		return nil, fmt.Errorf("wallet_id is required")
	}

	if err := s.wallets.DeleteWallet(p.WalletID); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"deleted":   true,
		"wallet_id": p.WalletID,
	}, nil
}

func (s *Server) walletBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.WalletID == "" {
		return nil, fmt.Errorf("wallet_id is required")
	}

	return s.wallets.Balance(ctx, p.WalletID)
}

func (s *Server) walletUTXOs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.WalletID == "" {
		return nil, fmt.Errorf("wallet_id is required")
	}

	utxos, err := s.wallets.UTXOs(ctx, p.WalletID)
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, u := range utxos {
		total += u.Amount
	}

	return map[string]interface{}{
		"utxos": utxos,
		"count": len(utxos),
		"total": total,
	}, nil
}

// WalletBindPeerParams are the parameters for wallet_bindPeer.
type WalletBindPeerParams struct {
	WalletID string `json:"wallet_id"`
	PubKey   string `json:"pubkey"`
	PeerID   string `json:"peer_id"`
}

func (s *Server) walletBindPeer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletBindPeerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.WalletID == "" || p.PubKey == "" || p.PeerID == "" {
		return nil, fmt.Errorf("wallet_id, pubkey and peer_id are required")
	}

	if err := s.wallets.BindPeer(p.WalletID, p.PubKey, p.PeerID); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"bound":     true,
		"wallet_id": p.WalletID,
		"pubkey":    p.PubKey,
		"peer_id":   p.PeerID,
	}, nil
}

// WalletIdentityResult is the response for wallet_identity.
type WalletIdentityResult struct {
	PubKey  string `json:"pubkey"`
	PeerID  string `json:"peer_id"`
	Network string `json:"network"`
}

func (s *Server) walletIdentity(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id := s.wallets.Identity()
	return &WalletIdentityResult{
		PubKey:  id.PubKeyHex(),
		PeerID:  s.node.ID().String(),
		Network: string(id.Network()),
	}, nil
}

// WalletValidateMnemonicParams are the parameters for wallet_validateMnemonic.
type WalletValidateMnemonicParams struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) walletValidateMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletValidateMnemonicParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	return map[string]bool{
		"valid": wallet.ValidateMnemonic(p.Mnemonic),
	}, nil
}
