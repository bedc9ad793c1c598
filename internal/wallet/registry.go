// Package wallet - Shared wallet registry.
// The registry is the high-level surface for creating and inspecting shared
// MuSig2 wallets: key aggregation, persistence, peer binding, and balance
// lookups against the chain backend.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/kosign/internal/backend"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/keyagg"
	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/pkg/logging"
)

// Registry errors
var (
	ErrLocalKeyMissing = errors.New("local identity key not in participant set")
	ErrWalletNotFound  = errors.New("wallet not found")
)

// SharedWallet is a wallet record with its participant set attached.
type SharedWallet struct {
	*storage.WalletRecord
	Participants []*storage.ParticipantRecord `json:"participants"`
}

// Registry manages the shared wallets this node participates in.
type Registry struct {
	store    *storage.Storage
	backends *backend.Registry
	identity *Identity
	network  chain.Network
	log      *logging.Logger
}

// NewRegistry creates a wallet registry.
func NewRegistry(store *storage.Storage, backends *backend.Registry, identity *Identity, network chain.Network) *Registry {
	return &Registry{
		store:    store,
		backends: backends,
		identity: identity,
		network:  network,
		log:      logging.GetDefault().Component("wallet"),
	}
}

// Identity returns the local participant identity.
func (r *Registry) Identity() *Identity {
	return r.identity
}

// CreateWallet derives a shared wallet from a participant key set and
// persists it. The local identity key must be part of the set. Creating the
// same set twice yields ErrWalletExists from storage since the wallet ID is
// deterministic.
func (r *Registry) CreateWallet(label, symbol string, participantKeys []string) (*SharedWallet, error) {
	keys, err := keyagg.ParseKeys(participantKeys)
	if err != nil {
		return nil, err
	}

	localHex := r.identity.PubKeyHex()
	found := false
	for _, k := range participantKeys {
		if k == localHex {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrLocalKeyMissing
	}

	result, err := keyagg.Aggregate(symbol, r.network, keys)
	if err != nil {
		return nil, err
	}

	record := &storage.WalletRecord{
		ID:               result.WalletID,
		Label:            label,
		Chain:            symbol,
		AggregatedPubKey: fmt.Sprintf("%x", result.AggregatedKey.SerializeCompressed()),
		TweakedPubKey:    fmt.Sprintf("%x", result.TweakedKey.SerializeCompressed()),
		Address:          result.Address,
		LocalPubKey:      localHex,
	}

	participants := make([]*storage.ParticipantRecord, len(result.SortedKeys))
	for i, key := range result.SortedKeys {
		participants[i] = &storage.ParticipantRecord{
			WalletID: result.WalletID,
			PubKey:   fmt.Sprintf("%x", key.SerializeCompressed()),
			Position: i,
		}
	}

	if err := r.store.SaveWallet(record, participants); err != nil {
		return nil, err
	}

	r.log.Info("created shared wallet",
		"wallet_id", record.ID,
		"chain", symbol,
		"participants", len(participants),
		"address", record.Address)

	return &SharedWallet{WalletRecord: record, Participants: participants}, nil
}

// GetWallet returns a wallet with its participant set.
func (r *Registry) GetWallet(walletID string) (*SharedWallet, error) {
	record, err := r.store.GetWallet(walletID)
	if err != nil {
		if errors.Is(err, storage.ErrWalletNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	participants, err := r.store.GetParticipants(walletID)
	if err != nil {
		return nil, err
	}

	return &SharedWallet{WalletRecord: record, Participants: participants}, nil
}

// ListWallets returns all shared wallets.
func (r *Registry) ListWallets() ([]*SharedWallet, error) {
	records, err := r.store.ListWallets()
	if err != nil {
		return nil, err
	}

	wallets := make([]*SharedWallet, 0, len(records))
	for _, record := range records {
		participants, err := r.store.GetParticipants(record.ID)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, &SharedWallet{WalletRecord: record, Participants: participants})
	}
	return wallets, nil
}

// DeleteWallet removes a wallet. Session history referencing it is kept.
func (r *Registry) DeleteWallet(walletID string) error {
	err := r.store.DeleteWallet(walletID)
	if errors.Is(err, storage.ErrWalletNotFound) {
		return ErrWalletNotFound
	}
	if err == nil {
		r.log.Info("deleted shared wallet", "wallet_id", walletID)
	}
	return err
}

// BindPeer associates a participant public key with a libp2p peer ID, so the
// coordinator knows where to send ceremony messages.
func (r *Registry) BindPeer(walletID, pubkeyHex, peerID string) error {
	err := r.store.BindParticipantPeer(walletID, pubkeyHex, peerID)
	if errors.Is(err, storage.ErrWalletNotFound) {
		return ErrWalletNotFound
	}
	if err == nil {
		r.log.Debug("bound participant to peer",
			"wallet_id", walletID, "pubkey", pubkeyHex, "peer_id", peerID)
	}
	return err
}

// ParticipantPeers returns the pubkey-to-peer binding for a wallet, excluding
// the local participant and participants without a known peer.
func (r *Registry) ParticipantPeers(walletID string) (map[string]string, error) {
	participants, err := r.store.GetParticipants(walletID)
	if err != nil {
		return nil, err
	}

	localHex := r.identity.PubKeyHex()
	peers := make(map[string]string)
	for _, p := range participants {
		if p.PubKey == localHex || p.PeerID == "" {
			continue
		}
		peers[p.PubKey] = p.PeerID
	}
	return peers, nil
}

// Balance returns the confirmed balance and activity of the shared address.
func (r *Registry) Balance(ctx context.Context, walletID string) (*backend.AddressInfo, error) {
	wallet, err := r.GetWallet(walletID)
	if err != nil {
		return nil, err
	}

	b, err := r.backends.Get(wallet.Chain)
	if err != nil {
		return nil, err
	}

	return b.GetAddressInfo(ctx, wallet.Address)
}

// UTXOs returns the unspent outputs of the shared address.
func (r *Registry) UTXOs(ctx context.Context, walletID string) ([]backend.UTXO, error) {
	wallet, err := r.GetWallet(walletID)
	if err != nil {
		return nil, err
	}

	b, err := r.backends.Get(wallet.Chain)
	if err != nil {
		return nil, err
	}

	return b.GetAddressUTXOs(ctx, wallet.Address)
}
