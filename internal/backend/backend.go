// Package backend provides blockchain data access through esplora-compatible
// HTTP APIs. The coordinator uses a backend to fund shared addresses, track
// balances, and broadcast fully signed spends.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/config"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotConnected indicates the backend is not connected.
	ErrNotConnected = errors.New("backend not connected")

	// ErrTxNotFound indicates a transaction was not found.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrAddressNotFound indicates an address was not found.
	ErrAddressNotFound = errors.New("address not found")

	// ErrRateLimited indicates the backend is rate-limiting requests.
	ErrRateLimited = errors.New("rate limited by backend")

	// ErrBroadcastFailed indicates a transaction broadcast was rejected.
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrConflictingSpend indicates a broadcast was rejected because one of
	// the transaction's inputs was already spent or is being spent by a
	// conflicting transaction in the mempool.
	ErrConflictingSpend = errors.New("conflicting spend of transaction inputs")

	// ErrUnsupportedChain indicates no backend is configured for the chain.
	ErrUnsupportedChain = errors.New("no backend for chain")
)

// conflictMarkers are substrings of node rejection messages that indicate a
// double spend rather than a malformed transaction. Esplora forwards the
// bitcoind reject reason verbatim in the response body.
var conflictMarkers = []string{
	"txn-mempool-conflict",
	"bad-txns-inputs-missingorspent",
	"insufficient fee, rejecting replacement",
	"txn-already-known",
	"txn-already-in-mempool",
	"Transaction already in block chain",
	"bad-txns-spends-conflicting-tx",
}

// ClassifyBroadcastError maps a raw broadcast error to ErrConflictingSpend
// when the rejection reason indicates an input conflict. Other errors are
// returned unchanged.
func ClassifyBroadcastError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range conflictMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", ErrConflictingSpend, msg)
		}
	}
	return err
}

// =============================================================================
// Backend Types
// =============================================================================

// Type identifies a backend implementation.
type Type string

const (
	// TypeMempool is the mempool.space API family (mempool.space,
	// litecoinspace.org, self-hosted instances).
	TypeMempool Type = "mempool"

	// TypeEsplora is the blockstream.info Esplora API.
	TypeEsplora Type = "esplora"
)

// Config describes how to reach a backend for one chain.
type Config struct {
	Type    Type   `json:"type" yaml:"type"`
	URL     string `json:"url" yaml:"url"`
	Testnet bool   `json:"testnet" yaml:"testnet"`
}

// DefaultConfigs returns the default backend configuration per chain symbol.
func DefaultConfigs(testnet bool) map[string]Config {
	configs := make(map[string]Config)
	for _, symbol := range chain.List() {
		url := config.DefaultBackendURL(symbol, testnet)
		if url == "" {
			continue
		}
		configs[symbol] = Config{
			Type:    TypeMempool,
			URL:     url,
			Testnet: testnet,
		}
	}
	return configs
}

// =============================================================================
// Backend Interface
// =============================================================================

// Backend provides read access to a blockchain and transaction broadcast.
type Backend interface {
	// Type returns the backend implementation type.
	Type() Type

	// Connect establishes or verifies the connection.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// IsConnected reports whether the backend is usable.
	IsConnected() bool

	// GetAddressInfo returns balance and transaction counts for an address.
	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)

	// GetAddressUTXOs returns unspent outputs for an address.
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// GetAddressTxs returns transactions for an address, newest first.
	// lastSeenTxID paginates past results.
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	// GetTransaction returns a transaction by ID.
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// GetRawTransaction returns raw transaction hex.
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)

	// BroadcastTransaction submits a raw transaction and returns its txid.
	// Rejections caused by already-spent inputs are returned as
	// ErrConflictingSpend.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// GetBlockHeight returns the current tip height.
	GetBlockHeight(ctx context.Context) (int64, error)

	// GetBlockHeader returns a block header by hash or height.
	GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error)

	// GetFeeEstimates returns fee rates for common confirmation targets.
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// =============================================================================
// Data Types
// =============================================================================

// AddressInfo holds address balance and activity counters.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	FundedTxCount  int64  `json:"funded_tx_count"`
	SpentTxCount   int64  `json:"spent_tx_count"`
	FundedSum      uint64 `json:"funded_sum"`
	SpentSum       uint64 `json:"spent_sum"`
	Balance        uint64 `json:"balance"`
	MempoolBalance int64  `json:"mempool_balance"`
}

// UTXO is an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"amount"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height"`
}

// Transaction is a normalized transaction across backends.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	Confirmations int64      `json:"confirmations"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Inputs        []TxInput  `json:"inputs"`
	Outputs       []TxOutput `json:"outputs"`
}

// TxInput is a transaction input.
type TxInput struct {
	TxID         string    `json:"txid"`
	Vout         uint32    `json:"vout"`
	ScriptSig    string    `json:"scriptsig,omitempty"`
	ScriptSigAsm string    `json:"scriptsig_asm,omitempty"`
	Witness      []string  `json:"witness,omitempty"`
	Sequence     uint32    `json:"sequence"`
	PrevOut      *TxOutput `json:"prevout,omitempty"`
}

// TxOutput is a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAsm  string `json:"scriptpubkey_asm,omitempty"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// BlockHeader holds block header info.
type BlockHeader struct {
	Hash         string  `json:"hash"`
	Height       int64   `json:"height"`
	Version      int32   `json:"version"`
	PreviousHash string  `json:"previous_hash"`
	MerkleRoot   string  `json:"merkle_root"`
	Timestamp    int64   `json:"timestamp"`
	Bits         uint32  `json:"bits"`
	Nonce        uint32  `json:"nonce"`
	Difficulty   float64 `json:"difficulty"`
	TxCount      int64   `json:"tx_count"`
}

// FeeEstimate holds fee rates in sat/vB for common confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds one backend per chain symbol.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// NewDefaultRegistry creates a registry populated from configs.
func NewDefaultRegistry(configs map[string]Config) (*Registry, error) {
	r := NewRegistry()
	for symbol, cfg := range configs {
		var b Backend
		switch cfg.Type {
		case TypeMempool:
			b = NewMempoolBackend(cfg.URL)
		case TypeEsplora:
			b = NewEsploraBackend(cfg.URL)
		default:
			return nil, fmt.Errorf("unknown backend type %q for %s", cfg.Type, symbol)
		}
		r.Register(symbol, b)
	}
	return r, nil
}

// Register adds a backend for a chain symbol.
func (r *Registry) Register(symbol string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[strings.ToUpper(symbol)] = b
}

// Get returns the backend for a chain symbol.
func (r *Registry) Get(symbol string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	return b, nil
}

// Symbols returns the registered chain symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	return symbols
}

// CloseAll closes every registered backend.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.backends {
		_ = b.Close()
	}
}
