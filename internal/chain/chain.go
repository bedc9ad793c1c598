// Package chain defines chain parameters for the networks a shared wallet can live on.
// Only Taproot-capable chains are registered: a MuSig2 aggregated key is spent via
// a P2TR key path, so chains without Taproot cannot host a shared address.
package chain

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (1...)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (bc1q...)
	AddressP2TR   AddressType = "p2tr"   // Taproot (bc1p...)
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string // BTC, LTC
	Name     string // Bitcoin, Litecoin
	Decimals uint8  // 8 for the Bitcoin family

	// Address encoding
	PubKeyHashAddrID byte   // Address prefix for P2PKH
	ScriptHashAddrID byte   // Address prefix for P2SH
	Bech32HRP        string // bc, tb, ltc, tltc

	// BIP-44 coin type for identity key derivation
	CoinType uint32

	// Features
	SupportsTaproot bool

	// Minimum output value in smallest units (dust threshold)
	DustLimit uint64
}

// =============================================================================
// Chain Registry
// =============================================================================

var registry = make(map[string]map[Network]*Params)

// Register adds a chain to the registry. Called from init() in per-chain files.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns the params for a chain on a network.
func Get(symbol string, network Network) (*Params, bool) {
	networks, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := networks[network]
	return params, ok
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// IsSupported checks if a chain symbol is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
