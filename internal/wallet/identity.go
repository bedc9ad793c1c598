// Package wallet manages the local participant identity and the registry of
// shared MuSig2 wallets this node takes part in.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/tyler-smith/go-bip39"
)

// identityPurpose is the BIP-86 purpose used for the taproot identity path.
const identityPurpose = 86

// Identity is the local participant's long-lived signing key. The same key
// appears in the participant set of every shared wallet this node joins on
// a given chain.
type Identity struct {
	privKey *secp256k1.PrivateKey
	network chain.Network
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewIdentityFromMnemonic derives the participant identity key from a BIP39
// mnemonic. The key sits at m/86'/coin'/0'/0/0 so standard wallet software
// can recover it from the same mnemonic.
func NewIdentityFromMnemonic(mnemonic, passphrase, symbol string, network chain.Network) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	// Master key derivation only needs the HD magic bytes, which are the
	// same for every Bitcoin-family chain we support
	netParams := &chaincfg.MainNetParams
	if network == chain.Testnet {
		netParams = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, netParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	// m/86'/coin'/0'/0/0
	path := []uint32{
		hdkeychain.HardenedKeyStart + identityPurpose,
		hdkeychain.HardenedKeyStart + params.CoinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
		0,
	}

	key := masterKey
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive identity key: %w", err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}

	return &Identity{privKey: privKey, network: network}, nil
}

// NewIdentityFromBytes restores an identity from a raw 32-byte private key.
func NewIdentityFromBytes(raw []byte, network chain.Network) (*Identity, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid private key length: %d", len(raw))
	}
	privKey := secp256k1.PrivKeyFromBytes(raw)
	if privKey.Key.IsZero() {
		return nil, fmt.Errorf("invalid private key")
	}
	return &Identity{privKey: privKey, network: network}, nil
}

// PrivKey returns the signing key.
func (id *Identity) PrivKey() *secp256k1.PrivateKey {
	return id.privKey
}

// PubKey returns the public key participants see.
func (id *Identity) PubKey() *secp256k1.PublicKey {
	return id.privKey.PubKey()
}

// PubKeyHex returns the hex-encoded compressed public key. This is the form
// exchanged when a shared wallet is created.
func (id *Identity) PubKeyHex() string {
	return fmt.Sprintf("%x", id.privKey.PubKey().SerializeCompressed())
}

// Network returns the identity's network.
func (id *Identity) Network() chain.Network {
	return id.network
}
