// Package keyagg computes MuSig2 aggregated keys and shared wallet addresses.
//
// Aggregation is deterministic: participant keys are sorted lexicographically
// by their compressed serialization before aggregation, so every participant
// derives the same aggregated key, address, and wallet ID regardless of the
// order keys were exchanged in.
package keyagg

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/config"
	"github.com/klingon-exchange/kosign/pkg/helpers"
)

// Key aggregation errors
var (
	ErrInvalidKey          = errors.New("invalid public key")
	ErrDuplicateKey        = errors.New("duplicate public key")
	ErrTooFewKeys          = errors.New("too few participant keys")
	ErrTooManyKeys         = errors.New("too many participant keys")
	ErrUnsupportedChain    = errors.New("unsupported chain")
	ErrTaprootNotSupported = errors.New("chain does not support taproot")
)

// Result holds everything derived from a participant key set.
type Result struct {
	// SortedKeys is the participant set in aggregation order.
	SortedKeys []*btcec.PublicKey

	// AggregatedKey is the MuSig2 aggregated key before the taproot tweak.
	AggregatedKey *btcec.PublicKey

	// TweakedKey is the BIP-86 tweaked output key. This is what the P2TR
	// address commits to and what the final signature verifies against.
	TweakedKey *btcec.PublicKey

	// Address is the bech32m P2TR address of the shared wallet.
	Address string

	// WalletID is a fingerprint of the sorted key set. All participants
	// derive the same ID independently.
	WalletID string
}

// Aggregate derives the shared wallet key material for a participant set.
// Keys may be passed in any order.
func Aggregate(symbol string, network chain.Network, keys []*btcec.PublicKey) (*Result, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	if !params.SupportsTaproot {
		return nil, fmt.Errorf("%w: %s", ErrTaprootNotSupported, symbol)
	}

	if len(keys) < config.MinParticipants {
		return nil, fmt.Errorf("%w: got %d, need at least %d", ErrTooFewKeys, len(keys), config.MinParticipants)
	}
	if len(keys) > config.MaxParticipants {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrTooManyKeys, len(keys), config.MaxParticipants)
	}

	sorted, err := SortKeys(keys)
	if err != nil {
		return nil, err
	}

	// sort=true matches our pre-sorted order; keeping both aligned means the
	// signing context later aggregates to the same key
	aggKey, _, _, err := musig2.AggregateKeys(sorted, true)
	if err != nil {
		return nil, fmt.Errorf("key aggregation failed: %w", err)
	}

	// BIP-86: key-path-only spending, no script tree
	tweakedKey := txscript.ComputeTaprootOutputKey(aggKey.FinalKey, nil)

	addr, err := EncodeTaprootAddress(tweakedKey, params.Bech32HRP)
	if err != nil {
		return nil, fmt.Errorf("failed to encode taproot address: %w", err)
	}

	return &Result{
		SortedKeys:    sorted,
		AggregatedKey: aggKey.FinalKey,
		TweakedKey:    tweakedKey,
		Address:       addr,
		WalletID:      ComputeWalletID(sorted),
	}, nil
}

// SortKeys returns the keys sorted lexicographically by compressed
// serialization. Rejects nil and duplicate keys.
func SortKeys(keys []*btcec.PublicKey) ([]*btcec.PublicKey, error) {
	sorted := make([]*btcec.PublicKey, 0, len(keys))
	seen := make(map[string]bool, len(keys))

	for _, key := range keys {
		if key == nil {
			return nil, ErrInvalidKey
		}
		serialized := hex.EncodeToString(key.SerializeCompressed())
		if seen[serialized] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, serialized)
		}
		seen[serialized] = true
		sorted = append(sorted, key)
	}

	sort.Slice(sorted, func(i, j int) bool {
		return helpers.CompareBytes(
			sorted[i].SerializeCompressed(),
			sorted[j].SerializeCompressed(),
		) < 0
	})

	return sorted, nil
}

// ParseKeys decodes hex-encoded compressed public keys.
func ParseKeys(hexKeys []string) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(hexKeys))
	for _, h := range hexKeys {
		key, err := ParseKey(h)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ParseKey decodes a single hex-encoded compressed public key.
func ParseKey(hexKey string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, btcec.PubKeyBytesLenCompressed, len(raw))
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// ComputeWalletID computes the wallet fingerprint from the sorted key set.
// All participants derive the same ID from the same set.
func ComputeWalletID(sortedKeys []*btcec.PublicKey) string {
	var combined []byte
	for _, key := range sortedKeys {
		combined = append(combined, key.SerializeCompressed()...)
	}
	hash := sha256.Sum256(combined)
	return fmt.Sprintf("%x", hash[:16]) // 16 bytes = 32 hex chars
}

// EncodeTaprootAddress encodes a public key as a bech32m P2TR address.
func EncodeTaprootAddress(pubKey *btcec.PublicKey, hrp string) (string, error) {
	// Get x-only public key (32 bytes)
	xOnlyKey := schnorr.SerializePubKey(pubKey)

	// Encode as bech32m with witness version 1
	conv, err := bech32ConvertBits(xOnlyKey, 8, 5, true)
	if err != nil {
		return "", err
	}

	// Prepend witness version (1 for Taproot)
	data := append([]byte{0x01}, conv...)

	return bech32mEncode(hrp, data)
}

// bech32 encoding helpers (minimal implementation for P2TR addresses)
const bech32mConst = 0x2bc830a3

var bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32ConvertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := uint32(0)
	bits := uint(0)
	var result []byte
	maxv := uint32((1 << toBits) - 1)

	for _, b := range data {
		acc = (acc << fromBits) | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			result = append(result, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			result = append(result, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errors.New("invalid padding")
	}

	return result, nil
}

func bech32mEncode(hrp string, data []byte) (string, error) {
	// Compute checksum
	values := append(bech32HRPExpand(hrp), data...)
	polymod := bech32Polymod(append(values, []byte{0, 0, 0, 0, 0, 0}...)) ^ bech32mConst

	checksum := make([]byte, 6)
	for i := 0; i < 6; i++ {
		checksum[i] = byte((polymod >> (5 * (5 - i))) & 31)
	}

	// Encode
	result := hrp + "1"
	for _, d := range append(data, checksum...) {
		result += string(bech32Charset[d])
	}

	return result, nil
}

func bech32HRPExpand(hrp string) []byte {
	result := make([]byte, len(hrp)*2+1)
	for i, c := range hrp {
		result[i] = byte(c >> 5)
		result[i+len(hrp)+1] = byte(c & 31)
	}
	result[len(hrp)] = 0
	return result
}

func bech32Polymod(values []byte) uint32 {
	gen := []uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		b := chk >> 25
		chk = ((chk & 0x1ffffff) << 5) ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (b>>i)&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}
