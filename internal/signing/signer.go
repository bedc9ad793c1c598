// Package signing - MuSig2 signer for one ceremony.
// This file contains the cryptographic core: nonce handling, partial signing,
// and signature aggregation for N-of-N participants.
package signing

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/keyagg"
)

// Signer errors
var (
	ErrNonceNotSet        = errors.New("nonce not set")
	ErrNoncesMissing      = errors.New("not all participant nonces received")
	ErrNonceConflict      = errors.New("conflicting nonce for participant")
	ErrSignerNotReady     = errors.New("signer not ready")
	ErrSigningFailed      = errors.New("signing failed")
	ErrNonceAlreadyUsed   = errors.New("nonce already used - generate new nonces")
	ErrNonceReuse         = errors.New("attempted nonce reuse detected")
	ErrSignerInvalidated  = errors.New("signer invalidated after signing")
	ErrNotAParticipant    = errors.New("key is not a session participant")
	ErrDuplicatePartial   = errors.New("conflicting partial signature for participant")
	ErrSignatureIncomplete = errors.New("not enough partial signatures to finalize")
)

// Signer holds the MuSig2 state for one participant in one signing session.
// One Signer per session; it must never be shared between sessions.
//
// SECURITY: nonce usage is tracked to prevent catastrophic reuse. Once a nonce
// has produced a partial signature the signer is invalidated; a fresh ceremony
// needs a fresh Signer. Reusing MuSig2 nonces LEAKS THE PRIVATE KEY.
type Signer struct {
	symbol  string
	network chain.Network

	localPrivKey *btcec.PrivateKey
	localHex     string

	// Canonically sorted participant set; all parties derive the same order.
	sortedKeys []*btcec.PublicKey

	// Nonce state
	localNonces  *musig2.Nonces
	remoteNonces map[string][musig2.PubNonceSize]byte // pubkey hex -> pub nonce

	// SECURITY: track used nonces to prevent reuse
	usedNonces map[[musig2.PubNonceSize]byte]bool

	// SECURITY: once true, no further signing with the current nonce
	nonceUsed   bool
	invalidated bool

	context *musig2.Context
	session *musig2.Session

	// Partial signatures combined so far (local included)
	combined int
	haveAll  bool
}

// NewSigner creates a signer for a ceremony over the given participant set.
// The local key must be a member of the set.
func NewSigner(symbol string, network chain.Network, localPrivKey *btcec.PrivateKey, participantKeys []*btcec.PublicKey) (*Signer, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", keyagg.ErrUnsupportedChain, symbol)
	}
	if !params.SupportsTaproot {
		return nil, fmt.Errorf("%w: %s", keyagg.ErrTaprootNotSupported, symbol)
	}

	sorted, err := keyagg.SortKeys(participantKeys)
	if err != nil {
		return nil, err
	}

	localHex := fmt.Sprintf("%x", localPrivKey.PubKey().SerializeCompressed())
	found := false
	for _, k := range sorted {
		if fmt.Sprintf("%x", k.SerializeCompressed()) == localHex {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotAParticipant
	}

	return &Signer{
		symbol:       symbol,
		network:      network,
		localPrivKey: localPrivKey,
		localHex:     localHex,
		sortedKeys:   sorted,
		remoteNonces: make(map[string][musig2.PubNonceSize]byte),
		usedNonces:   make(map[[musig2.PubNonceSize]byte]bool),
	}, nil
}

// LocalPubKeyHex returns the local participant key in wire form.
func (s *Signer) LocalPubKeyHex() string {
	return s.localHex
}

// NumParticipants returns the size of the participant set.
func (s *Signer) NumParticipants() int {
	return len(s.sortedKeys)
}

// GenerateNonces generates fresh local nonces and returns the public nonce to
// share with the other participants.
//
// SECURITY: any previous nonce is marked used so it can never sign again.
func (s *Signer) GenerateNonces() ([]byte, error) {
	if s.localNonces != nil {
		s.usedNonces[s.localNonces.PubNonce] = true
	}
	s.nonceUsed = false
	s.invalidated = false
	s.session = nil
	s.context = nil

	nonces, err := musig2.GenNonces(
		musig2.WithPublicKey(s.localPrivKey.PubKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonces: %w", err)
	}

	if s.usedNonces[nonces.PubNonce] {
		return nil, fmt.Errorf("%w: regenerated a previously used nonce", ErrNonceReuse)
	}

	s.localNonces = nonces
	return nonces.PubNonce[:], nil
}

// LocalPubNonce returns our 66-byte public nonce.
func (s *Signer) LocalPubNonce() ([]byte, error) {
	if s.localNonces == nil {
		return nil, ErrNonceNotSet
	}
	return s.localNonces.PubNonce[:], nil
}

// SetParticipantNonce records a remote participant's public nonce.
// Redelivery of the same nonce is a no-op; a different nonce for a key that
// already supplied one is an error.
func (s *Signer) SetParticipantNonce(pubkeyHex string, nonce []byte) error {
	if len(nonce) != musig2.PubNonceSize {
		return fmt.Errorf("invalid nonce size: expected %d, got %d", musig2.PubNonceSize, len(nonce))
	}
	if pubkeyHex == s.localHex {
		// Our own nonce echoed back
		return nil
	}
	if !s.isParticipant(pubkeyHex) {
		return ErrNotAParticipant
	}

	var arr [musig2.PubNonceSize]byte
	copy(arr[:], nonce)

	if existing, ok := s.remoteNonces[pubkeyHex]; ok {
		if existing != arr {
			return ErrNonceConflict
		}
		return nil
	}

	s.remoteNonces[pubkeyHex] = arr
	return nil
}

// HasAllNonces reports whether every participant nonce (local included) is
// known.
func (s *Signer) HasAllNonces() bool {
	return s.localNonces != nil && len(s.remoteNonces) == len(s.sortedKeys)-1
}

// initSession creates the MuSig2 context and session once all nonces are set.
func (s *Signer) initSession() error {
	if !s.HasAllNonces() {
		return ErrNoncesMissing
	}
	if s.session != nil {
		return nil
	}

	// Keys are pre-sorted; the BIP-86 tweak makes the final signature valid
	// for the taproot output key the shared address commits to.
	ctx, err := musig2.NewContext(
		s.localPrivKey,
		false,
		musig2.WithKnownSigners(s.sortedKeys),
		musig2.WithBip86TweakCtx(),
	)
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}

	session, err := ctx.NewSession(musig2.WithPreGeneratedNonce(s.localNonces))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for pubkeyHex, nonce := range s.remoteNonces {
		if _, err := session.RegisterPubNonce(nonce); err != nil {
			return fmt.Errorf("failed to register nonce for %s: %w", pubkeyHex, err)
		}
	}

	s.context = ctx
	s.session = session
	s.combined = 0
	s.haveAll = false
	return nil
}

// Sign produces our partial signature over the 32-byte transaction digest.
//
// SECURITY: the nonce is marked used and the signer invalidated for further
// Sign calls. Aggregation via AddPartialSig remains possible.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != chainhash.HashSize {
		return nil, fmt.Errorf("invalid digest length: expected %d, got %d", chainhash.HashSize, len(digest))
	}
	if s.invalidated {
		return nil, ErrSignerInvalidated
	}
	if s.nonceUsed {
		return nil, ErrNonceAlreadyUsed
	}
	if s.localNonces != nil && s.usedNonces[s.localNonces.PubNonce] {
		return nil, ErrNonceReuse
	}

	if err := s.initSession(); err != nil {
		return nil, err
	}

	var msg chainhash.Hash
	copy(msg[:], digest)

	partialSig, err := s.session.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	// Mark the nonce used immediately after signing
	s.nonceUsed = true
	if s.localNonces != nil {
		s.usedNonces[s.localNonces.PubNonce] = true
	}
	s.invalidated = true
	s.combined++ // our own signature counts toward the total

	var buf bytes.Buffer
	if err := partialSig.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode partial signature: %w", err)
	}
	return buf.Bytes(), nil
}

// AddPartialSig combines a remote participant's partial signature into the
// session. Returns true once every partial signature has been combined.
// The local participant must have signed first.
func (s *Signer) AddPartialSig(pubkeyHex string, sigBytes []byte) (bool, error) {
	if s.session == nil || !s.nonceUsed {
		return false, ErrSignerNotReady
	}
	if pubkeyHex == s.localHex {
		return s.haveAll, nil
	}
	if !s.isParticipant(pubkeyHex) {
		return false, ErrNotAParticipant
	}

	partial := new(musig2.PartialSignature)
	if err := partial.Decode(bytes.NewReader(sigBytes)); err != nil {
		return false, fmt.Errorf("failed to decode partial signature: %w", err)
	}

	haveAll, err := s.session.CombineSig(partial)
	if err != nil {
		return false, fmt.Errorf("failed to combine signature: %w", err)
	}
	s.combined++
	s.haveAll = haveAll
	return haveAll, nil
}

// FinalSig returns the aggregated Schnorr signature once all partial
// signatures have been combined.
func (s *Signer) FinalSig() ([]byte, error) {
	if s.session == nil || !s.haveAll {
		return nil, ErrSignatureIncomplete
	}
	return s.session.FinalSig().Serialize(), nil
}

// VerifyFinalSig checks an aggregated signature against the tweaked output
// key for the participant set.
func (s *Signer) VerifyFinalSig(sigBytes, digest []byte) bool {
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	result, err := keyagg.Aggregate(s.symbol, s.network, s.sortedKeys)
	if err != nil {
		return false
	}
	return sig.Verify(digest, result.TweakedKey)
}

// IsValid reports whether the signer can still produce a partial signature.
func (s *Signer) IsValid() bool {
	return !s.invalidated && !s.nonceUsed
}

func (s *Signer) isParticipant(pubkeyHex string) bool {
	for _, k := range s.sortedKeys {
		if fmt.Sprintf("%x", k.SerializeCompressed()) == pubkeyHex {
			return true
		}
	}
	return false
}
