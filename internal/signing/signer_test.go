package signing

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/keyagg"
)

// newTestSigners builds a full participant set with one Signer per key.
func newTestSigners(t *testing.T, n int) ([]*btcec.PrivateKey, []*Signer) {
	t.Helper()

	privKeys := make([]*btcec.PrivateKey, n)
	pubKeys := make([]*btcec.PublicKey, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		privKeys[i] = priv
		pubKeys[i] = priv.PubKey()
	}

	signers := make([]*Signer, n)
	for i := 0; i < n; i++ {
		signer, err := NewSigner("BTC", chain.Mainnet, privKeys[i], pubKeys)
		if err != nil {
			t.Fatalf("failed to create signer %d: %v", i, err)
		}
		signers[i] = signer
	}
	return privKeys, signers
}

// exchangeNonces generates nonces on every signer and distributes them.
func exchangeNonces(t *testing.T, privKeys []*btcec.PrivateKey, signers []*Signer) {
	t.Helper()

	nonces := make([][]byte, len(signers))
	for i, s := range signers {
		nonce, err := s.GenerateNonces()
		if err != nil {
			t.Fatalf("signer %d failed to generate nonces: %v", i, err)
		}
		nonces[i] = nonce
	}

	for i, s := range signers {
		for j := range signers {
			if i == j {
				continue
			}
			pubHex := fmt.Sprintf("%x", privKeys[j].PubKey().SerializeCompressed())
			if err := s.SetParticipantNonce(pubHex, nonces[j]); err != nil {
				t.Fatalf("signer %d rejected nonce from %d: %v", i, j, err)
			}
		}
		if !s.HasAllNonces() {
			t.Fatalf("signer %d should have all nonces", i)
		}
	}
}

func TestSignerFullCeremony(t *testing.T) {
	privKeys, signers := newTestSigners(t, 3)
	exchangeNonces(t, privKeys, signers)

	digest := sha256.Sum256([]byte("spend 50000 sat to bc1q..."))

	partials := make([][]byte, 3)
	for i, s := range signers {
		sig, err := s.Sign(digest[:])
		if err != nil {
			t.Fatalf("signer %d failed to sign: %v", i, err)
		}
		partials[i] = sig

		if s.IsValid() {
			t.Errorf("signer %d should be invalidated after signing", i)
		}
	}

	// Aggregate on the first signer
	combiner := signers[0]
	haveAll, err := combiner.AddPartialSig(
		fmt.Sprintf("%x", privKeys[1].PubKey().SerializeCompressed()), partials[1])
	if err != nil {
		t.Fatalf("failed to combine first partial: %v", err)
	}
	if haveAll {
		t.Error("should not have all signatures with one partial missing")
	}

	if _, err := combiner.FinalSig(); !errors.Is(err, ErrSignatureIncomplete) {
		t.Errorf("expected ErrSignatureIncomplete, got %v", err)
	}

	haveAll, err = combiner.AddPartialSig(
		fmt.Sprintf("%x", privKeys[2].PubKey().SerializeCompressed()), partials[2])
	if err != nil {
		t.Fatalf("failed to combine second partial: %v", err)
	}
	if !haveAll {
		t.Fatal("should have all signatures after combining every partial")
	}

	finalSig, err := combiner.FinalSig()
	if err != nil {
		t.Fatalf("failed to finalize signature: %v", err)
	}
	if len(finalSig) != 64 {
		t.Errorf("final signature length = %d, want 64", len(finalSig))
	}

	if !combiner.VerifyFinalSig(finalSig, digest[:]) {
		t.Error("aggregated signature does not verify against the tweaked output key")
	}

	// Flip one digest bit: the signature must not verify
	badDigest := digest
	badDigest[0] ^= 0x01
	if combiner.VerifyFinalSig(finalSig, badDigest[:]) {
		t.Error("aggregated signature verified against a different digest")
	}
}

func TestSignerTwoParty(t *testing.T) {
	privKeys, signers := newTestSigners(t, 2)
	exchangeNonces(t, privKeys, signers)

	digest := sha256.Sum256([]byte("two party spend"))

	sig0, err := signers[0].Sign(digest[:])
	if err != nil {
		t.Fatalf("signer 0 failed to sign: %v", err)
	}
	sig1, err := signers[1].Sign(digest[:])
	if err != nil {
		t.Fatalf("signer 1 failed to sign: %v", err)
	}

	// Both sides aggregate independently and must agree
	for i, other := range [][]byte{sig1, sig0} {
		s := signers[i]
		otherHex := fmt.Sprintf("%x", privKeys[1-i].PubKey().SerializeCompressed())
		haveAll, err := s.AddPartialSig(otherHex, other)
		if err != nil {
			t.Fatalf("signer %d failed to combine: %v", i, err)
		}
		if !haveAll {
			t.Fatalf("signer %d should have all signatures", i)
		}
	}

	final0, err := signers[0].FinalSig()
	if err != nil {
		t.Fatalf("signer 0 finalize: %v", err)
	}
	final1, err := signers[1].FinalSig()
	if err != nil {
		t.Fatalf("signer 1 finalize: %v", err)
	}
	if !bytes.Equal(final0, final1) {
		t.Error("both participants must derive the same aggregated signature")
	}
	if !signers[1].VerifyFinalSig(final0, digest[:]) {
		t.Error("aggregated signature does not verify")
	}
}

func TestSignerNonceReuseProtection(t *testing.T) {
	privKeys, signers := newTestSigners(t, 2)
	exchangeNonces(t, privKeys, signers)

	digest := sha256.Sum256([]byte("first message"))
	if _, err := signers[0].Sign(digest[:]); err != nil {
		t.Fatalf("first sign failed: %v", err)
	}

	// A second signature with the same nonce would leak the private key
	other := sha256.Sum256([]byte("second message"))
	if _, err := signers[0].Sign(other[:]); !errors.Is(err, ErrSignerInvalidated) {
		t.Errorf("expected ErrSignerInvalidated, got %v", err)
	}

	// Fresh nonces re-arm the signer
	if _, err := signers[0].GenerateNonces(); err != nil {
		t.Fatalf("nonce regeneration failed: %v", err)
	}
	if !signers[0].IsValid() {
		t.Error("signer should be valid again after regenerating nonces")
	}
}

func TestSignerNonceHandling(t *testing.T) {
	privKeys, signers := newTestSigners(t, 3)
	s := signers[0]

	nonce1, err := signers[1].GenerateNonces()
	if err != nil {
		t.Fatalf("failed to generate nonces: %v", err)
	}
	hex1 := fmt.Sprintf("%x", privKeys[1].PubKey().SerializeCompressed())

	if err := s.SetParticipantNonce(hex1, nonce1); err != nil {
		t.Fatalf("failed to set nonce: %v", err)
	}

	// Redelivery of the identical nonce is absorbed
	if err := s.SetParticipantNonce(hex1, nonce1); err != nil {
		t.Errorf("identical redelivery should be a no-op, got %v", err)
	}

	// A different nonce for the same key is a conflict
	conflicting := make([]byte, len(nonce1))
	copy(conflicting, nonce1)
	conflicting[10] ^= 0xff
	if err := s.SetParticipantNonce(hex1, conflicting); !errors.Is(err, ErrNonceConflict) {
		t.Errorf("expected ErrNonceConflict, got %v", err)
	}

	// Wrong size and unknown keys are rejected
	if err := s.SetParticipantNonce(hex1, nonce1[:30]); err == nil {
		t.Error("truncated nonce should be rejected")
	}
	outsider, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	outsiderHex := fmt.Sprintf("%x", outsider.PubKey().SerializeCompressed())
	if err := s.SetParticipantNonce(outsiderHex, nonce1); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestSignerGuards(t *testing.T) {
	_, signers := newTestSigners(t, 2)
	s := signers[0]

	digest := sha256.Sum256([]byte("message"))

	// No nonces at all yet
	if _, err := s.Sign(digest[:]); !errors.Is(err, ErrNoncesMissing) {
		t.Errorf("expected ErrNoncesMissing, got %v", err)
	}
	if _, err := s.LocalPubNonce(); !errors.Is(err, ErrNonceNotSet) {
		t.Errorf("expected ErrNonceNotSet, got %v", err)
	}

	// Aggregation requires a local signature first
	if _, err := s.AddPartialSig("aa", []byte{1, 2, 3}); !errors.Is(err, ErrSignerNotReady) {
		t.Errorf("expected ErrSignerNotReady, got %v", err)
	}

	// Digests must be exactly 32 bytes
	if _, err := s.Sign([]byte("short")); err == nil {
		t.Error("short digest should be rejected")
	}
}

func TestNewSignerValidation(t *testing.T) {
	priv1, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	priv2, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	outsider, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	set := []*btcec.PublicKey{priv1.PubKey(), priv2.PubKey()}

	if _, err := NewSigner("BTC", chain.Mainnet, outsider, set); !errors.Is(err, ErrNotAParticipant) {
		t.Errorf("expected ErrNotAParticipant, got %v", err)
	}

	if _, err := NewSigner("DOGE", chain.Mainnet, priv1, set); !errors.Is(err, keyagg.ErrUnsupportedChain) {
		t.Errorf("expected ErrUnsupportedChain, got %v", err)
	}

	s, err := NewSigner("LTC", chain.Mainnet, priv1, set)
	if err != nil {
		t.Fatalf("LTC signer should be supported: %v", err)
	}
	if s.NumParticipants() != 2 {
		t.Errorf("participants = %d, want 2", s.NumParticipants())
	}
}
