// Package signing - Spend proposal handling for the Coordinator.
package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klingon-exchange/kosign/internal/backend"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/keyagg"
	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/internal/wallet"
)

// Proposal errors
var (
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrWalletNotFound   = errors.New("wallet not found")
)

// ProposeSpend builds an unsigned spend from a shared wallet, creates a
// signing session for it, and announces the proposal to every co-signer.
// The initiator's nonce is contributed immediately; completion is
// asynchronous and surfaced via events.
func (c *Coordinator) ProposeSpend(ctx context.Context, walletID, recipient string, amount, feeRate uint64, memo string) (*Session, error) {
	w, err := c.wallets.GetWallet(walletID)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	chainParams, ok := chain.Get(w.Chain, c.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", w.Chain)
	}
	if !wallet.ValidateAddress(recipient, chainParams) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRecipient, recipient)
	}

	b, err := c.backends.Get(w.Chain)
	if err != nil {
		return nil, err
	}

	utxos, err := b.GetAddressUTXOs(ctx, w.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch UTXOs: %w", err)
	}
	spendable := make([]backend.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Confirmations >= c.spend.MinConfirmations {
			spendable = append(spendable, u)
		}
	}

	if feeRate == 0 {
		feeRate = c.spend.FallbackFeeRate
		if est, err := b.GetFeeEstimates(ctx); err == nil && est.HalfHourFee > 0 {
			feeRate = est.HalfHourFee
		}
	}

	result, err := BuildSpendTx(&SpendParams{
		Symbol:        w.Chain,
		Network:       c.network,
		WalletAddress: w.Address,
		UTXOs:         spendable,
		Recipient:     recipient,
		Amount:        amount,
		FeeRate:       feeRate,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record := &storage.SessionRecord{
		SessionID:       uuid.New().String(),
		WalletID:        walletID,
		Chain:           w.Chain,
		InitiatorPubKey: c.wallets.Identity().PubKeyHex(),
		Recipient:       recipient,
		Amount:          amount,
		FeeRate:         feeRate,
		Memo:            memo,
		State:           string(StateProposed),
		UnsignedTx:      result.TxHex,
		SigDigest:       hex.EncodeToString(result.Digest),
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(c.cfg.TTL),
	}

	if err := c.store.SaveSession(record); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sess := newSession(record, w, true)
	signer, err := c.newSessionSigner(sess)
	if err != nil {
		return nil, err
	}
	sess.Signer = signer
	c.sessions[record.SessionID] = sess

	c.log.Info("proposed spend",
		"session_id", record.SessionID,
		"wallet_id", walletID,
		"chain", w.Chain,
		"amount", amount,
		"recipient", recipient)

	c.sendToPeers(ctx, sess, MsgProposal, &ProposalPayload{
		SessionID:       record.SessionID,
		WalletID:        walletID,
		Chain:           w.Chain,
		InitiatorPubKey: record.InitiatorPubKey,
		Recipient:       recipient,
		Amount:          amount,
		FeeRate:         feeRate,
		Memo:            memo,
		UnsignedTx:      result.TxHex,
		InputAmount:     result.InputAmount,
		SigDigest:       record.SigDigest,
		ExpiresAt:       record.ExpiresAt.Unix(),
	})

	c.emitEvent(record.SessionID, "proposed", record)

	// The initiator commits its nonce right away; co-signers contribute
	// theirs after reviewing the proposal
	if err := c.contributeNonceLocked(ctx, sess); err != nil {
		return nil, err
	}

	return sess, nil
}

// HandleProposal processes an incoming spend proposal from a co-signer.
// Proposals from senders outside the wallet's participant set never create a
// session. Redelivery of a known proposal is a no-op.
func (c *Coordinator) HandleProposal(ctx context.Context, fromPeer string, data []byte) error {
	var payload ProposalPayload
	if err := decodePayload(data, &payload); err != nil {
		return fmt.Errorf("malformed proposal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Idempotent: already mirrored
	if _, ok := c.sessions[payload.SessionID]; ok {
		return nil
	}
	if _, err := c.store.GetSession(payload.SessionID); err == nil {
		return nil
	}

	w, err := c.wallets.GetWallet(payload.WalletID)
	if err != nil {
		return fmt.Errorf("%w: wallet %s", ErrUnknownParticipant, payload.WalletID)
	}

	if !participantSetContains(w, payload.InitiatorPubKey) {
		c.log.Warn("proposal from non-participant dropped",
			"session_id", payload.SessionID,
			"wallet_id", payload.WalletID,
			"pubkey", payload.InitiatorPubKey)
		return ErrUnknownParticipant
	}

	// First contact from this participant teaches us its transport route
	if fromPeer != "" {
		if err := c.wallets.BindPeer(payload.WalletID, payload.InitiatorPubKey, fromPeer); err != nil {
			c.log.Debug("failed to bind proposal sender", "error", err)
		}
	}

	expiresAt := time.Unix(payload.ExpiresAt, 0)
	if !time.Now().Before(expiresAt) {
		return ErrSessionExpired
	}

	// Independently recompute the digest; a mismatch means the initiator's
	// claimed digest does not commit to the transaction we were shown
	if err := c.verifyProposalDigest(&payload, w); err != nil {
		return err
	}

	now := time.Now()
	record := &storage.SessionRecord{
		SessionID:       payload.SessionID,
		WalletID:        payload.WalletID,
		Chain:           payload.Chain,
		InitiatorPubKey: payload.InitiatorPubKey,
		Recipient:       payload.Recipient,
		Amount:          payload.Amount,
		FeeRate:         payload.FeeRate,
		Memo:            payload.Memo,
		State:           string(StateProposed),
		UnsignedTx:      payload.UnsignedTx,
		SigDigest:       payload.SigDigest,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       expiresAt,
	}

	if err := c.store.SaveSession(record); err != nil {
		return err
	}

	sess := newSession(record, w, false)
	c.sessions[record.SessionID] = sess

	c.log.Info("received spend proposal",
		"session_id", record.SessionID,
		"wallet_id", record.WalletID,
		"initiator", record.InitiatorPubKey,
		"amount", record.Amount)

	c.emitEvent(record.SessionID, "proposal_received", record)
	return nil
}

// verifyProposalDigest recomputes the sighash from the proposed transaction
// and compares it with the initiator's claim.
func (c *Coordinator) verifyProposalDigest(payload *ProposalPayload, w *wallet.SharedWallet) error {
	chainParams, ok := chain.Get(w.Chain, c.network)
	if !ok {
		return fmt.Errorf("unsupported chain: %s", w.Chain)
	}

	tx, err := DeserializeTx(payload.UnsignedTx)
	if err != nil {
		return fmt.Errorf("invalid proposed transaction: %w", err)
	}

	digest, err := ComputeSpendDigest(tx, w.Address, payload.InputAmount, chainParams)
	if err != nil {
		return err
	}

	if hex.EncodeToString(digest) != payload.SigDigest {
		return ErrDigestMismatch
	}
	return nil
}

// newSessionSigner builds the MuSig2 signer for a session from the wallet's
// participant set and the local identity key.
func (c *Coordinator) newSessionSigner(sess *Session) (*Signer, error) {
	keyHexes := make([]string, len(sess.Wallet.Participants))
	for i, p := range sess.Wallet.Participants {
		keyHexes[i] = p.PubKey
	}
	keys, err := keyagg.ParseKeys(keyHexes)
	if err != nil {
		return nil, err
	}
	return NewSigner(sess.Record.Chain, c.network, c.wallets.Identity().PrivKey(), keys)
}

func participantSetContains(w *wallet.SharedWallet, pubkeyHex string) bool {
	for _, p := range w.Participants {
		if p.PubKey == pubkeyHex {
			return true
		}
	}
	return false
}
