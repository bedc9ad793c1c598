// Package signing - Spend transaction building.
// Builds the unsigned transaction a session signs over and computes the
// taproot key-spend sighash that becomes the session digest.
package signing

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/kosign/internal/backend"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/wallet"
)

// Transaction errors
var (
	ErrNoUTXOs           = errors.New("no UTXOs available")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoSingleUTXO      = errors.New("no single UTXO covers the spend; consolidate first")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
)

// dustThreshold is the minimum change output value in satoshis.
const dustThreshold = uint64(546)

// Spend vsize estimates: P2TR key-spend input ~58 vB, P2TR/P2WPKH output
// ~43 vB, base overhead 10 vB.
const (
	txBaseVSize   = 10
	txInputVSize  = 58
	txOutputVSize = 43
)

// SpendParams describes a spend from a shared wallet address.
type SpendParams struct {
	Symbol  string
	Network chain.Network

	// The shared P2TR address being spent from and its unspent outputs.
	WalletAddress string
	UTXOs         []backend.UTXO

	// Destination
	Recipient string
	Amount    uint64 // satoshis
	FeeRate   uint64 // sat/vB
}

// SpendResult is the unsigned transaction plus everything a session needs to
// run the ceremony over it.
type SpendResult struct {
	Tx          *wire.MsgTx
	TxHex       string
	Digest      []byte // 32-byte taproot key-spend sighash
	InputAmount uint64
	Fee         uint64
	Change      uint64
}

// BuildSpendTx builds an unsigned single-input spend from the shared wallet.
// A MuSig2 ceremony fixes one set of nonces and signs one digest, so each
// session spends exactly one UTXO; the smallest output that covers amount
// plus fee is chosen to keep large UTXOs available for later spends.
func BuildSpendTx(params *SpendParams) (*SpendResult, error) {
	chainParams, ok := chain.Get(params.Symbol, params.Network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", params.Symbol)
	}

	utxo, fee, err := selectSpendUTXO(params.UTXOs, params.Amount, params.FeeRate)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	txHash, err := chainhash.NewHashFromStr(utxo.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, utxo.TxID)
	}
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum - 2 // Enable RBF
	tx.AddTxIn(txIn)

	destScript, err := wallet.AddressToScript(params.Recipient, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.Amount), destScript))

	// Change back to the shared address if above dust; below dust it is
	// absorbed into the fee
	change := utxo.Amount - params.Amount - fee
	if change > dustThreshold {
		changeScript, err := wallet.AddressToScript(params.WalletAddress, chainParams)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	} else {
		change = 0
	}

	digest, err := ComputeSpendDigest(tx, params.WalletAddress, utxo.Amount, chainParams)
	if err != nil {
		return nil, err
	}

	txHex, err := SerializeTx(tx)
	if err != nil {
		return nil, err
	}

	return &SpendResult{
		Tx:          tx,
		TxHex:       txHex,
		Digest:      digest,
		InputAmount: utxo.Amount,
		Fee:         fee,
		Change:      change,
	}, nil
}

// selectSpendUTXO picks the smallest single UTXO covering amount plus fee.
func selectSpendUTXO(utxos []backend.UTXO, amount, feeRate uint64) (*backend.UTXO, uint64, error) {
	if len(utxos) == 0 {
		return nil, 0, ErrNoUTXOs
	}

	fee := uint64(txBaseVSize+txInputVSize+2*txOutputVSize) * feeRate
	target := amount + fee

	var best *backend.UTXO
	var total uint64
	for i := range utxos {
		u := &utxos[i]
		total += u.Amount
		if u.Amount < target {
			continue
		}
		if best == nil || u.Amount < best.Amount {
			best = u
		}
	}

	if best == nil {
		if total < target {
			return nil, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, target, total)
		}
		return nil, 0, fmt.Errorf("%w: largest output below %d", ErrNoSingleUTXO, target)
	}

	return best, fee, nil
}

// ComputeSpendDigest computes the taproot key-spend sighash for input 0.
// Co-signers call this against the proposed transaction to verify the
// initiator's digest before contributing anything binding.
func ComputeSpendDigest(tx *wire.MsgTx, walletAddress string, inputAmount uint64, chainParams *chain.Params) ([]byte, error) {
	prevOutScript, err := wallet.AddressToScript(walletAddress, chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(prevOutScript, int64(inputAmount))
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	digest, err := txscript.CalcTaprootSignatureHash(
		sigHashes,
		txscript.SigHashDefault,
		tx,
		0,
		prevOutFetcher,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	return digest, nil
}

// AttachFinalSig sets the taproot key-path witness on input 0.
// For SigHashDefault the witness is the bare 64-byte Schnorr signature.
func AttachFinalSig(tx *wire.MsgTx, sig []byte) {
	tx.TxIn[0].Witness = wire.TxWitness{sig}
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}
