package signing

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/kosign/internal/backend"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/keyagg"
)

const testRecipient = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

// testWalletAddress derives a real shared P2TR address for a fresh 2-key set.
func testWalletAddress(t *testing.T) string {
	t.Helper()

	keys := make([]*btcec.PublicKey, 2)
	for i := range keys {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		keys[i] = priv.PubKey()
	}

	result, err := keyagg.Aggregate("BTC", chain.Mainnet, keys)
	if err != nil {
		t.Fatalf("failed to aggregate keys: %v", err)
	}
	return result.Address
}

func testUTXO(amount uint64) backend.UTXO {
	return backend.UTXO{
		TxID:          strings.Repeat("ab", 32),
		Vout:          1,
		Amount:        amount,
		Confirmations: 6,
	}
}

func TestSelectSpendUTXO(t *testing.T) {
	// One input, two outputs at rate 1: (10 + 58 + 2*43) = 154 sat
	tests := []struct {
		name    string
		amounts []uint64
		amount  uint64
		feeRate uint64
		want    uint64 // amount of the selected UTXO
		wantErr error
	}{
		{
			name:    "no utxos",
			amounts: nil,
			amount:  1000,
			feeRate: 1,
			wantErr: ErrNoUTXOs,
		},
		{
			name:    "single sufficient utxo",
			amounts: []uint64{100000},
			amount:  50000,
			feeRate: 1,
			want:    100000,
		},
		{
			name:    "smallest covering utxo wins",
			amounts: []uint64{100000, 60000, 30000},
			amount:  50000,
			feeRate: 1,
			want:    60000,
		},
		{
			name:    "exact cover",
			amounts: []uint64{50154},
			amount:  50000,
			feeRate: 1,
			want:    50154,
		},
		{
			name:    "total insufficient",
			amounts: []uint64{20000, 10000},
			amount:  50000,
			feeRate: 1,
			wantErr: ErrInsufficientFunds,
		},
		{
			name:    "total covers but no single utxo does",
			amounts: []uint64{30000, 30000},
			amount:  50000,
			feeRate: 1,
			wantErr: ErrNoSingleUTXO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			utxos := make([]backend.UTXO, len(tt.amounts))
			for i, a := range tt.amounts {
				utxos[i] = testUTXO(a)
			}

			utxo, fee, err := selectSpendUTXO(utxos, tt.amount, tt.feeRate)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if utxo.Amount != tt.want {
				t.Errorf("selected %d, want %d", utxo.Amount, tt.want)
			}
			if wantFee := uint64(154) * tt.feeRate; fee != wantFee {
				t.Errorf("fee = %d, want %d", fee, wantFee)
			}
		})
	}
}

func TestBuildSpendTx(t *testing.T) {
	walletAddr := testWalletAddress(t)

	result, err := BuildSpendTx(&SpendParams{
		Symbol:        "BTC",
		Network:       chain.Mainnet,
		WalletAddress: walletAddr,
		UTXOs:         []backend.UTXO{testUTXO(100000)},
		Recipient:     testRecipient,
		Amount:        50000,
		FeeRate:       2,
	})
	if err != nil {
		t.Fatalf("failed to build spend: %v", err)
	}

	if len(result.Digest) != 32 {
		t.Errorf("digest length = %d, want 32", len(result.Digest))
	}
	if result.InputAmount != 100000 {
		t.Errorf("input amount = %d, want 100000", result.InputAmount)
	}
	if result.Fee != 308 {
		t.Errorf("fee = %d, want 308", result.Fee)
	}
	if want := uint64(100000 - 50000 - 308); result.Change != want {
		t.Errorf("change = %d, want %d", result.Change, want)
	}

	tx := result.Tx
	if len(tx.TxIn) != 1 {
		t.Fatalf("inputs = %d, want 1", len(tx.TxIn))
	}
	if tx.TxIn[0].Sequence != wire.MaxTxInSequenceNum-2 {
		t.Errorf("input sequence = %d, RBF should be signaled", tx.TxIn[0].Sequence)
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want recipient plus change", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 50000 {
		t.Errorf("recipient output = %d, want 50000", tx.TxOut[0].Value)
	}
	if tx.TxOut[1].Value != int64(result.Change) {
		t.Errorf("change output = %d, want %d", tx.TxOut[1].Value, result.Change)
	}

	// A co-signer deserializes the hex and must recompute the same digest
	decoded, err := DeserializeTx(result.TxHex)
	if err != nil {
		t.Fatalf("failed to deserialize: %v", err)
	}
	chainParams, _ := chain.Get("BTC", chain.Mainnet)
	digest, err := ComputeSpendDigest(decoded, walletAddr, result.InputAmount, chainParams)
	if err != nil {
		t.Fatalf("failed to recompute digest: %v", err)
	}
	if !bytes.Equal(digest, result.Digest) {
		t.Error("recomputed digest does not match")
	}

	// A different input amount commits to a different digest
	other, err := ComputeSpendDigest(decoded, walletAddr, result.InputAmount+1, chainParams)
	if err != nil {
		t.Fatalf("failed to compute digest: %v", err)
	}
	if bytes.Equal(other, result.Digest) {
		t.Error("digest must commit to the input amount")
	}
}

func TestBuildSpendTxDustChange(t *testing.T) {
	walletAddr := testWalletAddress(t)

	// Change of 500 sat is below dust and gets absorbed into the fee
	result, err := BuildSpendTx(&SpendParams{
		Symbol:        "BTC",
		Network:       chain.Mainnet,
		WalletAddress: walletAddr,
		UTXOs:         []backend.UTXO{testUTXO(50000 + 308 + 500)},
		Recipient:     testRecipient,
		Amount:        50000,
		FeeRate:       2,
	})
	if err != nil {
		t.Fatalf("failed to build spend: %v", err)
	}

	if result.Change != 0 {
		t.Errorf("change = %d, want 0", result.Change)
	}
	if len(result.Tx.TxOut) != 1 {
		t.Errorf("outputs = %d, dust change should be dropped", len(result.Tx.TxOut))
	}
}

func TestBuildSpendTxInvalidInputs(t *testing.T) {
	walletAddr := testWalletAddress(t)
	utxos := []backend.UTXO{testUTXO(100000)}

	if _, err := BuildSpendTx(&SpendParams{
		Symbol: "DOGE", Network: chain.Mainnet,
		WalletAddress: walletAddr, UTXOs: utxos,
		Recipient: testRecipient, Amount: 1000, FeeRate: 1,
	}); err == nil {
		t.Error("unsupported chain should be rejected")
	}

	if _, err := BuildSpendTx(&SpendParams{
		Symbol: "BTC", Network: chain.Mainnet,
		WalletAddress: walletAddr, UTXOs: utxos,
		Recipient: "not-an-address", Amount: 1000, FeeRate: 1,
	}); err == nil {
		t.Error("invalid recipient should be rejected")
	}

	bad := testUTXO(100000)
	bad.TxID = "zz"
	if _, err := BuildSpendTx(&SpendParams{
		Symbol: "BTC", Network: chain.Mainnet,
		WalletAddress: walletAddr, UTXOs: []backend.UTXO{bad},
		Recipient: testRecipient, Amount: 1000, FeeRate: 1,
	}); !errors.Is(err, ErrInvalidTxID) {
		t.Errorf("expected ErrInvalidTxID, got %v", err)
	}
}

func TestAttachFinalSigRoundTrip(t *testing.T) {
	walletAddr := testWalletAddress(t)

	result, err := BuildSpendTx(&SpendParams{
		Symbol:        "BTC",
		Network:       chain.Mainnet,
		WalletAddress: walletAddr,
		UTXOs:         []backend.UTXO{testUTXO(100000)},
		Recipient:     testRecipient,
		Amount:        50000,
		FeeRate:       2,
	})
	if err != nil {
		t.Fatalf("failed to build spend: %v", err)
	}

	sig := bytes.Repeat([]byte{0x42}, 64)
	AttachFinalSig(result.Tx, sig)

	txHex, err := SerializeTx(result.Tx)
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}
	decoded, err := DeserializeTx(txHex)
	if err != nil {
		t.Fatalf("failed to deserialize: %v", err)
	}

	if len(decoded.TxIn[0].Witness) != 1 {
		t.Fatalf("witness items = %d, want 1", len(decoded.TxIn[0].Witness))
	}
	if !bytes.Equal(decoded.TxIn[0].Witness[0], sig) {
		t.Error("witness signature does not round-trip")
	}
}
