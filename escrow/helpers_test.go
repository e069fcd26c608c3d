package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/sign"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"
)

var simNet = chaincfg.SimNetParams()

// fakeChain is an in-memory Chain for engine tests.
type fakeChain struct {
	mu        sync.Mutex
	prevOuts  map[wire.OutPoint]*wire.TxOut
	unspent   map[string][]UTXO // pkScript hex -> utxos
	broadcast []*wire.MsgTx

	prevErr      error // returned by PrevOutput when set
	broadcastErr []error

	watched map[string]int // pkScript hex -> active watch count
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		prevOuts: make(map[wire.OutPoint]*wire.TxOut),
		unspent:  make(map[string][]UTXO),
	}
}

func (f *fakeChain) BroadcastTx(_ context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcastErr) > 0 {
		err := f.broadcastErr[0]
		f.broadcastErr = f.broadcastErr[1:]
		if err != nil {
			return nil, err
		}
	}
	f.broadcast = append(f.broadcast, tx)
	h := tx.TxHash()
	return &h, nil
}

func (f *fakeChain) ListUnspent(_ context.Context, pkScript []byte) ([]UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unspent[hex.EncodeToString(pkScript)], nil
}

func (f *fakeChain) PrevOutput(_ context.Context, op wire.OutPoint) (*wire.TxOut, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prevErr != nil {
		return nil, f.prevErr
	}
	out, ok := f.prevOuts[op]
	if !ok {
		return nil, ErrSourceUnavailable
	}
	return out, nil
}

func (f *fakeChain) AddressBalance(_ context.Context, pkScript []byte) (dcrutil.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total dcrutil.Amount
	for _, u := range f.unspent[hex.EncodeToString(pkScript)] {
		total += u.Atoms
	}
	return total, nil
}

func (f *fakeChain) Watch(pkScript []byte) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watched == nil {
		f.watched = make(map[string]int)
	}
	key := hex.EncodeToString(pkScript)
	f.watched[key]++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.watched[key]--
	}
}

func (f *fakeChain) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcast)
}

// testKey derives a stable private key from a one-byte seed.
func testKey(b byte) *secp256k1.PrivateKey {
	var kb [32]byte
	for i := range kb {
		kb[i] = b
	}
	return secp256k1.PrivKeyFromBytes(kb[:])
}

// p2pkh returns the address string and payment script for a key.
func p2pkh(t *testing.T, priv *secp256k1.PrivateKey) (string, []byte) {
	t.Helper()
	pkHash := stdaddr.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(pkHash, simNet)
	require.NoError(t, err)
	_, pkScript := addr.PaymentScript()
	return addr.String(), pkScript
}

// fundOutpoint installs a prevout paying the key so a test payment can
// spend it with a real signature.
func fundOutpoint(f *fakeChain, idx byte, value int64, pkScript []byte) wire.OutPoint {
	var h chainhash.Hash
	h[0] = idx
	op := wire.OutPoint{Hash: h, Index: 0}
	f.prevOuts[op] = &wire.TxOut{Value: value, PkScript: pkScript}
	return op
}

// signedPayment builds and signs a one-input transaction spending the
// payer's outpoint and paying amount to destScript, change back to the
// payer.
func signedPayment(t *testing.T, payer *secp256k1.PrivateKey, payerScript []byte,
	op wire.OutPoint, inValue int64, destScript []byte, amount int64) *wire.MsgTx {
	t.Helper()

	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, ValueIn: inValue})
	tx.AddTxOut(&wire.TxOut{Value: amount, PkScript: destScript})
	if change := inValue - amount - 10_000; change > 0 {
		tx.AddTxOut(&wire.TxOut{Value: change, PkScript: payerScript})
	}

	sigScript, err := sign.SignatureScript(tx, 0, payerScript,
		txscript.SigHashAll, payer.Serialize(), dcrec.STEcdsaSecp256k1, true)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	return tx
}

// signInput signs one input of a multi-input spend.
func signInput(t *testing.T, tx *wire.MsgTx, idx int, key *secp256k1.PrivateKey, subscript []byte) {
	t.Helper()
	sigScript, err := sign.SignatureScript(tx, idx, subscript,
		txscript.SigHashAll, key.Serialize(), dcrec.STEcdsaSecp256k1, true)
	require.NoError(t, err)
	tx.TxIn[idx].SignatureScript = sigScript
}

func txHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}
