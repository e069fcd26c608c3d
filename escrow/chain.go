package escrow

import (
	"context"
	"errors"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
)

// ErrSourceUnavailable is returned by Chain implementations when referenced
// source data (a previous output, an unspent set) cannot be fetched. The
// verification engine treats it as a soft failure for signature checking and
// lets the network reject bad signatures at broadcast.
var ErrSourceUnavailable = errors.New("source transaction data unavailable")

// UTXO is an unspent output at a watched script.
type UTXO struct {
	OutPoint wire.OutPoint
	Atoms    dcrutil.Amount
	PkScript []byte
}

// Chain abstracts the network access the engine needs. The production
// implementation talks to a dcrd node over RPC; tests substitute a fake.
type Chain interface {
	// BroadcastTx submits a signed transaction to the network and returns
	// its hash on acceptance.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)

	// Watch registers a script with the backend's unspent-output tracking
	// and returns a release func. ListUnspent and AddressBalance report
	// funds only for scripts that are being watched.
	Watch(pkScript []byte) func()

	// ListUnspent returns the currently known unspent outputs paying the
	// given script.
	ListUnspent(ctx context.Context, pkScript []byte) ([]UTXO, error)

	// PrevOutput resolves the output an input references. Returns
	// ErrSourceUnavailable when the source transaction cannot be fetched.
	PrevOutput(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error)

	// AddressBalance sums the unspent atoms at a script.
	AddressBalance(ctx context.Context, pkScript []byte) (dcrutil.Amount, error)
}
