package escrow

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

// DcrdChain implements Chain against a dcrd node. Unspent-output queries go
// through the FundingWatcher, which maintains the per-script UTXO view the
// node itself does not index; scripts must be registered with Watch before
// their funds become visible.
type DcrdChain struct {
	log     slog.Logger
	node    NodeRPC
	watcher *FundingWatcher
}

var _ Chain = (*DcrdChain)(nil)

func NewDcrdChain(log slog.Logger, node NodeRPC, watcher *FundingWatcher) *DcrdChain {
	return &DcrdChain{log: log, node: node, watcher: watcher}
}

func (c *DcrdChain) BroadcastTx(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	h, err := c.node.SendRawTransaction(ctx, tx, false)
	if err != nil {
		return nil, fmt.Errorf("sendrawtransaction: %w", err)
	}
	return h, nil
}

func (c *DcrdChain) Watch(pkScript []byte) func() {
	return c.watcher.Watch(pkScript)
}

func (c *DcrdChain) ListUnspent(ctx context.Context, pkScript []byte) ([]UTXO, error) {
	return c.watcher.UnspentOutputs(ctx, pkScript)
}

// PrevOutput resolves an input's source output from the node. dcrd without
// txindex cannot serve arbitrary historical transactions; that surfaces as
// ErrSourceUnavailable so verification can defer to broadcast.
func (c *DcrdChain) PrevOutput(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error) {
	v, err := c.node.GetRawTransactionVerbose(ctx, &op.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, op.Hash, err)
	}
	if int(op.Index) >= len(v.Vout) {
		return nil, fmt.Errorf("output %s does not exist", op)
	}
	out := v.Vout[op.Index]
	script, err := hex.DecodeString(out.ScriptPubKey.Hex)
	if err != nil {
		return nil, fmt.Errorf("decode script of %s: %w", op, err)
	}
	amt, err := dcrutil.NewAmount(out.Value)
	if err != nil {
		return nil, fmt.Errorf("bad value of %s: %w", op, err)
	}
	return &wire.TxOut{
		Value:    int64(amt),
		Version:  out.Version,
		PkScript: script,
	}, nil
}

func (c *DcrdChain) AddressBalance(ctx context.Context, pkScript []byte) (dcrutil.Amount, error) {
	utxos, err := c.watcher.UnspentOutputs(ctx, pkScript)
	if err != nil {
		return 0, err
	}
	var total dcrutil.Amount
	for _, u := range utxos {
		total += u.Atoms
	}
	return total, nil
}
