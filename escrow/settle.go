package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/sign"
	"github.com/decred/dcrd/wire"
)

var (
	// ErrNothingToSettle means the escrow address holds no unspent outputs.
	// Expected for games whose pot never grew; settlement is a no-op.
	ErrNothingToSettle = errors.New("no unspent escrow outputs")

	// ErrFundsBelowFee means the escrow funds cannot cover the sweep fee
	// plus a payable output.
	ErrFundsBelowFee = errors.New("escrow funds below fee and dust threshold")
)

// settlementTag prefixes the OP_RETURN audit record in sweep transactions.
const settlementTag = "FWS1"

// Rough P2PKH sweep size model, bytes. Inputs dominate: a signed ecdsa
// P2PKH input serializes to ~166 bytes.
const (
	txOverheadBytes = 12
	txInBytes       = 166
	txOutBytes      = 40
)

// SettleRequest carries the terminal game outcome into settlement. The
// shares are the intended split computed by the state machine; settlement
// reconciles them against the funds actually present in escrow.
type SettleRequest struct {
	GameID        string
	WinnerAddr    string
	WinnerShare   dcrutil.Amount
	PlatformShare dcrutil.Amount
}

// SettleResult reports what the sweep actually paid.
type SettleResult struct {
	TxID          string
	WinnerAtoms   dcrutil.Amount
	PlatformAtoms dcrutil.Amount
	Fee           dcrutil.Amount
}

// Settle sweeps the per-game escrow to the winner and the platform. It
// consumes every unspent output at the derived escrow address in a single
// transaction, re-splits the actually available post-fee amount
// proportionally to the intended shares, embeds an unspendable audit record,
// and returns any rounding remainder to the escrow address. Settlement
// failure never reopens the game; the caller logs and reports it separately.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	priv, err := DeriveGameKey(e.masterSeed, req.GameID)
	if err != nil {
		return nil, err
	}
	escrowAddr, escrowScript, err := GameEscrowAddress(e.masterSeed, req.GameID, e.params)
	if err != nil {
		return nil, err
	}

	utxos, err := e.chain.ListUnspent(ctx, escrowScript)
	if err != nil {
		return nil, fmt.Errorf("list escrow utxos: %w", err)
	}
	if len(utxos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNothingToSettle, escrowAddr)
	}

	var total dcrutil.Amount
	tx := wire.NewMsgTx()
	for _, u := range utxos {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: u.OutPoint,
			ValueIn:          int64(u.Atoms),
		})
		total += u.Atoms
	}

	// Fee from counts; sized for the worst case of four outputs (winner,
	// platform, audit record, change).
	size := txOverheadBytes + txInBytes*len(tx.TxIn) + txOutBytes*4
	fee := dcrutil.Amount(int64(size)) * e.feeRatePerKB / 1000
	available := total - fee
	if available < e.dustThreshold {
		return nil, fmt.Errorf("%w: %s available after %s fee",
			ErrFundsBelowFee, available, fee)
	}

	// Re-split what is actually there by the intended ratio. Estimation
	// drift or a never-confirmed miss payment can leave escrow short of the
	// intended amounts; both parties absorb the shortfall proportionally.
	intended := req.WinnerShare + req.PlatformShare
	var winnerAtoms, platformAtoms dcrutil.Amount
	if intended > 0 {
		winnerAtoms = dcrutil.Amount(int64(available) * int64(req.WinnerShare) / int64(intended))
		platformAtoms = dcrutil.Amount(int64(available) * int64(req.PlatformShare) / int64(intended))
	} else {
		winnerAtoms = available
	}
	if available < intended {
		e.log.Warnf("game %s: escrow short of intended payout: have %s, intended %s",
			req.GameID, available, intended)
	}

	winnerScript, err := PayToAddrScript(req.WinnerAddr, e.params)
	if err != nil {
		return nil, err
	}
	platformScript, err := PayToAddrScript(e.platformAddr, e.params)
	if err != nil {
		return nil, err
	}

	var paidOut dcrutil.Amount
	if winnerAtoms >= e.dustThreshold {
		tx.AddTxOut(&wire.TxOut{Value: int64(winnerAtoms), PkScript: winnerScript})
		paidOut += winnerAtoms
	} else {
		winnerAtoms = 0
	}
	if platformAtoms >= e.dustThreshold {
		tx.AddTxOut(&wire.TxOut{Value: int64(platformAtoms), PkScript: platformScript})
		paidOut += platformAtoms
	} else {
		platformAtoms = 0
	}
	if paidOut == 0 {
		return nil, fmt.Errorf("%w: both shares below dust", ErrFundsBelowFee)
	}

	// Unspendable audit record of the settlement.
	record := fmt.Sprintf("%s|%s|%s", settlementTag, req.GameID, req.WinnerAddr)
	auditScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData([]byte(record)).
		Script()
	if err != nil {
		return nil, fmt.Errorf("build audit record: %w", err)
	}
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: auditScript})

	// Rounding remainder stays at the escrow address rather than inflating
	// the fee.
	if change := available - paidOut; change >= e.dustThreshold {
		tx.AddTxOut(&wire.TxOut{Value: int64(change), PkScript: escrowScript})
	}

	privBytes := priv.Serialize()
	for i := range tx.TxIn {
		sigScript, err := sign.SignatureScript(tx, i, escrowScript,
			txscript.SigHashAll, privBytes, dcrec.STEcdsaSecp256k1, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	// Local VM check before handing the sweep to the network.
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(escrowScript, tx, i, 0, 0, nil)
		if err != nil {
			return nil, fmt.Errorf("engine init input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("sweep verify input %d: %w", i, err)
		}
	}

	h, err := e.broadcast(ctx, tx)
	if err != nil {
		return nil, err
	}
	e.log.Infof("game %s: settled %s: winner %s, platform %s, fee %s, tx %s",
		req.GameID, total, winnerAtoms, platformAtoms, fee, h)
	return &SettleResult{
		TxID:          h.String(),
		WinnerAtoms:   winnerAtoms,
		PlatformAtoms: platformAtoms,
		Fee:           fee,
	}, nil
}
