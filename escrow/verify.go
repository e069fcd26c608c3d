package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

// Hard gate failures for payment verification. Each aborts with any claims
// taken so far released, leaving the pending shot retryable.
var (
	ErrEmptyTx             = errors.New("empty transaction")
	ErrTxTooLarge          = errors.New("transaction exceeds size limit")
	ErrMalformedTx         = errors.New("malformed transaction")
	ErrInsufficientPayment = errors.New("outputs pay less than required amount")
	ErrBroadcastFailed     = errors.New("broadcast rejected")
)

// maxTxBytes bounds accepted raw transactions; anything a shot payment
// legitimately needs is orders of magnitude smaller.
const maxTxBytes = 100 * 1024

const (
	broadcastAttempts = 3
	broadcastBackoff  = 500 * time.Millisecond
)

// Engine is the payment verification and settlement half of the escrow
// system. It owns no per-game state: the claim table and replay set are the
// only cross-game shared structures, and the per-game key is re-derived on
// demand from the master seed.
type Engine struct {
	log    slog.Logger
	params *chaincfg.Params
	chain  Chain

	claims *ClaimTable
	replay *ReplaySet

	masterSeed    []byte
	platformAddr  string
	feeRatePerKB  dcrutil.Amount
	dustThreshold dcrutil.Amount
}

// Config carries the engine's deployment-time constants.
type Config struct {
	Params       *chaincfg.Params
	Chain        Chain
	MasterSeed   []byte
	PlatformAddr string

	// FeeRatePerKB and DustThreshold default to the network relay values
	// when zero.
	FeeRatePerKB  dcrutil.Amount
	DustThreshold dcrutil.Amount

	// ClaimTTL bounds how long an input claim survives without release;
	// after a confirmation window the source output is spent on-chain and
	// conflicts resolve themselves. Defaults to 2 hours.
	ClaimTTL time.Duration
}

func NewEngine(cfg Config, log slog.Logger) *Engine {
	if cfg.FeeRatePerKB == 0 {
		cfg.FeeRatePerKB = 10_000 // standard relay fee, atoms/kB
	}
	if cfg.DustThreshold == 0 {
		cfg.DustThreshold = 6_030
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = 2 * time.Hour
	}
	return &Engine{
		log:           log,
		params:        cfg.Params,
		chain:         cfg.Chain,
		claims:        NewClaimTable(cfg.ClaimTTL),
		replay:        NewReplaySet(),
		masterSeed:    cfg.MasterSeed,
		platformAddr:  cfg.PlatformAddr,
		feeRatePerKB:  cfg.FeeRatePerKB,
		dustThreshold: cfg.DustThreshold,
	}
}

// VerifyRequest is the verification contract consumed by the session layer:
// the raw signed transaction plus what it must pay, for which game, from
// whom.
type VerifyRequest struct {
	GameID   string
	RawTxHex string
	PayTo    string         // required destination address
	Amount   dcrutil.Amount // required minimum amount
	Payer    string         // expected payer payout address
}

// VerifyResult is returned on successful verification and broadcast.
type VerifyResult struct {
	TxID string
	Paid dcrutil.Amount
}

// VerifyPayment runs the hard gates on a client-submitted payment: parse,
// replay check, output sum against the required script and amount, input
// claims, signature verification, broadcast. Any failure releases claims
// taken here and returns a specific reason; the caller's pending shot stays
// installed so a corrected transaction can be retried.
func (e *Engine) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	// 1. Structural validation.
	if req.RawTxHex == "" {
		return nil, ErrEmptyTx
	}
	raw, err := hex.DecodeString(req.RawTxHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex: %v", ErrMalformedTx, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyTx
	}
	if len(raw) > maxTxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTxTooLarge, len(raw))
	}

	// 2. Parse and replay-check the id.
	tx := wire.NewMsgTx()
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	txHash := tx.TxHash()
	if e.replay.Used(txHash) {
		return nil, fmt.Errorf("%w: %s", ErrReplayedTx, txHash)
	}

	// 3. Sum outputs whose script exactly matches the required address.
	destScript, err := PayToAddrScript(req.PayTo, e.params)
	if err != nil {
		return nil, err
	}
	var paid dcrutil.Amount
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, destScript) {
			paid += dcrutil.Amount(out.Value)
		}
	}
	if paid < req.Amount {
		return nil, fmt.Errorf("%w: pays %s to %s, need %s",
			ErrInsufficientPayment, paid, req.PayTo, req.Amount)
	}

	// 4. Claim every input for this game. Rollback on any later failure.
	var claimed []wire.OutPoint
	release := func() { e.claims.Release(req.GameID, claimed) }
	for _, in := range tx.TxIn {
		if err := e.claims.Claim(in.PreviousOutPoint, req.GameID); err != nil {
			release()
			return nil, err
		}
		claimed = append(claimed, in.PreviousOutPoint)
	}

	// 5. Verify signatures where source data is available. An input whose
	// previous output cannot be fetched falls through to broadcast, which
	// rejects invalid signatures itself.
	for i, in := range tx.TxIn {
		prevOut, err := e.chain.PrevOutput(ctx, in.PreviousOutPoint)
		if errors.Is(err, ErrSourceUnavailable) {
			e.log.Warnf("game %s: input %d source %s unavailable, "+
				"deferring signature check to broadcast",
				req.GameID, i, in.PreviousOutPoint)
			continue
		}
		if err != nil {
			release()
			return nil, fmt.Errorf("resolve input %d: %w", i, err)
		}
		vm, err := txscript.NewEngine(prevOut.PkScript, tx, i, 0, prevOut.Version, nil)
		if err != nil {
			release()
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			release()
			return nil, fmt.Errorf("input %d signature invalid: %w", i, err)
		}
	}

	// 6. Broadcast with bounded retry; transient node failures back off.
	if _, err := e.broadcast(ctx, tx); err != nil {
		release()
		return nil, err
	}

	// 7. Record the id as used. A racing verification of the same id loses
	// here even if it passed every earlier gate.
	if !e.replay.MarkUsed(txHash) {
		release()
		return nil, fmt.Errorf("%w: %s", ErrReplayedTx, txHash)
	}

	e.log.Infof("game %s: verified payment %s, %s to %s from %s",
		req.GameID, txHash, paid, req.PayTo, req.Payer)
	return &VerifyResult{TxID: txHash.String(), Paid: paid}, nil
}

func (e *Engine) broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	var lastErr error
	for attempt := 1; attempt <= broadcastAttempts; attempt++ {
		h, err := e.chain.BroadcastTx(ctx, tx)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if attempt < broadcastAttempts {
			e.log.Warnf("broadcast attempt %d/%d failed: %v", attempt, broadcastAttempts, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(broadcastBackoff * time.Duration(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrBroadcastFailed, lastErr)
}

// Claims exposes the claim table for the watcher and tests.
func (e *Engine) Claims() *ClaimTable { return e.claims }

// EscrowAddress derives the per-game escrow address and script.
func (e *Engine) EscrowAddress(gameID string) (string, []byte, error) {
	return GameEscrowAddress(e.masterSeed, gameID, e.params)
}
