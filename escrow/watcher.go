package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	chainjson "github.com/decred/dcrd/rpc/jsonrpc/types/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

// NodeRPC is the subset of the dcrd RPC surface the watcher and the chain
// backend consume. *rpcclient.Client satisfies it; tests substitute a fake
// node so the production scan path is exercised without a network.
type NodeRPC interface {
	GetBestBlock(ctx context.Context) (*chainhash.Hash, int64, error)
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool(ctx context.Context, txType chainjson.GetRawMempoolTxTypeCmd) ([]*chainhash.Hash, error)
	GetRawTransactionVerbose(ctx context.Context, hash *chainhash.Hash) (*chainjson.TxRawResult, error)
	GetTxOut(ctx context.Context, hash *chainhash.Hash, index uint32, tree int8, mempool bool) (*chainjson.GetTxOutResult, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
}

const defaultPollInterval = 5 * time.Second

// FundingUpdate is pushed to subscribers each poll tick for a watched
// script: the unspent outputs currently paying it and their total.
type FundingUpdate struct {
	PkScriptHex string
	Atoms       dcrutil.Amount
	UTXOs       []UTXO
	At          time.Time
}

// FundingWatcher scans the chain and mempool for every pkScript that
// currently has at least one watcher and broadcasts a FundingUpdate each
// tick. The server uses it for escrow pot tracking and for the balance
// re-checks behind pause-for-funds.
type FundingWatcher struct {
	log  slog.Logger
	node NodeRPC

	pollInterval time.Duration

	// lastScanned is touched only by the Run goroutine's pollOnce and
	// needs no locking.
	lastScanned int64

	mu      sync.RWMutex
	tip     int64
	subs    map[string]map[chan FundingUpdate]struct{} // pkScriptHex -> set(chan)
	pkBytes map[string][]byte
	// known holds unspent outputs discovered in prior ticks, per pkScriptHex
	// keyed by outpoint, so funding keeps reporting even when no new block
	// touches the script.
	known map[string]map[wire.OutPoint]UTXO

	quit chan struct{}
}

// NewFundingWatcher builds a watcher polling node every pollInterval; zero
// means the default five seconds.
func NewFundingWatcher(log slog.Logger, node NodeRPC, pollInterval time.Duration) *FundingWatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &FundingWatcher{
		log:          log,
		node:         node,
		pollInterval: pollInterval,
		lastScanned:  -1,
		subs:         make(map[string]map[chan FundingUpdate]struct{}),
		pkBytes:      make(map[string][]byte),
		known:        make(map[string]map[wire.OutPoint]UTXO),
		quit:         make(chan struct{}),
	}
}

func (w *FundingWatcher) Stop() { close(w.quit) }

func (w *FundingWatcher) Run(ctx context.Context) {
	w.log.Infof("funding watcher started")
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()
	defer w.log.Infof("funding watcher stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

// Subscribe adds a listener for a payment script and returns the channel
// plus an unsubscribe func. No initial snapshot is sent; first data arrives
// on the next tick.
func (w *FundingWatcher) Subscribe(pkScript []byte) (<-chan FundingUpdate, func()) {
	k := hex.EncodeToString(pkScript)
	ch := make(chan FundingUpdate, 8)

	w.mu.Lock()
	w.pkBytes[k] = append([]byte(nil), pkScript...)
	if _, ok := w.subs[k]; !ok {
		w.subs[k] = make(map[chan FundingUpdate]struct{})
	}
	w.subs[k][ch] = struct{}{}
	n := len(w.subs[k])
	w.mu.Unlock()
	w.log.Debugf("watching pk=%s (subs=%d)", k, n)

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[k]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(w.subs, k)
				delete(w.pkBytes, k)
				delete(w.known, k)
			}
		}
		w.mu.Unlock()
	}
	return ch, unsub
}

// Watch registers interest in a script without consuming updates: the poller
// keeps the script's unspent view current for UnspentOutputs callers. The
// returned func releases the watch.
func (w *FundingWatcher) Watch(pkScript []byte) func() {
	_, unsub := w.Subscribe(pkScript)
	return unsub
}

// UnspentOutputs returns the currently known unspent outputs for a script,
// re-validated against the node so a spent output never leaks out stale.
func (w *FundingWatcher) UnspentOutputs(ctx context.Context, pkScript []byte) ([]UTXO, error) {
	k := hex.EncodeToString(pkScript)
	w.mu.RLock()
	km := w.known[k]
	list := make([]UTXO, 0, len(km))
	for _, u := range km {
		list = append(list, u)
	}
	w.mu.RUnlock()

	out := list[:0]
	for _, u := range list {
		res, err := w.node.GetTxOut(ctx, &u.OutPoint.Hash, u.OutPoint.Index, 0, true)
		if err != nil || res == nil {
			w.forget(k, u.OutPoint)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (w *FundingWatcher) forget(k string, op wire.OutPoint) {
	w.mu.Lock()
	if km := w.known[k]; km != nil {
		delete(km, op)
	}
	w.mu.Unlock()
}

func (w *FundingWatcher) pollOnce(ctx context.Context) {
	if _, h, err := w.node.GetBestBlock(ctx); err == nil {
		w.mu.Lock()
		w.tip = h
		w.mu.Unlock()
	} else {
		w.log.Debugf("GetBestBlock failed: %v", err)
	}

	w.mu.RLock()
	if len(w.subs) == 0 {
		w.mu.RUnlock()
		return
	}
	keys := make([]string, 0, len(w.subs))
	pkbByKey := make(map[string][]byte, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
		pkbByKey[k] = w.pkBytes[k]
	}
	tip := w.tip
	w.mu.RUnlock()

	discovered := make(map[string][]UTXO, len(keys))

	// Scan blocks since the last tick; on first run or reorg scan only the
	// current tip.
	if tip >= 0 && tip != w.lastScanned {
		start := w.lastScanned + 1
		if w.lastScanned == -1 || start < 0 || start > tip {
			start = tip
		}
		for bh := start; bh <= tip; bh++ {
			hash, err := w.node.GetBlockHash(ctx, bh)
			if err != nil {
				continue
			}
			msg, err := w.node.GetBlock(ctx, hash)
			if err != nil || msg == nil {
				continue
			}
			for _, mtx := range msg.Transactions {
				txh := mtx.TxHash()
				for voutIdx, o := range mtx.TxOut {
					for _, k := range keys {
						if bytes.Equal(o.PkScript, pkbByKey[k]) {
							discovered[k] = append(discovered[k], UTXO{
								OutPoint: wire.OutPoint{Hash: txh, Index: uint32(voutIdx)},
								Atoms:    dcrutil.Amount(o.Value),
								PkScript: pkbByKey[k],
							})
						}
					}
				}
			}
		}
		w.lastScanned = tip
	}

	// Mempool scan picks up zero-conf funding for scripts with nothing
	// known yet.
	needMempool := false
	w.mu.RLock()
	for _, k := range keys {
		if len(discovered[k]) == 0 && len(w.known[k]) == 0 {
			needMempool = true
			break
		}
	}
	w.mu.RUnlock()
	if needMempool {
		if txids, err := w.node.GetRawMempool(ctx, chainjson.GRMAll); err == nil {
			for _, th := range txids {
				v, err := w.node.GetRawTransactionVerbose(ctx, th)
				if err != nil || v == nil {
					continue
				}
				var h chainhash.Hash
				if err := chainhash.Decode(&h, v.Txid); err != nil {
					continue
				}
				for voutIdx, vout := range v.Vout {
					spk, err := hex.DecodeString(vout.ScriptPubKey.Hex)
					if err != nil {
						continue
					}
					for _, k := range keys {
						if bytes.Equal(spk, pkbByKey[k]) {
							amt, err := dcrutil.NewAmount(vout.Value)
							if err != nil {
								continue
							}
							discovered[k] = append(discovered[k], UTXO{
								OutPoint: wire.OutPoint{Hash: h, Index: uint32(voutIdx)},
								Atoms:    amt,
								PkScript: pkbByKey[k],
							})
						}
					}
				}
			}
		}
	}

	for _, k := range keys {
		if list := discovered[k]; len(list) > 0 {
			w.mu.Lock()
			km := w.known[k]
			if km == nil {
				km = make(map[wire.OutPoint]UTXO)
				w.known[k] = km
			}
			for _, u := range list {
				km[u.OutPoint] = u
			}
			w.mu.Unlock()
		}

		current, err := w.UnspentOutputs(ctx, pkbByKey[k])
		if err != nil {
			continue
		}
		var total dcrutil.Amount
		for _, u := range current {
			total += u.Atoms
		}
		w.broadcastUpdate(k, FundingUpdate{
			PkScriptHex: k,
			Atoms:       total,
			UTXOs:       current,
			At:          time.Now(),
		})
	}
}

func (w *FundingWatcher) broadcastUpdate(k string, u FundingUpdate) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for ch := range w.subs[k] {
		select {
		case ch <- u:
		default:
			// Slow subscriber; it will catch up on the next tick.
		}
	}
}
