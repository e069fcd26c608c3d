package escrow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// ErrOutputClaimed is returned when an input is already claimed by another
// live game's in-flight payment.
var ErrOutputClaimed = errors.New("output already claimed by another game")

// ErrReplayedTx is returned when a transaction id has already been accepted
// once for any game.
var ErrReplayedTx = errors.New("transaction id already used")

type claim struct {
	gameID  string
	expires time.Time
}

// ClaimTable tracks which game has claimed each (txid, vout) as a spend
// input while its payment is in flight. It is the cross-game double-spend
// guard: shared by every verification, protected by its own lock. Claims
// expire once a confirmation window has plausibly elapsed.
type ClaimTable struct {
	mu     sync.Mutex
	claims map[wire.OutPoint]claim
	ttl    time.Duration

	now func() time.Time // for tests
}

func NewClaimTable(ttl time.Duration) *ClaimTable {
	return &ClaimTable{
		claims: make(map[wire.OutPoint]claim),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Claim reserves an outpoint for a game. A live claim held by a different
// game fails with ErrOutputClaimed; re-claiming for the same game refreshes
// the expiry.
func (t *ClaimTable) Claim(op wire.OutPoint, gameID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if c, ok := t.claims[op]; ok && now.Before(c.expires) && c.gameID != gameID {
		return fmt.Errorf("%w: %s held by game %s", ErrOutputClaimed, op, c.gameID)
	}
	t.claims[op] = claim{gameID: gameID, expires: now.Add(t.ttl)}
	return nil
}

// Release drops the given outpoints, but only if held by the releasing game.
// Called when a verification fails after taking claims so a retried attempt
// is not blocked by its predecessor.
func (t *ClaimTable) Release(gameID string, ops []wire.OutPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range ops {
		if c, ok := t.claims[op]; ok && c.gameID == gameID {
			delete(t.claims, op)
		}
	}
}

// Holder reports which game currently holds a live claim on the outpoint.
func (t *ClaimTable) Holder(op wire.OutPoint) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.claims[op]
	if !ok || !t.now().Before(c.expires) {
		return "", false
	}
	return c.gameID, true
}

// Sweep removes expired claims. Called opportunistically; correctness does
// not depend on it since Claim ignores expired entries.
func (t *ClaimTable) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for op, c := range t.claims {
		if !now.Before(c.expires) {
			delete(t.claims, op)
		}
	}
}

// ReplaySet is the global used-transaction-id guard. A txid, once accepted,
// is never accepted again for any game.
type ReplaySet struct {
	mu   sync.Mutex
	used map[chainhash.Hash]struct{}
}

func NewReplaySet() *ReplaySet {
	return &ReplaySet{used: make(map[chainhash.Hash]struct{})}
}

// Used reports whether the txid was already accepted.
func (r *ReplaySet) Used(h chainhash.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.used[h]
	return ok
}

// MarkUsed records a txid as accepted. Returns false if it was already
// marked, so racing verifications of the same id admit exactly one winner.
func (r *ReplaySet) MarkUsed(h chainhash.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[h]; ok {
		return false
	}
	r.used[h] = struct{}{}
	return true
}
