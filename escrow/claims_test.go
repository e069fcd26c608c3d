package escrow

import (
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"
)

func outpoint(b byte, idx uint32) wire.OutPoint {
	var h chainhash.Hash
	h[0] = b
	return wire.OutPoint{Hash: h, Index: idx}
}

func TestClaimExclusivity(t *testing.T) {
	tbl := NewClaimTable(time.Hour)
	op := outpoint(1, 0)

	require.NoError(t, tbl.Claim(op, "game-a"))

	// A different game cannot take a live claim.
	err := tbl.Claim(op, "game-b")
	require.ErrorIs(t, err, ErrOutputClaimed)

	// The same game may refresh its own claim.
	require.NoError(t, tbl.Claim(op, "game-a"))

	holder, ok := tbl.Holder(op)
	require.True(t, ok)
	require.Equal(t, "game-a", holder)
}

func TestReleaseAllowsReclaim(t *testing.T) {
	tbl := NewClaimTable(time.Hour)
	op := outpoint(2, 1)

	require.NoError(t, tbl.Claim(op, "game-a"))
	tbl.Release("game-a", []wire.OutPoint{op})
	require.NoError(t, tbl.Claim(op, "game-b"))
}

func TestReleaseOnlyOwnClaims(t *testing.T) {
	tbl := NewClaimTable(time.Hour)
	op := outpoint(3, 0)

	require.NoError(t, tbl.Claim(op, "game-a"))
	// A different game's release must not free the claim.
	tbl.Release("game-b", []wire.OutPoint{op})
	require.ErrorIs(t, tbl.Claim(op, "game-b"), ErrOutputClaimed)
}

func TestClaimExpiry(t *testing.T) {
	tbl := NewClaimTable(10 * time.Minute)
	now := time.Unix(1_700_000_000, 0)
	tbl.now = func() time.Time { return now }
	op := outpoint(4, 0)

	require.NoError(t, tbl.Claim(op, "game-a"))
	require.ErrorIs(t, tbl.Claim(op, "game-b"), ErrOutputClaimed)

	// After the confirmation window the claim lapses automatically.
	now = now.Add(11 * time.Minute)
	require.NoError(t, tbl.Claim(op, "game-b"))
}

func TestSweepDropsExpired(t *testing.T) {
	tbl := NewClaimTable(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	tbl.now = func() time.Time { return now }

	require.NoError(t, tbl.Claim(outpoint(5, 0), "game-a"))
	require.NoError(t, tbl.Claim(outpoint(5, 1), "game-a"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, tbl.Claim(outpoint(5, 2), "game-b"))

	tbl.Sweep()
	require.Len(t, tbl.claims, 1)
	_, ok := tbl.Holder(outpoint(5, 2))
	require.True(t, ok)
}

func TestReplaySetMarkUsedOnce(t *testing.T) {
	rs := NewReplaySet()
	var h chainhash.Hash
	h[0] = 0xaa

	require.False(t, rs.Used(h))
	require.True(t, rs.MarkUsed(h))
	require.True(t, rs.Used(h))
	// Exactly one winner even under racing verifications.
	require.False(t, rs.MarkUsed(h))
}
