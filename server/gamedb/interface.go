package gamedb

import (
	"context"
	"errors"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
)

var (
	ErrDuplicateGame      = errors.New("game already recorded")
	ErrGameNotFound       = errors.New("game not found")
	ErrPlayerNotFound     = errors.New("player not found")
	ErrMainBucketNotFound = errors.New("main bucket not found")
)

// PlayerResult is one seat's final counters in a completed game.
type PlayerResult struct {
	Addr      string `json:"addr"`
	Nick      string `json:"nick"`
	Shots     int    `json:"shots"`
	Hits      int    `json:"hits"`
	Misses    int    `json:"misses"`
	Remaining int    `json:"remaining"`
}

// CompletedGame is the one-row-per-game audit record written at game end.
type CompletedGame struct {
	GameID        string          `json:"game_id"`
	TierCents     int64           `json:"tier_cents"`
	MissAtoms     dcrutil.Amount  `json:"miss_atoms"`
	HitAtoms      dcrutil.Amount  `json:"hit_atoms"`
	Players       [2]PlayerResult `json:"players"`
	Winner        string          `json:"winner"`
	EndReason     string          `json:"end_reason"`
	Pot           dcrutil.Amount  `json:"pot"`
	WinnerPayout  dcrutil.Amount  `json:"winner_payout"`
	PlatformCut   dcrutil.Amount  `json:"platform_cut"`
	SettlementTx  string          `json:"settlement_tx,omitempty"`
	EscrowAddress string          `json:"escrow_address"`
	EndedAt       time.Time       `json:"ended_at"`
}

// PlayerStats accumulates per-address lifetime counters, updated
// transactionally with each completed game.
type PlayerStats struct {
	Addr        string         `json:"addr"`
	Played      int            `json:"played"`
	Won         int            `json:"won"`
	Lost        int            `json:"lost"`
	AtomsEarned dcrutil.Amount `json:"atoms_earned"`
	AtomsSpent  dcrutil.Amount `json:"atoms_spent"`
}

type GameDB interface {
	// RecordCompletedGame stores the game row and updates both players'
	// stats in one transaction.
	RecordCompletedGame(ctx context.Context, rec *CompletedGame) error

	FetchGame(ctx context.Context, gameID string) (*CompletedGame, error)
	FetchPlayerStats(ctx context.Context, addr string) (*PlayerStats, error)
	FetchRecentGames(ctx context.Context, limit int) ([]*CompletedGame, error)

	Close() error
}
