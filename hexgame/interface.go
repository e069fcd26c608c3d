package hexgame

import (
	"errors"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
)

var (
	ErrBadPlacement     = errors.New("invalid placement")
	ErrWrongPhase       = errors.New("operation not valid in current phase")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrAlreadyPlaced    = errors.New("placement already submitted")
	ErrCellAlreadyFired = errors.New("cell already fired at")
	ErrShotPending      = errors.New("unpaid shot pending")
	ErrNoPendingShot    = errors.New("no pending shot")
	ErrUnknownPlayer    = errors.New("player not in game")
	ErrGameOver         = errors.New("game is over")
)

// Phase is the lifecycle state of a game session.
type Phase int32

const (
	PhaseSetup Phase = iota
	PhasePlaying
	PhasePaused
	PhaseGameOver
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhasePlaying:
		return "playing"
	case PhasePaused:
		return "paused"
	case PhaseGameOver:
		return "gameover"
	default:
		return "unknown"
	}
}

// EndReason explains why a game reached gameover.
type EndReason string

const (
	EndAllPiecesDestroyed EndReason = "all pieces destroyed"
	EndTimeout            EndReason = "timeout"
	EndInsufficientFunds  EndReason = "insufficient funds"
	EndDisconnect         EndReason = "disconnect"
	EndForfeit            EndReason = "forfeit"
)

// Stakes are the per-shot amounts locked at game start from a USD-cent tier
// and the exchange rate current at that moment. They never change mid-game.
type Stakes struct {
	TierCents  int64          `json:"tier_cents"`
	MissAtoms  dcrutil.Amount `json:"miss_atoms"`
	HitAtoms   dcrutil.Amount `json:"hit_atoms"`
	USDPerCoin float64        `json:"usd_per_coin"`
}

// PendingShot is the single in-flight, unpaid shot for a game. While one is
// installed the turn timers are suspended and no new shot may be fired. It is
// cleared exactly when payment verification succeeds.
type PendingShot struct {
	Cell     Cell           `json:"cell"`
	Hit      bool           `json:"hit"`
	Payer    string         `json:"payer"`  // payout address of who must pay
	PayTo    string         `json:"pay_to"` // destination address
	Amount   dcrutil.Amount `json:"amount"`
	IssuedAt time.Time      `json:"issued_at"`
}

// PauseState records why a game is paused and until when.
type PauseState struct {
	Payer    string    `json:"payer"`
	Reason   string    `json:"reason"`
	Since    time.Time `json:"since"`
	Deadline time.Time `json:"deadline"`
}

// PlayerState is one seat of a game. Mutated only by the owning Game under
// its lock.
type PlayerState struct {
	Addr string // payout address; also the player's identity in the game
	Nick string

	cells map[Cell]bool // hidden piece cells, remaining ones set true
	ready bool
	shots map[Cell]bool // cells this player fired at -> hit outcome

	Remaining int
	Shots     int
	Hits      int
	Misses    int

	Connected      bool
	DisconnectedAt time.Time

	reconnectTimer *time.Timer
	reconnectGen   uint64
}

// HasFired reports whether this player already fired at the cell.
func (p *PlayerState) HasFired(c Cell) bool {
	_, ok := p.shots[c]
	return ok
}

// PlayerView is a copy-safe snapshot of a seat.
type PlayerView struct {
	Addr      string `json:"addr"`
	Nick      string `json:"nick"`
	Ready     bool   `json:"ready"`
	Remaining int    `json:"remaining"`
	Shots     int    `json:"shots"`
	Hits      int    `json:"hits"`
	Misses    int    `json:"misses"`
	Connected bool   `json:"connected"`
}

// Config carries the deployment-time constants of the state machine.
type Config struct {
	TurnTimeout        time.Duration
	PauseTimeout       time.Duration
	ReconnectGrace     time.Duration
	EvictDelay         time.Duration
	PlatformCutPercent int // 0..100, applied to the pot at game end
}

// Game owns all per-game mutable state. A single mutex serializes every
// handler so no two operations on the same game interleave; distinct games
// are fully independent.
type Game struct {
	mu sync.Mutex

	ID            string
	EscrowAddress string
	Stakes        Stakes

	cfg  Config
	emit func(Event)

	phase   Phase
	players [2]*PlayerState
	turn    int // index into players
	pot     dcrutil.Amount

	pending *PendingShot
	pause   *PauseState

	turnTimer    *time.Timer
	turnGen      uint64
	turnDeadline time.Time

	pauseTimer *time.Timer
	pauseGen   uint64

	// terminal result, valid once phase == PhaseGameOver
	winnerAddr    string
	endReason     EndReason
	winnerPayout  dcrutil.Amount
	platformShare dcrutil.Amount
	endedAt       time.Time
}

// Result is the terminal outcome of a game.
type Result struct {
	Winner        string
	Loser         string
	Reason        EndReason
	Pot           dcrutil.Amount
	WinnerPayout  dcrutil.Amount
	PlatformShare dcrutil.Amount
	EndedAt       time.Time
}
