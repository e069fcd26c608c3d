package hexgame

import (
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
)

// newGame is called by the GameManager; emit is the manager's publish hook.
func newGame(id string, cfg Config, stakes Stakes, escrowAddr string, seats [2]*PlayerState, emit func(Event)) *Game {
	return &Game{
		ID:            id,
		EscrowAddress: escrowAddr,
		Stakes:        stakes,
		cfg:           cfg,
		emit:          emit,
		phase:         PhaseSetup,
		players:       seats,
	}
}

func (g *Game) playerIdx(addr string) (int, error) {
	for i, p := range g.players {
		if p.Addr == addr {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrUnknownPlayer, addr)
}

// SubmitPlacement stores a player's hidden piece cells. Each player may
// submit exactly once, only during setup. When both players have submitted
// the game flips to playing and the turn clock starts.
func (g *Game) SubmitPlacement(addr string, cells []Cell) error {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase != PhaseSetup {
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, g.phase)
	}
	i, err := g.playerIdx(addr)
	if err != nil {
		return err
	}
	p := g.players[i]
	if p.ready {
		return ErrAlreadyPlaced
	}
	if err := ValidatePlacement(cells); err != nil {
		return err
	}

	p.cells = make(map[Cell]bool, len(cells))
	for _, c := range cells {
		p.cells[c] = true
	}
	p.shots = make(map[Cell]bool)
	p.Remaining = PlacementCells
	p.ready = true
	evs = append(evs, Event{Type: EventPlayerReady, GameID: g.ID, Player: addr})

	if g.players[0].ready && g.players[1].ready {
		g.phase = PhasePlaying
		g.turn = 0
		g.startTurnTimerLocked()
		evs = append(evs, Event{
			Type:     EventGameStart,
			GameID:   g.ID,
			Player:   g.players[g.turn].Addr,
			Deadline: g.turnDeadline,
		})
	}
	return nil
}

// FireShot resolves a shot against the defender's hidden set and installs
// the pending payment obligation. The shot is provisional until paid: the
// turn timer is suspended and game state is otherwise untouched.
func (g *Game) FireShot(addr string, cell Cell) (*PendingShot, error) {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase != PhasePlaying {
		return nil, fmt.Errorf("%w: phase %s", ErrWrongPhase, g.phase)
	}
	i, err := g.playerIdx(addr)
	if err != nil {
		return nil, err
	}
	if i != g.turn {
		return nil, ErrNotYourTurn
	}
	if g.pending != nil {
		return nil, ErrShotPending
	}
	if !cell.OnBoard() {
		return nil, fmt.Errorf("%w: cell %s is off the board", ErrBadPlacement, cell)
	}
	firer, defender := g.players[i], g.players[1-i]
	if firer.HasFired(cell) {
		return nil, fmt.Errorf("%w: %s", ErrCellAlreadyFired, cell)
	}

	hit := defender.cells[cell]
	ps := &PendingShot{
		Cell:     cell,
		Hit:      hit,
		IssuedAt: time.Now(),
	}
	if hit {
		// Hit: the defender pays the firer directly.
		ps.Payer = defender.Addr
		ps.PayTo = firer.Addr
		ps.Amount = g.Stakes.HitAtoms
	} else {
		// Miss: the firer pays into the per-game escrow pot.
		ps.Payer = firer.Addr
		ps.PayTo = g.EscrowAddress
		ps.Amount = g.Stakes.MissAtoms
	}
	g.pending = ps
	g.stopTurnTimerLocked()

	c := cell
	evs = append(evs,
		Event{Type: EventShotResolved, GameID: g.ID, Player: addr, Cell: &c, Hit: hit},
		Event{Type: EventPaymentRequired, GameID: g.ID, Player: ps.Payer, Payment: ps.copy()},
	)
	return ps.copy(), nil
}

// ApplyVerifiedPayment advances the game after the escrow engine has
// verified and broadcast the payment for the pending shot. It is the only
// path by which a shot takes effect; the state machine never advances on
// client-asserted success.
func (g *Game) ApplyVerifiedPayment(txid string, amount dcrutil.Amount) error {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase != PhasePlaying && g.phase != PhasePaused {
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, g.phase)
	}
	ps := g.pending
	if ps == nil {
		return ErrNoPendingShot
	}

	// A game paused for funds resumes before the outcome applies.
	if g.phase == PhasePaused {
		g.stopPauseTimerLocked()
		g.pause = nil
		g.phase = PhasePlaying
		evs = append(evs, Event{Type: EventGameResumed, GameID: g.ID})
	}

	firer, defender := g.players[g.turn], g.players[1-g.turn]
	firer.shots[ps.Cell] = ps.Hit
	firer.Shots++
	if ps.Hit {
		firer.Hits++
		delete(defender.cells, ps.Cell)
		defender.Remaining--
	} else {
		firer.Misses++
		// The verified amount is what actually reached escrow; an
		// overpaying transaction grows the pot by what it paid.
		g.pot += amount
	}
	g.pending = nil

	evs = append(evs, Event{
		Type:   EventPaymentConfirmed,
		GameID: g.ID,
		Player: ps.Payer,
		TxID:   txid,
		Cell:   &ps.Cell,
		Hit:    ps.Hit,
		Pot:    g.pot,
	})

	if defender.Remaining == 0 {
		evs = append(evs, g.endGameLocked(g.turn, EndAllPiecesDestroyed)...)
		return nil
	}

	g.turn = 1 - g.turn
	g.startTurnTimerLocked()
	evs = append(evs, Event{
		Type:     EventTurn,
		GameID:   g.ID,
		Player:   g.players[g.turn].Addr,
		Deadline: g.turnDeadline,
	})
	return nil
}

// PauseForFunds transitions a game with an unpaid pending shot to paused
// when the payer cannot cover the obligation, and starts the funds deadline.
func (g *Game) PauseForFunds(payer, reason string) error {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase != PhasePlaying {
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, g.phase)
	}
	if g.pending == nil {
		return ErrNoPendingShot
	}
	if g.pending.Payer != payer {
		return fmt.Errorf("%w: %s does not owe the pending payment", ErrUnknownPlayer, payer)
	}

	now := time.Now()
	g.pause = &PauseState{
		Payer:    payer,
		Reason:   reason,
		Since:    now,
		Deadline: now.Add(g.cfg.PauseTimeout),
	}
	g.phase = PhasePaused
	g.startPauseTimerLocked()
	evs = append(evs, Event{
		Type:     EventGamePaused,
		GameID:   g.ID,
		Player:   payer,
		Reason:   reason,
		Deadline: g.pause.Deadline,
	})
	return nil
}

// FundsAdded re-checks a paused payer's balance. A balance covering the
// pending amount resumes play and re-issues the original payment
// requirement; anything less keeps the game paused awaiting further funds.
func (g *Game) FundsAdded(payer string, balance dcrutil.Amount) error {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase != PhasePaused {
		return fmt.Errorf("%w: phase %s", ErrWrongPhase, g.phase)
	}
	if g.pause == nil || g.pause.Payer != payer {
		return fmt.Errorf("%w: %s is not the paused payer", ErrUnknownPlayer, payer)
	}
	ps := g.pending
	if ps == nil {
		return ErrNoPendingShot
	}

	if balance < ps.Amount {
		evs = append(evs, Event{
			Type:     EventFundsNeeded,
			GameID:   g.ID,
			Player:   payer,
			Payment:  ps.copy(),
			Deadline: g.pause.Deadline,
		})
		return nil
	}

	g.stopPauseTimerLocked()
	g.pause = nil
	g.phase = PhasePlaying
	evs = append(evs,
		Event{Type: EventGameResumed, GameID: g.ID, Player: payer},
		Event{Type: EventPaymentRequired, GameID: g.ID, Player: payer, Payment: ps.copy()},
	)
	return nil
}

// Forfeit unilaterally ends the game with the opponent as winner.
func (g *Game) Forfeit(addr string) error {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase == PhaseGameOver {
		return ErrGameOver
	}
	i, err := g.playerIdx(addr)
	if err != nil {
		return err
	}
	evs = g.endGameLocked(1-i, EndForfeit)
	return nil
}

// HandleDisconnect marks a player disconnected. During setup the game ends
// immediately; during playing/paused a reconnect grace window starts.
func (g *Game) HandleDisconnect(addr string) {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase == PhaseGameOver {
		return
	}
	i, err := g.playerIdx(addr)
	if err != nil {
		return
	}
	p := g.players[i]
	if !p.Connected {
		return
	}
	p.Connected = false
	p.DisconnectedAt = time.Now()

	if g.phase == PhaseSetup {
		evs = g.endGameLocked(1-i, EndDisconnect)
		return
	}

	deadline := p.DisconnectedAt.Add(g.cfg.ReconnectGrace)
	g.startReconnectTimerLocked(i)
	evs = append(evs, Event{
		Type:     EventPlayerDisconnected,
		GameID:   g.ID,
		Player:   addr,
		Deadline: deadline,
	})
}

// HandleReconnect restores a player's connection within the grace window.
// Game state is untouched; an outstanding payment obligation owed by the
// reconnecting player is re-announced unchanged.
func (g *Game) HandleReconnect(addr string) error {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase == PhaseGameOver {
		return ErrGameOver
	}
	i, err := g.playerIdx(addr)
	if err != nil {
		return err
	}
	p := g.players[i]
	if p.Connected {
		return fmt.Errorf("player %s already connected", addr)
	}
	p.Connected = true
	p.DisconnectedAt = time.Time{}
	g.stopReconnectTimerLocked(i)

	evs = append(evs, Event{Type: EventPlayerReconnected, GameID: g.ID, Player: addr})
	if g.pending != nil && g.pending.Payer == addr {
		evs = append(evs, Event{
			Type:    EventPaymentRequired,
			GameID:  g.ID,
			Player:  addr,
			Payment: g.pending.copy(),
		})
	}
	return nil
}

// EndGame terminates the game with an explicit winner and reason. Calling it
// on an already-terminal game is a no-op.
func (g *Game) EndGame(winnerAddr string, reason EndReason) error {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if g.phase == PhaseGameOver {
		return nil
	}
	i, err := g.playerIdx(winnerAddr)
	if err != nil {
		return err
	}
	evs = g.endGameLocked(i, reason)
	return nil
}

// endGameLocked performs the terminal transition. Idempotent: a second call
// returns no events and changes nothing. Must be called with g.mu held.
func (g *Game) endGameLocked(winnerIdx int, reason EndReason) []Event {
	if g.phase == PhaseGameOver {
		return nil
	}
	g.stopTurnTimerLocked()
	g.stopPauseTimerLocked()
	g.stopReconnectTimerLocked(0)
	g.stopReconnectTimerLocked(1)
	g.pending = nil
	g.pause = nil

	winner := g.players[winnerIdx]
	g.phase = PhaseGameOver
	g.winnerAddr = winner.Addr
	g.endReason = reason
	g.endedAt = time.Now()

	// Intended split: winner gets pot x (1 - cut), rounded down; the platform
	// keeps the remainder. Settlement reconciles this against the funds that
	// actually exist in escrow.
	cut := int64(g.cfg.PlatformCutPercent)
	g.winnerPayout = dcrutil.Amount(int64(g.pot) * (100 - cut) / 100)
	g.platformShare = g.pot - g.winnerPayout

	return []Event{{
		Type:          EventGameOver,
		GameID:        g.ID,
		Winner:        winner.Addr,
		Reason:        string(reason),
		Pot:           g.pot,
		WinnerPayout:  g.winnerPayout,
		PlatformShare: g.platformShare,
	}}
}

func (ps *PendingShot) copy() *PendingShot {
	if ps == nil {
		return nil
	}
	c := *ps
	return &c
}

// --- snapshots ---

// Phase returns the current lifecycle phase.
func (g *Game) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// Pot returns the accumulated miss payments held in escrow.
func (g *Game) Pot() dcrutil.Amount {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pot
}

// Pending returns a copy of the pending shot, or nil.
func (g *Game) Pending() *PendingShot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending.copy()
}

// TurnAddr returns the payout address of the current turn holder.
func (g *Game) TurnAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.players[g.turn].Addr
}

// Players returns copy-safe views of both seats.
func (g *Game) Players() [2]PlayerView {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out [2]PlayerView
	for i, p := range g.players {
		out[i] = PlayerView{
			Addr:      p.Addr,
			Nick:      p.Nick,
			Ready:     p.ready,
			Remaining: p.Remaining,
			Shots:     p.Shots,
			Hits:      p.Hits,
			Misses:    p.Misses,
			Connected: p.Connected,
		}
	}
	return out
}

// Opponent returns the other seat's payout address.
func (g *Game) Opponent(addr string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, err := g.playerIdx(addr)
	if err != nil {
		return "", err
	}
	return g.players[1-i].Addr, nil
}

// Result returns the terminal outcome. ok is false until gameover.
func (g *Game) Result() (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase != PhaseGameOver {
		return Result{}, false
	}
	loser := ""
	for _, p := range g.players {
		if p.Addr != g.winnerAddr {
			loser = p.Addr
		}
	}
	return Result{
		Winner:        g.winnerAddr,
		Loser:         loser,
		Reason:        g.endReason,
		Pot:           g.pot,
		WinnerPayout:  g.winnerPayout,
		PlatformShare: g.platformShare,
		EndedAt:       g.endedAt,
	}, true
}
