package hexgame

import "time"

// Timers are generation-guarded: starting or stopping a timer bumps its
// generation under the game lock, and the fire callback re-checks the
// generation (and phase) under the same lock before acting. A callback that
// lost the race to a Stop or a restart is a no-op, so stale fires can never
// end a game that already moved on.

func (g *Game) startTurnTimerLocked() {
	g.turnGen++
	gen := g.turnGen
	g.turnDeadline = time.Now().Add(g.cfg.TurnTimeout)
	if g.turnTimer != nil {
		g.turnTimer.Stop()
	}
	g.turnTimer = time.AfterFunc(g.cfg.TurnTimeout, func() {
		g.turnExpired(gen)
	})
}

func (g *Game) stopTurnTimerLocked() {
	g.turnGen++
	if g.turnTimer != nil {
		g.turnTimer.Stop()
		g.turnTimer = nil
	}
	g.turnDeadline = time.Time{}
}

func (g *Game) turnExpired(gen uint64) {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if gen != g.turnGen || g.phase != PhasePlaying {
		return
	}
	// The turn holder ran out the clock; the opponent wins.
	evs = g.endGameLocked(1-g.turn, EndTimeout)
}

func (g *Game) startPauseTimerLocked() {
	g.pauseGen++
	gen := g.pauseGen
	if g.pauseTimer != nil {
		g.pauseTimer.Stop()
	}
	g.pauseTimer = time.AfterFunc(g.cfg.PauseTimeout, func() {
		g.pauseExpired(gen)
	})
}

func (g *Game) stopPauseTimerLocked() {
	g.pauseGen++
	if g.pauseTimer != nil {
		g.pauseTimer.Stop()
		g.pauseTimer = nil
	}
}

func (g *Game) pauseExpired(gen uint64) {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	if gen != g.pauseGen || g.phase != PhasePaused || g.pause == nil {
		return
	}
	payer := g.pause.Payer
	i, err := g.playerIdx(payer)
	if err != nil {
		return
	}
	evs = g.endGameLocked(1-i, EndInsufficientFunds)
}

func (g *Game) startReconnectTimerLocked(i int) {
	p := g.players[i]
	p.reconnectGen++
	gen := p.reconnectGen
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
	}
	p.reconnectTimer = time.AfterFunc(g.cfg.ReconnectGrace, func() {
		g.reconnectExpired(i, gen)
	})
}

func (g *Game) stopReconnectTimerLocked(i int) {
	p := g.players[i]
	p.reconnectGen++
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
}

func (g *Game) reconnectExpired(i int, gen uint64) {
	g.mu.Lock()
	var evs []Event
	defer func() {
		g.mu.Unlock()
		g.emitAll(evs)
	}()

	p := g.players[i]
	if gen != p.reconnectGen || g.phase == PhaseGameOver || p.Connected {
		return
	}
	evs = g.endGameLocked(1-i, EndDisconnect)
}
