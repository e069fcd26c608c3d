package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aluneltrust/flockwars/escrow"
	"github.com/Aluneltrust/flockwars/hexgame"
)

// lobby pairs queued players per stake tier, first come first served. Stakes
// are priced and locked at the moment a match forms, never re-priced.
type lobby struct {
	s *Server

	mu     sync.Mutex
	queues map[int64][]*session // tier cents -> FIFO
}

func newLobby(s *Server) *lobby {
	return &lobby{s: s, queues: make(map[int64][]*session)}
}

func (l *lobby) join(sess *session, tierCents int64) error {
	if !l.s.tierAllowed(tierCents) {
		return fmt.Errorf("unknown stake tier %d cents", tierCents)
	}
	if _, ok := l.s.games.GameForPlayer(sess.addr); ok {
		return fmt.Errorf("already in a game")
	}

	l.mu.Lock()
	for _, q := range l.queues {
		for _, queued := range q {
			if queued.addr == sess.addr {
				l.mu.Unlock()
				return fmt.Errorf("already queued")
			}
		}
	}
	l.queues[tierCents] = append(l.queues[tierCents], sess)
	q := l.queues[tierCents]
	if len(q) < 2 {
		l.mu.Unlock()
		sess.send(serverMsg{Type: "queued"})
		return nil
	}
	a, b := q[0], q[1]
	l.queues[tierCents] = q[2:]
	l.mu.Unlock()

	if err := l.createMatch(a, b, tierCents); err != nil {
		l.s.log.Errorf("match creation failed for %s vs %s: %v", a.addr, b.addr, err)
		a.sendError(err)
		b.sendError(err)
		return nil // the error was already delivered to both
	}
	return nil
}

func (l *lobby) leave(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tier, q := range l.queues {
		for i, sess := range q {
			if sess.addr == addr {
				l.queues[tier] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}
}

// createMatch locks the stakes at the current exchange rate, derives the
// per-game escrow address, registers the game and announces it to both
// players.
func (l *lobby) createMatch(a, b *session, tierCents int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	missAtoms, rate, err := l.s.oracle.StakeAtoms(ctx, tierCents)
	if err != nil {
		return fmt.Errorf("price stakes: %w", err)
	}
	stakes := hexgame.Stakes{
		TierCents:  tierCents,
		MissAtoms:  missAtoms,
		HitAtoms:   missAtoms * hitMultiplier,
		USDPerCoin: rate,
	}

	gameID := uuid.NewString()
	escrowAddr, escrowScript, err := l.s.engine.EscrowAddress(gameID)
	if err != nil {
		return fmt.Errorf("derive escrow address: %w", err)
	}

	g, err := l.s.games.CreateGame(gameID, stakes, escrowAddr, [2]hexgame.Seat{
		{Addr: a.addr, Nick: a.nick},
		{Addr: b.addr, Nick: b.nick},
	})
	if err != nil {
		return err
	}

	// Settlement sweeps what the escrow script holds and the pause-for-funds
	// path checks the payers' own balances, so all three scripts must be
	// watched for the lifetime of the game.
	releases := []func(){l.s.chain.Watch(escrowScript)}
	for _, addr := range []string{a.addr, b.addr} {
		script, serr := escrow.PayToAddrScript(addr, l.s.cfg.Params)
		if serr != nil {
			return fmt.Errorf("payout script for %s: %w", addr, serr)
		}
		releases = append(releases, l.s.chain.Watch(script))
	}
	l.s.trackWatches(gameID, releases)

	a.send(serverMsg{
		Type: "match_found", GameID: g.ID,
		Opponent: b.addr, OpponentNick: b.nick,
		Stakes: &stakes, EscrowAddress: escrowAddr,
	})
	b.send(serverMsg{
		Type: "match_found", GameID: g.ID,
		Opponent: a.addr, OpponentNick: a.nick,
		Stakes: &stakes, EscrowAddress: escrowAddr,
	})
	l.s.log.Infof("match %s: %s vs %s at %d cents (miss %s, hit %s)",
		g.ID, a.addr, b.addr, tierCents, stakes.MissAtoms, stakes.HitAtoms)
	return nil
}
