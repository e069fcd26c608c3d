package server

import (
	"context"
	"time"

	"github.com/Aluneltrust/flockwars/escrow"
	"github.com/Aluneltrust/flockwars/hexgame"
	"github.com/Aluneltrust/flockwars/server/gamedb"
)

// eventPump fans state-machine events out onto player connections and runs
// the end-of-game side effects: settlement and the persisted audit record.
func (s *Server) eventPump(ctx context.Context, events <-chan hexgame.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.routeEvent(ev)
			if ev.Type == hexgame.EventGameOver {
				go s.finishGame(ctx, ev)
			}
		}
	}
}

// routeEvent pushes an event to both seats of its game. Events carry no
// hidden information: shot outcomes are public once resolved.
func (s *Server) routeEvent(ev hexgame.Event) {
	g, ok := s.games.Game(ev.GameID)
	if !ok {
		return
	}
	e := ev
	for _, pv := range g.Players() {
		if sess, ok := s.sessionFor(pv.Addr); ok {
			sess.send(serverMsg{Type: string(ev.Type), Event: &e})
		}
	}
}

// finishGame settles the escrow pot and writes the completed-game record.
// Settlement failure is reported and logged but never reopens the game.
func (s *Server) finishGame(ctx context.Context, ev hexgame.Event) {
	g, ok := s.games.Game(ev.GameID)
	if !ok {
		return
	}
	res, ok := g.Result()
	if !ok {
		return
	}
	// The escrow watch must outlive settlement so the sweep still sees the
	// pot's outputs; the deferred release runs after it.
	defer s.releaseWatches(ev.GameID)
	players := g.Players()

	var settlementTx string
	if res.Pot > 0 {
		s.broadcastToGame(players, serverMsg{Type: "settling", GameID: g.ID})

		sctx, cancel := context.WithTimeout(ctx, time.Minute)
		sres, err := s.engine.Settle(sctx, escrow.SettleRequest{
			GameID:        g.ID,
			WinnerAddr:    res.Winner,
			WinnerShare:   res.WinnerPayout,
			PlatformShare: res.PlatformShare,
		})
		cancel()
		switch {
		case err != nil:
			s.log.Errorf("game %s: settlement failed: %v", g.ID, err)
			s.broadcastToGame(players, serverMsg{
				Type: "settlement_failed", GameID: g.ID, Error: err.Error(),
			})
		default:
			settlementTx = sres.TxID
			s.broadcastToGame(players, serverMsg{
				Type: "settled", GameID: g.ID, SettlementTx: settlementTx,
			})
		}
	}

	rec := &gamedb.CompletedGame{
		GameID:        g.ID,
		TierCents:     g.Stakes.TierCents,
		MissAtoms:     g.Stakes.MissAtoms,
		HitAtoms:      g.Stakes.HitAtoms,
		Winner:        res.Winner,
		EndReason:     string(res.Reason),
		Pot:           res.Pot,
		WinnerPayout:  res.WinnerPayout,
		PlatformCut:   res.PlatformShare,
		SettlementTx:  settlementTx,
		EscrowAddress: g.EscrowAddress,
		EndedAt:       res.EndedAt,
	}
	for i, pv := range players {
		rec.Players[i] = gamedb.PlayerResult{
			Addr:      pv.Addr,
			Nick:      pv.Nick,
			Shots:     pv.Shots,
			Hits:      pv.Hits,
			Misses:    pv.Misses,
			Remaining: pv.Remaining,
		}
	}
	if err := s.db.RecordCompletedGame(ctx, rec); err != nil {
		s.log.Errorf("game %s: record completed game: %v", g.ID, err)
	}
}

func (s *Server) broadcastToGame(players [2]hexgame.PlayerView, msg serverMsg) {
	for _, pv := range players {
		if sess, ok := s.sessionFor(pv.Addr); ok {
			sess.send(msg)
		}
	}
}
