package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Aluneltrust/flockwars/hexgame"
	"github.com/Aluneltrust/flockwars/server/gamedb"
)

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"active_games": len(s.games.ActiveGames()),
	})
}

// gameSnapshot is the public view of a live game; hidden cells never leave
// the state machine.
type gameSnapshot struct {
	GameID        string                `json:"game_id"`
	Phase         string                `json:"phase"`
	Stakes        hexgame.Stakes        `json:"stakes"`
	EscrowAddress string                `json:"escrow_address"`
	Pot           int64                 `json:"pot"`
	Turn          string                `json:"turn,omitempty"`
	Players       [2]hexgame.PlayerView `json:"players"`
	Pending       *hexgame.PendingShot  `json:"pending,omitempty"`
}

// handleGame serves a live game's snapshot, falling back to the persisted
// record once the game has been evicted.
func (s *Server) handleGame(c echo.Context) error {
	id := c.Param("id")
	if g, ok := s.games.Game(id); ok {
		snap := gameSnapshot{
			GameID:        g.ID,
			Phase:         g.Phase().String(),
			Stakes:        g.Stakes,
			EscrowAddress: g.EscrowAddress,
			Pot:           int64(g.Pot()),
			Players:       g.Players(),
			Pending:       g.Pending(),
		}
		if snap.Phase == "playing" || snap.Phase == "paused" {
			snap.Turn = g.TurnAddr()
		}
		return c.JSON(http.StatusOK, snap)
	}

	rec, err := s.db.FetchGame(c.Request().Context(), id)
	if errors.Is(err, gamedb.ErrGameNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "game not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handlePlayerStats(c echo.Context) error {
	stats, err := s.db.FetchPlayerStats(c.Request().Context(), c.Param("addr"))
	if errors.Is(err, gamedb.ErrPlayerNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "player not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRecentGames(c echo.Context) error {
	limit := 20
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "bad limit")
		}
		limit = n
	}
	recent, err := s.db.FetchRecentGames(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recent)
}
