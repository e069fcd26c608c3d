package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/slog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Aluneltrust/flockwars/escrow"
	"github.com/Aluneltrust/flockwars/hexgame"
	"github.com/Aluneltrust/flockwars/rates"
	"github.com/Aluneltrust/flockwars/server/gamedb"
)

// hitMultiplier fixes the hit amount relative to the miss amount of a tier.
// A hit costs the defender three times what a miss costs the firer.
const hitMultiplier = 3

type Config struct {
	HTTPPort string
	Params   *chaincfg.Params

	// Allowed USD-cent stake tiers for the lobby.
	Tiers []int64

	TurnTimeout        time.Duration
	PauseTimeout       time.Duration
	ReconnectGrace     time.Duration
	EvictDelay         time.Duration
	PlatformCutPercent int

	// Websocket keepalive; zero values get defaults. PongWait must exceed
	// PingInterval or idle connections die between pings.
	PingInterval time.Duration
	PongWait     time.Duration
}

// Server wires the lobby, the game state machines, the escrow engine and
// the persistence layer behind one websocket/HTTP surface.
type Server struct {
	log slog.Logger
	cfg Config

	games  *hexgame.GameManager
	engine *escrow.Engine
	chain  escrow.Chain
	oracle *rates.Oracle
	db     gamedb.GameDB

	lobby *lobby

	mu       sync.RWMutex
	sessions map[string]*session // payout address -> live connection
	watches  map[string][]func() // game id -> script watch releases

	echo *echo.Echo
}

func New(cfg Config, log slog.Logger, gmLog slog.Logger, engine *escrow.Engine,
	chain escrow.Chain, oracle *rates.Oracle, db gamedb.GameDB) *Server {

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}

	gm := hexgame.NewGameManager(hexgame.Config{
		TurnTimeout:        cfg.TurnTimeout,
		PauseTimeout:       cfg.PauseTimeout,
		ReconnectGrace:     cfg.ReconnectGrace,
		EvictDelay:         cfg.EvictDelay,
		PlatformCutPercent: cfg.PlatformCutPercent,
	}, gmLog)

	s := &Server{
		log:      log,
		cfg:      cfg,
		games:    gm,
		engine:   engine,
		chain:    chain,
		oracle:   oracle,
		db:       db,
		sessions: make(map[string]*session),
		watches:  make(map[string][]func()),
	}
	s.lobby = newLobby(s)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.GET("/ws", s.handleWS)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/games", s.handleRecentGames)
	e.GET("/games/:id", s.handleGame)
	e.GET("/players/:addr", s.handlePlayerStats)
	s.echo = e

	return s
}

// Run serves until the context is canceled. The event pump translating
// state-machine events onto player connections runs for the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	events, unsub := s.games.Subscribe()
	defer unsub()
	go s.eventPump(ctx, events)

	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(":" + s.cfg.HTTPPort)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Infof("listening on :%s", s.cfg.HTTPPort)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("http shutdown: %v", err)
	}
	return nil
}

func (s *Server) tierAllowed(cents int64) bool {
	for _, t := range s.cfg.Tiers {
		if t == cents {
			return true
		}
	}
	return false
}

// session registration; one live connection per payout address. A fresh
// hello for an already-registered address displaces the stale session, so
// a player whose TCP connection died silently can always come back.

func (s *Server) registerSession(sess *session) {
	s.mu.Lock()
	old := s.sessions[sess.addr]
	s.sessions[sess.addr] = sess
	s.mu.Unlock()

	if old != nil {
		s.log.Debugf("displacing stale session for %s", sess.addr)
		old.conn.Close()
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.addr] != sess {
		// Displaced by a newer connection for the same address; the
		// new session owns the lobby/game presence now.
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.addr)
	s.mu.Unlock()

	s.lobby.leave(sess.addr)
	if g, ok := s.games.GameForPlayer(sess.addr); ok {
		g.HandleDisconnect(sess.addr)
	}
}

func (s *Server) sessionFor(addr string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[addr]
	return sess, ok
}

// trackWatches remembers the chain script watches registered for a game so
// they can be released once the game is over and swept.
func (s *Server) trackWatches(gameID string, releases []func()) {
	s.mu.Lock()
	s.watches[gameID] = append(s.watches[gameID], releases...)
	s.mu.Unlock()
}

func (s *Server) releaseWatches(gameID string) {
	s.mu.Lock()
	releases := s.watches[gameID]
	delete(s.watches, gameID)
	s.mu.Unlock()
	for _, release := range releases {
		release()
	}
}
