package hexgame

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
)

// Seat is what the lobby hands the manager when a match forms.
type Seat struct {
	Addr string
	Nick string
}

// GameManager owns the registry of live games and fans their events out to
// subscribers. It never reaches inside a Game; all game mutation goes
// through the Game's own methods.
type GameManager struct {
	mu sync.RWMutex

	log slog.Logger
	cfg Config

	games    map[string]*Game
	byPlayer map[string]string // payout address -> game id

	subs      map[uint64]chan Event
	nextSubID uint64
}

func NewGameManager(cfg Config, log slog.Logger) *GameManager {
	return &GameManager{
		log:      log,
		cfg:      cfg,
		games:    make(map[string]*Game),
		byPlayer: make(map[string]string),
		subs:     make(map[uint64]chan Event),
	}
}

// CreateGame registers a new game in setup phase. Both seats start
// connected; escrowAddr is the per-game escrow address derived by the
// payment engine for id. An empty id gets a fresh one.
func (m *GameManager) CreateGame(id string, stakes Stakes, escrowAddr string, seats [2]Seat) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range seats {
		if gid, ok := m.byPlayer[s.Addr]; ok {
			return nil, fmt.Errorf("player %s already in game %s", s.Addr, gid)
		}
	}

	if id == "" {
		id = uuid.NewString()
	}
	var players [2]*PlayerState
	for i, s := range seats {
		players[i] = &PlayerState{
			Addr:      s.Addr,
			Nick:      s.Nick,
			Connected: true,
		}
	}
	g := newGame(id, m.cfg, stakes, escrowAddr, players, m.publish)
	m.games[id] = g
	for _, s := range seats {
		m.byPlayer[s.Addr] = id
	}
	m.log.Infof("created game %s: %s vs %s, tier %d cents, escrow %s",
		id, seats[0].Addr, seats[1].Addr, stakes.TierCents, escrowAddr)
	return g, nil
}

// Game looks a game up by id.
func (m *GameManager) Game(id string) (*Game, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	return g, ok
}

// GameForPlayer returns the live game a payout address is seated in.
func (m *GameManager) GameForPlayer(addr string) (*Game, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gid, ok := m.byPlayer[addr]
	if !ok {
		return nil, false
	}
	g, ok := m.games[gid]
	return g, ok
}

// Subscribe registers an event channel. The returned func unsubscribes;
// calling it closes the channel.
func (m *GameManager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Event, 64)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// publish fans one event out to every subscriber. Slow subscribers have the
// event dropped rather than blocking game handlers. Terminal events schedule
// the game's eviction from the registry.
func (m *GameManager) publish(ev Event) {
	m.mu.RLock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warnf("dropping %s event for game %s: subscriber full", ev.Type, ev.GameID)
		}
	}
	m.mu.RUnlock()

	if ev.Type == EventGameOver {
		time.AfterFunc(m.cfg.EvictDelay, func() {
			m.evict(ev.GameID)
		})
	}
}

// evict removes a finished game. A game that somehow is not terminal yet is
// left alone.
func (m *GameManager) evict(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.games[id]
	if !ok {
		return
	}
	if g.Phase() != PhaseGameOver {
		return
	}
	delete(m.games, id)
	for _, pv := range g.Players() {
		if m.byPlayer[pv.Addr] == id {
			delete(m.byPlayer, pv.Addr)
		}
	}
	m.log.Debugf("evicted game %s", id)
}

// ActiveGames returns the ids of every registered game.
func (m *GameManager) ActiveGames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	return ids
}
