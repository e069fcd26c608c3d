package hexgame

import (
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
)

// EventType tags the notifications the state machine emits. The session
// layer subscribes to these instead of being called back directly, so the
// state machine stays decoupled from its transport.
type EventType string

const (
	EventPlayerReady        EventType = "player_ready"
	EventGameStart          EventType = "game_start"
	EventShotResolved       EventType = "shot_result"
	EventPaymentRequired    EventType = "payment_required"
	EventPaymentConfirmed   EventType = "payment_confirmed"
	EventTurn               EventType = "turn"
	EventGamePaused         EventType = "game_paused"
	EventGameResumed        EventType = "game_resumed"
	EventFundsNeeded        EventType = "funds_needed"
	EventPlayerDisconnected EventType = "player_disconnected"
	EventPlayerReconnected  EventType = "player_reconnected"
	EventGameOver           EventType = "game_over"
)

// Event is a single notification about a game. Player identifies the subject
// of the event (who became ready, who disconnected, whose turn it is, who
// won) by payout address.
type Event struct {
	Type   EventType `json:"type"`
	GameID string    `json:"game_id"`
	Player string    `json:"player,omitempty"`

	Cell *Cell `json:"cell,omitempty"`
	Hit  bool  `json:"hit,omitempty"`

	Payment *PendingShot `json:"payment,omitempty"`
	TxID    string       `json:"txid,omitempty"`

	Pot      dcrutil.Amount `json:"pot,omitempty"`
	Deadline time.Time      `json:"deadline,omitempty"`
	Reason   string         `json:"reason,omitempty"`

	Winner        string         `json:"winner,omitempty"`
	WinnerPayout  dcrutil.Amount `json:"winner_payout,omitempty"`
	PlatformShare dcrutil.Amount `json:"platform_share,omitempty"`
}

// emitAll publishes events after the game lock has been released. Events are
// collected under the lock and flushed by the public operations.
func (g *Game) emitAll(evs []Event) {
	if g.emit == nil {
		return
	}
	for _, ev := range evs {
		g.emit(ev)
	}
}
