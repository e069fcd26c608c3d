package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Aluneltrust/flockwars/escrow"
	"github.com/Aluneltrust/flockwars/hexgame"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The payout address is the identity; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMsg is every action a client may send.
type clientMsg struct {
	Action string `json:"action"`

	Addr string `json:"addr,omitempty"`
	Nick string `json:"nick,omitempty"`

	TierCents int64          `json:"tier_cents,omitempty"`
	GameID    string         `json:"game_id,omitempty"`
	Cells     []hexgame.Cell `json:"cells,omitempty"`
	Cell      *hexgame.Cell  `json:"cell,omitempty"`
	RawTx     string         `json:"raw_tx,omitempty"`
}

// serverMsg is the envelope for everything pushed to a client. Game events
// embed the state machine's own event payload.
type serverMsg struct {
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Event *hexgame.Event `json:"event,omitempty"`

	// match_found payload
	GameID        string          `json:"game_id,omitempty"`
	Opponent      string          `json:"opponent,omitempty"`
	OpponentNick  string          `json:"opponent_nick,omitempty"`
	Stakes        *hexgame.Stakes `json:"stakes,omitempty"`
	EscrowAddress string          `json:"escrow_address,omitempty"`

	// settlement payload
	SettlementTx string `json:"settlement_tx,omitempty"`
}

// session is one live player connection. Writes are serialized by sendMu;
// the read loop is the only reader.
type session struct {
	s    *Server
	conn *websocket.Conn

	addr string
	nick string

	sendMu sync.Mutex
	done   chan struct{} // closed when the read loop exits
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// First frame must identify the player by payout address.
	var hello clientMsg
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil
	}
	if hello.Action != "hello" || hello.Addr == "" {
		conn.WriteJSON(serverMsg{Type: "error", Error: "first message must be hello with addr"})
		conn.Close()
		return nil
	}
	if _, err := escrow.PayToAddrScript(hello.Addr, s.cfg.Params); err != nil {
		conn.WriteJSON(serverMsg{Type: "error", Error: err.Error()})
		conn.Close()
		return nil
	}

	sess := &session{s: s, conn: conn, addr: hello.Addr, nick: hello.Nick,
		done: make(chan struct{})}
	s.registerSession(sess)
	s.log.Infof("player %s connected", sess.addr)
	sess.send(serverMsg{Type: "welcome"})

	// Silent peer drops never produce a read error on their own; ping the
	// client and require a pong inside PongWait or the read times out.
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	go sess.pingLoop()

	defer func() {
		close(sess.done)
		s.dropSession(sess)
		conn.Close()
		s.log.Infof("player %s disconnected", sess.addr)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			sess.sendError(fmt.Errorf("bad message: %w", err))
			continue
		}
		sess.dispatch(c.Request().Context(), msg)
	}
}

// pingLoop keeps the peer honest. WriteControl is safe to call concurrently
// with the JSON writes in send, so sendMu is not needed here.
func (sess *session) pingLoop() {
	t := time.NewTicker(sess.s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-t.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (sess *session) dispatch(ctx context.Context, msg clientMsg) {
	var err error
	switch msg.Action {
	case "join_queue":
		err = sess.s.lobby.join(sess, msg.TierCents)
	case "leave_queue":
		sess.s.lobby.leave(sess.addr)
	case "place":
		err = sess.withGame(func(g *hexgame.Game) error {
			return g.SubmitPlacement(sess.addr, msg.Cells)
		})
	case "fire":
		if msg.Cell == nil {
			err = fmt.Errorf("fire needs a cell")
			break
		}
		err = sess.withGame(func(g *hexgame.Game) error {
			_, ferr := g.FireShot(sess.addr, *msg.Cell)
			return ferr
		})
	case "pay":
		err = sess.handlePay(ctx, msg.RawTx)
	case "funds_added":
		err = sess.handleFundsAdded(ctx)
	case "forfeit":
		err = sess.withGame(func(g *hexgame.Game) error {
			return g.Forfeit(sess.addr)
		})
	case "reconnect":
		err = sess.handleReconnect(msg.GameID)
	default:
		err = fmt.Errorf("unknown action %q", msg.Action)
	}
	if err != nil {
		sess.sendError(err)
	}
}

func (sess *session) withGame(fn func(*hexgame.Game) error) error {
	g, ok := sess.s.games.GameForPlayer(sess.addr)
	if !ok {
		return fmt.Errorf("not in a game")
	}
	return fn(g)
}

// handlePay runs the full payment gate: verify and broadcast the submitted
// transaction against the pending obligation, then advance the game. On
// failure the pending shot stays installed; if the payer's balance cannot
// cover the obligation the game pauses for funds.
func (sess *session) handlePay(ctx context.Context, rawTx string) error {
	g, ok := sess.s.games.GameForPlayer(sess.addr)
	if !ok {
		return fmt.Errorf("not in a game")
	}
	pending := g.Pending()
	if pending == nil {
		return hexgame.ErrNoPendingShot
	}
	if pending.Payer != sess.addr {
		return fmt.Errorf("pending payment is owed by %s", pending.Payer)
	}

	res, err := sess.s.engine.VerifyPayment(ctx, escrow.VerifyRequest{
		GameID:   g.ID,
		RawTxHex: rawTx,
		PayTo:    pending.PayTo,
		Amount:   pending.Amount,
		Payer:    sess.addr,
	})
	if err != nil {
		sess.s.log.Warnf("game %s: payment from %s rejected: %v", g.ID, sess.addr, err)
		sess.s.maybePauseForFunds(ctx, g, sess.addr, pending.Amount)
		return err
	}
	return g.ApplyVerifiedPayment(res.TxID, res.Paid)
}

// maybePauseForFunds checks the payer's on-chain balance after a failed
// payment and pauses the game when it cannot cover the obligation.
func (s *Server) maybePauseForFunds(ctx context.Context, g *hexgame.Game, payer string, amount dcrutil.Amount) {
	if g.Phase() != hexgame.PhasePlaying {
		return
	}
	script, err := escrow.PayToAddrScript(payer, s.cfg.Params)
	if err != nil {
		return
	}
	balance, err := s.chain.AddressBalance(ctx, script)
	if err != nil {
		s.log.Debugf("game %s: balance check for %s failed: %v", g.ID, payer, err)
		return
	}
	if balance >= amount {
		return
	}
	reason := fmt.Sprintf("balance %s below required %s", balance, amount)
	if err := g.PauseForFunds(payer, reason); err != nil {
		s.log.Debugf("game %s: pause skipped: %v", g.ID, err)
	}
}

// handleFundsAdded re-checks the paused payer's balance on their signal.
func (sess *session) handleFundsAdded(ctx context.Context) error {
	g, ok := sess.s.games.GameForPlayer(sess.addr)
	if !ok {
		return fmt.Errorf("not in a game")
	}
	script, err := escrow.PayToAddrScript(sess.addr, sess.s.cfg.Params)
	if err != nil {
		return err
	}
	balance, err := sess.s.chain.AddressBalance(ctx, script)
	if err != nil {
		return fmt.Errorf("balance check failed: %w", err)
	}
	return g.FundsAdded(sess.addr, balance)
}

func (sess *session) handleReconnect(gameID string) error {
	g, ok := sess.s.games.Game(gameID)
	if !ok {
		return fmt.Errorf("no such game %s", gameID)
	}
	return g.HandleReconnect(sess.addr)
}

func (sess *session) send(msg serverMsg) {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := sess.conn.WriteJSON(msg); err != nil {
		sess.s.log.Debugf("write to %s failed: %v", sess.addr, err)
	}
}

func (sess *session) sendError(err error) {
	sess.send(serverMsg{Type: "error", Error: err.Error()})
}
