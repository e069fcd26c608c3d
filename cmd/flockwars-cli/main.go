// flockwars-cli is a line-oriented player client. It speaks the server's
// websocket protocol directly: one hello frame, then commands typed on
// stdin, with every server push printed as it arrives. Payment transactions
// are built externally (dcrwallet createrawtransaction + signrawtransaction)
// and handed to the pay command as hex.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"github.com/Aluneltrust/flockwars/hexgame"
)

// wire types mirror the server envelope.
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

type serverMsg struct {
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Event *hexgame.Event `json:"event,omitempty"`

	GameID        string          `json:"game_id,omitempty"`
	Opponent      string          `json:"opponent,omitempty"`
	OpponentNick  string          `json:"opponent_nick,omitempty"`
	Stakes        *hexgame.Stakes `json:"stakes,omitempty"`
	EscrowAddress string          `json:"escrow_address,omitempty"`
	SettlementTx  string          `json:"settlement_tx,omitempty"`
}

func parseCell(s string) (hexgame.Cell, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ",", 2)
	if len(parts) != 2 {
		return hexgame.Cell{}, fmt.Errorf("cell must be q,r")
	}
	q, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return hexgame.Cell{}, fmt.Errorf("bad q: %w", err)
	}
	r, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return hexgame.Cell{}, fmt.Errorf("bad r: %w", err)
	}
	return hexgame.Cell{Q: q, R: r}, nil
}

func printEvent(ev *hexgame.Event) {
	switch ev.Type {
	case hexgame.EventGameStart:
		fmt.Printf("<< game %s started, %s goes first\n", ev.GameID, ev.Player)
	case hexgame.EventShotResolved:
		outcome := "miss"
		if ev.Hit {
			outcome = "HIT"
		}
		fmt.Printf("<< %s fired at %s: %s\n", ev.Player, ev.Cell, outcome)
	case hexgame.EventPaymentRequired:
		p := ev.Payment
		fmt.Printf("<< payment required: %s owes %s to %s\n", p.Payer, p.Amount, p.PayTo)
	case hexgame.EventPaymentConfirmed:
		fmt.Printf("<< payment confirmed (tx %s), pot %s\n", ev.TxID, ev.Pot)
	case hexgame.EventTurn:
		fmt.Printf("<< turn: %s (deadline %s)\n", ev.Player, ev.Deadline.Format("15:04:05"))
	case hexgame.EventGamePaused:
		fmt.Printf("<< game paused: %s (deadline %s)\n", ev.Reason, ev.Deadline.Format("15:04:05"))
	case hexgame.EventFundsNeeded:
		fmt.Printf("<< still short of funds: %s\n", ev.Reason)
	case hexgame.EventGameResumed:
		fmt.Printf("<< game resumed\n")
	case hexgame.EventPlayerDisconnected:
		fmt.Printf("<< %s disconnected, grace until %s\n", ev.Player, ev.Deadline.Format("15:04:05"))
	case hexgame.EventPlayerReconnected:
		fmt.Printf("<< %s reconnected\n", ev.Player)
	case hexgame.EventGameOver:
		fmt.Printf("<< GAME OVER: winner %s (%s), payout %s\n", ev.Winner, ev.Reason, ev.WinnerPayout)
	default:
		raw, _ := json.Marshal(ev)
		fmt.Printf("<< %s %s\n", ev.Type, raw)
	}
}

func printMsg(msg serverMsg) {
	switch msg.Type {
	case "welcome":
		fmt.Println("<< connected")
	case "queued":
		fmt.Println("<< waiting for an opponent")
	case "match_found":
		fmt.Printf("<< matched against %s (%s) in game %s\n", msg.OpponentNick, msg.Opponent, msg.GameID)
		fmt.Printf("   stakes: miss %s / hit %s (tier %d cents @ $%.2f)\n",
			msg.Stakes.MissAtoms, msg.Stakes.HitAtoms, msg.Stakes.TierCents, msg.Stakes.USDPerCoin)
		fmt.Printf("   escrow: %s\n", msg.EscrowAddress)
	case "settling":
		fmt.Println("<< settling escrow")
	case "settled":
		fmt.Printf("<< settled in tx %s\n", msg.SettlementTx)
	case "settlement_failed":
		fmt.Printf("<< settlement failed: %s\n", msg.Error)
	case "error":
		fmt.Printf("<< error: %s\n", msg.Error)
	default:
		if msg.Event != nil {
			printEvent(msg.Event)
			return
		}
		raw, _ := json.Marshal(msg)
		fmt.Printf("<< %s\n", raw)
	}
}

const usage = `commands:
  queue <tier cents>     join the matchmaking queue
  leave                  leave the queue
  place q,r q,r ...      submit the full 10-cell placement
  fire q,r               fire at a cell
  pay <hex | @file>      submit a signed payment transaction
  funds                  signal that funds were added while paused
  forfeit                concede the game
  reconnect <game id>    rejoin a game after a drop
  quit`

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cmd.String("url"), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cmd.String("url"), err)
	}
	defer conn.Close()

	hello := clientMsg{Action: "hello", Addr: cmd.String("addr"), Nick: cmd.String("nick")}
	if err := conn.WriteJSON(hello); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg serverMsg
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			printMsg(msg)
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println(usage)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return fmt.Errorf("connection lost: %w", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "help" {
				fmt.Println(usage)
				continue
			}
			msg, err := buildCommand(fields)
			if err != nil {
				fmt.Println("!!", err)
				continue
			}
			if msg == nil { // quit
				return nil
			}
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}

// buildCommand turns a typed command line into a protocol message. A nil
// message with nil error means quit.
func buildCommand(fields []string) (*clientMsg, error) {
	switch fields[0] {
	case "queue":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: queue <tier cents>")
		}
		cents, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad tier: %w", err)
		}
		return &clientMsg{Action: "join_queue", TierCents: cents}, nil
	case "leave":
		return &clientMsg{Action: "leave_queue"}, nil
	case "place":
		cells := make([]hexgame.Cell, 0, len(fields)-1)
		for _, f := range fields[1:] {
			c, err := parseCell(f)
			if err != nil {
				return nil, err
			}
			cells = append(cells, c)
		}
		return &clientMsg{Action: "place", Cells: cells}, nil
	case "fire":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: fire q,r")
		}
		c, err := parseCell(fields[1])
		if err != nil {
			return nil, err
		}
		return &clientMsg{Action: "fire", Cell: &c}, nil
	case "pay":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: pay <hex | @file>")
		}
		raw := fields[1]
		if strings.HasPrefix(raw, "@") {
			b, err := os.ReadFile(raw[1:])
			if err != nil {
				return nil, err
			}
			raw = strings.TrimSpace(string(b))
		}
		return &clientMsg{Action: "pay", RawTx: raw}, nil
	case "funds":
		return &clientMsg{Action: "funds_added"}, nil
	case "forfeit":
		return &clientMsg{Action: "forfeit"}, nil
	case "reconnect":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: reconnect <game id>")
		}
		return &clientMsg{Action: "reconnect", GameID: fields[1]}, nil
	case "quit", "exit":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command %q, try help", fields[0])
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "flockwars-cli",
		Usage: "terminal client for a flockwars server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "ws://127.0.0.1:8080/ws",
				Sources: cli.EnvVars("FLOCKWARS_URL"),
			},
			&cli.StringFlag{
				Name:     "addr",
				Usage:    "payout address, also your identity",
				Required: true,
				Sources:  cli.EnvVars("FLOCKWARS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "nick",
				Sources: cli.EnvVars("FLOCKWARS_NICK"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
