package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/sign"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aluneltrust/flockwars/escrow"
	"github.com/Aluneltrust/flockwars/hexgame"
	"github.com/Aluneltrust/flockwars/rates"
	"github.com/Aluneltrust/flockwars/server/gamedb"
)

var simNet = chaincfg.SimNetParams()

// fakeChain implements escrow.Chain in memory.
type fakeChain struct {
	mu       sync.Mutex
	prevOuts map[wire.OutPoint]*wire.TxOut
	unspent  map[string][]escrow.UTXO
	balances map[string]dcrutil.Amount
	watched  map[string]int // pkScript hex -> active watch count
	count    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		prevOuts: make(map[wire.OutPoint]*wire.TxOut),
		unspent:  make(map[string][]escrow.UTXO),
		balances: make(map[string]dcrutil.Amount),
		watched:  make(map[string]int),
	}
}

func (f *fakeChain) BroadcastTx(_ context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	h := tx.TxHash()
	return &h, nil
}

func (f *fakeChain) ListUnspent(_ context.Context, pkScript []byte) ([]escrow.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unspent[hex.EncodeToString(pkScript)], nil
}

func (f *fakeChain) PrevOutput(_ context.Context, op wire.OutPoint) (*wire.TxOut, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.prevOuts[op]
	if !ok {
		return nil, escrow.ErrSourceUnavailable
	}
	return out, nil
}

func (f *fakeChain) AddressBalance(_ context.Context, pkScript []byte) (dcrutil.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[hex.EncodeToString(pkScript)], nil
}

func (f *fakeChain) Watch(pkScript []byte) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hex.EncodeToString(pkScript)
	f.watched[key]++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.watched[key]--
	}
}

// activeWatches counts scripts with at least one live watch.
func (f *fakeChain) activeWatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.watched {
		if c > 0 {
			n++
		}
	}
	return n
}

func testKey(b byte) *secp256k1.PrivateKey {
	var kb [32]byte
	for i := range kb {
		kb[i] = b
	}
	return secp256k1.PrivKeyFromBytes(kb[:])
}

func p2pkh(t *testing.T, priv *secp256k1.PrivateKey) (string, []byte) {
	t.Helper()
	pkHash := stdaddr.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(pkHash, simNet)
	require.NoError(t, err)
	_, pkScript := addr.PaymentScript()
	return addr.String(), pkScript
}

type testEnv struct {
	srv        *Server
	chain      *fakeChain // nil when a custom chain backend is supplied
	db         gamedb.GameDB
	httpServer *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	chain := newFakeChain()
	env := newTestEnvWithChain(t, chain, nil)
	env.chain = chain
	return env
}

// newTestEnvWithChain builds a full server over the given chain backend;
// tweak, when non-nil, adjusts the config before the server is built.
func newTestEnvWithChain(t *testing.T, chain escrow.Chain, tweak func(*Config)) *testEnv {
	t.Helper()

	rateSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"dcrPrice": 20.0}`))
	}))
	t.Cleanup(rateSrv.Close)

	platformAddr, _ := p2pkh(t, testKey(0xee))
	engine := escrow.NewEngine(escrow.Config{
		Params:       simNet,
		Chain:        chain,
		MasterSeed:   []byte("test-master-seed"),
		PlatformAddr: platformAddr,
	}, slog.Disabled)

	db, err := gamedb.NewBoltDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	oracle := rates.NewOracle(slog.Disabled, rateSrv.URL, time.Minute)

	cfg := Config{
		HTTPPort:           "0",
		Params:             simNet,
		Tiers:              []int64{100, 500},
		TurnTimeout:        time.Minute,
		PauseTimeout:       time.Minute,
		ReconnectGrace:     time.Minute,
		EvictDelay:         time.Minute,
		PlatformCutPercent: 5,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	s := New(cfg, slog.Disabled, slog.Disabled, engine, chain, oracle, db)

	events, unsub := s.games.Subscribe()
	t.Cleanup(unsub)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.eventPump(ctx, events)

	hs := httptest.NewServer(s.echo)
	t.Cleanup(hs.Close)

	return &testEnv{srv: s, db: db, httpServer: hs}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	addr string
}

func (env *testEnv) connect(t *testing.T, addr, nick string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn, addr: addr}
	c.sendMsg(clientMsg{Action: "hello", Addr: addr, Nick: nick})
	msg := c.expect("welcome")
	require.Equal(t, "welcome", msg.Type)
	return c
}

func (c *wsClient) sendMsg(msg clientMsg) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// expect reads frames until one of the wanted type arrives.
func (c *wsClient) expect(typ string) serverMsg {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		var msg serverMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %q: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
		if msg.Type == "error" {
			c.t.Fatalf("waiting for %q, got error: %s", typ, msg.Error)
		}
	}
}

func validCells() []hexgame.Cell {
	return []hexgame.Cell{
		{Q: 0, R: 0}, {Q: 1, R: 0}, {Q: 2, R: 0}, {Q: 3, R: 0},
		{Q: 0, R: 2}, {Q: 1, R: 2}, {Q: 2, R: 2},
		{Q: -2, R: 0}, {Q: -3, R: 0},
		{Q: 0, R: -3},
	}
}

func placementB() []hexgame.Cell {
	return []hexgame.Cell{
		{Q: 0, R: 1}, {Q: 1, R: 1}, {Q: 2, R: 1}, {Q: 3, R: 1},
		{Q: 0, R: 3}, {Q: 1, R: 3}, {Q: -1, R: 3},
		{Q: -2, R: 1}, {Q: -3, R: 1},
		{Q: 0, R: -2},
	}
}

func TestMatchAndPaidShotFlow(t *testing.T) {
	env := newTestEnv(t)

	keyA, keyB := testKey(1), testKey(2)
	addrA, scriptA := p2pkh(t, keyA)
	addrB, _ := p2pkh(t, keyB)

	ca := env.connect(t, addrA, "alice")
	cb := env.connect(t, addrB, "bob")

	// Queue both at the same tier; a match forms FIFO.
	ca.sendMsg(clientMsg{Action: "join_queue", TierCents: 100})
	ca.expect("queued")
	cb.sendMsg(clientMsg{Action: "join_queue", TierCents: 100})

	ma := ca.expect("match_found")
	mb := cb.expect("match_found")
	require.Equal(t, ma.GameID, mb.GameID)
	require.Equal(t, addrB, ma.Opponent)
	require.Equal(t, addrA, mb.Opponent)
	require.NotEmpty(t, ma.EscrowAddress)
	// $1.00 at $20/DCR locked at match time.
	require.NotNil(t, ma.Stakes)
	assert.EqualValues(t, 5_000_000, ma.Stakes.MissAtoms)
	assert.EqualValues(t, 15_000_000, ma.Stakes.HitAtoms)

	// The escrow script and both payout scripts are watched for the whole
	// game so settlement and balance checks see their funds.
	require.Equal(t, 3, env.chain.activeWatches())
	escrowScript, err := escrow.PayToAddrScript(ma.EscrowAddress, simNet)
	require.NoError(t, err)
	env.chain.mu.Lock()
	require.Equal(t, 1, env.chain.watched[hex.EncodeToString(escrowScript)])
	require.Equal(t, 1, env.chain.watched[hex.EncodeToString(scriptA)])
	env.chain.mu.Unlock()

	// Place both; game starts with alice to move.
	ca.sendMsg(clientMsg{Action: "place", Cells: validCells()})
	cb.sendMsg(clientMsg{Action: "place", Cells: placementB()})
	start := ca.expect("game_start")
	require.NotNil(t, start.Event)
	require.Equal(t, addrA, start.Event.Player)
	cb.expect("game_start")

	// Alice misses; she owes the escrow address.
	ca.sendMsg(clientMsg{Action: "fire", Cell: &hexgame.Cell{Q: 4, R: 0}})
	payReq := ca.expect("payment_required")
	require.NotNil(t, payReq.Event.Payment)
	require.Equal(t, addrA, payReq.Event.Payment.Payer)
	require.Equal(t, ma.EscrowAddress, payReq.Event.Payment.PayTo)
	amount := payReq.Event.Payment.Amount

	// Build and submit the real signed payment.
	destScript, err := escrow.PayToAddrScript(ma.EscrowAddress, simNet)
	require.NoError(t, err)
	var h chainhash.Hash
	h[0] = 1
	op := wire.OutPoint{Hash: h, Index: 0}
	env.chain.prevOuts[op] = &wire.TxOut{Value: 10_000_000, PkScript: scriptA}

	tx := wire.NewMsgTx()
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, ValueIn: 10_000_000})
	tx.AddTxOut(&wire.TxOut{Value: int64(amount), PkScript: destScript})
	sigScript, err := sign.SignatureScript(tx, 0, scriptA,
		txscript.SigHashAll, keyA.Serialize(), dcrec.STEcdsaSecp256k1, true)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	ca.sendMsg(clientMsg{Action: "pay", RawTx: hex.EncodeToString(buf.Bytes())})
	conf := ca.expect("payment_confirmed")
	require.Equal(t, tx.TxHash().String(), conf.Event.TxID)
	turn := cb.expect("turn")
	require.Equal(t, addrB, turn.Event.Player)

	// Bob forfeits; alice wins and the game is recorded.
	cb.sendMsg(clientMsg{Action: "forfeit"})
	over := ca.expect("game_over")
	require.Equal(t, addrA, over.Event.Winner)
	require.Equal(t, "forfeit", over.Event.Reason)

	// Pot has one miss in it; settlement runs against escrow funds. The
	// fake chain has none indexed, so the failure is surfaced, not hidden.
	ca.expect("settling")
	ca.expect("settlement_failed")

	require.Eventually(t, func() bool {
		_, err := env.db.FetchGame(context.Background(), ma.GameID)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	rec, err := env.db.FetchGame(context.Background(), ma.GameID)
	require.NoError(t, err)
	assert.Equal(t, addrA, rec.Winner)
	assert.Equal(t, "forfeit", rec.EndReason)
	assert.EqualValues(t, 5_000_000, rec.Pot)

	// Script watches are released once the game is settled and recorded.
	require.Eventually(t, func() bool {
		return env.chain.activeWatches() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestQueueValidation(t *testing.T) {
	env := newTestEnv(t)

	addrA, _ := p2pkh(t, testKey(1))
	ca := env.connect(t, addrA, "alice")

	// Unknown tier rejected.
	ca.sendMsg(clientMsg{Action: "join_queue", TierCents: 123})
	msg := readOne(t, ca)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Error, "tier")

	// Double-queue rejected.
	ca.sendMsg(clientMsg{Action: "join_queue", TierCents: 100})
	ca.expect("queued")
	ca.sendMsg(clientMsg{Action: "join_queue", TierCents: 100})
	msg = readOne(t, ca)
	require.Equal(t, "error", msg.Type)
	require.Contains(t, msg.Error, "queued")
}

func readOne(t *testing.T, c *wsClient) serverMsg {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg serverMsg
	require.NoError(t, c.conn.ReadJSON(&msg))
	return msg
}

func TestHelloValidation(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientMsg{Action: "hello", Addr: "garbage"}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg serverMsg
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg.Type)
}

// A fresh hello for an address with a stale registered session displaces the
// old connection instead of rejecting the newcomer.
func TestHelloDisplacesStaleSession(t *testing.T) {
	env := newTestEnv(t)

	addrA, _ := p2pkh(t, testKey(1))
	c1 := env.connect(t, addrA, "alice")
	c2 := env.connect(t, addrA, "alice")

	// The server closes the displaced connection; its next read fails.
	c1.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg serverMsg
	require.Error(t, c1.conn.ReadJSON(&msg))

	// The displaced session's teardown must not tear down the new one.
	c2.sendMsg(clientMsg{Action: "join_queue", TierCents: 100})
	c2.expect("queued")
}

// A peer that stops responding is detected by the ping/pong keepalive and
// handled as a disconnect, here during setup where the game ends at once.
func TestKeepaliveDetectsDeadPeer(t *testing.T) {
	env := newTestEnvWithChain(t, newFakeChain(), func(cfg *Config) {
		cfg.PingInterval = 50 * time.Millisecond
		cfg.PongWait = 200 * time.Millisecond
	})

	addrA, _ := p2pkh(t, testKey(1))
	addrB, _ := p2pkh(t, testKey(2))
	ca := env.connect(t, addrA, "alice")
	cb := env.connect(t, addrB, "bob")

	ca.sendMsg(clientMsg{Action: "join_queue", TierCents: 100})
	ca.expect("queued")
	cb.sendMsg(clientMsg{Action: "join_queue", TierCents: 100})
	ca.expect("match_found")
	cb.expect("match_found")

	// Bob goes silent: his client never reads again, so the server's pings
	// are never answered and his read deadline expires.
	over := ca.expect("game_over")
	require.Equal(t, addrA, over.Event.Winner)
	require.Equal(t, string(hexgame.EndDisconnect), over.Event.Reason)
}

func TestHTTPEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.httpServer.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.httpServer.URL + "/games/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.httpServer.URL + "/players/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.httpServer.URL + "/games")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
