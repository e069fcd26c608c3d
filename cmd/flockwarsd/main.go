package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/urfave/cli/v3"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/Aluneltrust/flockwars/escrow"
	"github.com/Aluneltrust/flockwars/rates"
	"github.com/Aluneltrust/flockwars/server"
	"github.com/Aluneltrust/flockwars/server/gamedb"
)

func netParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return chaincfg.MainNetParams(), nil
	case "testnet":
		return chaincfg.TestNet3Params(), nil
	case "simnet":
		return chaincfg.SimNetParams(), nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	dataDir := cmd.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	bknd, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(dataDir, "logs", "flockwarsd.log"),
		DebugLevel:     cmd.String("debug-level"),
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	log := bknd.Logger("FWD")

	params, err := netParams(cmd.String("net"))
	if err != nil {
		return err
	}

	masterSeed, err := hex.DecodeString(cmd.String("master-seed"))
	if err != nil || len(masterSeed) < 32 {
		return fmt.Errorf("master-seed must be at least 32 bytes of hex")
	}
	platformAddr := cmd.String("platform-addr")
	if _, err := escrow.PayToAddrScript(platformAddr, params); err != nil {
		return fmt.Errorf("platform-addr: %w", err)
	}

	// dcrd RPC; no fallbacks, require explicit values.
	certPath := cmd.String("dcrd-cert")
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read dcrd rpc cert at %s: %w", certPath, err)
	}
	dcrd, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cmd.String("dcrd-host"),
		User:         cmd.String("dcrd-user"),
		Pass:         cmd.String("dcrd-pass"),
		Endpoint:     "ws",
		Certificates: cert,
	}, nil)
	if err != nil {
		return fmt.Errorf("connect to dcrd: %w", err)
	}
	defer dcrd.Shutdown()
	log.Infof("connected to dcrd at %s", cmd.String("dcrd-host"))

	watcher := escrow.NewFundingWatcher(bknd.Logger("WTCH"), dcrd, 0)
	chain := escrow.NewDcrdChain(bknd.Logger("CHN"), dcrd, watcher)

	engine := escrow.NewEngine(escrow.Config{
		Params:       params,
		Chain:        chain,
		MasterSeed:   masterSeed,
		PlatformAddr: platformAddr,
	}, bknd.Logger("ESCR"))

	db, err := gamedb.NewBoltDB(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	oracle := rates.NewOracle(bknd.Logger("RATE"), cmd.String("rate-url"),
		cmd.Duration("rate-ttl"))

	tiers := cmd.Int64Slice("tiers")
	if len(tiers) == 0 {
		return fmt.Errorf("at least one stake tier is required")
	}

	srv := server.New(server.Config{
		HTTPPort:           cmd.String("port"),
		Params:             params,
		Tiers:              tiers,
		TurnTimeout:        cmd.Duration("turn-timeout"),
		PauseTimeout:       cmd.Duration("pause-timeout"),
		ReconnectGrace:     cmd.Duration("reconnect-grace"),
		EvictDelay:         cmd.Duration("evict-delay"),
		PlatformCutPercent: int(cmd.Int("platform-cut")),
	}, log, bknd.Logger("GM"), engine, chain, oracle, db)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watcher.Run(ctx)
	defer watcher.Stop()

	return srv.Run(ctx)
}

func main() {
	cmd := &cli.Command{
		Name:  "flockwarsd",
		Usage: "wagered hex battleship server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "./flockwars",
				Sources: cli.EnvVars("FLOCKWARS_DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "port",
				Value:   "8080",
				Sources: cli.EnvVars("FLOCKWARS_PORT"),
			},
			&cli.StringFlag{
				Name:    "net",
				Value:   "testnet",
				Sources: cli.EnvVars("FLOCKWARS_NET"),
			},
			&cli.StringFlag{
				Name:    "debug-level",
				Value:   "info",
				Sources: cli.EnvVars("FLOCKWARS_DEBUG_LEVEL"),
			},
			&cli.StringFlag{
				Name:     "master-seed",
				Usage:    "hex master seed for escrow key derivation",
				Required: true,
				Sources:  cli.EnvVars("FLOCKWARS_MASTER_SEED"),
			},
			&cli.StringFlag{
				Name:     "platform-addr",
				Usage:    "address receiving the platform cut",
				Required: true,
				Sources:  cli.EnvVars("FLOCKWARS_PLATFORM_ADDR"),
			},
			&cli.IntFlag{
				Name:    "platform-cut",
				Value:   5,
				Usage:   "platform cut of the pot, percent",
				Sources: cli.EnvVars("FLOCKWARS_PLATFORM_CUT"),
			},
			&cli.Int64SliceFlag{
				Name:    "tiers",
				Value:   []int64{100, 500, 1000},
				Usage:   "allowed stake tiers in USD cents",
				Sources: cli.EnvVars("FLOCKWARS_TIERS"),
			},
			&cli.DurationFlag{
				Name:    "turn-timeout",
				Value:   2 * time.Minute,
				Sources: cli.EnvVars("FLOCKWARS_TURN_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "pause-timeout",
				Value:   10 * time.Minute,
				Sources: cli.EnvVars("FLOCKWARS_PAUSE_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "reconnect-grace",
				Value:   time.Minute,
				Sources: cli.EnvVars("FLOCKWARS_RECONNECT_GRACE"),
			},
			&cli.DurationFlag{
				Name:    "evict-delay",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("FLOCKWARS_EVICT_DELAY"),
			},
			&cli.StringFlag{
				Name:    "rate-url",
				Value:   rates.DefaultRateURL,
				Sources: cli.EnvVars("FLOCKWARS_RATE_URL"),
			},
			&cli.DurationFlag{
				Name:    "rate-ttl",
				Value:   time.Minute,
				Sources: cli.EnvVars("FLOCKWARS_RATE_TTL"),
			},
			&cli.StringFlag{
				Name:     "dcrd-host",
				Usage:    "dcrd RPC host:port",
				Required: true,
				Sources:  cli.EnvVars("FLOCKWARS_DCRD_HOST"),
			},
			&cli.StringFlag{
				Name:     "dcrd-user",
				Required: true,
				Sources:  cli.EnvVars("FLOCKWARS_DCRD_USER"),
			},
			&cli.StringFlag{
				Name:     "dcrd-pass",
				Required: true,
				Sources:  cli.EnvVars("FLOCKWARS_DCRD_PASS"),
			},
			&cli.StringFlag{
				Name:     "dcrd-cert",
				Usage:    "path to dcrd rpc.cert",
				Required: true,
				Sources:  cli.EnvVars("FLOCKWARS_DCRD_CERT"),
			},
		},
		Action: runServer,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
