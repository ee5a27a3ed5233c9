package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"github.com/vctt94/holdem-ledger/server"
)

var (
	datadir    = flag.String("datadir", "", "Directory to load config file from")
	configFile = flag.String("config", "holdembot.conf", "Config file name inside datadir")
)

func realMain() error {
	flag.Parse()

	dataDir := *datadir
	if dataDir == "" {
		dataDir = utils.AppDataDir("holdembot", false)
	}

	cfg, err := LoadHoldemBotConfig(dataDir, *configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logBackend, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(dataDir, "logs", "holdembot.log"),
		DebugLevel:     cfg.Debug,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logBackend.Logger("Main")

	srv, err := server.NewServer(server.ServerConfig{
		ServerDir:       dataDir,
		IsF2P:           cfg.IsF2P,
		DebugLevel:      cfg.Debug,
		DebugGameLevel:  cfg.Debug,
		HTTPPort:        cfg.HTTPPort,
		LogBackend:      logBackend,
		LedgerURL:       cfg.LedgerURL,
		EngineURL:       cfg.EngineURL,
		CoordinatorAddr: cfg.CoordinatorAddr,
		CoordinatorKey:  cfg.CoordinatorKey,
		BuyIn:           cfg.BuyIn,
		SmallBlind:      cfg.SmallBlind,
		BigBlind:        cfg.BigBlind,
		ChipUnit:        cfg.ChipUnit,
		Capacity:        cfg.Capacity,
		SignTimeout:     cfg.SignTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("holdembot starting, data dir %s", dataDir)
	return srv.Run(ctx)
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
