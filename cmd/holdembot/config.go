package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/vctt94/bisonbotkit/config"
)

type HoldemBotConfig struct {
	*config.BotConfig // Embed the base BotConfig

	// Additional holdem-specific fields
	IsF2P    bool
	HTTPPort string

	// External collaborators
	LedgerURL string
	EngineURL string

	// Coordinator identity on the settlement ledger
	CoordinatorAddr string
	CoordinatorKey  string

	// Room economics
	BuyIn      int64
	SmallBlind int64
	BigBlind   int64
	ChipUnit   float64
	Capacity   int

	SignTimeout time.Duration
}

// Load config function
func LoadHoldemBotConfig(dataDir, configFile string) (*HoldemBotConfig, error) {
	// First load the base bot config
	baseConfig, err := config.LoadBotConfig(dataDir, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	extra := baseConfig.ExtraConfig

	cfg := &HoldemBotConfig{
		BotConfig:       baseConfig,
		IsF2P:           extra["f2p"] == "1" || extra["f2p"] == "true",
		HTTPPort:        extra["httpport"],
		LedgerURL:       extra["ledgerurl"],
		EngineURL:       extra["engineurl"],
		CoordinatorAddr: extra["coordinatoraddr"],
		CoordinatorKey:  extra["coordinatorkey"],
	}

	if v := extra["buyin"]; v != "" {
		cfg.BuyIn, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse buyin: %w", err)
		}
	}
	if v := extra["smallblind"]; v != "" {
		cfg.SmallBlind, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse smallblind: %w", err)
		}
	}
	if v := extra["bigblind"]; v != "" {
		cfg.BigBlind, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bigblind: %w", err)
		}
	}
	if v := extra["chipunit"]; v != "" {
		cfg.ChipUnit, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse chipunit: %w", err)
		}
	}
	if v := extra["capacity"]; v != "" {
		cfg.Capacity, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse capacity: %w", err)
		}
	}
	if v := extra["signtimeout"]; v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signtimeout: %w", err)
		}
		cfg.SignTimeout = time.Duration(secs) * time.Second
	}

	if err := cfg.validate(configFile); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *HoldemBotConfig) validate(configFile string) error {
	// The hand engine is required in every mode; only the settlement side
	// is optional.
	if cfg.EngineURL == "" {
		return fmt.Errorf("missing engineurl in %s", configFile)
	}

	if !cfg.IsF2P {
		if cfg.LedgerURL == "" {
			return fmt.Errorf("missing ledgerurl in %s", configFile)
		}
		if cfg.CoordinatorAddr == "" {
			return fmt.Errorf("missing coordinatoraddr in %s", configFile)
		}
		// Validate coordinator key: must be present and 32 bytes of hex (64 chars)
		if cfg.CoordinatorKey == "" {
			return fmt.Errorf("missing coordinatorkey in %s", configFile)
		}
		kb, err := hex.DecodeString(cfg.CoordinatorKey)
		if err != nil || len(kb) != 32 {
			return fmt.Errorf("invalid coordinatorkey: expected 64 hex chars (32 bytes)")
		}
	}
	return nil
}
