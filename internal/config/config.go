package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	AllowAutoCreateBoards bool     `json:"allowAutoCreateBoards"`
	DefaultBoardName      string   `json:"defaultBoardName"`
	BoardNameRegex        string   `json:"boardNameRegex"`
	MaxBoards             int      `json:"maxBoards"`
	AllowedBoards         []string `json:"allowedBoards"`

	Lease LeaseDefaults `json:"lease"`
	Sync  SyncDefaults  `json:"sync"`
}

// LeaseDefaults captures the board-wide lease tunables.
type LeaseDefaults struct {
	TimeoutMs     int64 `json:"timeoutMs"`
	WarningLeadMs int64 `json:"warningLeadMs"`
	// SweepIntervalMs is the cleanup sweeper cadence.
	SweepIntervalMs int64 `json:"sweepIntervalMs"`
	// SweepCeilingMultiple is the hard staleness bound as a multiple of
	// TimeoutMs past which the sweeper force-releases.
	SweepCeilingMultiple int `json:"sweepCeilingMultiple"`
}

// SyncDefaults captures the sync engine tunables.
type SyncDefaults struct {
	FlushBackoffMs    int64 `json:"flushBackoffMs"`
	MaxFlushBackoffMs int64 `json:"maxFlushBackoffMs"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		AllowAutoCreateBoards: true,
		DefaultBoardName:      "default",
		BoardNameRegex:        "[a-z0-9-_]{1,64}",
		Lease: LeaseDefaults{
			TimeoutMs:            15_000,
			WarningLeadMs:        3_000,
			SweepIntervalMs:      10_000,
			SweepCeilingMultiple: 3,
		},
		Sync: SyncDefaults{
			FlushBackoffMs:    250,
			MaxFlushBackoffMs: 30_000,
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
