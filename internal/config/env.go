package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays COBOARD_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("COBOARD_ALLOW_AUTO_CREATE_BOARDS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAutoCreateBoards = b
		}
	}
	if v := os.Getenv("COBOARD_DEFAULT_BOARD_NAME"); v != "" {
		cfg.DefaultBoardName = v
	}
	if v := os.Getenv("COBOARD_BOARD_NAME_REGEX"); v != "" {
		cfg.BoardNameRegex = v
	}
	if v := os.Getenv("COBOARD_MAX_BOARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBoards = n
		}
	}
	if v := os.Getenv("COBOARD_ALLOWED_BOARDS"); v != "" {
		cfg.AllowedBoards = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedBoards = append(cfg.AllowedBoards, p)
			}
		}
	}
	if v := os.Getenv("COBOARD_LEASE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Lease.TimeoutMs = n
		}
	}
	if v := os.Getenv("COBOARD_LEASE_WARNING_LEAD_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Lease.WarningLeadMs = n
		}
	}
	if v := os.Getenv("COBOARD_SWEEP_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Lease.SweepIntervalMs = n
		}
	}
	if v := os.Getenv("COBOARD_SWEEP_CEILING_MULTIPLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lease.SweepCeilingMultiple = n
		}
	}
	if v := os.Getenv("COBOARD_SYNC_FLUSH_BACKOFF_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sync.FlushBackoffMs = n
		}
	}
	if v := os.Getenv("COBOARD_SYNC_MAX_FLUSH_BACKOFF_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sync.MaxFlushBackoffMs = n
		}
	}
}
