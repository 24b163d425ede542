package serverrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/coboard/internal/config"
	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
)

func TestGetenvDefault(t *testing.T) {
	_ = os.Setenv("COBOARD_TEST_VAR", "env_value")
	t.Cleanup(func() { _ = os.Unsetenv("COBOARD_TEST_VAR") })
	if got := getenvDefault("COBOARD_TEST_VAR", "default"); got != "env_value" {
		t.Fatalf("set var: %s", got)
	}
	if got := getenvDefault("COBOARD_TEST_VAR_UNSET", "default"); got != "default" {
		t.Fatalf("unset var: %s", got)
	}
}

func TestDataDirFallback(t *testing.T) {
	opts := Options{DataDir: ""}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.DataDir == "" {
		t.Fatal("DataDir empty after fallback")
	}
	if !filepath.IsAbs(opts.DataDir) && !filepath.HasPrefix(opts.DataDir, "./") {
		t.Fatalf("DataDir not absolute or relative-to-cwd: %s", opts.DataDir)
	}
}

// TestRunIntegration starts the server on an ephemeral port and relies on
// context cancellation for shutdown.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Run(ctx, Options{
		DataDir:  t.TempDir(),
		HTTPAddr: "127.0.0.1:0",
		Fsync:    pebblestore.FsyncModeNever,
		Config:   cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}
