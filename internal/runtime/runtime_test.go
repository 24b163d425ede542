package runtime

import (
	"context"
	"errors"
	"testing"

	cfgpkg "github.com/rzbill/coboard/internal/config"
	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
)

func openTestRuntime(t *testing.T, cfg cfgpkg.Config) *Runtime {
	t.Helper()
	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever, Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := openTestRuntime(t, cfgpkg.Default())
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestOpenBoardIdempotent(t *testing.T) {
	rt := openTestRuntime(t, cfgpkg.Default())

	b1, err := rt.OpenBoard("team-1")
	if err != nil {
		t.Fatalf("open board: %v", err)
	}
	b2, err := rt.OpenBoard("team-1")
	if err != nil {
		t.Fatalf("reopen board: %v", err)
	}
	if b1 != b2 {
		t.Fatalf("expected cached board instance")
	}

	boards, err := rt.Boards()
	if err != nil {
		t.Fatalf("boards: %v", err)
	}
	if len(boards) != 1 || boards[0].Name != "team-1" {
		t.Fatalf("boards = %+v", boards)
	}
}

func TestOpenBoardValidation(t *testing.T) {
	rt := openTestRuntime(t, cfgpkg.Default())
	if _, err := rt.OpenBoard("NOT VALID"); err == nil {
		t.Fatalf("invalid name accepted")
	}
}

func TestOpenBoardAllowList(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.AllowedBoards = []string{"prod"}
	rt := openTestRuntime(t, cfg)

	if _, err := rt.OpenBoard("prod"); err != nil {
		t.Fatalf("allowed board rejected: %v", err)
	}
	if _, err := rt.OpenBoard("other"); !errors.Is(err, ErrBoardNotAllowed) {
		t.Fatalf("err = %v, want ErrBoardNotAllowed", err)
	}
}

func TestOpenBoardAutoCreateDisabled(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.AllowAutoCreateBoards = false
	rt := openTestRuntime(t, cfg)

	if _, err := rt.OpenBoard("fresh"); !errors.Is(err, ErrBoardNotAllowed) {
		t.Fatalf("err = %v, want ErrBoardNotAllowed", err)
	}
}

func TestOpenBoardCap(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.MaxBoards = 1
	rt := openTestRuntime(t, cfg)

	if _, err := rt.OpenBoard("one"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := rt.OpenBoard("two"); !errors.Is(err, ErrBoardNotAllowed) {
		t.Fatalf("err = %v, want ErrBoardNotAllowed", err)
	}
	// A board that already exists reopens under the cap.
	if _, err := rt.OpenBoard("one"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}
