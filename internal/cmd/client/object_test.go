package client

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/rzbill/coboard/internal/config"
	"github.com/rzbill/coboard/internal/runtime"
	httpserver "github.com/rzbill/coboard/internal/server/http"
	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
	logpkg "github.com/rzbill/coboard/pkg/log"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	s := httpserver.New(rt, logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)), nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func runCmd(t *testing.T, ts *httptest.Server, args ...string) string {
	t.Helper()
	root := NewRoot(func() string { return ts.URL })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("cmd %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestObjectCreateListRoundTrip(t *testing.T) {
	ts := testServer(t)
	runCmd(t, ts, "object", "create", "--board", "main", "--author", "alice",
		"--id", "r1", "--kind", "rect", "--width", "100", "--height", "50")
	out := runCmd(t, ts, "object", "list", "--board", "main")

	var objs []map[string]any
	if err := json.Unmarshal([]byte(out), &objs); err != nil {
		t.Fatalf("decode list output: %v\n%s", err, out)
	}
	if len(objs) != 1 || objs[0]["id"] != "r1" {
		t.Fatalf("list: %+v", objs)
	}
}

func TestObjectUpdateConditionRejected(t *testing.T) {
	ts := testServer(t)
	runCmd(t, ts, "object", "create", "--board", "main", "--author", "alice",
		"--id", "r1", "--kind", "rect")
	runCmd(t, ts, "object", "update", "--board", "main", "--author", "alice",
		"--id", "r1", "--patch", `{"ownerId":"alice","leaseExpiryMs":99999999999999}`,
		"--cond", "owner_is_none")

	root := NewRoot(func() string { return ts.URL })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"object", "update", "--board", "main", "--author", "bob",
		"--id", "r1", "--patch", `{"ownerId":"bob"}`, "--cond", "owner_is_none"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("conditional steal: err = %v, want 409", err)
	}
}

func TestBoardCreateAndList(t *testing.T) {
	ts := testServer(t)
	runCmd(t, ts, "board", "create", "--name", "design-review")
	out := runCmd(t, ts, "board", "list")
	if !strings.Contains(out, "design-review") {
		t.Fatalf("board list output: %s", out)
	}
}
