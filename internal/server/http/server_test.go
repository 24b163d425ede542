package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/coboard/internal/config"
	"github.com/rzbill/coboard/internal/runtime"
	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
	logpkg "github.com/rzbill/coboard/pkg/log"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return New(rt, logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)), nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s := newServer(t)
	if w := do(t, s, http.MethodGet, "/v1/healthz", ""); w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestObjectCreateAndList(t *testing.T) {
	s := newServer(t)
	body := `{"board":"main","author":"alice","object":{"id":"r1","kind":"rect","width":100,"height":50}}`
	if w := do(t, s, http.MethodPost, "/v1/objects/create", body); w.Code != http.StatusCreated {
		t.Fatalf("create status: %d body=%s", w.Code, w.Body.String())
	}
	w := do(t, s, http.MethodGet, "/v1/objects/list?board=main", "")
	if w.Code != 200 {
		t.Fatalf("list status: %d", w.Code)
	}
	var resp struct {
		Objects []map[string]any `json:"objects"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Objects) != 1 || resp.Objects[0]["id"] != "r1" {
		t.Fatalf("objects: %+v", resp.Objects)
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	s := newServer(t)
	body := `{"board":"main","author":"alice","object":{"id":"r1","kind":"rect"}}`
	do(t, s, http.MethodPost, "/v1/objects/create", body)
	if w := do(t, s, http.MethodPost, "/v1/objects/create", body); w.Code != http.StatusConflict {
		t.Fatalf("duplicate create status: %d", w.Code)
	}
}

func TestConditionalUpdateConflict(t *testing.T) {
	s := newServer(t)
	create := `{"board":"main","author":"alice","object":{"id":"r1","kind":"rect"}}`
	if w := do(t, s, http.MethodPost, "/v1/objects/create", create); w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}
	claim := `{"board":"main","author":"alice","id":"r1","cond":"owner_is_none","patch":{"ownerId":"alice","leaseExpiryMs":99999999999999}}`
	if w := do(t, s, http.MethodPost, "/v1/objects/update", claim); w.Code != 200 {
		t.Fatalf("claim: %d body=%s", w.Code, w.Body.String())
	}
	steal := `{"board":"main","author":"bob","id":"r1","cond":"owner_is_none","patch":{"ownerId":"bob"}}`
	if w := do(t, s, http.MethodPost, "/v1/objects/update", steal); w.Code != http.StatusConflict {
		t.Fatalf("steal status: %d, want 409", w.Code)
	}
	pinned := `{"board":"main","author":"alice","id":"r1","cond":"owner_is","owner":"alice","patch":{"x":5}}`
	if w := do(t, s, http.MethodPost, "/v1/objects/update", pinned); w.Code != 200 {
		t.Fatalf("pinned update: %d", w.Code)
	}
}

func TestDeleteThenGet(t *testing.T) {
	s := newServer(t)
	create := `{"board":"main","author":"alice","object":{"id":"r1","kind":"rect"}}`
	do(t, s, http.MethodPost, "/v1/objects/create", create)
	del := `{"board":"main","author":"alice","id":"r1"}`
	if w := do(t, s, http.MethodPost, "/v1/objects/delete", del); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/v1/objects/get?board=main&id=r1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", w.Code)
	}
}

func TestBoardNameRejected(t *testing.T) {
	s := newServer(t)
	if w := do(t, s, http.MethodPost, "/v1/boards/create", `{"board":"no spaces"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad name status: %d", w.Code)
	}
}

func TestBadFilterRejected(t *testing.T) {
	s := newServer(t)
	w := do(t, s, http.MethodGet, "/v1/objects/subscribe?board=main&filter=this++is+not+cel", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status: %d", w.Code)
	}
}

func TestSubscribeSSEReplaysFromSeq(t *testing.T) {
	s := newServer(t)
	ts := httptest.NewServer(s.srv.Handler)
	defer ts.Close()

	create := `{"board":"main","author":"alice","object":{"id":"r1","kind":"rect"}}`
	if w := do(t, s, http.MethodPost, "/v1/objects/create", create); w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/objects/subscribe?board=main&from=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var id, data string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "id: ") {
			id = strings.TrimPrefix(line, "id: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if id != "1" {
		t.Fatalf("event id = %q, want 1", id)
	}
	var ev struct {
		Type   string `json:"type"`
		Seq    uint64 `json:"seq"`
		Author string `json:"author"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "insert" || ev.Author != "alice" {
		t.Fatalf("event: %+v", ev)
	}
}
