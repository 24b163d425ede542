package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rzbill/coboard/internal/board"
	"github.com/rzbill/coboard/internal/object"
	"github.com/rzbill/coboard/internal/runtime"
	"github.com/rzbill/coboard/internal/store"
	"github.com/rzbill/coboard/pkg/log"
)

// Server exposes board snapshots, object writes, and the change feed over
// HTTP. Writes are plain JSON round trips; the feed is Server-Sent Events
// with seq-based resume.
type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger log.Logger
}

func New(rt *runtime.Runtime, logger log.Logger, reg *prometheus.Registry) *Server {
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	mux := http.NewServeMux()
	s := &Server{rt: rt, logger: logger.WithComponent("http"), srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/boards/create", s.handleBoardCreate)
	mux.HandleFunc("/v1/boards/list", s.handleBoardList)
	mux.HandleFunc("/v1/objects/list", s.handleObjectList)
	mux.HandleFunc("/v1/objects/get", s.handleObjectGet)
	mux.HandleFunc("/v1/objects/create", s.handleObjectCreate)
	mux.HandleFunc("/v1/objects/update", s.handleObjectUpdate)
	mux.HandleFunc("/v1/objects/delete", s.handleObjectDelete)
	mux.HandleFunc("/v1/objects/subscribe", s.handleSubscribeSSE)
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", log.F("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the routed handler for embedding and tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeErr maps domain sentinels to HTTP status codes. Contention outcomes
// surface as 409 so clients can tell them from hard failures.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrPreconditionFailed), errors.Is(err, store.ErrExists):
		code = http.StatusConflict
	case errors.Is(err, object.ErrInvalid), errors.Is(err, store.ErrFilterUnsupported),
		errors.Is(err, board.ErrInvalidName):
		code = http.StatusBadRequest
	case errors.Is(err, runtime.ErrBoardNotAllowed):
		code = http.StatusForbidden
	case errors.Is(err, store.ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type boardCreateReq struct {
	Board string `json:"board"`
}

func (s *Server) handleBoardCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req boardCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := s.rt.OpenBoard(req.Board); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleBoardList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	metas, err := s.rt.Boards()
	if err != nil {
		writeErr(w, err)
		return
	}
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, m.Name)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"boards": names})
}

// boardFrom resolves the board named in the query or body, falling back to
// the configured default.
func (s *Server) boardFrom(name string) (store.Store, error) {
	if name == "" {
		name = s.rt.Config().DefaultBoardName
	}
	return s.rt.OpenBoard(name)
}

func (s *Server) handleObjectList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b, err := s.boardFrom(r.URL.Query().Get("board"))
	if err != nil {
		writeErr(w, err)
		return
	}
	objs, err := b.ListAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"objects": objs})
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b, err := s.boardFrom(r.URL.Query().Get("board"))
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := b.Get(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(rec)
}

type objectCreateReq struct {
	Board  string         `json:"board"`
	Author string         `json:"author"`
	Object *object.Object `json:"object"`
}

func (s *Server) handleObjectCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req objectCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Object == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b, err := s.boardFrom(req.Board)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Object.CreatedAtMs == 0 {
		req.Object.CreatedAtMs = time.Now().UnixMilli()
	}
	if req.Object.UpdatedAtMs == 0 {
		req.Object.UpdatedAtMs = req.Object.CreatedAtMs
	}
	if req.Object.CreatedBy == "" {
		req.Object.CreatedBy = req.Author
	}
	if err := b.Create(r.Context(), req.Object, req.Author); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type objectUpdateReq struct {
	Board  string       `json:"board"`
	Author string       `json:"author"`
	ID     string       `json:"id"`
	Patch  object.Patch `json:"patch"`

	// Cond is "", "owner_is_none", or "owner_is"; Owner qualifies the
	// latter. The write is rejected with 409 when the condition fails.
	Cond  string `json:"cond,omitempty"`
	Owner string `json:"owner,omitempty"`
}

func predicateFrom(req objectUpdateReq) (store.Predicate, bool) {
	switch req.Cond {
	case "":
		return store.Predicate{Kind: store.CondNone}, true
	case "owner_is_none":
		return store.Predicate{Kind: store.CondOwnerIsNone}, true
	case "owner_is":
		return store.Predicate{Kind: store.CondOwnerIs, OwnerID: req.Owner}, true
	}
	return store.Predicate{}, false
}

func (s *Server) handleObjectUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req objectUpdateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	pred, ok := predicateFrom(req)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b, err := s.boardFrom(req.Board)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := b.Update(r.Context(), req.ID, req.Patch, pred, req.Author)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(rec)
}

type objectDeleteReq struct {
	Board  string `json:"board"`
	Author string `json:"author"`
	ID     string `json:"id"`
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req objectDeleteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b, err := s.boardFrom(req.Board)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := b.Delete(r.Context(), req.ID, req.Author); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribeSSE streams the change feed. Resume position comes from the
// Last-Event-ID header (set by browsers on reconnect) or the "from" query
// param; the optional "filter" param is a CEL expression over events. A slow
// consumer that falls more than the buffer behind is disconnected and picks
// up again from its last seen seq.
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	b, err := s.boardFrom(r.URL.Query().Get("board"))
	if err != nil {
		writeErr(w, err)
		return
	}

	from := uint64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, perr := strconv.ParseUint(v, 10, 64); perr == nil {
			from = n + 1
		}
	} else if v := r.URL.Query().Get("from"); v != "" {
		if n, perr := strconv.ParseUint(v, 10, 64); perr == nil {
			from = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	events := make(chan store.Event, 256)
	overflow := make(chan struct{})
	var once sync.Once
	handler := func(ev store.Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	}
	unsub, err := b.Subscribe(handler, store.SubscribeOptions{
		FromSeq: from,
		Filter:  r.URL.Query().Get("filter"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			s.logger.Warn("sse consumer too slow, dropping", log.F("remote", r.RemoteAddr))
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev store.Event) error {
	b, err := json.Marshal(map[string]any{
		"type":   ev.Type.String(),
		"seq":    ev.Seq,
		"author": ev.AuthorID,
		"record": ev.Record,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("id: " + strconv.FormatUint(ev.Seq, 10) + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
