package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/runwatch/runwatch/internal/config"
	"github.com/runwatch/runwatch/internal/ingest"
	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/store"
)

const maxEventBody = 1 << 20

// Server exposes the run dashboard over a unix socket. One daemon per
// machine; a flock on SocketPath+".lock" enforces that.
type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	store       *store.Store
	engine      *ingest.Engine
	log         *slog.Logger
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, st *store.Store, engine *ingest.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		store:  st,
		engine: engine,
		log:    log,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/events", s.eventsHandler)
	mux.HandleFunc("/v1/runs", s.runsHandler)
	mux.HandleFunc("/v1/runs/", s.runByIDHandler)
	mux.HandleFunc("/v1/snapshot", s.snapshotHandler)
	return s
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("daemon listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrEventConflict, "failed to read runs")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		RunCount:      len(runs),
		IngestErrors:  s.engine.IngestErrors(),
	})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrIngestInvalid, "failed to read event body")
		return
	}
	ev, err := model.DecodeEvent(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrIngestInvalid, err.Error())
		return
	}
	category, err := s.engine.Apply(r.Context(), ev)
	if err != nil {
		status := http.StatusInternalServerError
		code := model.ErrEventConflict
		if strings.Contains(err.Error(), model.ErrIngestInvalid) {
			status, code = http.StatusBadRequest, model.ErrIngestInvalid
		} else if strings.Contains(err.Error(), model.ErrRunNotFound) {
			status, code = http.StatusNotFound, model.ErrRunNotFound
		}
		s.writeError(w, status, code, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, IngestResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		RunID:         ev.RunID,
		Category:      category,
	})
}

func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	var filter *model.Category
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		c := model.Category(raw)
		if !model.ValidCategory(c) {
			s.writeError(w, http.StatusBadRequest, model.ErrCategoryInvalid, fmt.Sprintf("unknown category %q", raw))
			return
		}
		filter = &c
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrEventConflict, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, RunListResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Runs:          runs,
	})
}

func (s *Server) runByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if tail == "flush" {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.flushRuns(w, r)
		return
	}
	if tail == "" || strings.Contains(tail, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRunNotFound, "run route not found")
		return
	}
	runID, err := url.PathUnescape(tail)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRunNotFound, "invalid run_id encoding")
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRunNotFound, fmt.Sprintf("run %q not found", runID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrEventConflict, "failed to delete run")
		return
	}
	s.writeJSON(w, http.StatusOK, FlushResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Removed:       1,
	})
}

func (s *Server) flushRuns(w http.ResponseWriter, r *http.Request) {
	var req FlushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, model.ErrCategoryInvalid, "invalid flush request body")
		return
	}
	var removed int64
	var err error
	switch {
	case req.Finished && req.Category != "":
		s.writeError(w, http.StatusBadRequest, model.ErrCategoryInvalid, "category and finished are mutually exclusive")
		return
	case req.Finished:
		removed, err = s.store.FlushFinished(r.Context())
	case req.Category != "":
		if !model.ValidCategory(req.Category) {
			s.writeError(w, http.StatusBadRequest, model.ErrCategoryInvalid, fmt.Sprintf("unknown category %q", req.Category))
			return
		}
		removed, err = s.store.FlushCategory(r.Context(), req.Category)
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCategoryInvalid, "category or finished is required")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrEventConflict, "flush failed")
		return
	}
	s.writeJSON(w, http.StatusOK, FlushResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Removed:       removed,
	})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	snap, err := s.store.ExportSnapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrEventConflict, "failed to export snapshot")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         APIError{Code: code, Message: msg},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrIngestInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
