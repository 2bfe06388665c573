// Package api exposes the orchestrator's operations over HTTP. Handlers are
// thin: every decision is made by the scheduler, the queue or cleanup.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/project-ncl/pnc-sub011/internal/cleanup"
	"github.com/project-ncl/pnc-sub011/internal/queue"
	"github.com/project-ncl/pnc-sub011/internal/record"
	"github.com/project-ncl/pnc-sub011/internal/scheduler"
)

// Scheduler is the part of the scheduler the HTTP surface drives.
type Scheduler interface {
	Cancel(ctx context.Context, nodeID string) error
	Active() []string
	MaxConcurrent() int
}

// Cleaner deletes temporary records.
type Cleaner interface {
	Delete(ctx context.Context, id string) cleanup.Result
}

// Handler wires HTTP routes to the orchestrator.
type Handler struct {
	Queue     queue.Backend
	Records   record.Store
	Scheduler Scheduler
	Cleanup   Cleaner
	// Drain runs queued requests; it reports false if a drain is running.
	Drain  func(ctx context.Context) (bool, error)
	Token  string
	Logger *slog.Logger
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/ready", h.ready)
	mux.HandleFunc("/api/queue", h.queueList)
	mux.HandleFunc("/api/queue/stats", h.queueStats)
	mux.HandleFunc("/api/queue/enqueue", h.authorized(h.queueEnqueue))
	mux.HandleFunc("/api/queue/clear", h.authorized(h.queueClear))
	mux.HandleFunc("/api/trigger", h.authorized(h.trigger))
	mux.HandleFunc("/api/builds/active", h.activeBuilds)
	mux.HandleFunc("/api/builds/cancel", h.authorized(h.cancel))
	mux.HandleFunc("/api/records", h.recordsByRun)
	mux.HandleFunc("/api/records/cleanup", h.authorized(h.cleanup))
	mux.HandleFunc("/api/records/", h.recordByID)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Token != "" {
			tok := r.Header.Get("X-Worker-Token")
			if tok == "" {
				tok = r.URL.Query().Get("token")
			}
			if tok != h.Token {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}
		}
		next(w, r)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil || h.Queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) queueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	items, err := h.Queue.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) queueEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req queue.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	req, err := queue.Prepare(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "configs or config_ids required"})
		return
	}
	if err := h.Queue.Enqueue(r.Context(), req); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "enqueued", "run_id": req.RunID})
}

func (h *Handler) queueClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if err := h.Queue.Clear(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "cleared"})
}

// trigger starts a drain in the background; runs outlive the request.
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if h.Drain == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "not implemented"})
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		ran, err := h.Drain(ctx)
		if err != nil {
			h.logger().Error("triggered drain failed", "error", err)
		} else if !ran {
			h.logger().Info("triggered drain skipped; drain already running")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"detail": "drain started"})
}

func (h *Handler) activeBuilds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":         h.Scheduler.Active(),
		"max_concurrent": h.Scheduler.MaxConcurrent(),
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	node := r.URL.Query().Get("node")
	if node == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node required"})
		return
	}
	err := h.Scheduler.Cancel(r.Context(), node)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"detail": "cancelled"})
	case errors.Is(err, scheduler.ErrNotActive):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, scheduler.ErrAlreadyFinal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) recordsByRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	run := r.URL.Query().Get("run")
	if run == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run required"})
		return
	}
	recs, err := h.Records.ByRun(r.Context(), run)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) recordByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	parts := splitPath(r.URL.Path)
	if len(parts) != 3 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "record id required"})
		return
	}
	rec, err := h.Records.Get(r.Context(), parts[2])
	if errors.Is(err, record.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id := r.URL.Query().Get("record")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "record required"})
		return
	}
	res := h.Cleanup.Delete(r.Context(), id)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func splitPath(p string) []string {
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
