package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spinspeeder/spinspeeder/internal/archive"
	"github.com/spinspeeder/spinspeeder/internal/display"
	"github.com/spinspeeder/spinspeeder/internal/session"
)

// Sessions is the session lifecycle. session.Manager implements it.
type Sessions interface {
	Snapshot() (session.Snapshot, error)
	Restart() session.Snapshot
	Finalize() (session.Snapshot, error)
	Dismiss() (session.Snapshot, error)
}

// Archive lists finalized sessions. *archive.Store implements it.
type Archive interface {
	List(ctx context.Context, limit int) ([]session.Snapshot, error)
	Get(ctx context.Context, id string) (session.Snapshot, error)
}

// Deps are the components the API reads and drives. Archive, Metrics,
// Publish and Clients are optional.
type Deps struct {
	Sessions Sessions
	Display  *display.Converter
	Archive  Archive
	Metrics  http.Handler

	// Publish receives the first snapshot of a restarted session.
	Publish func(session.Snapshot)

	// Clients reports connected presentation clients.
	Clients func() int
}

// Handler is the HTTP handler for all /api/v1/* endpoints and /metrics.
type Handler struct {
	d   Deps
	mux *http.ServeMux
}

// DefaultListLimit caps GET /api/v1/sessions without ?limit.
const DefaultListLimit = 50

// New creates a Handler wired to d and registers all routes.
func New(d Deps) http.Handler {
	h := &Handler{d: d, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/session", h.session)
	h.mux.HandleFunc("/api/v1/session/finalize", h.finalize)
	h.mux.HandleFunc("/api/v1/sessions", h.listSessions)
	h.mux.HandleFunc("/api/v1/sessions/", h.getSession) // subtree, extracts {id}
	if d.Metrics != nil {
		h.mux.Handle("/metrics", d.Metrics)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := HealthResponse{State: "ok", SessionStatus: "none"}
	if s, err := h.d.Sessions.Snapshot(); err == nil {
		resp.SessionID = s.SessionID
		resp.SessionStatus = s.Status.String()
	}
	if h.d.Clients != nil {
		resp.Clients = h.d.Clients()
	}
	jsonResp(w, http.StatusOK, resp)
}

// session serves GET, POST and DELETE /api/v1/session.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s, err := h.d.Sessions.Snapshot()
		if err != nil {
			h.sessionErr(w, err)
			return
		}
		jsonResp(w, http.StatusOK, h.toSessionResponse(s))

	case http.MethodPost:
		s := h.d.Sessions.Restart()
		if h.d.Publish != nil {
			h.d.Publish(s)
		}
		jsonResp(w, http.StatusCreated, h.toSessionResponse(s))

	case http.MethodDelete:
		s, err := h.d.Sessions.Dismiss()
		if err != nil {
			h.sessionErr(w, err)
			return
		}
		jsonResp(w, http.StatusOK, h.toSummaryResponse(s))

	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// finalize serves POST /api/v1/session/finalize. Finalizing twice returns
// the same summary.
func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s, err := h.d.Sessions.Finalize()
	if err != nil {
		h.sessionErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, h.toSummaryResponse(s))
}

// listSessions returns GET /api/v1/sessions.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.d.Archive == nil {
		jsonErr(w, http.StatusNotFound, "archive disabled")
		return
	}

	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	snaps, err := h.d.Archive.List(r.Context(), limit)
	if err != nil {
		slog.Error("api: list archive", "err", err)
		jsonErr(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	out := make([]SummaryResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, h.toSummaryResponse(s))
	}
	jsonResp(w, http.StatusOK, out)
}

// getSession returns GET /api/v1/sessions/{id}.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if id == "" {
		h.listSessions(w, r)
		return
	}
	if h.d.Archive == nil {
		jsonErr(w, http.StatusNotFound, "archive disabled")
		return
	}

	s, err := h.d.Archive.Get(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		jsonErr(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("api: get archived session", "session", id, "err", err)
		jsonErr(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	jsonResp(w, http.StatusOK, h.toSummaryResponse(s))
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) sessionErr(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNoSession) {
		jsonErr(w, http.StatusNotFound, "no active session")
		return
	}
	jsonErr(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) toSessionResponse(s session.Snapshot) SessionResponse {
	return SessionResponse{
		SessionID: s.SessionID,
		Status:    s.Status.String(),
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
		Live:      h.d.Display.Live(s),
		Summary:   h.d.Display.Final(s),
	}
}

func (h *Handler) toSummaryResponse(s session.Snapshot) SummaryResponse {
	return SummaryResponse{
		Final:     h.d.Display.Final(s),
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
		Frames:    s.Frames,
	}
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
