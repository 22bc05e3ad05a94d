package runtime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

type timelineEvent struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type timeline struct {
	SessionID string          `json:"session_id"`
	Locale    string          `json:"locale,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	EndReason string          `json:"end_reason,omitempty"`
	Events    []timelineEvent `json:"events"`
}

func (r *Runtime) routes(d control.Dictation, store *eventstore.Store) http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)

	router.Route("/v1/dictation", func(api chi.Router) {
		api.Post("/install", r.handleControl(d, protocol.ControlInstall))
		api.Post("/start", r.handleControl(d, protocol.ControlStart))
		api.Post("/stop", r.handleControl(d, protocol.ControlStop))
		api.Get("/status", r.handleControl(d, protocol.ControlStatus))
		api.Get("/available", r.handleControl(d, protocol.ControlAvailable))
		api.Get("/sessions/{sessionID}", r.handleTimeline(store))
	})
	return router
}

func (r *Runtime) handleControl(d control.Dictation, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body protocol.ControlRequest
		if req.Body != nil {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				writeJSON(w, http.StatusBadRequest, protocol.ControlResponse{Error: "decode request: " + err.Error()})
				return
			}
		}
		resp := control.Handle(req.Context(), d, action, body)
		status := http.StatusOK
		if !resp.OK {
			status = http.StatusConflict
			if action == protocol.ControlInstall {
				status = http.StatusBadRequest
			}
		}
		writeJSON(w, status, resp)
	}
}

func (r *Runtime) handleTimeline(store *eventstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "sessionID")
		limit := 100
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		sess, err := store.GetSession(req.Context(), sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			r.logger.Error("failed to load session", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			http.Error(w, "failed to load session", http.StatusInternalServerError)
			return
		}
		events, err := store.ListSessionEvents(req.Context(), sessionID, limit)
		if err != nil {
			r.logger.Error("failed to list session events", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			http.Error(w, "failed to list session events", http.StatusInternalServerError)
			return
		}

		out := timeline{
			SessionID: sess.ID,
			Locale:    sess.Locale,
			StartedAt: sess.StartedAt,
			EndReason: sess.EndReason,
			Events:    make([]timelineEvent, 0, len(events)),
		}
		if !sess.EndedAt.IsZero() {
			ended := sess.EndedAt
			out.EndedAt = &ended
		}
		for _, e := range events {
			out.Events = append(out.Events, timelineEvent{
				ID:        e.ID,
				Type:      e.Type,
				Text:      e.Text,
				Final:     e.Final,
				Error:     e.Error,
				CreatedAt: e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
