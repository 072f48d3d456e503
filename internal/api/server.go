// Package api serves the HTTP control surface of a session manager:
// session listing and stats, session creation, control commands,
// teardown, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/avplay/internal/mailbox"
	"github.com/zsiec/avplay/internal/player"
)

// Server exposes a player.Manager over HTTP.
type Server struct {
	log *slog.Logger
	mgr *player.Manager
	reg *prometheus.Registry

	// ctx bounds sessions created through the API.
	ctx    context.Context
	notify *mailbox.Mailbox
}

// NewServer returns a server for mgr. Sessions created over HTTP run until
// ctx is done and post their notifications to notify.
func NewServer(ctx context.Context, mgr *player.Manager, notify *mailbox.Mailbox, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		player.NewCollector(mgr),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		log:    log.With("component", "api"),
		mgr:    mgr,
		reg:    reg,
		ctx:    ctx,
		notify: notify,
	}
}

// Handler returns the routes, wrapped in permissive CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /api/sessions/{id}/control", s.handleControl)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDestroy)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Snapshots())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess := s.mgr.Get(r.PathValue("id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats())
}

// SECURITY: the create endpoint opens arbitrary files and dials arbitrary
// SRT addresses. Bind the API to a trusted interface.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
		Tag string `json:"tag,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	sess, err := s.mgr.Create(s.ctx, req.URL, s.notify, req.Tag)
	if err != nil {
		s.log.Warn("session create failed", "url", req.URL, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID(), "state": sess.State().String()})
}

// ParseCommand maps a command name to a control message. seconds is the
// offset of a seek.
func ParseCommand(name string, seconds float64) (mailbox.Message, error) {
	switch name {
	case "seek":
		return mailbox.Message{Kind: mailbox.SeekRelative, Seconds: seconds}, nil
	case "pause":
		return mailbox.Message{Kind: mailbox.Pause}, nil
	case "resume":
		return mailbox.Message{Kind: mailbox.Resume}, nil
	case "stop":
		return mailbox.Message{Kind: mailbox.Stop}, nil
	case "eos":
		return mailbox.Message{Kind: mailbox.EndOfStream}, nil
	}
	return mailbox.Message{}, errUnknownCommand
}

var errUnknownCommand = errors.New("command must be seek, pause, resume, stop or eos")

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string  `json:"command"`
		Seconds float64 `json:"seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := ParseCommand(req.Command, req.Seconds)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	switch err := s.mgr.Post(id, msg); {
	case errors.Is(err, player.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, mailbox.ErrFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, player.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "command": msg.Kind.String()})
	}
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mgr.Destroy(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "id": id})
}
