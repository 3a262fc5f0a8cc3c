// Package gateway exposes the orchestrator verbs over HTTP plus a websocket
// event stream. It is a thin adapter: requests are decoded, handed to the
// controller, and classified failures map onto HTTP status codes.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/controller"
	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/run"
	"github.com/mwhitaker/crew/internal/task"
)

// Server serves the gateway API for one controller.
type Server struct {
	ctrl   *controller.Controller
	pub    events.Publisher
	log    *events.Log
	logger *slog.Logger

	ws   *WSHandler
	http *http.Server
}

// Options configures a Server.
type Options struct {
	Controller *controller.Controller
	Publisher  events.Publisher
	EventLog   *events.Log
	Logger     *slog.Logger
}

// New creates a gateway server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		ctrl:   opts.Controller,
		pub:    opts.Publisher,
		log:    opts.EventLog,
		logger: opts.Logger,
	}
	s.ws = NewWSHandler(opts.Publisher, opts.Logger)
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/run/start", s.handleStartRun)
	mux.HandleFunc("POST /api/run/follow-up", s.handleFollowUp)
	mux.HandleFunc("POST /api/run/stop", s.handleStopRun)

	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/tasks/{id}/conversation", s.handleConversation)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/tasks/{id}/comment", s.handleComment)

	mux.HandleFunc("POST /api/workers/configure", s.handleConfigureWorkers)
	mux.HandleFunc("POST /api/workers/start", s.handleStartWorkers)
	mux.HandleFunc("POST /api/workers/stop", s.handleStopWorkers)

	mux.HandleFunc("GET /api/events", s.handleEventHistory)
	mux.Handle("GET /ws", s.ws)

	return mux
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("gateway listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes the websocket connections and stops the HTTP server.
func (s *Server) Shutdown() {
	s.ws.Close()
	if s.http != nil {
		_ = s.http.Close()
	}
}

type startRunRequest struct {
	Mode        string `json:"mode"`
	Description string `json:"description"`
	Guidance    string `json:"guidance,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode := run.Mode(req.Mode)
	if mode == "" {
		mode = run.ModeImplementFeature
	}
	res, err := s.ctrl.StartRun(r.Context(), mode, req.Description, req.Guidance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

type followUpRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	var req followUpRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.ctrl.SubmitFollowUp(r.Context(), req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopRun(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.ctrl.Tasks()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ctrl.TaskConversation(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type approveRequest struct {
	Approver string `json:"approver"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.ctrl.ApproveTask(r.Context(), r.PathValue("id"), req.Approver)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

type commentRequest struct {
	Author  string `json:"author,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !s.decode(w, r, &req) {
		return
	}
	entry, err := s.ctrl.CommentOnTask(r.Context(), r.PathValue("id"), req.Author, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

type configureWorkersRequest struct {
	Workers []config.WorkerSpawnConfig `json:"workers"`
}

func (s *Server) handleConfigureWorkers(w http.ResponseWriter, r *http.Request) {
	var req configureWorkersRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.ConfigureWorkers(r.Context(), req.Workers); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

func (s *Server) handleStartWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartWorkers(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

type stopWorkersRequest struct {
	Roles []task.Role `json:"roles,omitempty"`
}

func (s *Server) handleStopWorkers(w http.ResponseWriter, r *http.Request) {
	var req stopWorkersRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.StopWorkers(r.Context(), req.Roles...); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		s.writeError(w, fault.New(fault.ConflictState, "event history is not enabled"))
		return
	}
	stored, err := s.log.Query(s.ctrl.WorktreeID(), 0)
	if err != nil {
		s.writeError(w, fault.Wrap(fault.Storage, err, "query event history"))
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

// decode reads a JSON request body; an empty body decodes to the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, fault.Wrap(fault.Validation, err, "decode request body"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

// writeError maps fault kinds onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.ConflictState:
		status = http.StatusConflict
	case fault.Cancellation:
		status = http.StatusRequestTimeout
	}
	s.writeJSON(w, status, map[string]string{
		"kind":  string(fault.KindOf(err)),
		"error": err.Error(),
	})
}
