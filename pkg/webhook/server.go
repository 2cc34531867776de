// Package webhook exposes the HTTP surface: the GitHub webhook receiver,
// health and status endpoints, and a development-only test-event hook.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"devhook/pkg/event"
	"devhook/pkg/scheduler"
)

// maxPayloadBytes caps webhook request bodies. GitHub payloads top out
// well under this.
const maxPayloadBytes = 25 << 20

// TaskQueue is the scheduler surface the server needs.
type TaskQueue interface {
	QueueTask(task scheduler.Task) bool
	GetStatus() scheduler.Status
	StopSlot(ctx context.Context, name string) error
}

// EventLog is the journal read surface. *scheduler.Journal satisfies it.
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]scheduler.JournalEntry, error)
}

// recentEventLimit is how much journal history /status returns.
const recentEventLimit = 20

// StatusResponse is the /status payload: the live slot snapshot plus a
// tail of the task journal.
type StatusResponse struct {
	scheduler.Status
	RecentEvents []scheduler.JournalEntry `json:"recent_events,omitempty"`
}

// Config holds server settings.
type Config struct {
	// Path is the webhook endpoint path, e.g. "/webhook".
	Path string
	// Secret is the shared webhook HMAC secret. Empty disables
	// signature verification, which is only acceptable in dev mode.
	Secret string
	// MentionedUser is the handle that must appear in an event's text
	// for it to be processed, without the leading @.
	MentionedUser string
	// DevMode enables the test-event endpoint and unsigned payloads.
	DevMode bool
}

// Server routes webhook traffic to the task queue.
type Server struct {
	cfg    Config
	queue  TaskQueue
	events EventLog
	logger *slog.Logger
	router chi.Router
}

// New builds the server and its routes.
func New(cfg Config, queue TaskQueue, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, queue: queue, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/slots/{slot}/stop", s.handleStopSlot)
	r.Post(cfg.Path, s.handleWebhook)
	if cfg.DevMode {
		r.Post("/test-event", s.handleTestEvent)
	}
	s.router = r
	return s
}

// SetEventLog wires the task journal into the /status response.
func (s *Server) SetEventLog(events EventLog) {
	s.events = events
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"service": "devhook", "status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.queue.GetStatus()}
	if s.events != nil {
		entries, err := s.events.Recent(r.Context(), recentEventLimit)
		if err != nil {
			s.logger.Warn("journal read failed", "error", err)
		} else {
			resp.RecentEvents = entries
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopSlot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "slot")
	err := s.queue.StopSlot(r.Context(), name)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "slot stopped", "slot": name})
	case errors.Is(err, scheduler.ErrUnknownSlot):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrSlotBusy):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("stop slot failed", "slot", name, "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "read body failed")
		return
	}

	if !s.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		s.logger.Warn("webhook signature rejected",
			"delivery", r.Header.Get("X-GitHub-Delivery"))
		s.respondError(w, http.StatusForbidden, "invalid signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	}

	ev, err := event.ParsePayload(eventType, body)
	if err != nil {
		var unsupported *event.ErrUnsupported
		if errors.As(err, &unsupported) {
			s.logger.Debug("ignoring webhook", "event_type", eventType)
			s.respondJSON(w, http.StatusOK, map[string]string{"message": "ignored"})
			return
		}
		s.logger.Warn("malformed webhook payload", "event_type", eventType, "error", err)
		s.respondError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	if !event.ShouldProcess(ev, s.cfg.MentionedUser) {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "not for us"})
		return
	}

	taskID := r.Header.Get("X-GitHub-Delivery")
	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := scheduler.Task{
		ID:          taskID,
		RepoName:    ev.Repo.FullName,
		Description: ev.TaskContext(),
		Event:       ev,
	}
	if !s.queue.QueueTask(task) {
		s.respondError(w, http.StatusServiceUnavailable, "no execution slots available")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "task queued",
		"task_id": taskID,
	})
}

// testEventRequest is the body for the development test-event endpoint.
type testEventRequest struct {
	RepoName    string `json:"repo_name"`
	Description string `json:"description"`
}

func (s *Server) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	var req testEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.respondError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.RepoName == "" {
		req.RepoName = "devhook/test-repo"
	}
	if req.Description == "" {
		req.Description = "Synthetic test event."
	}

	name := req.RepoName
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	taskID := uuid.NewString()
	task := scheduler.Task{
		ID:          taskID,
		RepoName:    req.RepoName,
		Description: req.Description,
		Event: event.Event{
			Kind:   event.KindIssue,
			Action: "opened",
			Repo:   event.Repository{FullName: req.RepoName, Name: name},
			Issue:  &event.Issue{Number: 0, Title: "Test event", Body: req.Description},
			IsTest: true,
		},
	}
	if !s.queue.QueueTask(task) {
		s.respondError(w, http.StatusServiceUnavailable, "no execution slots available")
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "test task queued",
		"task_id": taskID,
	})
}

// verifySignature checks the GitHub HMAC-SHA256 payload signature in
// constant time. With no secret configured, verification passes only in
// dev mode.
func (s *Server) verifySignature(header string, body []byte) bool {
	if s.cfg.Secret == "" {
		return s.cfg.DevMode
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimPrefix(header, prefix)), []byte(want))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
