// Package server exposes the webhook endpoints. Payloads are authenticated,
// parsed, normalized, and enqueued on the worker pool keyed by change request,
// so deliveries for the same change request are processed in order.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gh "github.com/google/go-github/v68/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/redforge/mergegate/internal/config"
	"github.com/redforge/mergegate/internal/events"
	"github.com/redforge/mergegate/internal/worker"
)

const maxPayload = 10 << 20

// EventHandler processes one normalized event.
type EventHandler interface {
	Handle(ctx context.Context, e events.Event) error
}

// Submitter enqueues webhook processing jobs.
type Submitter interface {
	Submit(job worker.Job) error
}

// Registration binds one configured repository to its event handler.
type Registration struct {
	Repo    config.Repository
	Handler EventHandler
}

// Config holds server configuration.
type Config struct {
	Registrations []Registration
	Pool          Submitter
	// LogDir, when non-empty, is served read-only under /logs/ so CI status
	// target URLs resolve.
	LogDir string
	Logger *slog.Logger
}

// Server routes webhook deliveries to per-repository handlers.
type Server struct {
	repos  map[string]Registration
	pool   Submitter
	logger *slog.Logger
	router chi.Router
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		repos:  make(map[string]Registration, len(cfg.Registrations)),
		pool:   cfg.Pool,
		logger: cfg.Logger,
	}
	for _, reg := range cfg.Registrations {
		s.repos[reg.Repo.Name] = reg
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook", s.handleGitHub)
	r.Post("/gitlab-webhook", s.handleGitLab)
	r.Get("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.LogDir != "" {
		r.Handle("/logs/*", http.StripPrefix("/logs/", http.FileServer(http.Dir(cfg.LogDir))))
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		http.Error(w, "reading payload", http.StatusBadRequest)
		return
	}

	reg, ok := s.repos[githubRepoName(body)]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := gh.ValidateSignature(r.Header.Get(gh.SHA256SignatureHeader), body, []byte(reg.Repo.WebhookSecret)); err != nil {
		s.log().Warn("rejected delivery", "repository", reg.Repo.Name, "error", err)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	payload, err := gh.ParseWebHook(gh.WebHookType(r), body)
	if err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	e, ok := events.FromGitHub(gh.DeliveryID(r), payload)
	if !ok {
		// Event types the dispatcher has no use for are acknowledged and
		// dropped.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.enqueue(w, reg, e)
}

func (s *Server) handleGitLab(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		http.Error(w, "reading payload", http.StatusBadRequest)
		return
	}

	reg, ok := s.repos[gitlabProjectPath(body)]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if reg.Repo.WebhookSecret != "" && r.Header.Get("X-Gitlab-Token") != reg.Repo.WebhookSecret {
		s.log().Warn("rejected delivery", "repository", reg.Repo.Name)
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	payload, err := gitlab.ParseWebhook(gitlab.HookEventType(r), body)
	if err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	e, ok := events.FromGitLab(r.Header.Get("X-Gitlab-Event-UUID"), payload)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.enqueue(w, reg, e)
}

// enqueue hands the event to the worker pool. The key serializes deliveries
// per change request while leaving different change requests concurrent.
func (s *Server) enqueue(w http.ResponseWriter, reg Registration, e events.Event) {
	logger := s.log().With(
		"repository", reg.Repo.Name, "type", e.Type, "action", e.Action,
		"number", e.Number, "delivery", e.Delivery,
	)

	err := s.pool.Submit(worker.Job{
		Key: fmt.Sprintf("%s#%d", reg.Repo.Name, e.Number),
		Fn: func(ctx context.Context) {
			if err := reg.Handler.Handle(ctx, e); err != nil {
				logger.Error("handling event", "error", err)
			}
		},
	})
	if err != nil {
		logger.Warn("delivery dropped", "error", err)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	logger.Info("delivery accepted")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// githubRepoName extracts the full repository name from a raw GitHub payload.
// The repository must be known before the signature can be checked, since
// each repository carries its own secret.
func githubRepoName(body []byte) string {
	var p struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return ""
	}
	return p.Repository.FullName
}

// gitlabProjectPath extracts the namespaced project path from a raw GitLab
// payload.
func gitlabProjectPath(body []byte) string {
	var p struct {
		Project struct {
			PathWithNamespace string `json:"path_with_namespace"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return ""
	}
	return p.Project.PathWithNamespace
}
