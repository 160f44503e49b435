package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/redforge/mergegate/internal/config"
	"github.com/redforge/mergegate/internal/events"
	"github.com/redforge/mergegate/internal/worker"
)

type capturingHandler struct {
	handled []events.Event
}

func (c *capturingHandler) Handle(_ context.Context, e events.Event) error {
	c.handled = append(c.handled, e)
	return nil
}

// syncPool runs submitted jobs inline so tests observe handler calls without
// real workers.
type syncPool struct {
	keys []string
	err  error
}

func (p *syncPool) Submit(job worker.Job) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, job.Key)
	job.Fn(context.Background())
	return nil
}

func newServer(t *testing.T, logDir string) (*Server, *capturingHandler, *syncPool) {
	t.Helper()
	handler := &capturingHandler{}
	pool := &syncPool{}
	s := New(Config{
		Registrations: []Registration{{
			Repo:    config.Repository{Name: "acme/widget", WebhookSecret: "s3cret"},
			Handler: handler,
		}},
		Pool:   pool,
		LogDir: logDir,
		Logger: slog.New(slog.DiscardHandler),
	})
	return s, handler, pool
}

func sign(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const prOpenedPayload = `{
	"action": "opened",
	"number": 7,
	"pull_request": {"number": 7},
	"repository": {"name": "widget", "full_name": "acme/widget"},
	"sender": {"login": "alice"}
}`

func githubRequest(t *testing.T, event, secret, payload string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-123")
	req.Header.Set("X-Hub-Signature-256", sign(t, secret, []byte(payload)))
	return req
}

func TestGitHubDelivery(t *testing.T) {
	s, handler, pool := newServer(t, "")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, githubRequest(t, "pull_request", "s3cret", prOpenedPayload))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body)
	}
	if len(handler.handled) != 1 {
		t.Fatalf("handled = %v", handler.handled)
	}
	e := handler.handled[0]
	if e.Type != events.TypeChangeRequest || e.Action != "opened" || e.Number != 7 {
		t.Errorf("event = %+v", e)
	}
	if e.Delivery != "d-123" {
		t.Errorf("delivery = %q", e.Delivery)
	}
	if len(pool.keys) != 1 || pool.keys[0] != "acme/widget#7" {
		t.Errorf("keys = %v", pool.keys)
	}
}

func TestGitHubBadSignature(t *testing.T) {
	s, handler, _ := newServer(t, "")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, githubRequest(t, "pull_request", "wrong", prOpenedPayload))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(handler.handled) != 0 {
		t.Error("forged delivery handled")
	}
}

func TestGitHubUnknownRepository(t *testing.T) {
	s, _, _ := newServer(t, "")

	payload := `{"repository": {"full_name": "acme/other"}}`
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, githubRequest(t, "pull_request", "s3cret", payload))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGitHubUnhandledEventAccepted(t *testing.T) {
	s, handler, _ := newServer(t, "")

	payload := `{
		"action": "opened",
		"issue": {"number": 9},
		"repository": {"full_name": "acme/widget"},
		"sender": {"login": "alice"}
	}`
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, githubRequest(t, "issues", "s3cret", payload))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(handler.handled) != 0 {
		t.Errorf("handled = %v", handler.handled)
	}
}

func TestGitHubShutdownRejects(t *testing.T) {
	s, _, pool := newServer(t, "")
	pool.err = worker.ErrShutdown

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, githubRequest(t, "pull_request", "s3cret", prOpenedPayload))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGitLabDelivery(t *testing.T) {
	s, handler, pool := newServer(t, "")

	payload := `{
		"object_kind": "merge_request",
		"event_type": "merge_request",
		"user": {"username": "alice"},
		"project": {"name": "widget", "path_with_namespace": "acme/widget"},
		"object_attributes": {"iid": 3, "action": "open"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/gitlab-webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	req.Header.Set("X-Gitlab-Token", "s3cret")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body)
	}
	if len(handler.handled) != 1 {
		t.Fatalf("handled = %v", handler.handled)
	}
	e := handler.handled[0]
	if e.Type != events.TypeChangeRequest || e.Action != "opened" || e.Number != 3 || e.Sender != "alice" {
		t.Errorf("event = %+v", e)
	}
	if len(pool.keys) != 1 || pool.keys[0] != "acme/widget#3" {
		t.Errorf("keys = %v", pool.keys)
	}
}

func TestGitLabBadToken(t *testing.T) {
	s, handler, _ := newServer(t, "")

	payload := `{"object_kind": "merge_request", "project": {"path_with_namespace": "acme/widget"}}`
	req := httptest.NewRequest(http.MethodPost, "/gitlab-webhook", strings.NewReader(payload))
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	req.Header.Set("X-Gitlab-Token", "nope")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(handler.handled) != 0 {
		t.Error("unauthenticated delivery handled")
	}
}

func TestHealthcheck(t *testing.T) {
	s, _, _ := newServer(t, "")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestServeLogs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tox-7-abcd1234.log"), []byte("all green\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _, _ := newServer(t, dir)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs/tox-7-abcd1234.log", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "all green") {
		t.Errorf("body = %q", rec.Body)
	}
}
