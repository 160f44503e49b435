// Package ci runs the per-repository jobs: test runs, module installation,
// and container builds. Each job reports a commit status on the change
// request head and keeps its transcript under the log directory so the
// status target URL points at something readable.
package ci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/redforge/mergegate/internal/config"
	"github.com/redforge/mergegate/internal/host"
	"github.com/redforge/mergegate/internal/shell"
)

// StatusWriter writes commit statuses.
type StatusWriter interface {
	SetStatus(ctx context.Context, ref string, status host.StatusWrite) error
}

// Notifier sends out-of-band failure notices.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// CheckoutFunc materializes a working copy. number > 0 checks out that change
// request's head; number <= 0 checks out the default branch. cleanup must be
// called when done.
type CheckoutFunc func(ctx context.Context, number int) (dir string, cleanup func(), err error)

// ExecFunc runs one command in dir with the given secrets redacted from its
// transcript.
type ExecFunc func(ctx context.Context, dir string, redact []string, name string, args ...string) (string, error)

// Runner executes CI jobs for one repository.
type Runner struct {
	Repo     config.Repository
	Status   StatusWriter
	Notifier Notifier
	Checkout CheckoutFunc
	LogDir   string
	// BaseURL is the externally reachable server URL used in status targets.
	BaseURL string
	Logger  *slog.Logger
	Exec    ExecFunc
}

// RunTests runs the configured test environments against the change request
// head and reports the tox status context.
func (r *Runner) RunTests(ctx context.Context, cr host.ChangeRequest) error {
	if r.Repo.Tox == "" {
		return nil
	}
	cmd := []string{"tox"}
	if r.Repo.Tox != "all" {
		cmd = append(cmd, "-e", r.Repo.Tox)
	}
	return r.runJob(ctx, cr, host.ContextTox, nil, cmd)
}

// InstallModule installs the module from source and reports the
// module-install status context.
func (r *Runner) InstallModule(ctx context.Context, cr host.ChangeRequest) error {
	if r.Repo.Pypi == nil {
		return nil
	}
	cmd := []string{"python3", "-m", "pip", "install", "--no-deps", "."}
	return r.runJob(ctx, cr, host.ContextModuleInstall, nil, cmd)
}

// BuildContainer builds the container image from the change request head and
// reports the build-container status context. The image is not pushed.
func (r *Runner) BuildContainer(ctx context.Context, cr host.ChangeRequest) error {
	container := r.Repo.Container
	if container == nil {
		return nil
	}
	cmd := buildCommand(container, fmt.Sprintf("%s:cr-%d", container.Repository, cr.Number))
	return r.runJob(ctx, cr, host.ContextContainer, nil, cmd)
}

// BuildAndPush builds the image from the default branch and pushes it tagged
// with the configured tag, or with the pushed git tag when one is given.
func (r *Runner) BuildAndPush(ctx context.Context, tag string) error {
	container := r.Repo.Container
	if container == nil {
		return nil
	}
	imageTag := container.Tag
	if tag != "" {
		imageTag = tag
	}
	image := fmt.Sprintf("%s:%s", container.Repository, imageTag)

	dir, cleanup, err := r.Checkout(ctx, 0)
	if err != nil {
		return r.notifyFailure(ctx, "container push", fmt.Errorf("preparing working copy: %w", err))
	}
	defer cleanup()

	secrets := []string{container.Password}
	build := buildCommand(container, image)
	if _, err := r.exec(ctx, dir, secrets, build[0], build[1:]...); err != nil {
		return r.notifyFailure(ctx, "container build", err)
	}
	if _, err := r.exec(ctx, dir, secrets,
		"podman", "login", "--username", container.Username, "--password", container.Password,
		registryOf(container.Repository)); err != nil {
		return r.notifyFailure(ctx, "registry login", err)
	}
	if _, err := r.exec(ctx, dir, secrets, "podman", "push", image); err != nil {
		return r.notifyFailure(ctx, "container push", err)
	}

	r.logger().Info("container pushed", "image", image)
	return nil
}

// PublishTag builds and uploads the module for a pushed tag.
func (r *Runner) PublishTag(ctx context.Context, tag string) error {
	pypi := r.Repo.Pypi
	if pypi == nil {
		return nil
	}

	dir, cleanup, err := r.Checkout(ctx, 0)
	if err != nil {
		return r.notifyFailure(ctx, "module publish", fmt.Errorf("preparing working copy: %w", err))
	}
	defer cleanup()

	secrets := []string{pypi.Token}
	if _, err := r.exec(ctx, dir, secrets, "git", "checkout", tag); err != nil {
		return r.notifyFailure(ctx, "module publish", err)
	}

	switch pypi.Tool {
	case "poetry":
		_, err = r.exec(ctx, dir, secrets,
			"poetry", "publish", "--build", "--username", "__token__", "--password", pypi.Token)
	default:
		if _, err = r.exec(ctx, dir, secrets, "python3", "-m", "build"); err == nil {
			_, err = r.exec(ctx, dir, secrets,
				"python3", "-m", "twine", "upload", "--username", "__token__", "--password", pypi.Token, "dist/*")
		}
	}
	if err != nil {
		return r.notifyFailure(ctx, "module publish", err)
	}

	r.logger().Info("module published", "tag", tag, "tool", pypi.Tool)
	if r.Notifier != nil {
		r.Notifier.Send(ctx, fmt.Sprintf("%s: published %s", r.Repo.Name, tag))
	}
	return nil
}

// runJob runs one command against the change request head, bracketed by a
// pending status and a final success or failure status.
func (r *Runner) runJob(ctx context.Context, cr host.ChangeRequest, statusCtx string, secrets, cmd []string) error {
	if err := r.Status.SetStatus(ctx, cr.HeadSHA, host.StatusWrite{
		Context:     statusCtx,
		State:       host.StatusPending,
		Description: "running",
	}); err != nil {
		return err
	}

	dir, cleanup, err := r.Checkout(ctx, cr.Number)
	if err != nil {
		r.finishJob(ctx, cr, statusCtx, "", fmt.Errorf("preparing working copy: %w", err))
		return err
	}
	defer cleanup()

	out, runErr := r.exec(ctx, dir, secrets, cmd[0], cmd[1:]...)
	logURL := r.writeLog(statusCtx, cr.Number, transcript(out, runErr))
	r.finishJob(ctx, cr, statusCtx, logURL, runErr)
	return runErr
}

func (r *Runner) finishJob(ctx context.Context, cr host.ChangeRequest, statusCtx, logURL string, runErr error) {
	status := host.StatusWrite{
		Context:     statusCtx,
		State:       host.StatusSuccess,
		Description: "passed",
		TargetURL:   logURL,
	}
	if runErr != nil {
		status.State = host.StatusFailure
		status.Description = truncate(runErr.Error(), 140)
		r.notifyFailure(ctx, statusCtx, runErr)
	}
	if err := r.Status.SetStatus(ctx, cr.HeadSHA, status); err != nil {
		r.logger().Error("writing job status", "context", statusCtx, "number", cr.Number, "error", err)
	}
}

// writeLog stores the transcript and returns the URL it will be served at,
// or empty when logs are not retained.
func (r *Runner) writeLog(statusCtx string, number int, content string) string {
	if r.LogDir == "" {
		return ""
	}
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		r.logger().Warn("creating log dir", "error", err)
		return ""
	}
	name := fmt.Sprintf("%s-%d-%s.log", statusCtx, number, uuid.NewString()[:8])
	if err := os.WriteFile(filepath.Join(r.LogDir, name), []byte(content), 0o644); err != nil {
		r.logger().Warn("writing job log", "error", err)
		return ""
	}
	if r.BaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(r.BaseURL, "/") + "/logs/" + name
}

func (r *Runner) notifyFailure(ctx context.Context, job string, err error) error {
	r.logger().Error("job failed", "job", job, "repository", r.Repo.Name, "error", err)
	if r.Notifier != nil {
		if sendErr := r.Notifier.Send(ctx, fmt.Sprintf("%s: %s failed: %v", r.Repo.Name, job, err)); sendErr != nil {
			r.logger().Warn("sending failure notice", "error", sendErr)
		}
	}
	return err
}

func (r *Runner) exec(ctx context.Context, dir string, redact []string, name string, args ...string) (string, error) {
	if r.Exec != nil {
		return r.Exec(ctx, dir, redact, name, args...)
	}
	runner := &shell.Runner{Dir: dir, Redact: redact}
	return runner.Run(ctx, name, args...)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func buildCommand(c *config.Container, image string) []string {
	cmd := []string{"podman", "build", "--tag", image}
	if c.Dockerfile != "" {
		cmd = append(cmd, "--file", c.Dockerfile)
	}
	for _, arg := range c.BuildArgs {
		cmd = append(cmd, "--build-arg", arg)
	}
	return append(cmd, ".")
}

// registryOf extracts the registry host from an image repository reference.
func registryOf(repository string) string {
	if i := strings.Index(repository, "/"); i > 0 {
		return repository[:i]
	}
	return repository
}

// transcript combines stdout with stderr captured in a shell exit error.
func transcript(out string, err error) string {
	if err == nil {
		return out
	}
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && exitErr.Stderr != "" {
		return out + "\n" + exitErr.Stderr
	}
	return out + "\n" + err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
