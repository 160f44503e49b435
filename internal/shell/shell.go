// Package shell runs external commands (git, podman, test tools) with
// captured output and typed exit errors. Secrets injected into command lines
// (clone URLs carry tokens) are scrubbed from anything that can reach logs
// or user-facing comments.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExitError wraps a non-zero exit from a subprocess.
type ExitError struct {
	Code   int
	Stderr string
	Cmd    string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.Code, e.Stderr)
}

// Runner executes commands with a shared working directory and environment.
// Any string in Redact is replaced with "*****" in captured output, stderr,
// and the reported command line.
type Runner struct {
	Dir    string
	Env    []string
	Redact []string
}

// Run executes a command and returns its stdout. Stderr is captured and
// included in the error on non-zero exit.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return r.redact(stdout.String()), &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: r.redact(strings.TrimSpace(stderr.String())),
				Cmd:    r.redact(name + " " + strings.Join(args, " ")),
			}
		}
		return "", fmt.Errorf("running %s: %w", name, err)
	}

	return r.redact(stdout.String()), nil
}

func (r *Runner) redact(s string) string {
	for _, secret := range r.Redact {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "*****")
	}
	return s
}

func (r *Runner) environ() []string {
	if len(r.Env) == 0 {
		return nil // inherit parent
	}
	return append(os.Environ(), r.Env...)
}
