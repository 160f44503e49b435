package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRunCapturesStdout(t *testing.T) {
	r := &Runner{}
	out, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("out = %q, want hello", out)
	}
}

func TestRunExitError(t *testing.T) {
	r := &Runner{}
	_, err := r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(exitErr.Stderr, "boom") {
		t.Errorf("Stderr = %q, want boom", exitErr.Stderr)
	}
}

func TestRunRedactsSecrets(t *testing.T) {
	r := &Runner{Redact: []string{"s3cret"}}

	out, err := r.Run(context.Background(), "sh", "-c", "echo token=s3cret")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(out, "s3cret") {
		t.Errorf("stdout leaked secret: %q", out)
	}

	_, err = r.Run(context.Background(), "sh", "-c", "echo s3cret >&2; exit 1")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if strings.Contains(exitErr.Error(), "s3cret") {
		t.Errorf("error leaked secret: %v", exitErr)
	}
}

func TestRunDir(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Dir: dir}
	out, err := r.Run(context.Background(), "pwd")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out) != dir {
		t.Fatalf("pwd = %q, want %q", out, dir)
	}
}
