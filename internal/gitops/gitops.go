// Package gitops runs git against short-lived working copies. Each clone
// lives in its own temp directory so concurrent deliveries never share a
// checkout, and the access token is redacted from every command transcript.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/redforge/mergegate/internal/shell"
)

type runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Cloner creates working copies of a repository.
type Cloner struct {
	// Token authenticates clone and push. It never appears in errors or logs.
	Token    string
	BotName  string
	BotEmail string
}

// Clone checks out the repository into a fresh temp directory and configures
// the bot's commit identity. The caller must Close the returned Workdir.
func (c *Cloner) Clone(ctx context.Context, cloneURL string) (*Workdir, error) {
	dir, err := os.MkdirTemp("", "mergegate-*")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	w := &Workdir{
		Dir: dir,
		run: &shell.Runner{Dir: dir, Redact: []string{c.Token}},
	}

	authURL, err := authenticateURL(cloneURL, c.Token)
	if err != nil {
		w.Close()
		return nil, err
	}
	if _, err := w.run.Run(ctx, "git", "clone", authURL, "."); err != nil {
		w.Close()
		return nil, fmt.Errorf("cloning: %w", err)
	}

	name, email := c.BotName, c.BotEmail
	if name == "" {
		name = "mergegate"
	}
	if email == "" {
		email = "mergegate@localhost"
	}
	if _, err := w.run.Run(ctx, "git", "config", "user.name", name); err != nil {
		w.Close()
		return nil, fmt.Errorf("configuring identity: %w", err)
	}
	if _, err := w.run.Run(ctx, "git", "config", "user.email", email); err != nil {
		w.Close()
		return nil, fmt.Errorf("configuring identity: %w", err)
	}

	return w, nil
}

// authenticateURL embeds the token as userinfo in an https clone URL.
func authenticateURL(cloneURL, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("parsing clone URL: %w", err)
	}
	if token != "" {
		u.User = url.UserPassword("x-access-token", token)
	}
	return u.String(), nil
}

// Workdir is one temporary working copy.
type Workdir struct {
	Dir string
	run runner
}

// Close removes the working copy. It is safe to call after partial failures;
// removal happens unconditionally.
func (w *Workdir) Close() {
	os.RemoveAll(w.Dir)
}

// FetchChangeRef fetches the head of a change request into a local branch
// named after it and returns that branch name.
func (w *Workdir) FetchChangeRef(ctx context.Context, number int) (string, error) {
	branch := fmt.Sprintf("cr-%d", number)
	ref := fmt.Sprintf("pull/%d/head:%s", number, branch)
	if _, err := w.run.Run(ctx, "git", "fetch", "origin", ref); err != nil {
		return "", fmt.Errorf("fetching change ref %d: %w", number, err)
	}
	return branch, nil
}

// Checkout switches the working copy to the given ref.
func (w *Workdir) Checkout(ctx context.Context, ref string) error {
	if _, err := w.run.Run(ctx, "git", "checkout", ref); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

// CheckoutNewBranch creates branch name from origin/source and switches to it.
func (w *Workdir) CheckoutNewBranch(ctx context.Context, source, name string) error {
	if _, err := w.run.Run(ctx, "git", "checkout", "-b", name, "origin/"+source); err != nil {
		return fmt.Errorf("creating branch %s from %s: %w", name, source, err)
	}
	return nil
}

// CherryPick applies the given commit onto the current branch.
func (w *Workdir) CherryPick(ctx context.Context, sha string) error {
	if _, err := w.run.Run(ctx, "git", "cherry-pick", sha); err != nil {
		return fmt.Errorf("cherry-picking %s: %w", shortSHA(sha), err)
	}
	return nil
}

// Push pushes the given branch to origin.
func (w *Workdir) Push(ctx context.Context, branch string) error {
	if _, err := w.run.Run(ctx, "git", "push", "origin", branch); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// FetchMergeRequestRef is the GitLab variant of FetchChangeRef; merge
// requests are advertised under refs/merge-requests instead of refs/pull.
func (w *Workdir) FetchMergeRequestRef(ctx context.Context, number int) (string, error) {
	branch := fmt.Sprintf("cr-%d", number)
	ref := fmt.Sprintf("merge-requests/%d/head:%s", number, branch)
	if _, err := w.run.Run(ctx, "git", "fetch", "origin", ref); err != nil {
		return "", fmt.Errorf("fetching merge request ref %d: %w", number, err)
	}
	return branch, nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
