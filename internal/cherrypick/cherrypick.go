// Package cherrypick replays a merged change request onto other branches.
// Each target branch is processed independently: a conflict on one target
// never blocks the others, and every failure leaves a recovery comment with
// the exact commands to finish the pick by hand.
package cherrypick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/redforge/mergegate/internal/credlock"
	"github.com/redforge/mergegate/internal/labels"
)

// Step identifies where a cherry-pick attempt failed.
type Step string

const (
	StepBranchMissing Step = "branch-missing"
	StepClone         Step = "clone"
	StepCherryPick    Step = "cherry-pick"
	StepPush          Step = "push"
	StepRemoteCreate  Step = "remote-create"
)

// StepError is a cherry-pick failure tagged with its step and target branch.
type StepError struct {
	Step   Step
	Target string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("cherry-pick into %s failed at %s: %v", e.Target, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Host is the subset of hosting operations the orchestrator needs.
type Host interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
	CreateComment(ctx context.Context, number int, body string) error
	AddLabel(ctx context.Context, number int, name string) error
	CreatePullRequest(ctx context.Context, title, body, head, base string) (int, error)
}

// Workdir is the subset of git operations performed inside a working copy.
type Workdir interface {
	CheckoutNewBranch(ctx context.Context, source, name string) error
	CherryPick(ctx context.Context, sha string) error
	Push(ctx context.Context, branch string) error
	Close()
}

// Request describes one merged change request to replay.
type Request struct {
	Number     int
	Title      string
	HeadBranch string
	// MergeSHA is the commit to pick, the merge commit of the change request.
	MergeSHA  string
	Requester string
	Targets   []string
}

// Orchestrator runs cherry-picks.
type Orchestrator struct {
	Host  Host
	Clone func(ctx context.Context) (Workdir, error)
	// Lock serializes pushes on the shared credential slot; nil disables.
	Lock   *credlock.Lock
	Logger *slog.Logger
}

// Record marks an open change request for picking after merge: one target
// label per existing branch, plus a comment. Missing branches get an error
// comment instead of a label.
func (o *Orchestrator) Record(ctx context.Context, number int, targets []string) error {
	var errs []error
	for _, target := range targets {
		exists, err := o.Host.BranchExists(ctx, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("checking branch %s: %w", target, err))
			continue
		}
		if !exists {
			body := fmt.Sprintf("Cannot schedule cherry-pick: branch `%s` does not exist.", target)
			if err := o.Host.CreateComment(ctx, number, body); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		name, err := labels.Render(labels.Label{Kind: labels.CherryPickTarget, Arg: target})
		if err != nil {
			errs = append(errs, fmt.Errorf("label for %s: %w", target, err))
			continue
		}
		if err := o.Host.AddLabel(ctx, number, name); err != nil {
			errs = append(errs, fmt.Errorf("labeling %s: %w", target, err))
			continue
		}
		body := fmt.Sprintf("Cherry-pick into `%s` scheduled; it will run once this change request is merged.", target)
		if err := o.Host.CreateComment(ctx, number, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunAll picks the request onto each target. Targets are independent; the
// returned error joins the per-target failures.
func (o *Orchestrator) RunAll(ctx context.Context, req Request) error {
	var errs []error
	for _, target := range req.Targets {
		if err := o.runRecovered(ctx, req, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) runRecovered(ctx context.Context, req Request, target string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger().Error("cherry-pick panicked",
				"number", req.Number, "target", target, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("cherry-pick into %s panicked: %v", target, r)
		}
	}()
	return o.Run(ctx, req, target)
}

// Run picks the request onto a single target branch and opens a change
// request for the result, carrying the cherry-picked label. On failure it
// posts a recovery comment on the original change request.
func (o *Orchestrator) Run(ctx context.Context, req Request, target string) error {
	created, err := o.pick(ctx, req, target)
	if err != nil {
		body := recoveryComment(req, target, err)
		if commentErr := o.Host.CreateComment(ctx, req.Number, body); commentErr != nil {
			o.logger().Error("posting recovery comment",
				"number", req.Number, "target", target, "error", commentErr)
		}
		return err
	}

	if err := o.Host.AddLabel(ctx, created, labels.NameCherryPicked); err != nil {
		o.logger().Warn("adding cherry-picked label", "number", created, "error", err)
	}
	return nil
}

// pick replays the merge commit onto target and returns the number of the
// change request opened for the result.
func (o *Orchestrator) pick(ctx context.Context, req Request, target string) (int, error) {
	exists, err := o.Host.BranchExists(ctx, target)
	if err != nil {
		return 0, &StepError{Step: StepBranchMissing, Target: target, Err: err}
	}
	if !exists {
		return 0, &StepError{Step: StepBranchMissing, Target: target, Err: fmt.Errorf("branch %s does not exist", target)}
	}

	w, err := o.Clone(ctx)
	if err != nil {
		return 0, &StepError{Step: StepClone, Target: target, Err: err}
	}
	defer w.Close()

	newBranch := workBranch(req.HeadBranch, target)
	if err := w.CheckoutNewBranch(ctx, target, newBranch); err != nil {
		return 0, &StepError{Step: StepClone, Target: target, Err: err}
	}
	if err := w.CherryPick(ctx, req.MergeSHA); err != nil {
		return 0, &StepError{Step: StepCherryPick, Target: target, Err: err}
	}

	if o.Lock != nil {
		if err := o.Lock.Acquire(ctx); err != nil {
			return 0, &StepError{Step: StepPush, Target: target, Err: err}
		}
	}
	pushErr := w.Push(ctx, newBranch)
	if o.Lock != nil {
		o.Lock.Release()
	}
	if pushErr != nil {
		return 0, &StepError{Step: StepPush, Target: target, Err: pushErr}
	}

	title := fmt.Sprintf("[%s] %s", target, req.Title)
	body := fmt.Sprintf("Automated cherry-pick of #%d into `%s`, requested by @%s.",
		req.Number, target, req.Requester)
	created, err := o.Host.CreatePullRequest(ctx, title, body, newBranch, target)
	if err != nil {
		return 0, &StepError{Step: StepRemoteCreate, Target: target, Err: err}
	}
	return created, nil
}

// workBranch names the pushed branch. The uuid suffix keeps repeated picks of
// the same change request from colliding.
func workBranch(head, target string) string {
	return fmt.Sprintf("%s-%s-%s", head, target, uuid.NewString()[:8])
}

// recoveryComment renders the manual recipe posted when a pick fails.
func recoveryComment(req Request, target string, err error) string {
	local := fmt.Sprintf("%s-%s", req.HeadBranch, target)
	var b strings.Builder
	fmt.Fprintf(&b, "**Cherry-pick into `%s` failed**: %v\n\n", target, err)
	b.WriteString("To pick it manually:\n```\n")
	fmt.Fprintf(&b, "git checkout %s\n", target)
	fmt.Fprintf(&b, "git pull origin %s\n", target)
	fmt.Fprintf(&b, "git checkout -b %s\n", local)
	fmt.Fprintf(&b, "git cherry-pick %s\n", req.MergeSHA)
	fmt.Fprintf(&b, "git push origin %s\n", local)
	b.WriteString("```\n")
	return b.String()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
