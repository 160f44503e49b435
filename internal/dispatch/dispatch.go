// Package dispatch routes normalized webhook events to the policy engine:
// labels, review bookkeeping, comment commands, CI jobs, merge checks, and
// cherry-picks. One Handler serves one repository.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redforge/mergegate/internal/cherrypick"
	"github.com/redforge/mergegate/internal/command"
	"github.com/redforge/mergegate/internal/config"
	"github.com/redforge/mergegate/internal/events"
	"github.com/redforge/mergegate/internal/host"
	"github.com/redforge/mergegate/internal/labels"
	"github.com/redforge/mergegate/internal/mergecheck"
	"github.com/redforge/mergegate/internal/owners"
	"github.com/redforge/mergegate/internal/review"
	"github.com/redforge/mergegate/internal/worker"
)

// DefaultRecheckDelay is how long to wait before re-evaluating a change
// request whose mergeable state was still settling.
const DefaultRecheckDelay = 30 * time.Second

// Host is the full hosting surface the GitHub flow drives.
type Host interface {
	ListLabels(ctx context.Context, number int) ([]string, error)
	AddLabel(ctx context.Context, number int, name string) error
	RemoveLabel(ctx context.Context, number int, name string) error
	GetChangeRequest(ctx context.Context, number int) (host.ChangeRequest, error)
	ListOpenChangeRequests(ctx context.Context) ([]host.ChangeRequest, error)
	GetCheckRuns(ctx context.Context, ref string) ([]host.CheckRun, error)
	GetStatuses(ctx context.Context, ref string) ([]host.CommitStatus, error)
	SetStatus(ctx context.Context, ref string, status host.StatusWrite) error
	CreateComment(ctx context.Context, number int, body string) error
	ReactToComment(ctx context.Context, commentID int64) error
	Merge(ctx context.Context, number int) error
	EditTitle(ctx context.Context, number int, title string) error
	AddAssignee(ctx context.Context, number int, login string) error
	RequestReviewers(ctx context.Context, number int, logins []string) error
	CreateTrackingIssue(ctx context.Context, title, body string) (int, error)
	CloseTrackingIssue(ctx context.Context, number int) error
	ListTrackingIssues(ctx context.Context, prefix string) (map[string]int, error)
	OwnersFile(ctx context.Context) ([]byte, error)
	BotLogin(ctx context.Context) (string, error)
	EnsureQuota(ctx context.Context) error
}

// CI runs the repository's jobs.
type CI interface {
	RunTests(ctx context.Context, cr host.ChangeRequest) error
	InstallModule(ctx context.Context, cr host.ChangeRequest) error
	BuildContainer(ctx context.Context, cr host.ChangeRequest) error
	BuildAndPush(ctx context.Context, tag string) error
	PublishTag(ctx context.Context, tag string) error
}

// Picker schedules and runs cherry-picks.
type Picker interface {
	Record(ctx context.Context, number int, targets []string) error
	RunAll(ctx context.Context, req cherrypick.Request) error
}

// Deferrer schedules a delayed re-evaluation.
type Deferrer interface {
	SubmitAfter(delay time.Duration, job worker.Job)
}

// Handler processes events for one repository.
type Handler struct {
	Repo     config.Repository
	Host     Host
	CI       CI
	Picker   Picker
	Deferrer Deferrer
	Parser   command.Parser
	Logger   *slog.Logger
	// RecheckDelay overrides DefaultRecheckDelay; zero selects the default.
	RecheckDelay time.Duration
}

// Handle processes one event. Errors are aggregate: a failing sub-action does
// not stop the rest of the event's processing.
func (h *Handler) Handle(ctx context.Context, e events.Event) error {
	if err := h.Host.EnsureQuota(ctx); err != nil {
		h.logger().Warn("rate limit check", "error", err)
	}

	switch e.Type {
	case events.TypeChangeRequest:
		switch e.Action {
		case "opened", "reopened":
			return h.onOpened(ctx, e)
		case "synchronize":
			return h.onSynchronize(ctx, e)
		case "closed":
			return h.onClosed(ctx, e)
		case "labeled", "unlabeled":
			return h.onLabelChanged(ctx, e)
		default:
			return nil
		}
	case events.TypeComment:
		if e.Action != "created" {
			return nil
		}
		return h.onComment(ctx, e)
	case events.TypeReview:
		if e.Action != "submitted" {
			return nil
		}
		return h.onReview(ctx, e)
	case events.TypePush:
		return h.onPush(ctx, e)
	case events.TypeCheckRun:
		if e.Action != "completed" {
			return nil
		}
		return h.onCheckRunCompleted(ctx)
	default:
		return nil
	}
}

func (h *Handler) onOpened(ctx context.Context, e events.Event) error {
	cr, err := h.Host.GetChangeRequest(ctx, e.Number)
	if err != nil {
		return err
	}

	var errs []error
	record := func(what string, err error) {
		if err != nil {
			h.logger().Error(what, "number", cr.Number, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	record("posting welcome", h.Host.CreateComment(ctx, cr.Number, h.welcomeBody()))

	if name, err := labels.Render(labels.SizeLabel(cr.Additions, cr.Deletions)); err == nil {
		record("adding size label", h.Host.AddLabel(ctx, cr.Number, name))
	}
	if name, err := labels.Render(labels.Label{Kind: labels.Branch, Arg: cr.BaseBranch}); err == nil {
		record("adding branch label", h.Host.AddLabel(ctx, cr.Number, name))
	} else {
		h.logger().Warn("branch label skipped", "branch", cr.BaseBranch, "error", err)
	}

	if h.Repo.Verified() {
		if h.isAutoMergeAuthor(ctx, cr.Author) {
			// Changes from trusted authors skip the human-verification gate.
			record("adding verified label", h.Host.AddLabel(ctx, cr.Number, labels.NameVerified))
			record("setting verification status", h.Host.SetStatus(ctx, cr.HeadSHA, host.StatusWrite{
				Context:     host.ContextVerified,
				State:       host.StatusSuccess,
				Description: fmt.Sprintf("Verified: trusted author %s", cr.Author),
			}))
		} else {
			record("setting verification status", h.Host.SetStatus(ctx, cr.HeadSHA, host.StatusWrite{
				Context:     host.ContextVerified,
				State:       host.StatusPending,
				Description: "Waiting for human verification",
			}))
		}
	}

	record("assigning author", h.Host.AddAssignee(ctx, cr.Number, cr.Author))

	if owner, err := h.ownersFile(ctx); err != nil {
		record("loading OWNERS", err)
	} else if owner != nil {
		record("requesting reviewers",
			h.Host.RequestReviewers(ctx, cr.Number, owner.ReviewersExcluding(cr.Author)))
	}

	title := trackingTitle(cr.Number)
	if _, err := h.Host.CreateTrackingIssue(ctx, title,
		fmt.Sprintf("Tracks %s by @%s.", cr.HTMLURL, cr.Author)); err != nil {
		record("creating tracking issue", err)
	}

	h.runJobs(ctx, cr)
	record("evaluating", h.evaluate(ctx, cr.Number))
	return errors.Join(errs...)
}

func (h *Handler) onSynchronize(ctx context.Context, e events.Event) error {
	cr, err := h.Host.GetChangeRequest(ctx, e.Number)
	if err != nil {
		return err
	}

	var errs []error
	// New commits invalidate prior review and verification state.
	for _, l := range labels.ParseAll(cr.Labels) {
		switch l.Kind {
		case labels.Verified, labels.LGTM, labels.ApprovedBy, labels.ChangesRequestedBy, labels.CommentedBy:
			name, renderErr := labels.Render(l)
			if renderErr != nil {
				continue
			}
			if err := h.Host.RemoveLabel(ctx, cr.Number, name); err != nil {
				errs = append(errs, fmt.Errorf("removing %s: %w", name, err))
			}
		}
	}

	// The diff changed, so the size tier may have too.
	want := labels.SizeLabel(cr.Additions, cr.Deletions)
	for _, l := range labels.ParseAll(cr.Labels) {
		if l.Kind == labels.Size && l != want {
			if name, renderErr := labels.Render(l); renderErr == nil {
				if err := h.Host.RemoveLabel(ctx, cr.Number, name); err != nil {
					errs = append(errs, fmt.Errorf("removing %s: %w", name, err))
				}
			}
		}
	}
	if !labels.Contains(labels.ParseAll(cr.Labels), want) {
		if name, renderErr := labels.Render(want); renderErr == nil {
			if err := h.Host.AddLabel(ctx, cr.Number, name); err != nil {
				errs = append(errs, fmt.Errorf("adding %s: %w", name, err))
			}
		}
	}

	if h.Repo.Verified() {
		if err := h.Host.SetStatus(ctx, cr.HeadSHA, host.StatusWrite{
			Context:     host.ContextVerified,
			State:       host.StatusPending,
			Description: "Waiting for human verification",
		}); err != nil {
			errs = append(errs, fmt.Errorf("resetting verification status: %w", err))
		}
	}

	// The review state was reset, so ask the OWNERS reviewers to look again.
	if owner, err := h.ownersFile(ctx); err != nil {
		errs = append(errs, err)
	} else if owner != nil {
		if err := h.Host.RequestReviewers(ctx, cr.Number, owner.ReviewersExcluding(cr.Author)); err != nil {
			errs = append(errs, fmt.Errorf("requesting reviewers: %w", err))
		}
	}

	h.runJobs(ctx, cr)
	if err := h.evaluate(ctx, cr.Number); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handler) onClosed(ctx context.Context, e events.Event) error {
	cr, err := h.Host.GetChangeRequest(ctx, e.Number)
	if err != nil {
		return err
	}

	var errs []error
	if trackers, err := h.Host.ListTrackingIssues(ctx, trackingTitle(cr.Number)); err != nil {
		errs = append(errs, fmt.Errorf("listing tracking issues: %w", err))
	} else {
		for _, issueNumber := range trackers {
			if err := h.Host.CloseTrackingIssue(ctx, issueNumber); err != nil {
				errs = append(errs, fmt.Errorf("closing tracking issue %d: %w", issueNumber, err))
			}
		}
	}

	if !cr.Merged {
		return errors.Join(errs...)
	}

	var targets []string
	for _, l := range labels.ParseAll(cr.Labels) {
		if l.Kind == labels.CherryPickTarget {
			targets = append(targets, l.Arg)
		}
	}
	if len(targets) > 0 {
		if err := h.Picker.RunAll(ctx, cherrypick.Request{
			Number:     cr.Number,
			Title:      cr.Title,
			HeadBranch: cr.HeadBranch,
			MergeSHA:   cr.MergeCommitSHA,
			Requester:  e.Sender,
			Targets:    targets,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if h.Repo.Container != nil {
		if err := h.CI.BuildAndPush(ctx, ""); err != nil {
			errs = append(errs, err)
		}
	}

	// Sibling change requests may have fallen behind the new base tip; look
	// at them once the platform has recomputed mergeability.
	h.scheduleOpenRecheck()
	return errors.Join(errs...)
}

func (h *Handler) onLabelChanged(ctx context.Context, e events.Event) error {
	if e.Action == "labeled" && e.Label == labels.NameCanBeMerged {
		return h.maybeAutoMerge(ctx, e.Number)
	}

	var errs []error
	if e.Label == labels.NameVerified && h.Repo.Verified() {
		// Keep the verification status in step with the label regardless of
		// whether it was toggled by command or through the platform UI.
		cr, err := h.Host.GetChangeRequest(ctx, e.Number)
		if err != nil {
			return err
		}
		status := host.StatusWrite{
			Context:     host.ContextVerified,
			State:       host.StatusPending,
			Description: "Waiting for human verification",
		}
		if e.Action == "labeled" {
			status.State = host.StatusSuccess
			status.Description = "Verified"
		}
		if err := h.Host.SetStatus(ctx, cr.HeadSHA, status); err != nil {
			errs = append(errs, fmt.Errorf("updating verification status: %w", err))
		}
	}

	// The evaluator's own writes arrive back as label events; evaluation is
	// idempotent, so reprocessing them converges instead of looping.
	if err := h.evaluate(ctx, e.Number); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handler) onComment(ctx context.Context, e events.Event) error {
	if login, err := h.Host.BotLogin(ctx); err == nil && login == e.Sender {
		return nil
	}

	cmds := h.Parser.Parse(e.CommentBody)
	if len(cmds) == 0 {
		return nil
	}

	if err := h.Host.ReactToComment(ctx, e.CommentID); err != nil {
		h.logger().Warn("acknowledging command comment", "error", err)
	}

	cr, err := h.Host.GetChangeRequest(ctx, e.Number)
	if err != nil {
		return err
	}

	var errs []error
	for _, cmd := range cmds {
		if err := h.runCommand(ctx, cr, cmd, e.Sender); err != nil {
			h.logger().Error("running command", "command", cmd.Name, "number", cr.Number, "error", err)
			errs = append(errs, err)
		}
	}

	if err := h.evaluate(ctx, cr.Number); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handler) runCommand(ctx context.Context, cr host.ChangeRequest, cmd command.Command, sender string) error {
	switch {
	case cmd.Name == command.Retest:
		return h.retest(ctx, cr, cmd.Arg)

	case cmd.Name == command.CherryPick:
		targets := strings.Fields(cmd.Arg)
		if len(targets) == 0 {
			return h.Host.CreateComment(ctx, cr.Number,
				fmt.Sprintf("`%ccherry-pick` needs at least one target branch.", h.Parser.Prefix))
		}
		if cr.Merged {
			return h.Picker.RunAll(ctx, cherrypick.Request{
				Number:     cr.Number,
				Title:      cr.Title,
				HeadBranch: cr.HeadBranch,
				MergeSHA:   cr.MergeCommitSHA,
				Requester:  sender,
				Targets:    targets,
			})
		}
		return h.Picker.Record(ctx, cr.Number, targets)

	case cmd.Name == command.BuildPushContainer:
		if h.Repo.Container == nil {
			return h.Host.CreateComment(ctx, cr.Number, "No container is configured for this repository.")
		}
		return h.CI.BuildAndPush(ctx, fmt.Sprintf("cr-%d", cr.Number))

	case command.IsUserLabel(cmd.Name):
		return h.toggleUserLabel(ctx, cr, cmd, sender)

	default:
		return h.Host.CreateComment(ctx, cr.Number,
			fmt.Sprintf("Unknown command `%c%s`.", h.Parser.Prefix, cmd.Name))
	}
}

func (h *Handler) retest(ctx context.Context, cr host.ChangeRequest, job string) error {
	switch job {
	case host.ContextTox:
		return h.CI.RunTests(ctx, cr)
	case host.ContextContainer:
		return h.CI.BuildContainer(ctx, cr)
	case host.ContextModuleInstall:
		return h.CI.InstallModule(ctx, cr)
	case "", "all":
		h.runJobs(ctx, cr)
		return nil
	default:
		return h.Host.CreateComment(ctx, cr.Number, fmt.Sprintf("Unknown test job `%s`.", job))
	}
}

func (h *Handler) toggleUserLabel(ctx context.Context, cr host.ChangeRequest, cmd command.Command, sender string) error {
	switch cmd.Name {
	case labels.NameVerified:
		if cmd.Negate {
			if err := h.Host.RemoveLabel(ctx, cr.Number, labels.NameVerified); err != nil {
				return err
			}
			return h.Host.SetStatus(ctx, cr.HeadSHA, host.StatusWrite{
				Context:     host.ContextVerified,
				State:       host.StatusPending,
				Description: "Waiting for human verification",
			})
		}
		if err := h.Host.AddLabel(ctx, cr.Number, labels.NameVerified); err != nil {
			return err
		}
		return h.Host.SetStatus(ctx, cr.HeadSHA, host.StatusWrite{
			Context:     host.ContextVerified,
			State:       host.StatusSuccess,
			Description: fmt.Sprintf("Verified by %s", sender),
		})

	case labels.NameHold:
		if cmd.Negate {
			return h.Host.RemoveLabel(ctx, cr.Number, labels.NameHold)
		}
		return h.Host.AddLabel(ctx, cr.Number, labels.NameHold)

	case labels.NameWIP:
		if cmd.Negate {
			if err := h.Host.RemoveLabel(ctx, cr.Number, labels.NameWIP); err != nil {
				return err
			}
			if stripped, ok := strings.CutPrefix(cr.Title, wipTitlePrefix); ok {
				return h.Host.EditTitle(ctx, cr.Number, stripped)
			}
			return nil
		}
		if err := h.Host.AddLabel(ctx, cr.Number, labels.NameWIP); err != nil {
			return err
		}
		if !strings.HasPrefix(cr.Title, wipTitlePrefix) {
			return h.Host.EditTitle(ctx, cr.Number, wipTitlePrefix+cr.Title)
		}
		return nil

	case labels.NameLGTM:
		return h.applyReview(ctx, cr, review.StateLGTM, cmd.Negate, sender)

	case "approve":
		owner, err := h.ownersFile(ctx)
		if err != nil {
			return err
		}
		if owner == nil || !owner.IsApprover(sender) {
			return h.Host.CreateComment(ctx, cr.Number,
				fmt.Sprintf("@%s is not an approver; ask one of the OWNERS approvers to approve.", sender))
		}
		return h.applyReview(ctx, cr, review.StateApproved, cmd.Negate, sender)
	}
	return nil
}

func (h *Handler) onReview(ctx context.Context, e events.Event) error {
	cr, err := h.Host.GetChangeRequest(ctx, e.Number)
	if err != nil {
		return err
	}
	if err := h.applyReview(ctx, cr, e.ReviewState, false, e.Reviewer); err != nil {
		return err
	}
	return h.evaluate(ctx, cr.Number)
}

func (h *Handler) applyReview(ctx context.Context, cr host.ChangeRequest, state string, negate bool, reviewer string) error {
	action := review.Add
	if negate {
		action = review.Remove
	}
	change, ok := review.Apply(labels.ParseAll(cr.Labels), state, action, reviewer, cr.Author)
	if !ok {
		h.logger().Info("unsupported review state", "state", state, "number", cr.Number)
		return nil
	}

	var errs []error
	for _, l := range change.Add {
		name, err := labels.Render(l)
		if err != nil {
			h.logger().Warn("reviewer label skipped", "reviewer", reviewer, "error", err)
			continue
		}
		if err := h.Host.AddLabel(ctx, cr.Number, name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range change.Remove {
		name, err := labels.Render(l)
		if err != nil {
			continue
		}
		if err := h.Host.RemoveLabel(ctx, cr.Number, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) onPush(ctx context.Context, e events.Event) error {
	if !e.IsTagPush() {
		return nil
	}
	tag := e.Tag()
	var errs []error
	if err := h.CI.BuildAndPush(ctx, tag); err != nil {
		errs = append(errs, err)
	}
	if err := h.CI.PublishTag(ctx, tag); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handler) onCheckRunCompleted(ctx context.Context) error {
	return h.evaluateOpen(ctx)
}

// evaluateOpen re-evaluates every open change request.
func (h *Handler) evaluateOpen(ctx context.Context) error {
	open, err := h.Host.ListOpenChangeRequests(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, cr := range open {
		if err := h.evaluate(ctx, cr.Number); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// scheduleOpenRecheck defers a sweep over the open change requests.
func (h *Handler) scheduleOpenRecheck() {
	if h.Deferrer == nil {
		return
	}
	delay := h.RecheckDelay
	if delay <= 0 {
		delay = DefaultRecheckDelay
	}
	h.Deferrer.SubmitAfter(delay, worker.Job{
		Key: h.Repo.Name,
		Fn: func(ctx context.Context) {
			if err := h.evaluateOpen(ctx); err != nil {
				h.logger().Error("deferred open sweep", "error", err)
			}
		},
	})
}

// evaluate reconciles the can-be-merged label and status of one change
// request, plus the needs-rebase marker. It is safe to call repeatedly.
func (h *Handler) evaluate(ctx context.Context, number int) error {
	cr, err := h.Host.GetChangeRequest(ctx, number)
	if err != nil {
		return err
	}
	if cr.Merged {
		return nil
	}

	var errs []error
	current := labels.ParseAll(cr.Labels)

	behind := cr.MergeableState == host.MergeableBehind
	hasRebaseLabel := labels.ContainsKind(current, labels.NeedsRebase)
	switch {
	case behind && !hasRebaseLabel:
		if err := h.Host.AddLabel(ctx, number, labels.NameNeedsRebase); err != nil {
			errs = append(errs, err)
		}
		h.scheduleRecheck(number)
	case !behind && hasRebaseLabel:
		if err := h.Host.RemoveLabel(ctx, number, labels.NameNeedsRebase); err != nil {
			errs = append(errs, err)
		}
	}
	if cr.MergeableState == "" || cr.MergeableState == "unknown" {
		// The platform is still computing mergeability; look again shortly.
		h.scheduleRecheck(number)
	}

	checkRuns, err := h.Host.GetCheckRuns(ctx, cr.HeadSHA)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	statuses, err := h.Host.GetStatuses(ctx, cr.HeadSHA)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	var approvers []string
	if owner, err := h.ownersFile(ctx); err != nil {
		errs = append(errs, err)
	} else if owner != nil {
		approvers = owner.Approvers
	}

	plan := mergecheck.Evaluate(mergecheck.Input{
		Labels:          current,
		MergeableState:  cr.MergeableState,
		CheckRuns:       checkRuns,
		Statuses:        statuses,
		Approvers:       approvers,
		RequireVerified: h.Repo.Verified(),
	})

	for _, l := range plan.AddLabels {
		name, renderErr := labels.Render(l)
		if renderErr != nil {
			continue
		}
		if err := h.Host.AddLabel(ctx, number, name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range plan.RemoveLabels {
		name, renderErr := labels.Render(l)
		if renderErr != nil {
			continue
		}
		if err := h.Host.RemoveLabel(ctx, number, name); err != nil {
			errs = append(errs, err)
		}
	}
	if plan.SetStatus != nil {
		if err := h.Host.SetStatus(ctx, cr.HeadSHA, *plan.SetStatus); err != nil {
			errs = append(errs, err)
		}
	}

	if plan.Mergeable {
		if err := h.maybeAutoMerge(ctx, number); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// maybeAutoMerge merges the change request when its author is trusted for
// automatic merging and it is currently eligible.
func (h *Handler) maybeAutoMerge(ctx context.Context, number int) error {
	cr, err := h.Host.GetChangeRequest(ctx, number)
	if err != nil {
		return err
	}
	if cr.Merged || !h.isAutoMergeAuthor(ctx, cr.Author) {
		return nil
	}
	if !labels.Contains(labels.ParseAll(cr.Labels), labels.Label{Kind: labels.CanBeMerged}) {
		return nil
	}

	h.logger().Info("auto-merging", "number", number, "author", cr.Author)
	if err := h.Host.Merge(ctx, number); err != nil {
		return fmt.Errorf("auto-merging: %w", err)
	}
	return nil
}

func (h *Handler) isAutoMergeAuthor(ctx context.Context, author string) bool {
	for _, trusted := range h.Repo.AutoMergeUsers {
		if trusted == author {
			return true
		}
	}
	if login, err := h.Host.BotLogin(ctx); err == nil && login == author {
		return true
	}
	return false
}

func (h *Handler) runJobs(ctx context.Context, cr host.ChangeRequest) {
	for what, job := range map[string]func(context.Context, host.ChangeRequest) error{
		"test run":       h.CI.RunTests,
		"module install": h.CI.InstallModule,
		"container":      h.CI.BuildContainer,
	} {
		if err := job(ctx, cr); err != nil {
			// The job already reported its status; failure here must not
			// block the remaining jobs.
			h.logger().Warn("job failed", "job", what, "number", cr.Number, "error", err)
		}
	}
}

func (h *Handler) scheduleRecheck(number int) {
	if h.Deferrer == nil {
		return
	}
	delay := h.RecheckDelay
	if delay <= 0 {
		delay = DefaultRecheckDelay
	}
	h.Deferrer.SubmitAfter(delay, worker.Job{
		Key: fmt.Sprintf("%s#%d", h.Repo.Name, number),
		Fn: func(ctx context.Context) {
			if err := h.evaluate(ctx, number); err != nil {
				h.logger().Error("deferred evaluation", "number", number, "error", err)
			}
		},
	})
}

func (h *Handler) ownersFile(ctx context.Context) (*owners.File, error) {
	data, err := h.Host.OwnersFile(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading OWNERS: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return owners.Parse(data)
}

func (h *Handler) welcomeBody() string {
	if h.Parser.WelcomeBody != "" {
		return h.Parser.WelcomeBody
	}
	return WelcomeBody(h.Parser.Prefix)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

const wipTitlePrefix = "WIP: "

func trackingTitle(number int) string {
	return fmt.Sprintf("Tracker for change request #%d", number)
}

// WelcomeBody renders the comment posted on every new change request,
// listing the comment commands with the platform's prefix character.
func WelcomeBody(prefix byte) string {
	p := string(prefix)
	var b strings.Builder
	b.WriteString("Thanks for the contribution! The following commands are available as comments:\n\n")
	fmt.Fprintf(&b, "* `%sverified` marks the change as human-verified (`%sverified cancel` to undo)\n", p, p)
	fmt.Fprintf(&b, "* `%shold` blocks merging until removed with `%shold cancel`\n", p, p)
	fmt.Fprintf(&b, "* `%swip` marks the change as work in progress\n", p)
	fmt.Fprintf(&b, "* `%slgtm` records your approval; `%sapprove` is for OWNERS approvers\n", p, p)
	fmt.Fprintf(&b, "* `%sretest <job>` re-runs `tox`, `build-container` or `python-module-install`\n", p)
	fmt.Fprintf(&b, "* `%scherry-pick <branch> [...]` schedules cherry-picks after merge\n", p)
	fmt.Fprintf(&b, "* `%sbuild-and-push-container` pushes an image built from this change\n", p)
	b.WriteString("\nPrefix any command with `-` or append `cancel` to undo it.")
	return b.String()
}
