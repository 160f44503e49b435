package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redforge/mergegate/internal/command"
	"github.com/redforge/mergegate/internal/config"
	"github.com/redforge/mergegate/internal/events"
	"github.com/redforge/mergegate/internal/host"
	"github.com/redforge/mergegate/internal/labels"
	"github.com/redforge/mergegate/internal/review"
)

// GitLabHost is the narrower hosting surface the merge request flow drives.
// GitLab approvals are first-class, so lgtm maps onto them instead of being
// label-only.
type GitLabHost interface {
	AddLabel(ctx context.Context, number int, name string) error
	RemoveLabel(ctx context.Context, number int, name string) error
	GetChangeRequest(ctx context.Context, number int) (host.ChangeRequest, error)
	CreateComment(ctx context.Context, number int, body string) error
	ReactToNote(ctx context.Context, number int, noteID int) error
	Approve(ctx context.Context, number int) error
	Unapprove(ctx context.Context, number int) error
	Merge(ctx context.Context, number int) error
	EditTitle(ctx context.Context, number int, title string) error
	BotLogin(ctx context.Context) (string, error)
}

// GitLabHandler processes merge request events for one GitLab project. The
// flow is deliberately thinner than the GitHub one: labels, notes, approvals
// and the WIP title toggle.
type GitLabHandler struct {
	Repo   config.Repository
	Host   GitLabHost
	Parser command.Parser
	Logger *slog.Logger
}

// Handle processes one event.
func (h *GitLabHandler) Handle(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeChangeRequest:
		if e.Action != "opened" && e.Action != "reopened" {
			return nil
		}
		return h.onOpened(ctx, e)
	case events.TypeComment:
		return h.onComment(ctx, e)
	case events.TypeReview:
		return h.onApprovalEvent(ctx, e)
	default:
		return nil
	}
}

func (h *GitLabHandler) onOpened(ctx context.Context, e events.Event) error {
	cr, err := h.Host.GetChangeRequest(ctx, e.Number)
	if err != nil {
		return err
	}

	var errs []error
	if err := h.Host.CreateComment(ctx, cr.Number, h.welcomeBody()); err != nil {
		errs = append(errs, fmt.Errorf("posting welcome: %w", err))
	}
	if name, err := labels.Render(labels.Label{Kind: labels.Branch, Arg: cr.BaseBranch}); err == nil {
		if err := h.Host.AddLabel(ctx, cr.Number, name); err != nil {
			errs = append(errs, fmt.Errorf("adding branch label: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (h *GitLabHandler) onComment(ctx context.Context, e events.Event) error {
	if login, err := h.Host.BotLogin(ctx); err == nil && login == e.Sender {
		return nil
	}

	cmds := h.Parser.Parse(e.CommentBody)
	if len(cmds) == 0 {
		return nil
	}

	if err := h.Host.ReactToNote(ctx, e.Number, int(e.CommentID)); err != nil {
		h.logger().Warn("acknowledging command note", "error", err)
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
	return errors.Join(errs...)
}

func (h *GitLabHandler) runCommand(ctx context.Context, cr host.ChangeRequest, cmd command.Command, sender string) error {
	switch cmd.Name {
	case labels.NameVerified, labels.NameHold:
		if cmd.Negate {
			return h.Host.RemoveLabel(ctx, cr.Number, cmd.Name)
		}
		return h.Host.AddLabel(ctx, cr.Number, cmd.Name)

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

	case labels.NameLGTM, "approve":
		return h.applyApproval(ctx, cr, cmd.Negate, sender)

	default:
		return h.Host.CreateComment(ctx, cr.Number,
			fmt.Sprintf("Unknown command `%c%s`.", h.Parser.Prefix, cmd.Name))
	}
}

// applyApproval records the reviewer labels and mirrors them onto GitLab's
// native approval state.
func (h *GitLabHandler) applyApproval(ctx context.Context, cr host.ChangeRequest, negate bool, sender string) error {
	action := review.Add
	if negate {
		action = review.Remove
	}
	change, ok := review.Apply(labels.ParseAll(cr.Labels), review.StateLGTM, action, sender, cr.Author)
	if !ok || change.Empty() {
		return nil
	}

	var errs []error
	for _, l := range change.Add {
		if name, err := labels.Render(l); err == nil {
			if err := h.Host.AddLabel(ctx, cr.Number, name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, l := range change.Remove {
		if name, err := labels.Render(l); err == nil {
			if err := h.Host.RemoveLabel(ctx, cr.Number, name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if negate {
		if change.RevokeApproval {
			if err := h.Host.Unapprove(ctx, cr.Number); err != nil {
				errs = append(errs, err)
			}
		}
	} else if len(change.Add) > 0 {
		if err := h.Host.Approve(ctx, cr.Number); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onApprovalEvent mirrors approvals made through the GitLab UI onto the
// reviewer labels. The platform approval state is already set, so only the
// labels change here.
func (h *GitLabHandler) onApprovalEvent(ctx context.Context, e events.Event) error {
	if e.Reviewer == "" {
		return nil
	}
	cr, err := h.Host.GetChangeRequest(ctx, e.Number)
	if err != nil {
		return err
	}

	action := review.Add
	if e.ReviewState == "unapproved" {
		action = review.Remove
	}
	change, ok := review.Apply(labels.ParseAll(cr.Labels), review.StateApproved, action, e.Reviewer, cr.Author)
	if !ok || change.Empty() {
		return nil
	}

	var errs []error
	for _, l := range change.Add {
		if name, err := labels.Render(l); err == nil {
			if err := h.Host.AddLabel(ctx, cr.Number, name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, l := range change.Remove {
		if name, err := labels.Render(l); err == nil {
			if err := h.Host.RemoveLabel(ctx, cr.Number, name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *GitLabHandler) welcomeBody() string {
	if h.Parser.WelcomeBody != "" {
		return h.Parser.WelcomeBody
	}
	return WelcomeBody(h.Parser.Prefix)
}

func (h *GitLabHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
