// Package events defines the normalized webhook event passed from the HTTP
// layer to the dispatcher, and conversions from platform payloads.
package events

import (
	"github.com/google/go-github/v68/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// Event types.
const (
	TypeChangeRequest = "change_request"
	TypeComment       = "comment"
	TypeReview        = "review"
	TypePush          = "push"
	TypeCheckRun      = "check_run"
)

// Event is the platform-neutral view of a webhook delivery. Only the fields
// relevant to the event's type are populated.
type Event struct {
	Type   string
	Action string
	// Repo is the short repository name from the payload.
	Repo   string
	Number int
	Sender string

	CommentID   int64
	CommentBody string

	ReviewState string
	Reviewer    string

	Label string

	// Ref is the pushed ref for push events, e.g. "refs/tags/v1.2.3".
	Ref string

	// Delivery identifies the webhook delivery for log correlation.
	Delivery string
}

// IsTagPush reports whether the event is a push of a tag.
func (e Event) IsTagPush() bool {
	return e.Type == TypePush && len(e.Ref) > len("refs/tags/") && e.Ref[:len("refs/tags/")] == "refs/tags/"
}

// Tag returns the tag name of a tag push, or empty.
func (e Event) Tag() string {
	if !e.IsTagPush() {
		return ""
	}
	return e.Ref[len("refs/tags/"):]
}

// FromGitHub converts a parsed GitHub webhook payload into an Event. The
// second return is false for payload types the dispatcher does not handle.
func FromGitHub(delivery string, payload any) (Event, bool) {
	switch p := payload.(type) {
	case *github.PullRequestEvent:
		e := Event{
			Type:     TypeChangeRequest,
			Action:   p.GetAction(),
			Repo:     p.GetRepo().GetName(),
			Number:   p.GetNumber(),
			Sender:   p.GetSender().GetLogin(),
			Label:    p.GetLabel().GetName(),
			Delivery: delivery,
		}
		return e, true
	case *github.IssueCommentEvent:
		// Comments on plain issues carry no pull request link.
		if p.GetIssue().GetPullRequestLinks() == nil {
			return Event{}, false
		}
		return Event{
			Type:        TypeComment,
			Action:      p.GetAction(),
			Repo:        p.GetRepo().GetName(),
			Number:      p.GetIssue().GetNumber(),
			Sender:      p.GetSender().GetLogin(),
			CommentID:   p.GetComment().GetID(),
			CommentBody: p.GetComment().GetBody(),
			Delivery:    delivery,
		}, true
	case *github.PullRequestReviewEvent:
		return Event{
			Type:        TypeReview,
			Action:      p.GetAction(),
			Repo:        p.GetRepo().GetName(),
			Number:      p.GetPullRequest().GetNumber(),
			Sender:      p.GetSender().GetLogin(),
			Reviewer:    p.GetReview().GetUser().GetLogin(),
			ReviewState: p.GetReview().GetState(),
			Delivery:    delivery,
		}, true
	case *github.PushEvent:
		return Event{
			Type:     TypePush,
			Repo:     p.GetRepo().GetName(),
			Sender:   p.GetSender().GetLogin(),
			Ref:      p.GetRef(),
			Delivery: delivery,
		}, true
	case *github.CheckRunEvent:
		return Event{
			Type:     TypeCheckRun,
			Action:   p.GetAction(),
			Repo:     p.GetRepo().GetName(),
			Sender:   p.GetSender().GetLogin(),
			Delivery: delivery,
		}, true
	default:
		return Event{}, false
	}
}

// FromGitLab converts a parsed GitLab webhook payload into an Event.
func FromGitLab(delivery string, payload any) (Event, bool) {
	switch p := payload.(type) {
	case *gitlab.MergeEvent:
		// Approvals arrive as merge request events with their own actions.
		if action := p.ObjectAttributes.Action; action == "approved" || action == "unapproved" {
			e := Event{
				Type:        TypeReview,
				Action:      "submitted",
				Repo:        p.Project.Name,
				Number:      p.ObjectAttributes.IID,
				ReviewState: action,
				Delivery:    delivery,
			}
			if p.User != nil {
				e.Sender = p.User.Username
				e.Reviewer = p.User.Username
			}
			return e, true
		}
		e := Event{
			Type:     TypeChangeRequest,
			Action:   normalizeGitLabAction(p.ObjectAttributes.Action),
			Repo:     p.Project.Name,
			Number:   p.ObjectAttributes.IID,
			Delivery: delivery,
		}
		if p.User != nil {
			e.Sender = p.User.Username
		}
		return e, true
	case *gitlab.MergeCommentEvent:
		if p.MergeRequest.IID == 0 {
			return Event{}, false
		}
		e := Event{
			Type:        TypeComment,
			Action:      "created",
			Repo:        p.Project.Name,
			Number:      p.MergeRequest.IID,
			CommentID:   int64(p.ObjectAttributes.ID),
			CommentBody: p.ObjectAttributes.Note,
			Delivery:    delivery,
		}
		if p.User != nil {
			e.Sender = p.User.Username
		}
		return e, true
	case *gitlab.TagEvent:
		return Event{
			Type:     TypePush,
			Repo:     p.Project.Name,
			Sender:   p.UserUsername,
			Ref:      p.Ref,
			Delivery: delivery,
		}, true
	default:
		return Event{}, false
	}
}

// normalizeGitLabAction maps GitLab merge request actions onto the action
// vocabulary the dispatcher keys on.
func normalizeGitLabAction(action string) string {
	switch action {
	case "open":
		return "opened"
	case "reopen":
		return "reopened"
	case "close", "merge":
		return "closed"
	case "update":
		return "synchronize"
	default:
		return action
	}
}
