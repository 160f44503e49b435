// Package gitlab implements the hosting operations against the GitLab API.
// The surface mirrors the GitHub adapter where the platforms overlap; labels,
// notes, and approvals cover the merge request flow.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"

	"github.com/redforge/mergegate/internal/host"
	"github.com/redforge/mergegate/internal/retry"
)

// Client is a typed GitLab client for one project.
type Client struct {
	gl           *gl.Client
	pid          int
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
}

// WithBaseURL overrides the GitLab API base URL (useful for testing and
// self-hosted instances).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// New creates a client for the project with the given numeric ID.
func New(projectID int, token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var clientOpts []gl.ClientOptionFunc
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, gl.WithBaseURL(cfg.baseURL))
	}
	client, err := gl.NewClient(token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	return &Client{gl: client, pid: projectID, retryBackoff: cfg.retryBackoff}, nil
}

// ListLabels returns the labels currently on the merge request.
func (c *Client) ListLabels(ctx context.Context, number int) ([]string, error) {
	cr, err := c.GetChangeRequest(ctx, number)
	if err != nil {
		return nil, err
	}
	return cr.Labels, nil
}

// AddLabel attaches a label to the merge request.
func (c *Client) AddLabel(ctx context.Context, number int, name string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gl.MergeRequests.UpdateMergeRequest(c.pid, number, &gl.UpdateMergeRequestOptions{
			AddLabels: &gl.LabelOptions{name},
		}, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("adding label %s: %w", name, err))
		}
		return nil
	}, c.retryOpts()...)
}

// RemoveLabel detaches a label from the merge request.
func (c *Client) RemoveLabel(ctx context.Context, number int, name string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gl.MergeRequests.UpdateMergeRequest(c.pid, number, &gl.UpdateMergeRequestOptions{
			RemoveLabels: &gl.LabelOptions{name},
		}, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("removing label %s: %w", name, err))
		}
		return nil
	}, c.retryOpts()...)
}

// GetChangeRequest fetches one merge request.
func (c *Client) GetChangeRequest(ctx context.Context, number int) (host.ChangeRequest, error) {
	return retry.DoVal(ctx, func() (host.ChangeRequest, error) {
		mr, _, err := c.gl.MergeRequests.GetMergeRequest(c.pid, number, nil, gl.WithContext(ctx))
		if err != nil {
			return host.ChangeRequest{}, classifyErr(fmt.Errorf("fetching merge request: %w", err))
		}
		return changeRequestFromGL(mr), nil
	}, c.retryOpts()...)
}

// CreateComment posts a note on the merge request.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gl.Notes.CreateMergeRequestNote(c.pid, number, &gl.CreateMergeRequestNoteOptions{
			Body: gl.Ptr(body),
		}, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("posting note: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// ReactToNote acknowledges a command note with a thumbsup award.
func (c *Client) ReactToNote(ctx context.Context, number int, noteID int) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gl.AwardEmoji.CreateMergeRequestAwardEmojiOnNote(c.pid, number, noteID,
			&gl.CreateAwardEmojiOptions{Name: "thumbsup"}, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("reacting to note: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// Approve approves the merge request as the bot user.
func (c *Client) Approve(ctx context.Context, number int) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gl.MergeRequestApprovals.ApproveMergeRequest(c.pid, number, nil, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("approving: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// Unapprove revokes the bot's approval of the merge request.
func (c *Client) Unapprove(ctx context.Context, number int) error {
	return retry.Do(ctx, func() error {
		_, err := c.gl.MergeRequestApprovals.UnapproveMergeRequest(c.pid, number, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("unapproving: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// BranchExists reports whether the branch exists in the project.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		_, _, err := c.gl.Branches.GetBranch(c.pid, branch, gl.WithContext(ctx))
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				return false, nil
			}
			return false, classifyErr(fmt.Errorf("checking branch %s: %w", branch, err))
		}
		return true, nil
	}, c.retryOpts()...)
}

// Merge accepts the merge request with squash.
func (c *Client) Merge(ctx context.Context, number int) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gl.MergeRequests.AcceptMergeRequest(c.pid, number, &gl.AcceptMergeRequestOptions{
			Squash: gl.Ptr(true),
		}, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("accepting merge request: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// EditTitle replaces the merge request title.
func (c *Client) EditTitle(ctx context.Context, number int, title string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gl.MergeRequests.UpdateMergeRequest(c.pid, number, &gl.UpdateMergeRequestOptions{
			Title: gl.Ptr(title),
		}, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("editing title: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// SetStatus writes a commit status on a ref.
func (c *Client) SetStatus(ctx context.Context, ref string, status host.StatusWrite) error {
	return retry.Do(ctx, func() error {
		opts := &gl.SetCommitStatusOptions{
			State:       gl.BuildStateValue(translateState(status.State)),
			Name:        gl.Ptr(status.Context),
			Description: gl.Ptr(status.Description),
		}
		if status.TargetURL != "" {
			opts.TargetURL = gl.Ptr(status.TargetURL)
		}
		_, _, err := c.gl.Commits.SetCommitStatus(c.pid, ref, opts, gl.WithContext(ctx))
		if err != nil {
			return classifyErr(fmt.Errorf("setting status %s: %w", status.Context, err))
		}
		return nil
	}, c.retryOpts()...)
}

// BotLogin returns the authenticated user's username.
func (c *Client) BotLogin(ctx context.Context) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		user, _, err := c.gl.Users.CurrentUser(gl.WithContext(ctx))
		if err != nil {
			return "", classifyErr(fmt.Errorf("fetching current user: %w", err))
		}
		return user.Username, nil
	}, c.retryOpts()...)
}

// translateState maps the shared status vocabulary onto GitLab's, which says
// "failed" where GitHub says "failure".
func translateState(state string) string {
	if state == host.StatusFailure {
		return "failed"
	}
	return state
}

func changeRequestFromGL(mr *gl.MergeRequest) host.ChangeRequest {
	cr := host.ChangeRequest{
		Number:         mr.IID,
		Title:          mr.Title,
		HTMLURL:        mr.WebURL,
		HeadBranch:     mr.SourceBranch,
		BaseBranch:     mr.TargetBranch,
		HeadSHA:        mr.SHA,
		MergeCommitSHA: mr.MergeCommitSHA,
		Merged:         mr.State == "merged",
		MergeableState: translateMergeStatus(mr.DetailedMergeStatus),
		Labels:         mr.Labels,
	}
	if mr.Author != nil {
		cr.Author = mr.Author.Username
	}
	return cr
}

// translateMergeStatus maps GitLab's detailed merge status onto the shared
// mergeable-state vocabulary.
func translateMergeStatus(status string) string {
	switch status {
	case "mergeable", "ci_still_running", "ci_must_pass":
		return host.MergeableClean
	case "need_rebase":
		return host.MergeableBehind
	default:
		return status
	}
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

func isStatus(err error, code int) bool {
	var glErr *gl.ErrorResponse
	return errors.As(err, &glErr) && glErr.Response != nil && glErr.Response.StatusCode == code
}

// classifyErr wraps a client error (4xx) as permanent; server errors and
// network failures stay retryable.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var glErr *gl.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil {
		if glErr.Response.StatusCode >= 400 && glErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
