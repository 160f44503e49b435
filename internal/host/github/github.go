// Package github implements the hosting operations against the GitHub API.
// Every call retries transient failures; 4xx responses are permanent.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"

	"github.com/redforge/mergegate/internal/host"
	"github.com/redforge/mergegate/internal/retry"
)

// quotaFloor is the number of remaining core requests below which calls wait
// for the rate limit window to reset.
const quotaFloor = 100

// Client is a typed GitHub client for one repository.
type Client struct {
	gh           *gh.Client
	owner        string
	repo         string
	retryBackoff []time.Duration

	loginOnce sync.Once
	login     string
	loginErr  error
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a client for owner/repo. When WithAppAuth is provided, the
// client authenticates as a GitHub App installation; otherwise it uses the
// given personal access token.
func New(owner, repo, token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	}

	return &Client{gh: client, owner: owner, repo: repo, retryBackoff: cfg.retryBackoff}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused, the signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}

	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// ListLabels returns the label names currently on the change request.
func (c *Client) ListLabels(ctx context.Context, number int) ([]string, error) {
	return retry.DoVal(ctx, func() ([]string, error) {
		var all []string
		opts := &gh.ListOptions{PerPage: 100}
		for {
			ghLabels, resp, err := c.gh.Issues.ListLabelsByIssue(ctx, c.owner, c.repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing labels: %w", err))
			}
			for _, l := range ghLabels {
				all = append(all, l.GetName())
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// AddLabel attaches a label to the change request.
func (c *Client) AddLabel(ctx context.Context, number int, name string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, []string{name})
		if err != nil {
			return classifyErr(fmt.Errorf("adding label %s: %w", name, err))
		}
		return nil
	}, c.retryOpts()...)
}

// RemoveLabel detaches a label. A 404 means it was already gone and is not
// an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, name string) error {
	return retry.Do(ctx, func() error {
		_, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, name)
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				return nil
			}
			return classifyErr(fmt.Errorf("removing label %s: %w", name, err))
		}
		return nil
	}, c.retryOpts()...)
}

// GetChangeRequest fetches one change request.
func (c *Client) GetChangeRequest(ctx context.Context, number int) (host.ChangeRequest, error) {
	return retry.DoVal(ctx, func() (host.ChangeRequest, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
		if err != nil {
			return host.ChangeRequest{}, classifyErr(fmt.Errorf("fetching change request: %w", err))
		}
		return changeRequestFromGH(pr), nil
	}, c.retryOpts()...)
}

// ListOpenChangeRequests returns all open change requests.
func (c *Client) ListOpenChangeRequests(ctx context.Context) ([]host.ChangeRequest, error) {
	return retry.DoVal(ctx, func() ([]host.ChangeRequest, error) {
		var all []host.ChangeRequest
		opts := &gh.PullRequestListOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing change requests: %w", err))
			}
			for _, pr := range prs {
				all = append(all, changeRequestFromGH(pr))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// GetCheckRuns returns the check runs for a ref.
func (c *Client) GetCheckRuns(ctx context.Context, ref string) ([]host.CheckRun, error) {
	return retry.DoVal(ctx, func() ([]host.CheckRun, error) {
		var all []host.CheckRun
		opts := &gh.ListCheckRunsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching check runs: %w", err))
			}
			for _, cr := range result.CheckRuns {
				all = append(all, host.CheckRun{
					Name:       cr.GetName(),
					Conclusion: cr.GetConclusion(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// GetStatuses returns all commit statuses for a ref, newest first per the API.
func (c *Client) GetStatuses(ctx context.Context, ref string) ([]host.CommitStatus, error) {
	return retry.DoVal(ctx, func() ([]host.CommitStatus, error) {
		var all []host.CommitStatus
		opts := &gh.ListOptions{PerPage: 100}
		for {
			statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, c.owner, c.repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching statuses: %w", err))
			}
			for _, s := range statuses {
				all = append(all, host.CommitStatus{
					Context:   s.GetContext(),
					State:     s.GetState(),
					UpdatedAt: s.GetUpdatedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// SetStatus writes a commit status on a ref.
func (c *Client) SetStatus(ctx context.Context, ref string, status host.StatusWrite) error {
	return retry.Do(ctx, func() error {
		repoStatus := &gh.RepoStatus{
			State:       gh.Ptr(status.State),
			Context:     gh.Ptr(status.Context),
			Description: gh.Ptr(status.Description),
		}
		if status.TargetURL != "" {
			repoStatus.TargetURL = gh.Ptr(status.TargetURL)
		}
		_, _, err := c.gh.Repositories.CreateStatus(ctx, c.owner, c.repo, ref, repoStatus)
		if err != nil {
			return classifyErr(fmt.Errorf("setting status %s: %w", status.Context, err))
		}
		return nil
	}, c.retryOpts()...)
}

// CreateComment posts a comment on the change request.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("posting comment: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// ReactToComment acknowledges a command comment with a +1 reaction.
func (c *Client) ReactToComment(ctx context.Context, commentID int64) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Reactions.CreateIssueCommentReaction(ctx, c.owner, c.repo, commentID, "+1")
		if err != nil {
			return classifyErr(fmt.Errorf("reacting to comment: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// BranchExists reports whether the branch exists on the remote.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		_, _, err := c.gh.Repositories.GetBranch(ctx, c.owner, c.repo, branch, 0)
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				return false, nil
			}
			return false, classifyErr(fmt.Errorf("checking branch %s: %w", branch, err))
		}
		return true, nil
	}, c.retryOpts()...)
}

// Merge squash-merges the change request.
func (c *Client) Merge(ctx context.Context, number int) error {
	return retry.Do(ctx, func() error {
		result, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "",
			&gh.PullRequestOptions{MergeMethod: "squash"})
		if err != nil {
			return classifyErr(fmt.Errorf("merging: %w", err))
		}
		if !result.GetMerged() {
			return retry.Permanent(fmt.Errorf("merge refused: %s", result.GetMessage()))
		}
		return nil
	}, c.retryOpts()...)
}

// EditTitle replaces the change request title.
func (c *Client) EditTitle(ctx context.Context, number int, title string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, number, &gh.PullRequest{
			Title: gh.Ptr(title),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("editing title: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// AddAssignee assigns a user to the change request.
func (c *Client) AddAssignee(ctx context.Context, number int, login string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.AddAssignees(ctx, c.owner, c.repo, number, []string{login})
		if err != nil {
			return classifyErr(fmt.Errorf("assigning %s: %w", login, err))
		}
		return nil
	}, c.retryOpts()...)
}

// RequestReviewers asks the given users for review. Users that cannot review
// (e.g. the author) cause a 422, which is reported as a permanent error.
func (c *Client) RequestReviewers(ctx context.Context, number int, logins []string) error {
	if len(logins) == 0 {
		return nil
	}
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.PullRequests.RequestReviewers(ctx, c.owner, c.repo, number,
			gh.ReviewersRequest{Reviewers: logins})
		if err != nil {
			return classifyErr(fmt.Errorf("requesting reviewers: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// CreateTrackingIssue opens an issue that tracks the change request.
func (c *Client) CreateTrackingIssue(ctx context.Context, title, body string) (int, error) {
	return retry.DoVal(ctx, func() (int, error) {
		issue, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, &gh.IssueRequest{
			Title: gh.Ptr(title),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return 0, classifyErr(fmt.Errorf("creating tracking issue: %w", err))
		}
		return issue.GetNumber(), nil
	}, c.retryOpts()...)
}

// CloseTrackingIssue closes an issue previously opened by CreateTrackingIssue.
func (c *Client) CloseTrackingIssue(ctx context.Context, number int) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, number, &gh.IssueRequest{
			State: gh.Ptr("closed"),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("closing tracking issue: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// ListTrackingIssues returns open issues whose title starts with prefix.
func (c *Client) ListTrackingIssues(ctx context.Context, prefix string) (map[string]int, error) {
	return retry.DoVal(ctx, func() (map[string]int, error) {
		found := make(map[string]int)
		opts := &gh.IssueListByRepoOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing issues: %w", err))
			}
			for _, issue := range issues {
				if issue.IsPullRequest() {
					continue
				}
				if title := issue.GetTitle(); strings.HasPrefix(title, prefix) {
					found[title] = issue.GetNumber()
				}
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return found, nil
	}, c.retryOpts()...)
}

// OwnersFile fetches the OWNERS file content from the default branch. A
// missing file returns nil content and no error.
func (c *Client) OwnersFile(ctx context.Context) ([]byte, error) {
	return retry.DoVal(ctx, func() ([]byte, error) {
		content, _, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, "OWNERS", nil)
		if err != nil {
			if isStatus(err, http.StatusNotFound) {
				return nil, nil
			}
			return nil, classifyErr(fmt.Errorf("fetching OWNERS: %w", err))
		}
		text, err := content.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decoding OWNERS: %w", err)
		}
		return []byte(text), nil
	}, c.retryOpts()...)
}

// CreatePullRequest opens a change request and returns its number.
func (c *Client) CreatePullRequest(ctx context.Context, title, body, head, base string) (int, error) {
	return retry.DoVal(ctx, func() (int, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return 0, classifyErr(fmt.Errorf("creating change request: %w", err))
		}
		return pr.GetNumber(), nil
	}, c.retryOpts()...)
}

// CloneURL returns the https clone URL of the repository.
func (c *Client) CloneURL(ctx context.Context) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		repo, _, err := c.gh.Repositories.Get(ctx, c.owner, c.repo)
		if err != nil {
			return "", classifyErr(fmt.Errorf("fetching repository: %w", err))
		}
		return repo.GetCloneURL(), nil
	}, c.retryOpts()...)
}

// BotLogin returns the authenticated user's login, cached after first call.
func (c *Client) BotLogin(ctx context.Context) (string, error) {
	c.loginOnce.Do(func() {
		c.login, c.loginErr = retry.DoVal(ctx, func() (string, error) {
			user, _, err := c.gh.Users.Get(ctx, "")
			if err != nil {
				return "", classifyErr(fmt.Errorf("fetching authenticated user: %w", err))
			}
			return user.GetLogin(), nil
		}, c.retryOpts()...)
	})
	return c.login, c.loginErr
}

// EnsureQuota waits for the core rate limit window to reset when the
// remaining budget is nearly exhausted.
func (c *Client) EnsureQuota(ctx context.Context) error {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return classifyErr(fmt.Errorf("fetching rate limit: %w", err))
	}
	core := limits.GetCore()
	if core == nil || core.Remaining >= quotaFloor {
		return nil
	}

	wait := time.Until(core.Reset.Time)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for rate limit reset: %w", ctx.Err())
	}
}

// EnsureWebhook registers the webhook when no hook with the given URL exists.
func (c *Client) EnsureWebhook(ctx context.Context, url, secret string) error {
	hooks, err := retry.DoVal(ctx, func() ([]*gh.Hook, error) {
		var all []*gh.Hook
		opts := &gh.ListOptions{PerPage: 100}
		for {
			hooks, resp, err := c.gh.Repositories.ListHooks(ctx, c.owner, c.repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing hooks: %w", err))
			}
			all = append(all, hooks...)
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
	if err != nil {
		return err
	}

	for _, hook := range hooks {
		if hook.GetConfig().GetURL() == url {
			return nil
		}
	}

	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Repositories.CreateHook(ctx, c.owner, c.repo, &gh.Hook{
			Active: gh.Ptr(true),
			Events: []string{"*"},
			Config: &gh.HookConfig{
				URL:         gh.Ptr(url),
				ContentType: gh.Ptr("json"),
				Secret:      gh.Ptr(secret),
			},
		})
		if err != nil {
			return classifyErr(fmt.Errorf("creating hook: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

func changeRequestFromGH(pr *gh.PullRequest) host.ChangeRequest {
	cr := host.ChangeRequest{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		Author:         pr.GetUser().GetLogin(),
		HTMLURL:        pr.GetHTMLURL(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		Merged:         pr.GetMerged(),
		MergeableState: pr.GetMergeableState(),
		Additions:      pr.GetAdditions(),
		Deletions:      pr.GetDeletions(),
	}
	if pr.Head != nil {
		cr.HeadBranch = pr.Head.GetRef()
		cr.HeadSHA = pr.Head.GetSHA()
	}
	if pr.Base != nil {
		cr.BaseBranch = pr.Base.GetRef()
	}
	for _, l := range pr.Labels {
		cr.Labels = append(cr.Labels, l.GetName())
	}
	return cr
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func isStatus(err error, code int) bool {
	var ghErr *gh.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == code
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx), and leaves it retryable for server errors (5xx) and network errors.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
