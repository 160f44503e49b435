package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/redforge/mergegate/internal/cherrypick"
	"github.com/redforge/mergegate/internal/command"
	"github.com/redforge/mergegate/internal/config"
	"github.com/redforge/mergegate/internal/events"
	"github.com/redforge/mergegate/internal/host"
	"github.com/redforge/mergegate/internal/worker"
)

type fakeHost struct {
	cr       host.ChangeRequest
	open     []host.ChangeRequest
	checks   []host.CheckRun
	statuses []host.CommitStatus
	owners   []byte
	login    string

	added     []string
	removed   []string
	comments  []string
	written   []host.StatusWrite
	merged    []int
	titles    []string
	assignees []string
	reviewers []string
	reacted   []int64
	trackers  map[string]int
	created   []string
	closed    []int
}

func (f *fakeHost) labelNames() []string {
	names := slices.Clone(f.cr.Labels)
	for _, n := range f.added {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	var out []string
	for _, n := range names {
		if !slices.Contains(f.removed, n) {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeHost) current() host.ChangeRequest {
	cr := f.cr
	cr.Labels = f.labelNames()
	return cr
}

func (f *fakeHost) ListLabels(context.Context, int) ([]string, error) { return f.labelNames(), nil }
func (f *fakeHost) AddLabel(_ context.Context, _ int, name string) error {
	f.added = append(f.added, name)
	return nil
}
func (f *fakeHost) RemoveLabel(_ context.Context, _ int, name string) error {
	f.removed = append(f.removed, name)
	return nil
}
func (f *fakeHost) GetChangeRequest(context.Context, int) (host.ChangeRequest, error) {
	return f.current(), nil
}
func (f *fakeHost) ListOpenChangeRequests(context.Context) ([]host.ChangeRequest, error) {
	return f.open, nil
}
func (f *fakeHost) GetCheckRuns(context.Context, string) ([]host.CheckRun, error) {
	return f.checks, nil
}
func (f *fakeHost) GetStatuses(context.Context, string) ([]host.CommitStatus, error) {
	return f.statuses, nil
}
func (f *fakeHost) SetStatus(_ context.Context, _ string, s host.StatusWrite) error {
	f.written = append(f.written, s)
	return nil
}
func (f *fakeHost) CreateComment(_ context.Context, _ int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}
func (f *fakeHost) ReactToComment(_ context.Context, id int64) error {
	f.reacted = append(f.reacted, id)
	return nil
}
func (f *fakeHost) Merge(_ context.Context, number int) error {
	f.merged = append(f.merged, number)
	return nil
}
func (f *fakeHost) EditTitle(_ context.Context, _ int, title string) error {
	f.titles = append(f.titles, title)
	return nil
}
func (f *fakeHost) AddAssignee(_ context.Context, _ int, login string) error {
	f.assignees = append(f.assignees, login)
	return nil
}
func (f *fakeHost) RequestReviewers(_ context.Context, _ int, logins []string) error {
	f.reviewers = append(f.reviewers, logins...)
	return nil
}
func (f *fakeHost) CreateTrackingIssue(_ context.Context, title, _ string) (int, error) {
	f.created = append(f.created, title)
	return 900, nil
}
func (f *fakeHost) CloseTrackingIssue(_ context.Context, number int) error {
	f.closed = append(f.closed, number)
	return nil
}
func (f *fakeHost) ListTrackingIssues(context.Context, string) (map[string]int, error) {
	return f.trackers, nil
}
func (f *fakeHost) OwnersFile(context.Context) ([]byte, error) { return f.owners, nil }
func (f *fakeHost) BotLogin(context.Context) (string, error)   { return f.login, nil }
func (f *fakeHost) EnsureQuota(context.Context) error          { return nil }

type fakeCI struct {
	tests     int
	installs  int
	builds    int
	pushes    []string
	published []string
}

func (f *fakeCI) RunTests(context.Context, host.ChangeRequest) error      { f.tests++; return nil }
func (f *fakeCI) InstallModule(context.Context, host.ChangeRequest) error { f.installs++; return nil }
func (f *fakeCI) BuildContainer(context.Context, host.ChangeRequest) error {
	f.builds++
	return nil
}
func (f *fakeCI) BuildAndPush(_ context.Context, tag string) error {
	f.pushes = append(f.pushes, tag)
	return nil
}
func (f *fakeCI) PublishTag(_ context.Context, tag string) error {
	f.published = append(f.published, tag)
	return nil
}

type fakePicker struct {
	recorded [][]string
	ran      []cherrypick.Request
}

func (f *fakePicker) Record(_ context.Context, _ int, targets []string) error {
	f.recorded = append(f.recorded, targets)
	return nil
}
func (f *fakePicker) RunAll(_ context.Context, req cherrypick.Request) error {
	f.ran = append(f.ran, req)
	return nil
}

type fakeDeferrer struct {
	delays []time.Duration
	jobs   []worker.Job
}

func (f *fakeDeferrer) SubmitAfter(d time.Duration, job worker.Job) {
	f.delays = append(f.delays, d)
	f.jobs = append(f.jobs, job)
}

func newHandler(t *testing.T, h *fakeHost) (*Handler, *fakeCI, *fakePicker, *fakeDeferrer) {
	t.Helper()
	ci := &fakeCI{}
	picker := &fakePicker{}
	deferrer := &fakeDeferrer{}
	handler := &Handler{
		Repo:     config.Repository{Name: "acme/widget", Tox: "all"},
		Host:     h,
		CI:       ci,
		Picker:   picker,
		Deferrer: deferrer,
		Parser:   command.Parser{Prefix: '/', WelcomeBody: WelcomeBody('/')},
		Logger:   slog.New(slog.DiscardHandler),
	}
	return handler, ci, picker, deferrer
}

func baseCR() host.ChangeRequest {
	return host.ChangeRequest{
		Number:         7,
		Title:          "fix widget overflow",
		Author:         "alice",
		HTMLURL:        "https://github.com/acme/widget/pull/7",
		HeadBranch:     "fix-overflow",
		BaseBranch:     "main",
		HeadSHA:        "abc123",
		MergeableState: host.MergeableClean,
		Additions:      30,
		Deletions:      5,
	}
}

func TestOpened(t *testing.T) {
	h := &fakeHost{cr: baseCR(), owners: []byte("approvers: [bob]\nreviewers: [bob, alice, carol]\n")}
	handler, ci, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "opened", Number: 7, Sender: "alice",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(h.comments) == 0 || !strings.Contains(h.comments[0], "/retest") {
		t.Errorf("welcome comment missing: %v", h.comments)
	}
	if !slices.Contains(h.added, "size/S") {
		t.Errorf("size label missing: %v", h.added)
	}
	if !slices.Contains(h.added, "branch-main") {
		t.Errorf("branch label missing: %v", h.added)
	}
	if len(h.written) == 0 || h.written[0].Context != host.ContextVerified || h.written[0].State != host.StatusPending {
		t.Errorf("verification status = %+v", h.written)
	}
	if !slices.Contains(h.assignees, "alice") {
		t.Errorf("assignees = %v", h.assignees)
	}
	// The author is excluded from the requested reviewers.
	if slices.Contains(h.reviewers, "alice") || !slices.Contains(h.reviewers, "carol") {
		t.Errorf("reviewers = %v", h.reviewers)
	}
	if len(h.created) != 1 || !strings.Contains(h.created[0], "#7") {
		t.Errorf("tracking issues = %v", h.created)
	}
	if ci.tests != 1 || ci.installs != 1 || ci.builds != 1 {
		t.Errorf("jobs = %d/%d/%d", ci.tests, ci.installs, ci.builds)
	}
	if len(h.merged) != 0 {
		t.Error("unverified change request merged")
	}
}

func TestOpenedTrustedAuthorAutoVerifies(t *testing.T) {
	h := &fakeHost{cr: baseCR()}
	handler, _, _, _ := newHandler(t, h)
	handler.Repo.AutoMergeUsers = []string{"alice"}

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "opened", Number: 7, Sender: "alice",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Contains(h.added, "verified") {
		t.Errorf("added = %v", h.added)
	}
	found := false
	for _, w := range h.written {
		if w.Context == host.ContextVerified && w.State == host.StatusSuccess {
			found = true
		}
	}
	if !found {
		t.Errorf("verification status = %+v", h.written)
	}
}

func TestSynchronizeResetsReviewState(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"verified", "Approved-By-bob", "Commented-By-carol", "size/S", "hold"}
	h := &fakeHost{cr: cr}
	handler, ci, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "synchronize", Number: 7,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	for _, want := range []string{"verified", "Approved-By-bob", "Commented-By-carol"} {
		if !slices.Contains(h.removed, want) {
			t.Errorf("label %q not removed: %v", want, h.removed)
		}
	}
	if slices.Contains(h.removed, "size/S") || slices.Contains(h.removed, "hold") {
		t.Errorf("unrelated labels removed: %v", h.removed)
	}
	if ci.tests != 1 {
		t.Errorf("tests = %d", ci.tests)
	}
}

func TestSynchronizeReRequestsReviewers(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"Approved-By-bob", "size/S"}
	h := &fakeHost{cr: cr, owners: []byte("approvers: [bob]\nreviewers: [bob, alice, carol]\n")}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "synchronize", Number: 7,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Contains(h.reviewers, "bob") || !slices.Contains(h.reviewers, "carol") {
		t.Errorf("reviewers = %v", h.reviewers)
	}
	if slices.Contains(h.reviewers, "alice") {
		t.Errorf("author re-requested: %v", h.reviewers)
	}
}

func TestEvaluateAddsCanBeMerged(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"verified", "Approved-By-bob"}
	h := &fakeHost{cr: cr, owners: []byte("approvers: [bob]\n")}
	handler, _, _, _ := newHandler(t, h)

	if err := handler.evaluate(context.Background(), 7); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !slices.Contains(h.added, "can-be-merged") {
		t.Errorf("added = %v", h.added)
	}
	if len(h.written) != 1 || h.written[0].State != host.StatusSuccess {
		t.Errorf("written = %+v", h.written)
	}
	// alice is not in auto_merge_users, so no merge.
	if len(h.merged) != 0 {
		t.Errorf("merged = %v", h.merged)
	}
}

func TestEvaluateAutoMergesTrustedAuthor(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"verified", "Approved-By-bob"}
	h := &fakeHost{cr: cr, owners: []byte("approvers: [bob]\n")}
	handler, _, _, _ := newHandler(t, h)
	handler.Repo.AutoMergeUsers = []string{"alice"}

	if err := handler.evaluate(context.Background(), 7); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !slices.Contains(h.merged, 7) {
		t.Errorf("merged = %v", h.merged)
	}
}

func TestEvaluateNeedsRebase(t *testing.T) {
	cr := baseCR()
	cr.MergeableState = host.MergeableBehind
	cr.Labels = []string{"verified", "Approved-By-bob", "can-be-merged"}
	h := &fakeHost{cr: cr, owners: []byte("approvers: [bob]\n")}
	handler, _, _, deferrer := newHandler(t, h)

	if err := handler.evaluate(context.Background(), 7); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !slices.Contains(h.added, "needs-rebase") {
		t.Errorf("added = %v", h.added)
	}
	if !slices.Contains(h.removed, "can-be-merged") {
		t.Errorf("removed = %v", h.removed)
	}
	if len(deferrer.jobs) != 1 {
		t.Errorf("deferred rechecks = %d", len(deferrer.jobs))
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"verified", "Approved-By-bob", "can-be-merged"}
	h := &fakeHost{
		cr:     cr,
		owners: []byte("approvers: [bob]\n"),
		statuses: []host.CommitStatus{
			{Context: host.ContextCanBeMerged, State: host.StatusSuccess, UpdatedAt: time.Now()},
		},
	}
	handler, _, _, _ := newHandler(t, h)

	if err := handler.evaluate(context.Background(), 7); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(h.added) != 0 || len(h.removed) != 0 || len(h.written) != 0 {
		t.Errorf("converged state mutated: add=%v remove=%v write=%v", h.added, h.removed, h.written)
	}
}

func TestCommentCommands(t *testing.T) {
	h := &fakeHost{cr: baseCR(), login: "mergegate-bot"}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeComment, Action: "created", Number: 7, Sender: "bob",
		CommentID: 55, CommentBody: "/verified",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !slices.Contains(h.reacted, int64(55)) {
		t.Errorf("reacted = %v", h.reacted)
	}
	if !slices.Contains(h.added, "verified") {
		t.Errorf("added = %v", h.added)
	}
	found := false
	for _, w := range h.written {
		if w.Context == host.ContextVerified && w.State == host.StatusSuccess {
			found = true
		}
	}
	if !found {
		t.Errorf("verification status not set: %+v", h.written)
	}
}

func TestCommentFromBotIgnored(t *testing.T) {
	h := &fakeHost{cr: baseCR(), login: "mergegate-bot"}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeComment, Action: "created", Number: 7, Sender: "mergegate-bot",
		CommentID: 55, CommentBody: "/verified",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.added) != 0 || len(h.reacted) != 0 {
		t.Error("bot comment processed")
	}
}

func TestWelcomeCommentNotParsed(t *testing.T) {
	h := &fakeHost{cr: baseCR()}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeComment, Action: "created", Number: 7, Sender: "someone",
		CommentID: 56, CommentBody: WelcomeBody('/'),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.reacted) != 0 {
		t.Error("welcome body treated as commands")
	}
}

func TestCommandWIPTogglesTitle(t *testing.T) {
	h := &fakeHost{cr: baseCR()}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeComment, Action: "created", Number: 7, Sender: "alice",
		CommentID: 57, CommentBody: "/wip",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Contains(h.added, "wip") {
		t.Errorf("added = %v", h.added)
	}
	if len(h.titles) != 1 || h.titles[0] != "WIP: fix widget overflow" {
		t.Errorf("titles = %v", h.titles)
	}
}

func TestCommandApproveRequiresOwners(t *testing.T) {
	h := &fakeHost{cr: baseCR(), owners: []byte("approvers: [bob]\n")}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeComment, Action: "created", Number: 7, Sender: "mallory",
		CommentID: 58, CommentBody: "/approve",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if slices.Contains(h.added, "Approved-By-mallory") {
		t.Error("non-approver approval accepted")
	}
	found := false
	for _, c := range h.comments {
		if strings.Contains(c, "not an approver") {
			found = true
		}
	}
	if !found {
		t.Errorf("comments = %v", h.comments)
	}
}

func TestCommandCherryPickOpenRecords(t *testing.T) {
	h := &fakeHost{cr: baseCR()}
	handler, _, picker, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeComment, Action: "created", Number: 7, Sender: "bob",
		CommentID: 59, CommentBody: "/cherry-pick v1.x v2.x",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(picker.recorded) != 1 || len(picker.recorded[0]) != 2 {
		t.Errorf("recorded = %v", picker.recorded)
	}
	if len(picker.ran) != 0 {
		t.Errorf("ran = %v", picker.ran)
	}
}

func TestCommandCherryPickMergedRunsNow(t *testing.T) {
	cr := baseCR()
	cr.Merged = true
	cr.MergeCommitSHA = "deadbeef"
	h := &fakeHost{cr: cr}
	handler, _, picker, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeComment, Action: "created", Number: 7, Sender: "bob",
		CommentID: 60, CommentBody: "/cherry-pick v1.x",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(picker.ran) != 1 || picker.ran[0].MergeSHA != "deadbeef" || picker.ran[0].Requester != "bob" {
		t.Errorf("ran = %+v", picker.ran)
	}
}

func TestReviewEvent(t *testing.T) {
	h := &fakeHost{cr: baseCR()}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeReview, Action: "submitted", Number: 7,
		Reviewer: "bob", ReviewState: "approved",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Contains(h.added, "Approved-By-bob") {
		t.Errorf("added = %v", h.added)
	}
}

func TestClosedMergedRunsCherryPicks(t *testing.T) {
	cr := baseCR()
	cr.Merged = true
	cr.MergeCommitSHA = "deadbeef"
	cr.Labels = []string{"cherry-pick-v1.x", "cherry-pick-v2.x", "size/S"}
	h := &fakeHost{cr: cr, trackers: map[string]int{trackingTitle(7): 900}}
	handler, ci, picker, _ := newHandler(t, h)
	handler.Repo.Container = &config.Container{Repository: "quay.io/acme/widget", Tag: "latest"}

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "closed", Number: 7, Sender: "bob",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(picker.ran) != 1 || len(picker.ran[0].Targets) != 2 {
		t.Errorf("ran = %+v", picker.ran)
	}
	if !slices.Contains(h.closed, 900) {
		t.Errorf("closed trackers = %v", h.closed)
	}
	if len(ci.pushes) != 1 {
		t.Errorf("pushes = %v", ci.pushes)
	}
}

func TestClosedUnmergedSkipsCherryPicks(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"cherry-pick-v1.x"}
	h := &fakeHost{cr: cr}
	handler, ci, picker, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "closed", Number: 7,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(picker.ran) != 0 || len(ci.pushes) != 0 {
		t.Error("closed-without-merge triggered post-merge actions")
	}
}

func TestTagPush(t *testing.T) {
	h := &fakeHost{cr: baseCR()}
	handler, ci, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypePush, Ref: "refs/tags/v1.2.3",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(ci.pushes) != 1 || ci.pushes[0] != "v1.2.3" {
		t.Errorf("pushes = %v", ci.pushes)
	}
	if len(ci.published) != 1 || ci.published[0] != "v1.2.3" {
		t.Errorf("published = %v", ci.published)
	}
}

func TestCheckRunCompletedEvaluatesOpen(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"verified", "Approved-By-bob"}
	h := &fakeHost{cr: cr, open: []host.ChangeRequest{cr}, owners: []byte("approvers: [bob]\n")}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeCheckRun, Action: "completed",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Contains(h.added, "can-be-merged") {
		t.Errorf("added = %v", h.added)
	}
}

func TestLabeledCanBeMergedAutoMerges(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"can-be-merged"}
	h := &fakeHost{cr: cr, login: "mergegate-bot"}
	handler, _, _, _ := newHandler(t, h)
	handler.Repo.AutoMergeUsers = []string{"alice"}

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "labeled", Number: 7, Label: "can-be-merged",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Contains(h.merged, 7) {
		t.Errorf("merged = %v", h.merged)
	}
}

func TestSynchronizeRefreshesSizeLabel(t *testing.T) {
	cr := baseCR()
	cr.Additions, cr.Deletions = 400, 200
	cr.Labels = []string{"size/S"}
	h := &fakeHost{cr: cr}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "synchronize", Number: 7,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !slices.Contains(h.removed, "size/S") {
		t.Errorf("removed = %v", h.removed)
	}
	if !slices.Contains(h.added, "size/XXL") {
		t.Errorf("added = %v", h.added)
	}
}

func TestLabeledVerifiedSyncsStatus(t *testing.T) {
	cr := baseCR()
	cr.Labels = []string{"verified"}
	h := &fakeHost{cr: cr}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "labeled", Number: 7, Label: "verified",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.written) == 0 || h.written[0].Context != host.ContextVerified || h.written[0].State != host.StatusSuccess {
		t.Errorf("written = %+v", h.written)
	}
}

func TestUnlabeledVerifiedResetsStatus(t *testing.T) {
	h := &fakeHost{cr: baseCR()}
	handler, _, _, _ := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "unlabeled", Number: 7, Label: "verified",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.written) == 0 || h.written[0].State != host.StatusPending {
		t.Errorf("written = %+v", h.written)
	}
}

func TestClosedMergedSchedulesOpenSweep(t *testing.T) {
	cr := baseCR()
	cr.Merged = true
	h := &fakeHost{cr: cr}
	handler, _, _, deferrer := newHandler(t, h)

	err := handler.Handle(context.Background(), events.Event{
		Type: events.TypeChangeRequest, Action: "closed", Number: 7,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(deferrer.jobs) != 1 || deferrer.jobs[0].Key != "acme/widget" {
		t.Errorf("deferred jobs = %+v", deferrer.jobs)
	}
}
