// Package host holds the data types exchanged with the hosting-platform
// adapters. Consumers declare their own narrow interfaces over these types;
// the adapters in host/github and host/gitlab implement them.
package host

import "time"

// Commit status states.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Commit status contexts written by the bot.
const (
	ContextVerified      = "verified"
	ContextTox           = "tox"
	ContextContainer     = "build-container"
	ContextModuleInstall = "python-module-install"
	ContextCanBeMerged   = "can-be-merged"
)

// Mergeable states reported by the platform. Anything else is treated as
// unknown and does not block merging.
const (
	MergeableClean  = "clean"
	MergeableBehind = "behind"
)

// ChangeRequest is a pull/merge request as seen by the bot.
type ChangeRequest struct {
	Number         int
	Title          string
	Author         string
	HTMLURL        string
	HeadBranch     string
	BaseBranch     string
	HeadSHA        string
	MergeCommitSHA string
	Merged         bool
	MergeableState string
	Additions      int
	Deletions      int
	Labels         []string
}

// CheckRun is the conclusion of one CI check run on a commit.
type CheckRun struct {
	Name       string
	Conclusion string
}

// CommitStatus is one status entry on a commit. A context may appear several
// times; only the entry with the greatest UpdatedAt is authoritative.
type CommitStatus struct {
	Context   string
	State     string
	UpdatedAt time.Time
}

// StatusWrite is a commit status to be written.
type StatusWrite struct {
	Context     string
	State       string
	Description string
	TargetURL   string
}
