// Package mergecheck computes merge eligibility from a change request's
// observed state. Evaluate is pure: it returns the minimal mutation plan
// needed to reconcile the can-be-merged label and status with policy, so a
// second evaluation over unchanged inputs yields an empty plan.
package mergecheck

import (
	"github.com/redforge/mergegate/internal/host"
	"github.com/redforge/mergegate/internal/labels"
)

// Input is the full snapshot the evaluator decides over.
type Input struct {
	Labels         []labels.Label
	MergeableState string
	CheckRuns      []host.CheckRun
	Statuses       []host.CommitStatus
	Approvers      []string
	// RequireVerified is false when the repository has verification disabled.
	RequireVerified bool
}

// Plan is the outcome plus the mutations needed to converge. Labels listed
// are guaranteed absent (AddLabels) or present (RemoveLabels) in the input
// set, and SetStatus is nil when the latest can-be-merged status already
// matches, keeping the evaluator idempotent.
type Plan struct {
	Mergeable    bool
	AddLabels    []labels.Label
	RemoveLabels []labels.Label
	SetStatus    *host.StatusWrite
}

// Empty reports whether applying the plan would issue any mutation.
func (p Plan) Empty() bool {
	return len(p.AddLabels) == 0 && len(p.RemoveLabels) == 0 && p.SetStatus == nil
}

// Evaluate decides mergeability. All of the following must hold:
// a verified label (unless verification is disabled), a mergeable state
// other than behind, all check runs successful, every status context at
// its latest timestamp successful (the can-be-merged context itself is
// excluded), no hold label, no changes-requested label from anyone, and at
// least one approval from a configured approver.
func Evaluate(in Input) Plan {
	mergeable := eligible(in)

	canBeMerged := labels.Label{Kind: labels.CanBeMerged}
	plan := Plan{Mergeable: mergeable}

	if mergeable {
		if !labels.Contains(in.Labels, canBeMerged) {
			plan.AddLabels = append(plan.AddLabels, canBeMerged)
		}
		if currentMergeStatus(in.Statuses) != host.StatusSuccess {
			plan.SetStatus = &host.StatusWrite{
				Context:     host.ContextCanBeMerged,
				State:       host.StatusSuccess,
				Description: "Can be merged",
			}
		}
		return plan
	}

	if labels.Contains(in.Labels, canBeMerged) {
		plan.RemoveLabels = append(plan.RemoveLabels, canBeMerged)
	}
	if currentMergeStatus(in.Statuses) != host.StatusPending {
		plan.SetStatus = &host.StatusWrite{
			Context:     host.ContextCanBeMerged,
			State:       host.StatusPending,
			Description: "Cannot be merged",
		}
	}
	return plan
}

func eligible(in Input) bool {
	if in.RequireVerified && !labels.Contains(in.Labels, labels.Label{Kind: labels.Verified}) {
		return false
	}
	if in.MergeableState == host.MergeableBehind {
		return false
	}
	for _, cr := range in.CheckRuns {
		if cr.Conclusion != host.StatusSuccess {
			return false
		}
	}
	for _, st := range latestStatuses(in.Statuses) {
		if st.State != host.StatusSuccess {
			return false
		}
	}
	if labels.ContainsKind(in.Labels, labels.Hold) {
		return false
	}

	approved := false
	for _, l := range in.Labels {
		if l.Kind == labels.ChangesRequestedBy {
			return false
		}
		if l.Kind == labels.ApprovedBy && isApprover(l.Arg, in.Approvers) {
			approved = true
		}
	}
	return approved
}

// latestStatuses reduces the status list to the authoritative entry per
// context, dropping the can-be-merged context the evaluator itself owns.
func latestStatuses(statuses []host.CommitStatus) map[string]host.CommitStatus {
	latest := make(map[string]host.CommitStatus, len(statuses))
	for _, st := range statuses {
		if st.Context == host.ContextCanBeMerged {
			continue
		}
		if prev, ok := latest[st.Context]; !ok || st.UpdatedAt.After(prev.UpdatedAt) {
			latest[st.Context] = st
		}
	}
	return latest
}

// currentMergeStatus returns the latest state of the can-be-merged context,
// or empty when none has been written yet.
func currentMergeStatus(statuses []host.CommitStatus) string {
	var cur host.CommitStatus
	found := false
	for _, st := range statuses {
		if st.Context != host.ContextCanBeMerged {
			continue
		}
		if !found || st.UpdatedAt.After(cur.UpdatedAt) {
			cur = st
			found = true
		}
	}
	if !found {
		return ""
	}
	return cur.State
}

func isApprover(user string, approvers []string) bool {
	for _, a := range approvers {
		if a == user {
			return true
		}
	}
	return false
}
