// Package review turns review events into per-reviewer label transitions.
// The transition function is pure: it inspects the current label set and
// returns the additions and removals to apply, leaving all I/O to the caller.
package review

import "github.com/redforge/mergegate/internal/labels"

// Review states understood by Apply. LGTM is the comment-command alias for an
// approving review.
const (
	StateApproved         = "approved"
	StateChangesRequested = "changes_requested"
	StateCommented        = "commented"
	StateLGTM             = "lgtm"
)

// Action selects the direction of a transition.
type Action int

const (
	Add Action = iota
	Remove
)

// Change is the label mutation resulting from a review transition.
// RevokeApproval is set when an lgtm removal must also withdraw a platform
// approval previously recorded for the reviewer.
type Change struct {
	Add            []labels.Label
	Remove         []labels.Label
	RevokeApproval bool
}

// Empty reports whether the change carries no mutations.
func (c Change) Empty() bool {
	return len(c.Add) == 0 && len(c.Remove) == 0 && !c.RevokeApproval
}

// Apply computes the label transition for one review event. current is the
// change request's observed label set, author its creator. The second return
// is false when state is not one we support; callers log and move on.
//
// Invariants maintained: Approved-By-<u> and Changes-requested-By-<u> never
// coexist for the same reviewer, and the author can never hold an approval on
// their own change request. Commented-By-<u> is only ever added; it has no
// removal path.
func Apply(current []labels.Label, state string, action Action, reviewer, author string) (Change, bool) {
	var ch Change

	switch state {
	case StateApproved, StateLGTM:
		if action == Remove {
			ch.Remove = append(ch.Remove, labels.Label{Kind: labels.ApprovedBy, Arg: reviewer})
			if state == StateLGTM {
				ch.RevokeApproval = true
			}
			return ch, true
		}
		if reviewer == author {
			// Self-approval is a no-op.
			return Change{}, true
		}
		ch.Add = append(ch.Add, labels.Label{Kind: labels.ApprovedBy, Arg: reviewer})
		opposite := labels.Label{Kind: labels.ChangesRequestedBy, Arg: reviewer}
		if labels.Contains(current, opposite) {
			ch.Remove = append(ch.Remove, opposite)
		}
		return ch, true

	case StateChangesRequested:
		l := labels.Label{Kind: labels.ChangesRequestedBy, Arg: reviewer}
		if action == Remove {
			ch.Remove = append(ch.Remove, l)
			return ch, true
		}
		ch.Add = append(ch.Add, l)
		opposite := labels.Label{Kind: labels.ApprovedBy, Arg: reviewer}
		if labels.Contains(current, opposite) {
			ch.Remove = append(ch.Remove, opposite)
		}
		return ch, true

	case StateCommented:
		l := labels.Label{Kind: labels.CommentedBy, Arg: reviewer}
		if action == Remove {
			ch.Remove = append(ch.Remove, l)
			return ch, true
		}
		ch.Add = append(ch.Add, l)
		return ch, true
	}

	return Change{}, false
}
