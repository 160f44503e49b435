// Package labels defines the canonical label taxonomy and the codec between
// typed label values and the platform's label strings. Labels are the bot's
// only persisted state, so every piece of policy that reads or writes them
// goes through this package instead of matching prefixes inline.
package labels

import (
	"errors"
	"strings"
)

// MaxNameLen is the longest label name the hosting platforms accept from us.
const MaxNameLen = 49

// ErrTooLong is returned by Render when the serialized name exceeds
// MaxNameLen. Callers must not submit such a name to the host.
var ErrTooLong = errors.New("label name exceeds 49 characters")

// Kind identifies the label category.
type Kind int

const (
	// User is an arbitrary, free-form label not owned by the bot.
	User Kind = iota
	Verified
	Hold
	WIP
	LGTM
	NeedsRebase
	CanBeMerged
	CherryPicked
	// Size carries a tier ("XS".."XXL") in Arg.
	Size
	// Branch marks the base branch of a change request; Arg is the branch name.
	Branch
	// CherryPickTarget records a pending cherry-pick; Arg is the target branch.
	CherryPickTarget
	// ApprovedBy, ChangesRequestedBy and CommentedBy carry the reviewer login
	// in Arg. ApprovedBy and ChangesRequestedBy are mutually exclusive per
	// reviewer; CommentedBy has no removal path.
	ApprovedBy
	ChangesRequestedBy
	CommentedBy
)

// Fixed label names.
const (
	NameVerified     = "verified"
	NameHold         = "hold"
	NameWIP          = "wip"
	NameLGTM         = "lgtm"
	NameNeedsRebase  = "needs-rebase"
	NameCanBeMerged  = "can-be-merged"
	NameCherryPicked = "cherry-picked"
)

// Dynamic label prefixes.
const (
	PrefixSize               = "size/"
	PrefixBranch             = "branch-"
	PrefixCherryPick         = "cherry-pick-"
	PrefixApprovedBy         = "Approved-By-"
	PrefixChangesRequestedBy = "Changes-requested-By-"
	PrefixCommentedBy        = "Commented-By-"
)

// Label is a typed label value. Arg holds the dynamic part (tier, branch or
// user) for parameterized kinds, and the raw name for User labels.
type Label struct {
	Kind Kind
	Arg  string
}

var fixedNames = map[string]Kind{
	NameVerified:     Verified,
	NameHold:         Hold,
	NameWIP:          WIP,
	NameLGTM:         LGTM,
	NameNeedsRebase:  NeedsRebase,
	NameCanBeMerged:  CanBeMerged,
	NameCherryPicked: CherryPicked,
}

// Parse maps a platform label string to a typed Label. Strings matching no
// known category round-trip as User labels.
func Parse(name string) Label {
	if kind, ok := fixedNames[name]; ok {
		return Label{Kind: kind}
	}

	// cherry-picked is checked above, so PrefixCherryPick cannot swallow it.
	for _, p := range []struct {
		prefix string
		kind   Kind
	}{
		{PrefixSize, Size},
		{PrefixBranch, Branch},
		{PrefixCherryPick, CherryPickTarget},
		{PrefixApprovedBy, ApprovedBy},
		{PrefixChangesRequestedBy, ChangesRequestedBy},
		{PrefixCommentedBy, CommentedBy},
	} {
		if arg, ok := strings.CutPrefix(name, p.prefix); ok && arg != "" {
			return Label{Kind: p.kind, Arg: arg}
		}
	}

	return Label{Kind: User, Arg: name}
}

// Render serializes a Label back to its platform string. It returns
// ErrTooLong when the result exceeds MaxNameLen.
func Render(l Label) (string, error) {
	var name string
	switch l.Kind {
	case Verified:
		name = NameVerified
	case Hold:
		name = NameHold
	case WIP:
		name = NameWIP
	case LGTM:
		name = NameLGTM
	case NeedsRebase:
		name = NameNeedsRebase
	case CanBeMerged:
		name = NameCanBeMerged
	case CherryPicked:
		name = NameCherryPicked
	case Size:
		name = PrefixSize + l.Arg
	case Branch:
		name = PrefixBranch + l.Arg
	case CherryPickTarget:
		name = PrefixCherryPick + l.Arg
	case ApprovedBy:
		name = PrefixApprovedBy + l.Arg
	case ChangesRequestedBy:
		name = PrefixChangesRequestedBy + l.Arg
	case CommentedBy:
		name = PrefixCommentedBy + l.Arg
	default:
		name = l.Arg
	}

	if len(name) > MaxNameLen {
		return "", ErrTooLong
	}
	return name, nil
}

// ParseAll parses a label set in order.
func ParseAll(names []string) []Label {
	out := make([]Label, 0, len(names))
	for _, n := range names {
		out = append(out, Parse(n))
	}
	return out
}

// Contains reports whether the set holds the exact label.
func Contains(set []Label, l Label) bool {
	for _, s := range set {
		if s == l {
			return true
		}
	}
	return false
}

// ContainsKind reports whether any label of the given kind is present.
func ContainsKind(set []Label, k Kind) bool {
	for _, s := range set {
		if s.Kind == k {
			return true
		}
	}
	return false
}

// SizeTier returns the tier for a change of the given total line count
// (additions plus deletions).
func SizeTier(changed int) string {
	switch {
	case changed < 20:
		return "XS"
	case changed < 50:
		return "S"
	case changed < 100:
		return "M"
	case changed < 300:
		return "L"
	case changed < 500:
		return "XL"
	default:
		return "XXL"
	}
}

// SizeLabel returns the size label for a change request's diff stats.
func SizeLabel(additions, deletions int) Label {
	return Label{Kind: Size, Arg: SizeTier(additions + deletions)}
}
