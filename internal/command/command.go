// Package command parses comment bodies into ordered bot commands. The same
// grammar serves both platforms; only the prefix character differs ("/" on
// GitHub, "!" on GitLab).
package command

import "strings"

// Action command names. Anything outside this vocabulary is a label-toggle
// request and is validated against UserLabels by the caller.
const (
	Retest             = "retest"
	CherryPick         = "cherry-pick"
	WIP                = "wip"
	BuildPushContainer = "build-and-push-container"
)

// UserLabels is the vocabulary of labels users may toggle by comment.
var UserLabels = []string{"hold", "verified", "wip", "lgtm", "approve"}

// Command is one parsed comment command. Arg is the raw remainder after the
// first space; commands taking several operands (cherry-pick) split it
// themselves. Negate is set by a trailing "cancel" argument or a leading "-"
// right after the prefix character.
type Command struct {
	Name   string
	Arg    string
	Negate bool
}

// Parser tokenizes comment bodies for one platform.
type Parser struct {
	// Prefix is the command marker character.
	Prefix byte
	// WelcomeBody, when non-empty, suppresses parsing of the bot's own
	// welcome comment so it never reacts to itself.
	WelcomeBody string
}

// Parse returns the commands found in body, in source order. Consumers
// process each command independently; a failing command does not block the
// ones after it.
func (p Parser) Parse(body string) []Command {
	if p.WelcomeBody != "" && strings.TrimSpace(body) == strings.TrimSpace(p.WelcomeBody) {
		return nil
	}

	trimmed := strings.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != p.Prefix {
		return nil
	}

	var cmds []Command
	for _, token := range strings.Split(trimmed, string(p.Prefix)) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		cmds = append(cmds, parseToken(token))
	}
	return cmds
}

func parseToken(token string) Command {
	var c Command

	if rest, ok := strings.CutPrefix(token, "-"); ok {
		c.Negate = true
		token = rest
	}

	name, arg, found := strings.Cut(token, " ")
	c.Name = name
	if found {
		arg = strings.TrimSpace(arg)
		if arg == "cancel" {
			c.Negate = true
		} else {
			c.Arg = arg
		}
	}
	return c
}

// IsUserLabel reports whether name is in the toggleable label vocabulary.
func IsUserLabel(name string) bool {
	for _, l := range UserLabels {
		if name == l {
			return true
		}
	}
	return false
}
