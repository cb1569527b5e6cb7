package retry

import (
	"regexp"
	"strings"
)

// StatementGate decides whether a command text may be retried at all.
// Statements whose side effects are not safely repeatable are blocked unless
// the caller removes them from the mask.
type StatementGate struct {
	mask    StatementCategory
	pattern *regexp.Regexp
}

// NewStatementGate compiles the match pattern for the blocked categories once.
// An empty mask yields a gate that allows everything without scanning.
func NewStatementGate(blocked StatementCategory) *StatementGate {
	gate := &StatementGate{mask: blocked & All}

	keywords := gate.mask.Keywords()
	if len(keywords) == 0 {
		return gate
	}

	alternatives := make([]string, len(keywords))
	for i, kw := range keywords {
		// "INSERT INTO" must tolerate any whitespace between the words
		alternatives[i] = strings.ReplaceAll(regexp.QuoteMeta(kw), " ", `\s+`)
	}
	gate.pattern = regexp.MustCompile(`(?i)\b(?:` + strings.Join(alternatives, "|") + `)\b`)

	return gate
}

// Allowed reports whether commandText is eligible for retry
func (g *StatementGate) Allowed(commandText string) bool {
	if g.pattern == nil {
		return true
	}
	return !g.pattern.MatchString(commandText)
}

// Blocked returns the blocked statement mask
func (g *StatementGate) Blocked() StatementCategory {
	return g.mask
}

// Pattern returns the compiled pattern source, or "" when nothing is blocked
func (g *StatementGate) Pattern() string {
	if g.pattern == nil {
		return ""
	}
	return g.pattern.String()
}
