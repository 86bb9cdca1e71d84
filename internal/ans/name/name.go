// Package name implements the ANSName grammar: parse, format, and
// wildcard matching of structured agent names.
package name

import (
	"fmt"
	"regexp"
	"strings"

	"ans/internal/ans/apperr"
)

// grammar is the normative ANS name regex.
var grammar = regexp.MustCompile(
	`^(?P<protocol>[a-z0-9]+)://(?P<id>[A-Za-z0-9_-]+)\.(?P<cap>[A-Za-z0-9_-]+)\.(?P<prov>[A-Za-z0-9_-]+)\.v(?P<ver>\d+\.\d+\.\d+)(?:,(?P<ext>[^\s]+))?$`,
)

// ANSName is an immutable, structured agent identifier.
type ANSName struct {
	Protocol   string
	AgentID    string
	Capability string
	Provider   string
	Version    string // MAJOR.MINOR.PATCH
	Extension  string // optional, "" when absent
}

// Parse validates s against the ANS name grammar and returns the
// structured value. Returns an *apperr.Error of kind InvalidName on any
// mismatch.
func Parse(s string) (ANSName, error) {
	m := grammar.FindStringSubmatch(s)
	if m == nil {
		return ANSName{}, apperr.New(apperr.InvalidName, fmt.Sprintf("%q does not match the ANS name grammar", s))
	}

	groups := make(map[string]string, len(m))
	for i, g := range grammar.SubexpNames() {
		if i == 0 || g == "" {
			continue
		}
		groups[g] = m[i]
	}

	return ANSName{
		Protocol:   groups["protocol"],
		AgentID:    groups["id"],
		Capability: groups["cap"],
		Provider:   groups["prov"],
		Version:    groups["ver"],
		Extension:  groups["ext"],
	}, nil
}

// Format renders the canonical string form of n. Format(Parse(s)) == s
// for any valid s, and Parse(Format(n)) == n for any n built by Parse.
func Format(n ANSName) string {
	var b strings.Builder

	b.WriteString(n.Protocol)
	b.WriteString("://")
	b.WriteString(n.AgentID)
	b.WriteByte('.')
	b.WriteString(n.Capability)
	b.WriteByte('.')
	b.WriteString(n.Provider)
	b.WriteString(".v")
	b.WriteString(n.Version)

	if n.Extension != "" {
		b.WriteByte(',')
		b.WriteString(n.Extension)
	}

	return b.String()
}

// Filter is a set of optional, wildcard-capable match fields. An absent
// field (empty string) or the literal "*" matches anything.
type Filter struct {
	Protocol   string
	Capability string
	Provider   string
}

// Matches reports whether n satisfies f, field by field.
func Matches(n ANSName, f Filter) bool {
	return fieldMatches(f.Protocol, n.Protocol) &&
		fieldMatches(f.Capability, n.Capability) &&
		fieldMatches(f.Provider, n.Provider)
}

func fieldMatches(want, have string) bool {
	return want == "" || want == "*" || want == have
}
