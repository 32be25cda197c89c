// Package rules holds the operator-managed alert rules and the deterministic
// match/selection algorithm the alerter classifies events with.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/muttproject/mutt/pkg/event"
)

// Handling decides what happens to a matched event.
type Handling string

const (
	HandlingAlert    Handling = "alert"
	HandlingLog      Handling = "log"
	HandlingSuppress Handling = "suppress"
)

// MatchType selects the predicate a rule applies to an event.
type MatchType string

const (
	MatchContains  MatchType = "contains"
	MatchRegex     MatchType = "regex"
	MatchOIDPrefix MatchType = "oid_prefix"
)

// Rule is one row of the operator-managed rule table, cached in memory by the
// alerter. Priority: lower wins; ties broken by lowest id.
type Rule struct {
	ID             int64     `db:"id"`
	MatchString    string    `db:"match_string"`
	MatchType      MatchType `db:"match_type"`
	SyslogSeverity *int      `db:"syslog_severity"`
	TrapOID        string    `db:"trap_oid"`
	Priority       int       `db:"priority"`
	ProdHandling   Handling  `db:"prod_handling"`
	DevHandling    Handling  `db:"dev_handling"`
	TeamAssignment string    `db:"team_assignment"`
	IsActive       bool      `db:"is_active"`

	matcher matcher
}

// matcher is the compiled predicate for one match type.
type matcher interface {
	matches(ev *event.Event) bool
}

type containsMatcher struct{ needle string }

func (m containsMatcher) matches(ev *event.Event) bool {
	return strings.Contains(ev.Message, m.needle)
}

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) matches(ev *event.Event) bool {
	return m.re.MatchString(ev.Message)
}

type oidPrefixMatcher struct{ prefix string }

func (m oidPrefixMatcher) matches(ev *event.Event) bool {
	return ev.TrapOID != "" && strings.HasPrefix(ev.TrapOID, m.prefix)
}

// Compile builds the rule's matcher. Must be called once after loading;
// an unknown match type or an invalid regex is an error and the rule should
// be skipped by the loader.
func (r *Rule) Compile() error {
	switch r.MatchType {
	case MatchContains:
		r.matcher = containsMatcher{needle: r.MatchString}
	case MatchRegex:
		re, err := regexp.Compile(r.MatchString)
		if err != nil {
			return fmt.Errorf("rule %d: invalid regex %q: %w", r.ID, r.MatchString, err)
		}
		r.matcher = regexMatcher{re: re}
	case MatchOIDPrefix:
		r.matcher = oidPrefixMatcher{prefix: r.MatchString}
	default:
		return fmt.Errorf("rule %d: unknown match type %q", r.ID, r.MatchType)
	}
	return nil
}

// Matches applies the rule's predicate plus its optional severity constraint.
func (r *Rule) Matches(ev *event.Event) bool {
	if !r.IsActive || r.matcher == nil {
		return false
	}
	if r.SyslogSeverity != nil {
		if ev.SyslogSeverity == nil || *ev.SyslogSeverity != *r.SyslogSeverity {
			return false
		}
	}
	return r.matcher.matches(ev)
}

// HandlingFor picks the prod or dev handling for the matched event.
func (r *Rule) HandlingFor(isDevHost bool) Handling {
	if isDevHost {
		return r.DevHandling
	}
	return r.ProdHandling
}

// Select returns the matching active rule with the lowest priority value,
// ties broken by lowest id. Returns nil when nothing matches.
func Select(rs []Rule, ev *event.Event) *Rule {
	var best *Rule
	for i := range rs {
		r := &rs[i]
		if !r.Matches(ev) {
			continue
		}
		if best == nil ||
			r.Priority < best.Priority ||
			(r.Priority == best.Priority && r.ID < best.ID) {
			best = r
		}
	}
	return best
}
