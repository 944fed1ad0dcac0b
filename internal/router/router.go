// Package router evaluates first-match-wins routing rules against a
// parsed record and decides whether and where to forward it.
package router

import (
	"fmt"
	"regexp"

	"syslogfwd/internal/record"
)

// Action is the terminal disposition a matching rule assigns.
type Action string

const (
	ActionForward Action = "forward"
	ActionDrop    Action = "drop"
)

// Match holds the optional predicate clauses of a Rule. A nil Match
// (or one with no clauses set) always matches — the catch-all case.
type Match struct {
	Facilities      []string // canonical facility names, e.g. "auth"
	Severities      []string // canonical severity names, e.g. "err"
	HostnamePattern string
	MessagePattern  string
}

// Rule is one router entry, already validated (regexes compiled,
// destination/transform names cross-checked) at pipeline construction.
type Rule struct {
	Name        string
	Match       *Match
	Action      Action
	Destinations []string
	Transforms   []string

	facilitySet      map[int]bool
	severitySet      map[int]bool
	hostnameRegex    *regexp.Regexp
	messageRegex     *regexp.Regexp
}

// Compile resolves facility/severity names to codes and compiles the
// rule's regex clauses. It is called once at pipeline construction;
// a bad facility/severity name or invalid regex is a construction error.
func (r *Rule) Compile() error {
	if r.Action == "" {
		r.Action = ActionForward
	}
	if r.Match == nil {
		return nil
	}
	if len(r.Match.Facilities) > 0 {
		r.facilitySet = make(map[int]bool, len(r.Match.Facilities))
		for _, name := range r.Match.Facilities {
			code, ok := record.FacilityByName[name]
			if !ok {
				return fmt.Errorf("rule %q: unknown facility %q", r.Name, name)
			}
			r.facilitySet[code] = true
		}
	}
	if len(r.Match.Severities) > 0 {
		r.severitySet = make(map[int]bool, len(r.Match.Severities))
		for _, name := range r.Match.Severities {
			code, ok := record.SeverityByName[name]
			if !ok {
				return fmt.Errorf("rule %q: unknown severity %q", r.Name, name)
			}
			r.severitySet[code] = true
		}
	}
	if r.Match.HostnamePattern != "" {
		re, err := regexp.Compile(r.Match.HostnamePattern)
		if err != nil {
			return fmt.Errorf("rule %q: invalid hostname_pattern: %w", r.Name, err)
		}
		r.hostnameRegex = re
	}
	if r.Match.MessagePattern != "" {
		re, err := regexp.Compile(r.Match.MessagePattern)
		if err != nil {
			return fmt.Errorf("rule %q: invalid message_pattern: %w", r.Name, err)
		}
		r.messageRegex = re
	}
	return nil
}

// matches reports whether every configured clause matches — clauses are
// ANDed, and an absent Match matches unconditionally.
func (r *Rule) matches(rec *record.Record) bool {
	if r.Match == nil {
		return true
	}
	if r.facilitySet != nil && !r.facilitySet[rec.Facility] {
		return false
	}
	if r.severitySet != nil && !r.severitySet[rec.Severity] {
		return false
	}
	if r.hostnameRegex != nil && !r.hostnameRegex.MatchString(rec.Hostname) {
		return false
	}
	if r.messageRegex != nil && !r.messageRegex.MatchString(rec.Message) {
		return false
	}
	return true
}

// DropReason names why a record was dropped by the router, for the
// dropped_total{reason} counter.
type DropReason string

const (
	DropFilter  DropReason = "filter"
	DropNoMatch DropReason = "no_match"
)

// Decision is the router's verdict for one record.
type Decision struct {
	Forward      bool
	RuleName     string
	DropReason   DropReason
	Destinations []string
	Transforms   []string
}

// Router is an ordered, immutable list of compiled rules.
type Router struct {
	rules []*Rule
}

// New builds a Router from already-compiled rules (see Rule.Compile).
func New(rules []*Rule) *Router {
	return &Router{rules: rules}
}

// Evaluate is pure and deterministic: it depends only on (record, rule
// list), per the router invariant in §8. First matching rule wins; no
// further rules are considered.
func (rt *Router) Evaluate(rec *record.Record) Decision {
	for _, rule := range rt.rules {
		if !rule.matches(rec) {
			continue
		}
		if rule.Action == ActionDrop {
			return Decision{Forward: false, RuleName: rule.Name, DropReason: DropFilter}
		}
		return Decision{
			Forward:      true,
			RuleName:     rule.Name,
			Destinations: rule.Destinations,
			Transforms:   rule.Transforms,
		}
	}
	return Decision{Forward: false, DropReason: DropNoMatch}
}
