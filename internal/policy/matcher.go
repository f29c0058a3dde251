package policy

import (
	"sync/atomic"

	"github.com/egressd/egressd/config"
)

// Matcher is the policy decision engine. It holds an immutable snapshot
// of the compiled allowlist behind an atomic pointer; Update builds a new
// snapshot and swaps it, so in-flight lookups always see a consistent
// rule set and never block.
type Matcher struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	trie         *DomainTrie
	rules        []*Rule
	defaultAllow bool
}

// NewMatcher compiles the allowlist into a matcher.
func NewMatcher(cfg config.AllowlistConfig) (*Matcher, error) {
	m := &Matcher{}
	if err := m.Update(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Update atomically replaces the rule set. On compile error the previous
// snapshot stays active.
func (m *Matcher) Update(cfg config.AllowlistConfig) error {
	rules, err := CompileRules(cfg.Rules)
	if err != nil {
		return err
	}
	m.snap.Store(&snapshot{
		trie:         NewDomainTrie(rules),
		rules:        rules,
		defaultAllow: cfg.DefaultAction == "allow",
	})
	return nil
}

// Rules returns the active compiled rules.
func (m *Matcher) Rules() []*Rule {
	return m.snap.Load().rules
}

// Match runs the full decision pipeline: domain lookup, then per-rule
// predicates, then specificity tie-break.
func (m *Matcher) Match(info RequestInfo) MatchResult {
	s := m.snap.Load()
	candidates := s.trie.Lookup(info.Host)
	if len(candidates) == 0 {
		return s.defaultVerdict(ReasonDomainNotAllowed)
	}

	var best *Rule
	var worstFail *Rule
	failReason := ReasonNoMatchingRule
	for _, r := range candidates {
		reason := r.evaluate(info)
		if reason == "" {
			if best == nil || r.moreSpecificThan(best, info.Path) {
				best = r
			}
			continue
		}
		// Remember the failure of the most specific failing rule so the
		// denial explains the closest near-miss.
		if worstFail == nil || r.moreSpecificThan(worstFail, info.Path) {
			worstFail = r
			failReason = reason
		}
	}
	if best != nil {
		return MatchResult{Allowed: true, Rule: best, Reason: ReasonRuleMatched}
	}
	return s.defaultVerdict(failReason)
}

// IsDomainAllowed is the CONNECT-time variant: path and method are not
// known yet, so only domain and source-IP predicates apply.
func (m *Matcher) IsDomainAllowed(host, sourceIP string) MatchResult {
	s := m.snap.Load()
	candidates := s.trie.Lookup(host)
	if len(candidates) == 0 {
		return s.defaultVerdict(ReasonDomainNotAllowed)
	}

	var best *Rule
	failReason := ReasonNoMatchingRule
	for _, r := range candidates {
		if reason := r.evaluateIP(sourceIP); reason != "" {
			failReason = reason
			continue
		}
		if best == nil || r.moreSpecificThan(best, "") {
			best = r
		}
	}
	if best != nil {
		return MatchResult{Allowed: true, Rule: best, Reason: ReasonRuleMatched}
	}
	return s.defaultVerdict(failReason)
}

func (s *snapshot) defaultVerdict(denyReason Reason) MatchResult {
	if s.defaultAllow {
		return MatchResult{Allowed: true, Reason: ReasonDefaultAllow}
	}
	return MatchResult{Allowed: false, Reason: denyReason}
}

// evaluate returns "" when the rule admits the request, or the denial
// reason of the first failing predicate.
func (r *Rule) evaluate(info RequestInfo) Reason {
	if reason := r.evaluateIP(info.SourceIP); reason != "" {
		return reason
	}
	if info.Method != "" && !r.MatchesMethod(info.Method) {
		return ReasonMethodNotAllowed
	}
	if info.Path != "" && !r.MatchesPath(info.Path) {
		return ReasonPathNotAllowed
	}
	if info.IsGRPC && !r.MatchesGRPC(info.GRPCService, info.GRPCMethod) {
		return ReasonNoMatchingRule
	}
	return ""
}

func (r *Rule) evaluateIP(sourceIP string) Reason {
	if sourceIP == "" {
		return ""
	}
	if r.denyIP != nil && r.denyIP.Matches(sourceIP) {
		return ReasonIPExcluded
	}
	if r.allowIP != nil && !r.allowIP.Matches(sourceIP) {
		return ReasonIPNotAllowed
	}
	return ""
}
