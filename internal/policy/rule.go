package policy

import (
	"fmt"
	"strings"

	"github.com/egressd/egressd/config"
)

type domainKind int

const (
	domainExact domainKind = iota
	domainSingle
	domainMulti
)

// Rule is a compiled allowlist rule. Rules are immutable after compilation;
// concurrent lookups share them freely.
type Rule struct {
	ID     string
	Domain string

	kind    domainKind
	suffix  []string // reversed dot-segments of the non-wildcard part
	paths   *PathMatcher
	methods map[string]struct{} // empty means all
	allowIP *IPMatcher          // nil means all sources
	denyIP  *IPMatcher          // nil means none excluded
	grpc    *grpcRestriction

	RateLimit *config.RuleRateLimit
	Headers   config.HeaderTransforms
}

// CompileRules builds the enabled rules from configuration. Disabled rules
// are skipped, not errors.
func CompileRules(rcs []config.RuleConfig) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(rcs))
	for _, rc := range rcs {
		if !rc.IsEnabled() {
			continue
		}
		r, err := compileRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func compileRule(rc config.RuleConfig) (*Rule, error) {
	r := &Rule{
		ID:        rc.ID,
		Domain:    strings.ToLower(rc.Domain),
		RateLimit: rc.RateLimit,
		Headers:   rc.Headers,
	}

	switch {
	case strings.HasPrefix(r.Domain, "**."):
		r.kind = domainMulti
		r.suffix = reverseSegments(r.Domain[3:])
	case strings.HasPrefix(r.Domain, "*."):
		r.kind = domainSingle
		r.suffix = reverseSegments(r.Domain[2:])
	default:
		r.kind = domainExact
		r.suffix = reverseSegments(r.Domain)
	}
	if len(r.suffix) == 0 {
		return nil, fmt.Errorf("empty domain pattern")
	}

	if len(rc.Paths) > 0 {
		pm, err := NewPathMatcher(rc.Paths)
		if err != nil {
			return nil, err
		}
		r.paths = pm
	}

	if len(rc.Methods) > 0 {
		r.methods = make(map[string]struct{}, len(rc.Methods))
		for _, m := range rc.Methods {
			r.methods[strings.ToUpper(m)] = struct{}{}
		}
	}

	if len(rc.ClientIPs) > 0 {
		m, err := NewIPMatcher(rc.ClientIPs)
		if err != nil {
			return nil, fmt.Errorf("client_ips: %w", err)
		}
		r.allowIP = m
	}
	if len(rc.ExcludeClientIPs) > 0 {
		m, err := NewIPMatcher(rc.ExcludeClientIPs)
		if err != nil {
			return nil, fmt.Errorf("exclude_client_ips: %w", err)
		}
		r.denyIP = m
	}

	if rc.GRPC != nil {
		r.grpc = compileGRPC(rc.GRPC)
	}
	return r, nil
}

// HasGRPCRestriction reports whether the rule carries its own gRPC
// service/method filter.
func (r *Rule) HasGRPCRestriction() bool { return r.grpc != nil }

// MatchesPath reports whether the rule admits the path. Rules with no path
// patterns admit every path.
func (r *Rule) MatchesPath(path string) bool {
	if r.paths == nil {
		return true
	}
	return r.paths.Matches(path)
}

// MatchesMethod reports whether the rule admits the method.
func (r *Rule) MatchesMethod(method string) bool {
	if len(r.methods) == 0 {
		return true
	}
	_, ok := r.methods[strings.ToUpper(method)]
	return ok
}

// longestPathPattern returns the length of the longest path pattern that
// matches, for tie-breaking. Rules without path patterns score zero.
func (r *Rule) longestPathPattern(path string) int {
	if r.paths == nil {
		return 0
	}
	return r.paths.LongestMatch(path)
}

// specificity orders rules: exact beats single-wildcard beats
// multi-wildcard, and within a kind a longer suffix beats a shorter one.
func (r *Rule) moreSpecificThan(o *Rule, path string) bool {
	if r.kind != o.kind {
		return r.kind < o.kind
	}
	if len(r.suffix) != len(o.suffix) {
		return len(r.suffix) > len(o.suffix)
	}
	rp, op := r.longestPathPattern(path), o.longestPathPattern(path)
	if rp != op {
		return rp > op
	}
	return r.ID < o.ID
}

func reverseSegments(domain string) []string {
	if domain == "" {
		return nil
	}
	segs := strings.Split(domain, ".")
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return segs
}
