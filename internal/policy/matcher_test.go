package policy

import (
	"testing"

	"github.com/egressd/egressd/config"
)

func newMatcher(t *testing.T, cfg config.AllowlistConfig) *Matcher {
	t.Helper()
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = "deny"
	}
	m, err := NewMatcher(cfg)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	return m
}

func TestMatchEmptyAllowlistDenies(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{})
	res := m.Match(RequestInfo{Host: "evil.com", Path: "/", Method: "GET"})
	if res.Allowed {
		t.Fatal("expected deny")
	}
	if res.Reason != ReasonDomainNotAllowed {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonDomainNotAllowed)
	}
}

func TestMatchDefaultAllow(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{DefaultAction: "allow"})
	res := m.Match(RequestInfo{Host: "anything.example", Path: "/", Method: "GET"})
	if !res.Allowed || res.Reason != ReasonDefaultAllow {
		t.Errorf("got %+v, want default allow", res)
	}
}

func TestMatchPredicates(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{{
		ID:      "api",
		Domain:  "api.example.com",
		Paths:   []string{"/v1/**"},
		Methods: []string{"GET", "POST"},
	}}})

	tests := []struct {
		name    string
		info    RequestInfo
		allowed bool
		reason  Reason
	}{
		{"allowed", RequestInfo{Host: "api.example.com", Path: "/v1/users", Method: "GET"}, true, ReasonRuleMatched},
		{"bad path", RequestInfo{Host: "api.example.com", Path: "/v2/users", Method: "GET"}, false, ReasonPathNotAllowed},
		{"bad method", RequestInfo{Host: "api.example.com", Path: "/v1/users", Method: "DELETE"}, false, ReasonMethodNotAllowed},
		{"bad domain", RequestInfo{Host: "other.example.com", Path: "/v1/users", Method: "GET"}, false, ReasonDomainNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Match(tt.info)
			if res.Allowed != tt.allowed || res.Reason != tt.reason {
				t.Errorf("got allowed=%v reason=%s, want allowed=%v reason=%s",
					res.Allowed, res.Reason, tt.allowed, tt.reason)
			}
		})
	}
}

func TestMatchClientIP(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{{
		ID:               "internal",
		Domain:           "internal.example.com",
		ClientIPs:        []string{"10.0.0.0/8"},
		ExcludeClientIPs: []string{"10.9.9.9"},
	}}})

	res := m.Match(RequestInfo{Host: "internal.example.com", SourceIP: "10.1.2.3"})
	if !res.Allowed {
		t.Errorf("10.1.2.3: got %+v, want allow", res)
	}

	res = m.Match(RequestInfo{Host: "internal.example.com", SourceIP: "192.168.1.1"})
	if res.Allowed || res.Reason != ReasonIPNotAllowed {
		t.Errorf("192.168.1.1: got %+v, want IP_NOT_ALLOWED", res)
	}

	// Exclusion beats the allow range.
	res = m.Match(RequestInfo{Host: "internal.example.com", SourceIP: "10.9.9.9"})
	if res.Allowed || res.Reason != ReasonIPExcluded {
		t.Errorf("10.9.9.9: got %+v, want IP_EXCLUDED", res)
	}

	// v4-mapped v6 source matches v4 CIDRs.
	res = m.Match(RequestInfo{Host: "internal.example.com", SourceIP: "::ffff:10.1.2.3"})
	if !res.Allowed {
		t.Errorf("::ffff:10.1.2.3: got %+v, want allow", res)
	}
}

func TestMatchTieBreakSpecificity(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{
		{ID: "multi", Domain: "**.example.com"},
		{ID: "single", Domain: "*.example.com"},
		{ID: "exact", Domain: "api.example.com"},
	}})

	res := m.Match(RequestInfo{Host: "api.example.com", Path: "/", Method: "GET"})
	if !res.Allowed || res.Rule == nil || res.Rule.ID != "exact" {
		t.Errorf("got %+v, want exact rule", res)
	}

	res = m.Match(RequestInfo{Host: "cdn.example.com", Path: "/", Method: "GET"})
	if !res.Allowed || res.Rule.ID != "single" {
		t.Errorf("got rule %v, want single", res.Rule)
	}

	res = m.Match(RequestInfo{Host: "a.b.example.com", Path: "/", Method: "GET"})
	if !res.Allowed || res.Rule.ID != "multi" {
		t.Errorf("got rule %v, want multi", res.Rule)
	}
}

func TestMatchTieBreakPathLength(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{
		{ID: "broad", Domain: "api.example.com", Paths: []string{"/**"}},
		{ID: "narrow", Domain: "api.example.com", Paths: []string{"/v1/users/**"}},
	}})

	res := m.Match(RequestInfo{Host: "api.example.com", Path: "/v1/users/42", Method: "GET"})
	if !res.Allowed || res.Rule.ID != "narrow" {
		t.Errorf("got rule %v, want narrow", res.Rule)
	}
}

func TestMatchTieBreakRuleID(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{
		{ID: "bbb", Domain: "api.example.com"},
		{ID: "aaa", Domain: "api.example.com"},
	}})
	res := m.Match(RequestInfo{Host: "api.example.com", Path: "/", Method: "GET"})
	if !res.Allowed || res.Rule.ID != "aaa" {
		t.Errorf("got rule %v, want aaa (lexicographic)", res.Rule)
	}
}

func TestMatchDisabledRule(t *testing.T) {
	off := false
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{
		{ID: "off", Domain: "api.example.com", Enabled: &off},
	}})
	res := m.Match(RequestInfo{Host: "api.example.com", Path: "/", Method: "GET"})
	if res.Allowed {
		t.Error("disabled rule matched")
	}
}

func TestMatchGRPCRestrictions(t *testing.T) {
	yes := true
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{{
		ID:     "grpc",
		Domain: "grpc.example.com",
		GRPC: &config.RuleGRPC{
			Services:        []string{"echo.v1.*", "billing.v1.Invoices"},
			AllowReflection: false,
			AllowHealth:     &yes,
		},
	}}})

	tests := []struct {
		service, method string
		want            bool
	}{
		{"echo.v1.EchoService", "Echo", true},
		{"billing.v1.Invoices", "List", true},
		{"billing.v1.Payments", "Charge", false},
		{"grpc.reflection.v1.ServerReflection", "ServerReflectionInfo", false},
		{"grpc.health.v1.Health", "Check", true},
	}
	for _, tt := range tests {
		res := m.Match(RequestInfo{
			Host: "grpc.example.com", Path: "/" + tt.service + "/" + tt.method,
			Method: "POST", IsGRPC: true,
			GRPCService: tt.service, GRPCMethod: tt.method,
		})
		if res.Allowed != tt.want {
			t.Errorf("%s/%s: allowed=%v, want %v", tt.service, tt.method, res.Allowed, tt.want)
		}
	}
}

func TestIsDomainAllowedSkipsPathAndMethod(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{{
		ID:      "api",
		Domain:  "api.example.com",
		Paths:   []string{"/v1/**"},
		Methods: []string{"GET"},
	}}})

	res := m.IsDomainAllowed("api.example.com", "203.0.113.7")
	if !res.Allowed {
		t.Errorf("got %+v, want allow on domain alone", res)
	}
	res = m.IsDomainAllowed("evil.com", "203.0.113.7")
	if res.Allowed || res.Reason != ReasonDomainNotAllowed {
		t.Errorf("got %+v, want DOMAIN_NOT_ALLOWED", res)
	}
}

func TestUpdateSwapsRuleSet(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{
		{ID: "old", Domain: "old.example.com"},
	}})

	err := m.Update(config.AllowlistConfig{
		DefaultAction: "deny",
		Rules:         []config.RuleConfig{{ID: "new", Domain: "new.example.com"}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if m.Match(RequestInfo{Host: "old.example.com"}).Allowed {
		t.Error("old rule still active after update")
	}
	if !m.Match(RequestInfo{Host: "new.example.com"}).Allowed {
		t.Error("new rule not active after update")
	}
}

func TestUpdateKeepsOldSetOnError(t *testing.T) {
	m := newMatcher(t, config.AllowlistConfig{Rules: []config.RuleConfig{
		{ID: "keep", Domain: "keep.example.com"},
	}})

	err := m.Update(config.AllowlistConfig{
		DefaultAction: "deny",
		Rules:         []config.RuleConfig{{ID: "bad", Domain: "x.example.com", Paths: []string{"no-slash"}}},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !m.Match(RequestInfo{Host: "keep.example.com"}).Allowed {
		t.Error("previous rule set lost after failed update")
	}
}
