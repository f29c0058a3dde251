package tenant

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/connlimit"
	"github.com/egressd/egressd/internal/policy"
	"github.com/egressd/egressd/internal/ratelimit"
)

// Resolution errors, distinguishable so handlers can pick the status.
var (
	ErrNotIdentified = errors.New("tenant not identified")
	ErrUnknown       = errors.New("unknown tenant")
	ErrDisabled      = errors.New("tenant disabled")
)

// Context is one tenant's isolated policy surface: its own matcher,
// rate limiter and connection accounting.
type Context struct {
	ID       string
	Matcher  *policy.Matcher
	Limiter  *ratelimit.Limiter
	Conns    *connlimit.Limiter
	connRate *rate.Limiter // new-connection rate, nil when unlimited
}

// AdmitConnection checks the tenant's connection-rate and concurrency
// caps. The release is non-nil only on success.
func (c *Context) AdmitConnection(ip string) (release func(), err error) {
	if c.connRate != nil && !c.connRate.Allow() {
		return nil, fmt.Errorf("tenant %s connection rate exceeded", c.ID)
	}
	return c.Conns.Acquire(ip)
}

// Request carries the fields extractors look at.
type Request struct {
	Host    string // request host, without port
	Path    string
	Headers map[string]string // lowercased names
}

type extractor interface {
	extract(r Request) string
}

type headerExtractor struct{ name string }

func (e headerExtractor) extract(r Request) string {
	return r.Headers[e.name]
}

// apiKeyPrefixExtractor reads the tenant id from a key shaped
// "<tenant>-<secret>" in the configured header.
type apiKeyPrefixExtractor struct {
	header string
	prefix string
}

func (e apiKeyPrefixExtractor) extract(r Request) string {
	key := r.Headers[e.header]
	if key == "" || !strings.HasPrefix(key, e.prefix) {
		return ""
	}
	rest := strings.TrimPrefix(key, e.prefix)
	if i := strings.IndexByte(rest, '-'); i > 0 {
		return rest[:i]
	}
	return ""
}

type subdomainExtractor struct{ base string }

func (e subdomainExtractor) extract(r Request) string {
	suffix := "." + e.base
	if !strings.HasSuffix(r.Host, suffix) {
		return ""
	}
	sub := strings.TrimSuffix(r.Host, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

type pathPrefixExtractor struct{ prefix string }

func (e pathPrefixExtractor) extract(r Request) string {
	if !strings.HasPrefix(r.Path, e.prefix) {
		return ""
	}
	rest := strings.TrimPrefix(r.Path, e.prefix)
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Resolver maps requests to tenant contexts. Extractors run in
// configured order; the first non-empty id wins.
type Resolver struct {
	enabled    bool
	extractors []extractor
	tenants    map[string]*Context
	disabled   map[string]bool
}

// NewResolver compiles every tenant's allowlist up front so a broken
// tenant config fails at startup, not at request time.
func NewResolver(cfg config.TenantsConfig, defaultRPM int) (*Resolver, error) {
	r := &Resolver{
		enabled:  cfg.Enabled,
		tenants:  make(map[string]*Context),
		disabled: make(map[string]bool),
	}
	if !cfg.Enabled {
		return r, nil
	}

	for _, ec := range cfg.Extractors {
		ex, err := buildExtractor(ec)
		if err != nil {
			return nil, err
		}
		r.extractors = append(r.extractors, ex)
	}

	for id, tc := range cfg.Tenants {
		if !tc.IsEnabled() {
			r.disabled[id] = true
			continue
		}
		m, err := policy.NewMatcher(tc.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", id, err)
		}
		limiter := ratelimit.New(defaultRPM)
		limiter.SetRules(ruleRates(tc.Allowlist.Rules))

		tctx := &Context{
			ID:      id,
			Matcher: m,
			Limiter: limiter,
			Conns:   connlimit.New(tc.MaxConnections, 0),
		}
		if tc.ConnectionRate > 0 {
			tctx.connRate = rate.NewLimiter(rate.Limit(tc.ConnectionRate), tc.ConnectionRate)
		}
		r.tenants[id] = tctx
	}
	return r, nil
}

// Enabled reports whether tenancy is active.
func (r *Resolver) Enabled() bool { return r.enabled }

// Resolve returns the tenant context for a request.
func (r *Resolver) Resolve(req Request) (*Context, error) {
	var id string
	for _, ex := range r.extractors {
		if id = ex.extract(req); id != "" {
			break
		}
	}
	if id == "" {
		return nil, ErrNotIdentified
	}
	if r.disabled[id] {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	t, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return t, nil
}

// Close stops every tenant's rate-limit sweeper.
func (r *Resolver) Close() {
	for _, t := range r.tenants {
		t.Limiter.Close()
	}
}

func buildExtractor(ec config.ExtractorConfig) (extractor, error) {
	switch ec.Type {
	case "header":
		if ec.Name == "" {
			return nil, fmt.Errorf("header extractor requires name")
		}
		return headerExtractor{name: strings.ToLower(ec.Name)}, nil
	case "api_key_prefix":
		name := ec.Name
		if name == "" {
			name = "authorization"
		}
		return apiKeyPrefixExtractor{header: strings.ToLower(name), prefix: ec.Prefix}, nil
	case "subdomain":
		if ec.Suffix == "" {
			return nil, fmt.Errorf("subdomain extractor requires suffix")
		}
		return subdomainExtractor{base: strings.ToLower(ec.Suffix)}, nil
	case "path_prefix":
		if ec.Prefix == "" {
			return nil, fmt.Errorf("path_prefix extractor requires prefix")
		}
		return pathPrefixExtractor{prefix: ec.Prefix}, nil
	default:
		return nil, fmt.Errorf("unknown tenant extractor type %q", ec.Type)
	}
}

// ruleRates lifts rule rate limits into limiter form.
func ruleRates(rules []config.RuleConfig) map[string]ratelimit.RuleRate {
	out := make(map[string]ratelimit.RuleRate)
	for _, rc := range rules {
		if rc.RateLimit != nil {
			out[rc.ID] = ratelimit.RuleRate{
				PerMinute: rc.RateLimit.RequestsPerMinute,
				Burst:     rc.RateLimit.Burst,
			}
		}
	}
	return out
}
