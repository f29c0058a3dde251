package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/audit"
	"github.com/egressd/egressd/internal/certmint"
	"github.com/egressd/egressd/internal/circuitbreaker"
	"github.com/egressd/egressd/internal/connpool"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/metrics"
	"github.com/egressd/egressd/internal/policy"
	"github.com/egressd/egressd/internal/ratelimit"
	"github.com/egressd/egressd/internal/tenant"
	"github.com/egressd/egressd/internal/tracing"
)

// Proxy owns the shared request-path state: the compiled policy, rate
// limiter, circuit breakers, upstream pool, certificate mint and audit
// logger. Handlers for the individual forwarding modes hang off it.
type Proxy struct {
	cfg      *config.Config
	matcher  *policy.Matcher
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Registry
	pool     *connpool.Pool
	mint     *certmint.Mint // nil in tunnel mode
	audit    *audit.Logger
	metrics  *metrics.Metrics
	tenants  *tenant.Resolver
	tracer   *tracing.Tracer

	h2 *h2Upstream

	grpcMu sync.Mutex
	grpcCC map[string]*grpc.ClientConn
}

// New builds the full request path from configuration. The certificate
// mint is only constructed in MITM mode.
func New(cfg *config.Config) (*Proxy, error) {
	m := metrics.New()

	matcher, err := policy.NewMatcher(cfg.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("compile allowlist: %w", err)
	}
	limiter := ratelimit.New(cfg.RateLimit.DefaultRequestsPerMinute)
	limiter.SetRules(ruleRates(cfg.Allowlist.Rules))

	tenants, err := tenant.NewResolver(cfg.Tenants, cfg.RateLimit.DefaultRequestsPerMinute)
	if err != nil {
		return nil, fmt.Errorf("tenants: %w", err)
	}

	auditLog, err := audit.New(cfg.Audit, audit.WithDropCounter(m.AuditDropped.Inc))
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	p := &Proxy{
		cfg:     cfg,
		matcher: matcher,
		limiter: limiter,
		pool:    connpool.New(cfg.Pool),
		audit:   auditLog,
		metrics: m,
		tenants: tenants,
		tracer:  tracing.New(),
		h2:      newH2Upstream(),
		grpcCC:  make(map[string]*grpc.ClientConn),
	}
	p.breakers = circuitbreaker.NewRegistry(cfg.Breaker, func(upstream string, from, to circuitbreaker.State) {
		logging.Info("circuit state change",
			zap.String("upstream", upstream),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		m.BreakerState.WithLabelValues(upstream).Set(float64(to))
	})

	if cfg.Server.Mode == config.ModeMITM {
		mint, err := certmint.New(cfg.Server.TLS,
			certmint.WithCounters(m.CertMints.Inc, m.CertCacheHits.Inc))
		if err != nil {
			return nil, fmt.Errorf("certificate mint: %w", err)
		}
		p.mint = mint
	}
	return p, nil
}

// Close tears the request path down: pool sockets, tenant limiters and
// the audit queue (drained before sinks close).
func (p *Proxy) Close() {
	p.grpcMu.Lock()
	for _, cc := range p.grpcCC {
		cc.Close()
	}
	p.grpcMu.Unlock()
	p.pool.Close()
	p.limiter.Close()
	p.tenants.Close()
	p.audit.Close()
}

// Accessors for the admin surface.
func (p *Proxy) Matcher() *policy.Matcher           { return p.matcher }
func (p *Proxy) Limiter() *ratelimit.Limiter        { return p.limiter }
func (p *Proxy) Pool() *connpool.Pool               { return p.pool }
func (p *Proxy) Breakers() *circuitbreaker.Registry { return p.breakers }
func (p *Proxy) Audit() *audit.Logger               { return p.audit }
func (p *Proxy) Metrics() *metrics.Metrics          { return p.metrics }
func (p *Proxy) Mode() config.ProxyMode             { return p.cfg.Server.Mode }

// UpdateAllowlist swaps the rule set and re-seeds per-rule rates.
func (p *Proxy) UpdateAllowlist(cfg config.AllowlistConfig) error {
	if err := p.matcher.Update(cfg); err != nil {
		return err
	}
	p.limiter.SetRules(ruleRates(cfg.Rules))
	return nil
}

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

// scope is the policy surface a request is evaluated against: the
// global matcher and limiter, or a tenant's own pair.
type scope struct {
	tenantID string
	matcher  *policy.Matcher
	limiter  *ratelimit.Limiter
	release  func() // tenant connection slot, may be nil
}

func (s *scope) done() {
	if s.release != nil {
		s.release()
	}
}

// scopeFor resolves the request to its policy surface. With tenancy
// disabled every request shares the global scope.
func (p *Proxy) scopeFor(req tenant.Request, clientIP string) (*scope, error) {
	if !p.tenants.Enabled() {
		return &scope{matcher: p.matcher, limiter: p.limiter}, nil
	}
	tc, err := p.tenants.Resolve(req)
	if err != nil {
		return nil, err
	}
	release, err := tc.AdmitConnection(clientIP)
	if err != nil {
		return nil, err
	}
	return &scope{tenantID: tc.ID, matcher: tc.Matcher, limiter: tc.Limiter, release: release}, nil
}

// consume charges the matched rule's bucket. Default-action allows
// share one bucket per client.
func (s *scope) consume(res policy.MatchResult, clientIP string) ratelimit.Decision {
	ruleID := "default"
	if res.Rule != nil {
		ruleID = res.Rule.ID
	}
	return s.limiter.Consume(ruleID, clientIP)
}

// clientIP returns the policy-relevant source address: the first
// X-Forwarded-For element when present, else the socket peer.
func clientIP(remoteAddr net.Addr, headers map[string]string) string {
	if xff := headers["x-forwarded-for"]; xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String()
	}
	return host
}

// AuditRejection records a request refused before the decision pipeline
// ran, such as a parse failure on the first request of a connection.
// Denials are audited even when no rule was ever consulted.
func (p *Proxy) AuditRejection(conn net.Conn, protocol string, status int, reason string) {
	e := p.newEntry(protocol, "", clientIP(conn.RemoteAddr(), nil), "", 0)
	e.StatusCode = status
	e.Decision = "denied"
	e.Reason = reason
	p.audit.Record(e)
}

// startSpan opens a span for one proxied request and stamps its ids on
// the audit entry. Without an installed provider the span is a no-op
// and the ids stay empty.
func (p *Proxy) startSpan(ctx context.Context, name string, e *audit.Entry) (context.Context, trace.Span) {
	ctx, span := p.tracer.StartSpan(ctx, name,
		attribute.String("upstream.host", e.Host),
		attribute.Int("upstream.port", e.Port),
		attribute.String("client.ip", e.ClientIP))
	e.TraceID, e.SpanID = tracing.IDs(ctx)
	return ctx, span
}

// newEntry starts an audit record for one request outcome.
func (p *Proxy) newEntry(protocol, tenantID, ip, host string, port int) *audit.Entry {
	e := audit.NewEntry()
	e.Protocol = protocol
	e.Tenant = tenantID
	e.ClientIP = ip
	e.Host = host
	e.Port = port
	return e
}

// reflectionDenied blocks reflection calls admitted by rules that carry
// no grpc filter of their own, unless reflection is enabled globally.
func (p *Proxy) reflectionDenied(res policy.MatchResult, service string) bool {
	if p.cfg.GRPC.AllowReflection || !policy.IsReflectionService(service) {
		return false
	}
	return res.Rule == nil || !res.Rule.HasGRPCRestriction()
}

// rateLimited downgrades an allow verdict after the bucket ran dry.
func rateLimited(res policy.MatchResult) policy.MatchResult {
	res.Allowed = false
	res.Reason = policy.ReasonRateLimited
	return res
}

// failReason maps an upstream failure kind onto a denial reason.
func failReason(kind string) policy.MatchResult {
	reason := policy.ReasonUpstreamError
	if kind == "timeout" {
		reason = policy.ReasonTimeout
	}
	return policy.MatchResult{Reason: reason}
}

// finish stamps the outcome on the entry and hands it to the audit
// queue. Written before the client socket closes on every denial.
func (p *Proxy) finish(e *audit.Entry, start time.Time, decision string, res policy.MatchResult) {
	e.Decision = decision
	e.Reason = string(res.Reason)
	if res.Rule != nil {
		e.RuleID = res.Rule.ID
	}
	e.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	p.metrics.RecordDecision(decision == "allowed", string(res.Reason))
	p.audit.Record(e)
}
