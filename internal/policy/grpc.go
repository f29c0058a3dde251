package policy

import (
	"strings"

	"github.com/egressd/egressd/config"
)

const (
	reflectionService      = "grpc.reflection.v1.ServerReflection"
	reflectionServiceAlpha = "grpc.reflection.v1alpha.ServerReflection"
	healthService          = "grpc.health.v1.Health"
)

// IsReflectionService reports whether the service is the gRPC server
// reflection service (either API revision).
func IsReflectionService(service string) bool {
	return service == reflectionService || service == reflectionServiceAlpha
}

// grpcRestriction is a compiled per-rule gRPC service/method filter.
type grpcRestriction struct {
	anyService bool                // "**" present or no services listed
	services   map[string]struct{} // exact "pkg.Svc" entries
	packages   map[string]struct{} // "pkg.*" entries, keyed by package
	anyMethod  bool
	methods    map[string]struct{}
	reflection bool
	health     bool
}

func compileGRPC(rc *config.RuleGRPC) *grpcRestriction {
	g := &grpcRestriction{
		services:   make(map[string]struct{}),
		packages:   make(map[string]struct{}),
		methods:    make(map[string]struct{}),
		reflection: rc.AllowReflection,
		health:     rc.AllowHealth == nil || *rc.AllowHealth,
	}
	if len(rc.Services) == 0 {
		g.anyService = true
	}
	for _, s := range rc.Services {
		switch {
		case s == "**":
			g.anyService = true
		case strings.HasSuffix(s, ".*"):
			g.packages[strings.TrimSuffix(s, ".*")] = struct{}{}
		default:
			g.services[s] = struct{}{}
		}
	}
	if len(rc.Methods) == 0 {
		g.anyMethod = true
	}
	for _, m := range rc.Methods {
		if m == "*" {
			g.anyMethod = true
			continue
		}
		g.methods[m] = struct{}{}
	}
	return g
}

// allows reports whether the restriction admits the call. The reflection
// and health services bypass the service list; reflection is opt-in,
// health is opt-out.
func (g *grpcRestriction) allows(service, method string) bool {
	switch service {
	case reflectionService, reflectionServiceAlpha:
		return g.reflection
	case healthService:
		return g.health
	}
	if !g.serviceAllowed(service) {
		return false
	}
	if g.anyMethod {
		return true
	}
	_, ok := g.methods[method]
	return ok
}

func (g *grpcRestriction) serviceAllowed(service string) bool {
	if g.anyService {
		return true
	}
	if _, ok := g.services[service]; ok {
		return true
	}
	if i := strings.LastIndexByte(service, '.'); i > 0 {
		if _, ok := g.packages[service[:i]]; ok {
			return true
		}
	}
	return false
}

// MatchesGRPC reports whether the rule admits a gRPC call. Rules without a
// gRPC block admit every call that reached them.
func (r *Rule) MatchesGRPC(service, method string) bool {
	if r.grpc == nil {
		return true
	}
	return r.grpc.allows(service, method)
}
