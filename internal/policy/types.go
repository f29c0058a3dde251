package policy

// Reason explains a verdict. A reason is always present, even on allow.
type Reason string

const (
	// Allow reasons.
	ReasonRuleMatched  Reason = "RULE_MATCHED"
	ReasonDefaultAllow Reason = "DEFAULT_ALLOW"

	// Denial reason codes.
	ReasonNoMatchingRule   Reason = "NO_MATCHING_RULE"
	ReasonDomainNotAllowed Reason = "DOMAIN_NOT_ALLOWED"
	ReasonPathNotAllowed   Reason = "PATH_NOT_ALLOWED"
	ReasonMethodNotAllowed Reason = "METHOD_NOT_ALLOWED"
	ReasonIPNotAllowed     Reason = "IP_NOT_ALLOWED"
	ReasonIPExcluded       Reason = "IP_EXCLUDED"
	ReasonRateLimited      Reason = "RATE_LIMITED"
	ReasonRequestTooLarge  Reason = "REQUEST_TOO_LARGE"
	ReasonTimeout          Reason = "TIMEOUT"
	ReasonUpstreamError    Reason = "UPSTREAM_ERROR"
	ReasonInternalError    Reason = "INTERNAL_ERROR"
)

// Human returns a short lowercase phrase for client-facing bodies.
func (r Reason) Human() string {
	switch r {
	case ReasonNoMatchingRule:
		return "no matching rule"
	case ReasonDomainNotAllowed:
		return "domain not allowed"
	case ReasonPathNotAllowed:
		return "path not allowed"
	case ReasonMethodNotAllowed:
		return "method not allowed"
	case ReasonIPNotAllowed:
		return "client ip not allowed"
	case ReasonIPExcluded:
		return "client ip excluded"
	case ReasonRateLimited:
		return "rate limited"
	case ReasonRequestTooLarge:
		return "request too large"
	case ReasonTimeout:
		return "upstream timeout"
	case ReasonUpstreamError:
		return "upstream error"
	default:
		return "internal error"
	}
}

// RequestInfo is the normalized request descriptor fed to the matcher.
type RequestInfo struct {
	Host        string // lowercased, no port
	Port        int
	Path        string // empty for CONNECT
	Method      string // empty for CONNECT
	SourceIP    string
	IsGRPC      bool
	GRPCService string
	GRPCMethod  string
	Tenant      string // empty when tenancy is disabled
}

// MatchResult is the matcher's verdict.
type MatchResult struct {
	Allowed bool
	Rule    *Rule // nil on default verdicts
	Reason  Reason
}
