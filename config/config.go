package config

import (
	"time"
)

// ProxyMode selects how CONNECT requests are handled.
type ProxyMode string

const (
	// ModeTunnel forwards CONNECT traffic as an opaque TCP tunnel.
	ModeTunnel ProxyMode = "tunnel"
	// ModeMITM terminates TLS with a minted certificate and inspects requests.
	ModeMITM ProxyMode = "mitm"
)

// AllowlistMode controls the verdict when no rule matches.
type AllowlistMode string

const (
	ModeStrict     AllowlistMode = "strict"
	ModePermissive AllowlistMode = "permissive"
)

// Config is the complete proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Pool      PoolConfig      `yaml:"pool"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Audit     AuditConfig     `yaml:"audit"`
	Tenants   TenantsConfig   `yaml:"tenants"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig defines the client-facing listener.
type ServerConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Mode       ProxyMode     `yaml:"mode"`
	ProxyAgent string        `yaml:"proxy_agent"`
	Limits     LimitsConfig  `yaml:"limits"`
	Timeouts   TimeoutConfig `yaml:"timeouts"`
	TLS        TLSConfig     `yaml:"tls"`
}

// LimitsConfig holds all resource caps enforced by the core.
type LimitsConfig struct {
	MaxConnections      int   `yaml:"max_connections"`
	MaxConnectionsPerIP int   `yaml:"max_connections_per_ip"`
	MaxHeaderBytes      int64 `yaml:"max_header_bytes"`
	MaxURLLength        int   `yaml:"max_url_length"`
	MaxRequestBody      int64 `yaml:"max_request_body_bytes"`
	MaxResponseBody     int64 `yaml:"max_response_body_bytes"`
}

// TimeoutConfig holds the deadlines applied to outbound I/O.
type TimeoutConfig struct {
	Connect  time.Duration `yaml:"connect"`
	Response time.Duration `yaml:"response"`
	Idle     time.Duration `yaml:"idle"`
	Shutdown time.Duration `yaml:"shutdown"`
}

// TLSConfig controls the MITM certificate authority.
type TLSConfig struct {
	CACertPath     string        `yaml:"ca_cert_path"`
	CAKeyPath      string        `yaml:"ca_key_path"`
	AutoGenerateCA bool          `yaml:"auto_generate_ca"`
	CertCacheSize  int           `yaml:"cert_cache_size"`
	CertCacheTTL   time.Duration `yaml:"cert_cache_ttl"`
	PrewarmDomains []string      `yaml:"prewarm_domains"`
}

// AllowlistConfig is the policy surface: rules plus the default verdict.
type AllowlistConfig struct {
	Mode          AllowlistMode `yaml:"mode"`
	DefaultAction string        `yaml:"default_action"` // "allow" or "deny"
	Rules         []RuleConfig  `yaml:"rules"`
}

// RuleConfig defines a single egress rule.
type RuleConfig struct {
	ID               string           `yaml:"id"`
	Domain           string           `yaml:"domain"`
	Paths            []string         `yaml:"paths"`
	Methods          []string         `yaml:"methods"`
	RateLimit        *RuleRateLimit   `yaml:"rate_limit"`
	ClientIPs        []string         `yaml:"client_ips"`
	ExcludeClientIPs []string         `yaml:"exclude_client_ips"`
	Headers          HeaderTransforms `yaml:"headers"`
	GRPC             *RuleGRPC        `yaml:"grpc"`
	Enabled          *bool            `yaml:"enabled"` // nil means enabled
}

// IsEnabled reports whether the rule participates in matching.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RuleRateLimit is a per-rule token bucket definition.
type RuleRateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"` // defaults to requests_per_minute
}

// RuleGRPC restricts which gRPC services and methods a rule admits.
type RuleGRPC struct {
	Services        []string `yaml:"services"` // "pkg.Svc", "pkg.*", "**"
	Methods         []string `yaml:"methods"`  // "Method" or "*"
	AllowReflection bool     `yaml:"allow_reflection"`
	AllowHealth     *bool    `yaml:"allow_health"` // nil means allowed
}

// HeaderTransforms applies set/remove/rename operations per direction.
type HeaderTransforms struct {
	Request  HeaderOps `yaml:"request"`
	Response HeaderOps `yaml:"response"`
}

// HeaderOps is one direction's header rewrite set.
type HeaderOps struct {
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
	Rename map[string]string `yaml:"rename"`
}

// IsZero reports whether no operations are configured.
func (h HeaderOps) IsZero() bool {
	return len(h.Set) == 0 && len(h.Remove) == 0 && len(h.Rename) == 0
}

// PoolConfig configures the upstream connection pool.
type PoolConfig struct {
	MaxPerHost     int           `yaml:"max_per_host"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host"`
	MaxTotal       int           `yaml:"max_total"`
	Scheduling     string        `yaml:"scheduling"` // "lifo" (default) or "fifo"
	FreeTimeout    time.Duration `yaml:"free_socket_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// BreakerConfig configures per-upstream circuit breakers.
type BreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	FailureWindow         time.Duration `yaml:"failure_window"`
	ResetTimeout          time.Duration `yaml:"reset_timeout"`
	SuccessThreshold      int           `yaml:"success_threshold"`
	HalfOpenMaxConcurrent int           `yaml:"half_open_max_concurrent"`
}

// RateLimitConfig configures the process-wide limiter defaults.
type RateLimitConfig struct {
	DefaultRequestsPerMinute int `yaml:"default_requests_per_minute"`
}

// GRPCConfig configures the gRPC and gRPC-Web handlers.
type GRPCConfig struct {
	MaxMessageSize  int           `yaml:"max_message_size"`
	Timeout         time.Duration `yaml:"timeout"`
	AllowReflection bool          `yaml:"allow_reflection"`
	WebTextMode     *bool         `yaml:"web_text_mode"` // nil means enabled
}

// AuditLevel controls how much of each request is recorded.
type AuditLevel string

const (
	AuditNone    AuditLevel = "none"
	AuditMinimal AuditLevel = "minimal"
	AuditHeaders AuditLevel = "headers"
	AuditFull    AuditLevel = "full"
)

// AuditConfig configures decision logging.
type AuditConfig struct {
	Level         AuditLevel        `yaml:"level"`
	SamplingRate  float64           `yaml:"sampling_rate"`
	StatusCodes   []int             `yaml:"status_codes"` // empty = all
	RedactHeaders []string          `yaml:"redact_headers"`
	ScrubPatterns []ScrubPattern    `yaml:"scrub_patterns"`
	MaxBodyBytes  int               `yaml:"max_body_bytes"`
	Sinks         []AuditSinkConfig `yaml:"sinks"`
}

// ScrubPattern is a compiled-at-load PII scrubbing regex.
type ScrubPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// AuditSinkConfig defines one audit output.
type AuditSinkConfig struct {
	Type string `yaml:"type"` // "file" or "webhook"

	// File sink.
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`

	// Webhook sink.
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	BufferSize    int               `yaml:"buffer_size"`
}

// TenantsConfig enables multi-tenant isolation.
type TenantsConfig struct {
	Enabled    bool                    `yaml:"enabled"`
	Extractors []ExtractorConfig       `yaml:"extractors"`
	Tenants    map[string]TenantConfig `yaml:"tenants"`
}

// ExtractorConfig defines one tenant-id extraction strategy, tried in order.
type ExtractorConfig struct {
	Type   string `yaml:"type"`   // header | api_key_prefix | subdomain | path_prefix
	Name   string `yaml:"name"`   // header name for type=header
	Prefix string `yaml:"prefix"` // key prefix or path prefix
	Suffix string `yaml:"suffix"` // base domain for type=subdomain
}

// TenantConfig is one tenant's isolated policy surface.
type TenantConfig struct {
	Enabled        *bool           `yaml:"enabled"` // nil means enabled
	Allowlist      AllowlistConfig `yaml:"allowlist"`
	MaxConnections int             `yaml:"max_connections"`
	ConnectionRate int             `yaml:"connection_rate"` // new connections per second, 0 = unlimited
}

// IsEnabled reports whether the tenant may be served.
func (t TenantConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// AdminConfig defines the optional admin listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = ModeTunnel
	}
	if c.Server.ProxyAgent == "" {
		c.Server.ProxyAgent = "egressd"
	}
	if c.Server.Limits.MaxConnections == 0 {
		c.Server.Limits.MaxConnections = 1024
	}
	if c.Server.Limits.MaxConnectionsPerIP == 0 {
		c.Server.Limits.MaxConnectionsPerIP = 64
	}
	if c.Server.Limits.MaxHeaderBytes == 0 {
		c.Server.Limits.MaxHeaderBytes = 64 * 1024
	}
	if c.Server.Limits.MaxURLLength == 0 {
		c.Server.Limits.MaxURLLength = 8 * 1024
	}
	if c.Server.Limits.MaxRequestBody == 0 {
		c.Server.Limits.MaxRequestBody = 32 * 1024 * 1024
	}
	if c.Server.Limits.MaxResponseBody == 0 {
		c.Server.Limits.MaxResponseBody = 128 * 1024 * 1024
	}
	if c.Server.Timeouts.Connect == 0 {
		c.Server.Timeouts.Connect = 10 * time.Second
	}
	if c.Server.Timeouts.Response == 0 {
		c.Server.Timeouts.Response = 60 * time.Second
	}
	if c.Server.Timeouts.Idle == 0 {
		c.Server.Timeouts.Idle = 5 * time.Minute
	}
	if c.Server.Timeouts.Shutdown == 0 {
		c.Server.Timeouts.Shutdown = 30 * time.Second
	}
	if c.Server.TLS.CertCacheSize == 0 {
		c.Server.TLS.CertCacheSize = 1000
	}
	if c.Server.TLS.CertCacheTTL == 0 {
		c.Server.TLS.CertCacheTTL = 24 * time.Hour
	}
	if c.Allowlist.Mode == "" {
		c.Allowlist.Mode = ModeStrict
	}
	if c.Allowlist.DefaultAction == "" {
		if c.Allowlist.Mode == ModeStrict {
			c.Allowlist.DefaultAction = "deny"
		} else {
			c.Allowlist.DefaultAction = "allow"
		}
	}
	if c.Pool.MaxPerHost == 0 {
		c.Pool.MaxPerHost = 32
	}
	if c.Pool.MaxIdlePerHost == 0 {
		c.Pool.MaxIdlePerHost = 8
	}
	if c.Pool.MaxTotal == 0 {
		c.Pool.MaxTotal = 512
	}
	if c.Pool.Scheduling == "" {
		c.Pool.Scheduling = "lifo"
	}
	if c.Pool.FreeTimeout == 0 {
		c.Pool.FreeTimeout = 90 * time.Second
	}
	if c.Pool.KeepAlive == 0 {
		c.Pool.KeepAlive = 5 * time.Minute
	}
	if c.Pool.ConnectTimeout == 0 {
		c.Pool.ConnectTimeout = c.Server.Timeouts.Connect
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.FailureWindow == 0 {
		c.Breaker.FailureWindow = 30 * time.Second
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Breaker.HalfOpenMaxConcurrent == 0 {
		c.Breaker.HalfOpenMaxConcurrent = 1
	}
	if c.RateLimit.DefaultRequestsPerMinute == 0 {
		c.RateLimit.DefaultRequestsPerMinute = 60
	}
	if c.GRPC.MaxMessageSize == 0 {
		c.GRPC.MaxMessageSize = 4 * 1024 * 1024
	}
	if c.GRPC.Timeout == 0 {
		c.GRPC.Timeout = 60 * time.Second
	}
	if c.Audit.Level == "" {
		c.Audit.Level = AuditMinimal
	}
	if c.Audit.SamplingRate == 0 {
		c.Audit.SamplingRate = 1.0
	}
	if c.Audit.MaxBodyBytes == 0 {
		c.Audit.MaxBodyBytes = 4096
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = "127.0.0.1:9901"
	}
}
