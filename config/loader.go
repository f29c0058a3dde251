package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// ruleIDPattern constrains rule ids to alphanumerics plus "-" and "_".
var ruleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// envPattern matches ${VAR_NAME} references in config files.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Loader handles configuration loading and parsing.
type Loader struct{}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults, and validates.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.setDefaults()

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is.
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	switch cfg.Server.Mode {
	case ModeTunnel, ModeMITM:
	default:
		return fmt.Errorf("server.mode must be %q or %q, got %q", ModeTunnel, ModeMITM, cfg.Server.Mode)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}

	if err := validateAllowlist("allowlist", cfg.Allowlist); err != nil {
		return err
	}

	switch cfg.Pool.Scheduling {
	case "lifo", "fifo":
	default:
		return fmt.Errorf("pool.scheduling must be \"lifo\" or \"fifo\", got %q", cfg.Pool.Scheduling)
	}

	switch cfg.Audit.Level {
	case AuditNone, AuditMinimal, AuditHeaders, AuditFull:
	default:
		return fmt.Errorf("audit.level must be none, minimal, headers, or full, got %q", cfg.Audit.Level)
	}
	if cfg.Audit.SamplingRate < 0 || cfg.Audit.SamplingRate > 1.0 {
		return fmt.Errorf("audit.sampling_rate must be between 0.0 and 1.0")
	}
	for _, p := range cfg.Audit.ScrubPatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("audit.scrub_patterns %q: invalid regex: %w", p.Name, err)
		}
	}
	for i, sink := range cfg.Audit.Sinks {
		switch sink.Type {
		case "file":
			if sink.Path == "" {
				return fmt.Errorf("audit.sinks[%d]: file sink requires path", i)
			}
		case "webhook":
			if !strings.HasPrefix(sink.URL, "http://") && !strings.HasPrefix(sink.URL, "https://") {
				return fmt.Errorf("audit.sinks[%d]: webhook sink requires an http(s) url", i)
			}
		default:
			return fmt.Errorf("audit.sinks[%d]: type must be \"file\" or \"webhook\", got %q", i, sink.Type)
		}
	}

	if cfg.Tenants.Enabled {
		if len(cfg.Tenants.Extractors) == 0 {
			return fmt.Errorf("tenants.enabled requires at least one extractor")
		}
		for i, ex := range cfg.Tenants.Extractors {
			switch ex.Type {
			case "header":
				if ex.Name == "" {
					return fmt.Errorf("tenants.extractors[%d]: header extractor requires name", i)
				}
			case "api_key_prefix":
				if ex.Name == "" {
					return fmt.Errorf("tenants.extractors[%d]: api_key_prefix extractor requires name (the header carrying the key)", i)
				}
			case "subdomain":
				if ex.Suffix == "" {
					return fmt.Errorf("tenants.extractors[%d]: subdomain extractor requires suffix (the base domain)", i)
				}
			case "path_prefix":
				if ex.Prefix == "" {
					return fmt.Errorf("tenants.extractors[%d]: path_prefix extractor requires prefix", i)
				}
			default:
				return fmt.Errorf("tenants.extractors[%d]: unknown extractor type %q", i, ex.Type)
			}
		}
		for name, tc := range cfg.Tenants.Tenants {
			if err := validateAllowlist(fmt.Sprintf("tenants.tenants[%s].allowlist", name), tc.Allowlist); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateAllowlist checks rule ids, domains, and CIDR lists for one allowlist.
func validateAllowlist(scope string, al AllowlistConfig) error {
	if al.Mode != "" && al.Mode != ModeStrict && al.Mode != ModePermissive {
		return fmt.Errorf("%s.mode must be \"strict\" or \"permissive\", got %q", scope, al.Mode)
	}
	if al.DefaultAction != "" && al.DefaultAction != "allow" && al.DefaultAction != "deny" {
		return fmt.Errorf("%s.default_action must be \"allow\" or \"deny\", got %q", scope, al.DefaultAction)
	}

	ids := make(map[string]bool, len(al.Rules))
	for i, rule := range al.Rules {
		if !ruleIDPattern.MatchString(rule.ID) {
			return fmt.Errorf("%s.rules[%d]: id %q must be 1-64 chars of [A-Za-z0-9_-]", scope, i, rule.ID)
		}
		if ids[rule.ID] {
			return fmt.Errorf("%s: duplicate rule id %q", scope, rule.ID)
		}
		ids[rule.ID] = true

		if rule.Domain == "" {
			return fmt.Errorf("%s rule %s: domain is required", scope, rule.ID)
		}
		if err := validateDomainPattern(rule.Domain); err != nil {
			return fmt.Errorf("%s rule %s: %w", scope, rule.ID, err)
		}
		if rule.RateLimit != nil {
			if rule.RateLimit.RequestsPerMinute < 1 || rule.RateLimit.RequestsPerMinute > 10000 {
				return fmt.Errorf("%s rule %s: rate_limit.requests_per_minute must be 1-10000", scope, rule.ID)
			}
		}
		for _, cidr := range append(append([]string{}, rule.ClientIPs...), rule.ExcludeClientIPs...) {
			if err := validateIPPattern(cidr); err != nil {
				return fmt.Errorf("%s rule %s: %w", scope, rule.ID, err)
			}
		}
	}
	return nil
}

// validateDomainPattern accepts exact domains plus "*." and "**." prefixes.
func validateDomainPattern(pattern string) error {
	rest := pattern
	if strings.HasPrefix(pattern, "**.") {
		rest = pattern[3:]
	} else if strings.HasPrefix(pattern, "*.") {
		rest = pattern[2:]
	}
	if rest == "" || strings.Contains(rest, "*") {
		return fmt.Errorf("invalid domain pattern %q", pattern)
	}
	for _, label := range strings.Split(rest, ".") {
		if label == "" {
			return fmt.Errorf("invalid domain pattern %q", pattern)
		}
	}
	return nil
}

// validateIPPattern accepts bare IPs (v4/v6) and CIDR blocks.
func validateIPPattern(pattern string) error {
	if strings.Contains(pattern, "/") {
		if _, _, err := net.ParseCIDR(pattern); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", pattern, err)
		}
		return nil
	}
	if net.ParseIP(pattern) == nil {
		return fmt.Errorf("invalid IP %q", pattern)
	}
	return nil
}
