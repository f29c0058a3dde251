package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  host: 0.0.0.0
  port: 3128
  mode: mitm
  timeouts:
    connect: 5s
    response: 30s
allowlist:
  mode: strict
  rules:
    - id: github-api
      domain: api.github.com
      paths: ["/repos/**", "/user"]
      methods: [GET, POST]
      rate_limit:
        requests_per_minute: 120
    - id: any-google
      domain: "**.google.com"
audit:
  level: headers
  sampling_rate: 0.5
tenants:
  enabled: true
  extractors:
    - type: header
      name: X-Tenant-Id
  tenants:
    acme:
      allowlist:
        default_action: deny
        rules:
          - id: acme-api
            domain: api.example.com
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Port != 3128 || cfg.Server.Mode != ModeMITM {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.Timeouts.Connect != 5*time.Second {
		t.Errorf("connect timeout = %v", cfg.Server.Timeouts.Connect)
	}
	// Strict mode without an explicit action defaults to deny.
	if cfg.Allowlist.DefaultAction != "deny" {
		t.Errorf("default_action = %q", cfg.Allowlist.DefaultAction)
	}
	if len(cfg.Allowlist.Rules) != 2 {
		t.Fatalf("rules = %d", len(cfg.Allowlist.Rules))
	}
	r := cfg.Allowlist.Rules[0]
	if r.ID != "github-api" || r.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("rule = %+v", r)
	}
	if cfg.Audit.Level != AuditHeaders || cfg.Audit.SamplingRate != 0.5 {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if !cfg.Tenants.Enabled || len(cfg.Tenants.Tenants) != 1 {
		t.Errorf("tenants = %+v", cfg.Tenants)
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte("server:\n  port: 8080\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Mode != ModeTunnel {
		t.Errorf("mode = %q, want tunnel default", cfg.Server.Mode)
	}
	if cfg.Server.Limits.MaxConnections != 1024 {
		t.Errorf("max_connections = %d", cfg.Server.Limits.MaxConnections)
	}
	if cfg.Pool.Scheduling != "lifo" {
		t.Errorf("scheduling = %q", cfg.Pool.Scheduling)
	}
	if cfg.RateLimit.DefaultRequestsPerMinute != 60 {
		t.Errorf("default rpm = %d", cfg.RateLimit.DefaultRequestsPerMinute)
	}
	if cfg.Audit.SamplingRate != 1.0 {
		t.Errorf("sampling = %v", cfg.Audit.SamplingRate)
	}
}

func TestEnvExpansion(t *testing.T) {
	os.Setenv("EGRESSD_TEST_PORT", "9999")
	defer os.Unsetenv("EGRESSD_TEST_PORT")

	cfg, err := NewLoader().Parse([]byte("server:\n  port: ${EGRESSD_TEST_PORT}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want env-expanded 9999", cfg.Server.Port)
	}
	// Unset variables stay literal rather than emptying the value.
	if got := expandEnvVars("${EGRESSD_TEST_UNSET}"); got != "${EGRESSD_TEST_UNSET}" {
		t.Errorf("unset var expanded to %q", got)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "server:\n  mode: transparent\n", "server.mode"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{
			"duplicate rule id",
			"allowlist:\n  rules:\n    - id: a\n      domain: x.com\n    - id: a\n      domain: y.com\n",
			"duplicate rule id",
		},
		{
			"bad rule id",
			"allowlist:\n  rules:\n    - id: \"has space\"\n      domain: x.com\n",
			"id",
		},
		{
			"missing domain",
			"allowlist:\n  rules:\n    - id: a\n",
			"domain is required",
		},
		{
			"bad domain pattern",
			"allowlist:\n  rules:\n    - id: a\n      domain: \"a.*.com\"\n",
			"invalid domain pattern",
		},
		{
			"rate out of range",
			"allowlist:\n  rules:\n    - id: a\n      domain: x.com\n      rate_limit:\n        requests_per_minute: 20000\n",
			"requests_per_minute",
		},
		{
			"bad cidr",
			"allowlist:\n  rules:\n    - id: a\n      domain: x.com\n      client_ips: [\"10.0.0.0/99\"]\n",
			"invalid CIDR",
		},
		{"bad audit level", "audit:\n  level: verbose\n", "audit.level"},
		{"bad sink", "audit:\n  sinks:\n    - type: kafka\n", "file"},
		{"tenants without extractors", "tenants:\n  enabled: true\n", "extractor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}
