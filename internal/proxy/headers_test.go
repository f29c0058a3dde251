package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/errors"
)

func TestStripHopByHop(t *testing.T) {
	in := map[string]string{
		"host":                "api.example.com",
		"connection":          "keep-alive, x-custom-drop",
		"keep-alive":          "timeout=5",
		"transfer-encoding":   "chunked",
		"te":                  "trailers",
		"upgrade":             "h2c",
		"proxy-connection":    "keep-alive",
		"proxy-authorization": "Basic abc",
		"x-custom-drop":       "named by connection",
		"accept":              "*/*",
	}
	out := stripHopByHop(in)

	for _, name := range []string{"connection", "keep-alive", "transfer-encoding", "te", "upgrade", "proxy-connection", "proxy-authorization", "x-custom-drop"} {
		if _, ok := out[name]; ok {
			t.Errorf("%s survived the strip", name)
		}
	}
	if out["host"] != "api.example.com" || out["accept"] != "*/*" {
		t.Errorf("end-to-end headers mangled: %v", out)
	}
}

func TestApplyHeaderOps(t *testing.T) {
	headers := map[string]string{
		"x-internal-token": "secret",
		"x-old-name":       "v",
		"user-agent":       "curl/8",
	}
	applyHeaderOps(headers, config.HeaderOps{
		Set:    map[string]string{"X-Proxied-By": "egressd"},
		Remove: []string{"X-Internal-Token"},
		Rename: map[string]string{"X-Old-Name": "X-New-Name"},
	})

	if _, ok := headers["x-internal-token"]; ok {
		t.Error("removed header still present")
	}
	if headers["x-new-name"] != "v" {
		t.Errorf("rename lost the value: %v", headers)
	}
	if _, ok := headers["x-old-name"]; ok {
		t.Error("renamed header kept old name")
	}
	if headers["x-proxied-by"] != "egressd" {
		t.Errorf("set header missing: %v", headers)
	}
	if headers["user-agent"] != "curl/8" {
		t.Error("unrelated header changed")
	}
}

func TestWriteRequestHeadDeterministic(t *testing.T) {
	var buf bytes.Buffer
	err := writeRequestHead(&buf, "GET", "/v1/items?page=2", map[string]string{
		"host":   "api.example.com",
		"accept": "application/json",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "GET /v1/items?page=2 HTTP/1.1\r\naccept: application/json\r\nhost: api.example.com\r\n\r\n"
	if buf.String() != want {
		t.Errorf("head = %q, want %q", buf.String(), want)
	}
}

func TestWriteErrorKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	writeError(&buf, errors.ErrTooManyRequests.WithRetryAfter(7), true)
	got := buf.String()

	if !strings.HasPrefix(got, "HTTP/1.1 429 Too Many Requests\r\n") {
		t.Errorf("status line wrong: %q", got)
	}
	if !strings.Contains(got, "Connection: keep-alive\r\n") {
		t.Error("keep-alive denial closed the connection")
	}
	if !strings.Contains(got, "Retry-After: 7\r\n") {
		t.Error("missing Retry-After")
	}
}

func TestConnectTarget(t *testing.T) {
	tests := []struct {
		target  string
		host    string
		port    int
		wantErr bool
	}{
		{"api.example.com:443", "api.example.com", 443, false},
		{"API.Example.COM:8443", "api.example.com", 8443, false},
		{"api.example.com", "api.example.com", 443, false},
		{"api.example.com.:443", "api.example.com", 443, false},
		{"api.example.com:0", "", 0, true},
		{":443", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := connectTarget(tt.target)
		if tt.wantErr {
			if err == nil {
				t.Errorf("connectTarget(%q) expected error", tt.target)
			}
			continue
		}
		if err != nil {
			t.Errorf("connectTarget(%q): %v", tt.target, err)
			continue
		}
		if host != tt.host || port != tt.port {
			t.Errorf("connectTarget(%q) = %s:%d, want %s:%d", tt.target, host, port, tt.host, tt.port)
		}
	}
}

func TestLimitWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitWriter{w: &buf, max: 10}
	if _, err := lw.Write([]byte("12345")); err != nil {
		t.Fatal(err)
	}
	if _, err := lw.Write([]byte("67890")); err != nil {
		t.Fatal(err)
	}
	if _, err := lw.Write([]byte("x")); err != errBodyTooLarge {
		t.Errorf("overflow err = %v, want errBodyTooLarge", err)
	}
	if buf.String() != "1234567890" {
		t.Errorf("written = %q", buf.String())
	}
}

func TestCaptureWriter(t *testing.T) {
	cw := &captureWriter{max: 4}
	cw.Write([]byte("abc"))
	cw.Write([]byte("defg"))
	if cw.String() != "abcd" {
		t.Errorf("capture = %q, want first 4 bytes", cw.String())
	}
}
