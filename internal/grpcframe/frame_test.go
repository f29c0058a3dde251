package grpcframe

import (
	"bytes"
	"net/http"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("protobuf bytes here")
	encoded := EncodeData(payload)

	f, err := Decode(bytes.NewReader(encoded), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.IsTrailer() {
		t.Error("data frame reports trailer")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	f, err := Decode(bytes.NewReader(EncodeData(nil)), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(f.Payload) != 0 {
		t.Errorf("payload = %v, want empty", f.Payload)
	}
}

func TestFrameMaxSize(t *testing.T) {
	encoded := EncodeData(make([]byte, 100))
	if _, err := Decode(bytes.NewReader(encoded), 50); err == nil {
		t.Error("oversized frame accepted")
	}
}

func TestTrailerFrameRoundTrip(t *testing.T) {
	in := map[string]string{"grpc-status": "0", "grpc-message": "ok", "X-Extra": "v"}
	frame := EncodeTrailer(in)

	f, err := Decode(bytes.NewReader(frame), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !f.IsTrailer() {
		t.Fatal("trailer flag not set")
	}
	out := ParseTrailer(f.Payload)
	if out["grpc-status"] != "0" || out["grpc-message"] != "ok" || out["x-extra"] != "v" {
		t.Errorf("trailers = %v", out)
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path            string
		service, method string
		wantErr         bool
	}{
		{"/echo.v1.EchoService/Echo", "echo.v1.EchoService", "Echo", false},
		{"/Health/Check", "Health", "Check", false}, // empty package
		{"/grpc.health.v1.Health/Watch", "grpc.health.v1.Health", "Watch", false},
		{"/nopath", "", "", true},
		{"//Method", "", "", true},
		{"/Service/", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		svc, m, err := ParsePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePath(%q) err = %v", tt.path, err)
			continue
		}
		if svc != tt.service || m != tt.method {
			t.Errorf("ParsePath(%q) = %q/%q, want %q/%q", tt.path, svc, m, tt.service, tt.method)
		}
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1H", time.Hour},
		{"5M", 5 * time.Minute},
		{"30S", 30 * time.Second},
		{"250m", 250 * time.Millisecond},
		{"500u", time.Millisecond}, // sub-ms rounds up
		{"1n", time.Millisecond},
		{"0S", 0},
	}
	for _, tt := range tests {
		got, err := ParseTimeout(tt.in)
		if err != nil {
			t.Errorf("ParseTimeout(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeout(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "S", "12", "1x", "-1S", "123456789S"} {
		if _, err := ParseTimeout(bad); err == nil {
			t.Errorf("ParseTimeout(%q) succeeded", bad)
		}
	}
}

func TestFormatTimeout(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{time.Hour, "3600000m"},
		{250 * time.Millisecond, "250000u"},
		{100 * time.Nanosecond, "100n"},
		{0, "0n"},
	}
	for _, tt := range tests {
		if got := FormatTimeout(tt.in); got != tt.want {
			t.Errorf("FormatTimeout(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	// Round-trip: the parsed value never undercuts the original.
	for _, d := range []time.Duration{time.Second, 90 * time.Minute, 3 * time.Microsecond} {
		parsed, err := ParseTimeout(FormatTimeout(d))
		if err != nil {
			t.Fatalf("round trip %v: %v", d, err)
		}
		if parsed < d {
			t.Errorf("round trip %v shortened to %v", d, parsed)
		}
	}
}

func TestMetadataFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Request-Id", "abc")
	h.Set("Authorization", "Bearer tok")
	h.Set("Content-Type", "application/grpc")
	h.Set("Te", "trailers")
	h.Set("Grpc-Timeout", "5S")
	h.Set("X-Trace-Bin", "aGVsbG8=") // "hello"

	md := MetadataFromHeaders(h)
	if md["x-request-id"][0] != "abc" {
		t.Errorf("x-request-id = %v", md["x-request-id"])
	}
	if md["authorization"][0] != "Bearer tok" {
		t.Errorf("authorization = %v", md["authorization"])
	}
	for _, reserved := range []string{"content-type", "te", "grpc-timeout"} {
		if _, ok := md[reserved]; ok {
			t.Errorf("reserved header %s leaked into metadata", reserved)
		}
	}
	if got := md["x-trace-bin"][0]; got != "hello" {
		t.Errorf("x-trace-bin = %q, want decoded bytes", got)
	}
}

func TestMetadataToHeaders(t *testing.T) {
	h := http.Header{}
	MetadataToHeaders(map[string][]string{
		"x-tag":       {"a", "b"},
		"x-trace-bin": {"hello"},
	}, h)
	if got := h.Values("x-tag"); len(got) != 2 {
		t.Errorf("x-tag = %v", got)
	}
	if got := h.Get("x-trace-bin"); got != "aGVsbG8=" {
		t.Errorf("x-trace-bin = %q, want base64", got)
	}
}

func TestGRPCMessageEncoding(t *testing.T) {
	tests := []struct{ raw, encoded string }{
		{"plain message", "plain message"},
		{"50% off", "50%25 off"},
		{"line\nbreak", "line%0Abreak"},
		{"caf\xc3\xa9", "caf%C3%A9"},
	}
	for _, tt := range tests {
		if got := EncodeGRPCMessage(tt.raw); got != tt.encoded {
			t.Errorf("Encode(%q) = %q, want %q", tt.raw, got, tt.encoded)
		}
		if got := DecodeGRPCMessage(tt.encoded); got != tt.raw {
			t.Errorf("Decode(%q) = %q, want %q", tt.encoded, got, tt.raw)
		}
	}
	// Malformed escapes pass through.
	if got := DecodeGRPCMessage("100%"); got != "100%" {
		t.Errorf("Decode(100%%) = %q", got)
	}
}

func TestContentTypeDetection(t *testing.T) {
	if !IsGRPCContentType("application/grpc") || !IsGRPCContentType("application/grpc+proto") {
		t.Error("native grpc content types not detected")
	}
	if IsGRPCContentType("application/grpc-web") {
		t.Error("grpc-web misdetected as native")
	}
	if !IsGRPCWebContentType("application/grpc-web-text; charset=utf-8") {
		t.Error("grpc-web-text with params not detected")
	}
	if !IsTextMode("application/grpc-web-text+proto") || IsTextMode("application/grpc-web") {
		t.Error("text mode detection wrong")
	}
	// The +json variants are part of the same family.
	if !IsGRPCWebContentType("application/grpc-web+json") || !IsGRPCWebContentType("application/grpc-web-text+json") {
		t.Error("grpc-web +json variants not detected")
	}
	if !IsTextMode("application/grpc-web-text+json") {
		t.Error("text-mode +json variant not detected")
	}
	// A random suffix is not grpc-web.
	if IsGRPCWebContentType("application/grpc-web+yaml") || IsGRPCWebContentType("application/grpc-webby") {
		t.Error("unknown suffixes misdetected as grpc-web")
	}
}
