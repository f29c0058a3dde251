package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"

	"github.com/egressd/egressd/internal/grpcframe"
)

func TestRawCodecPassthrough(t *testing.T) {
	c := rawCodec{}
	msg := []byte{0x0a, 0x03, 'a', 'b', 'c'}

	out, err := c.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(out, msg) {
		t.Errorf("Marshal altered bytes: %x", out)
	}

	var dst []byte
	if err := c.Unmarshal(msg, &dst); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bytes.Equal(dst, msg) {
		t.Errorf("Unmarshal altered bytes: %x", dst)
	}

	if _, err := c.Marshal("not bytes"); err == nil {
		t.Error("Marshal accepted a non-[]byte message")
	}
}

func TestWriteGRPCWebErrorTrailerOnly(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	s := &http1Session{conn: srv}
	go func() {
		s.writeGRPCWebError("application/grpc-web+proto", false, codes.PermissionDenied, "domain not allowed")
		srv.Close()
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, denials ride HTTP 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Expose-Headers"); got != "grpc-status,grpc-message" {
		t.Errorf("expose-headers = %q, browsers cannot read the verdict without it", got)
	}
	body, _ := io.ReadAll(resp.Body)

	frame, err := grpcframe.Decode(bytes.NewReader(body), 1<<20)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if !frame.IsTrailer() {
		t.Fatal("expected trailer frame")
	}
	trailers := grpcframe.ParseTrailer(frame.Payload)
	if trailers["grpc-status"] != "7" {
		t.Errorf("grpc-status = %q, want 7", trailers["grpc-status"])
	}
	if trailers["grpc-message"] != "domain not allowed" {
		t.Errorf("grpc-message = %q", trailers["grpc-message"])
	}
}

func TestWriteGRPCWebErrorTextMode(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	s := &http1Session{conn: srv}
	go func() {
		s.writeGRPCWebError("application/grpc-web-text", true, codes.ResourceExhausted, "rate limited")
		srv.Close()
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	decoded, err := grpcframe.Base64Decode(body)
	if err != nil {
		t.Fatalf("text-mode body not base64: %v", err)
	}
	frame, err := grpcframe.Decode(bytes.NewReader(decoded), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	trailers := grpcframe.ParseTrailer(frame.Payload)
	if trailers["grpc-status"] != "8" {
		t.Errorf("grpc-status = %q, want 8", trailers["grpc-status"])
	}
}

func TestCORSPreflight(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	s := &http1Session{conn: srv}
	go func() {
		s.corsPreflight(map[string]string{"origin": "https://app.example.com"})
		srv.Close()
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing allow-methods")
	}
	if got := resp.Header.Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("max-age = %q, want 86400", got)
	}
	if allow := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(allow, "authorization") {
		t.Errorf("allow-headers = %q, want authorization included", allow)
	}
}
