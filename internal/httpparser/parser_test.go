package httpparser

import (
	"testing"
)

func feed(t *testing.T, p *Parser, s string) {
	t.Helper()
	if err := p.Feed([]byte(s)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
}

func TestParseSimpleGet(t *testing.T) {
	p := New(8192, 1<<20)
	feed(t, p, "GET /v1/users?id=7 HTTP/1.1\r\nHost: api.example.com\r\nAccept: */*\r\n\r\n")

	if !p.Done() {
		t.Fatalf("state = %v, want complete", p.State())
	}
	r := p.Request()
	if r.Method != "GET" || r.Target != "/v1/users?id=7" || r.Version != "HTTP/1.1" {
		t.Errorf("request line parsed as %q %q %q", r.Method, r.Target, r.Version)
	}
	if r.Headers["host"] != "api.example.com" {
		t.Errorf("host = %q", r.Headers["host"])
	}
}

func TestParseByteAtATime(t *testing.T) {
	p := New(8192, 1<<20)
	raw := "POST /submit HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	for i := 0; i < len(raw); i++ {
		feed(t, p, raw[i:i+1])
	}
	if !p.Done() {
		t.Fatalf("state = %v, want complete", p.State())
	}
	if got := string(p.Request().Body); got != "hello" {
		t.Errorf("body = %q, want hello", got)
	}
}

func TestParseHeaderNormalization(t *testing.T) {
	p := New(8192, 1<<20)
	feed(t, p, "GET / HTTP/1.1\r\nHost: x\r\nX-Tag: a\r\nx-tag: b\r\nX-TAG: c\r\n\r\n")
	if got := p.Request().Headers["x-tag"]; got != "a, b, c" {
		t.Errorf("x-tag = %q, want comma-joined duplicates", got)
	}
}

func TestParseChunkedBody(t *testing.T) {
	p := New(8192, 1<<20)
	feed(t, p, "POST /up HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	if !p.Done() {
		t.Fatalf("state = %v, want complete", p.State())
	}
	if got := string(p.Request().Body); got != "Wikipedia" {
		t.Errorf("body = %q, want Wikipedia", got)
	}
	if p.BodyBytes() != 9 {
		t.Errorf("body bytes = %d, want 9", p.BodyBytes())
	}
}

func TestParseChunkedWithExtensionAndTrailer(t *testing.T) {
	p := New(8192, 1<<20)
	feed(t, p, "POST /up HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3;name=val\r\nabc\r\n0\r\nX-Trailer: ignored\r\n\r\n")
	if !p.Done() {
		t.Fatalf("state = %v, want complete", p.State())
	}
	if got := string(p.Request().Body); got != "abc" {
		t.Errorf("body = %q, want abc", got)
	}
}

func TestParseBodylessMethodIgnoresFraming(t *testing.T) {
	// GET completes right after headers even with a Content-Length.
	p := New(8192, 1<<20)
	feed(t, p, "GET / HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\n")
	if !p.Done() {
		t.Errorf("state = %v, want complete after headers", p.State())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code ErrorCode
	}{
		{"bad method", "get / HTTP/1.1\r\n\r\n", ErrInvalidMethod},
		{"bad version", "GET / HTTP/2.0\r\n\r\n", ErrInvalidVersion},
		{"bad header", "GET / HTTP/1.1\r\nno-colon-here\r\n\r\n", ErrInvalidHeader},
		{"bad content length", "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", ErrInvalidContentLength},
		{"negative content length", "POST / HTTP/1.1\r\nContent-Length: -5\r\n\r\n", ErrInvalidContentLength},
		{"bad chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", ErrInvalidChunkSize},
		{"bad chunk terminator", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcXX", ErrInvalidChunkFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(8192, 1<<20)
			if err := p.Feed([]byte(tt.raw)); err == nil {
				t.Fatalf("state = %v, want error", p.State())
			}
			pe := p.Err()
			if pe == nil {
				t.Fatal("Err() = nil after failed Feed")
			}
			if pe.Code != tt.code {
				t.Errorf("code = %s, want %s", pe.Code, tt.code)
			}
			if p.State() != StateError {
				t.Errorf("state = %v, want error state", p.State())
			}
		})
	}
}

func TestParseSizeBounds(t *testing.T) {
	t.Run("request line", func(t *testing.T) {
		p := New(64, 1<<20)
		long := "GET /" + string(make([]byte, 100)) + " HTTP/1.1\r\n"
		if err := p.Feed([]byte(long)); err == nil || p.Err().Code != ErrRequestLineTooLong {
			t.Errorf("err = %v, want REQUEST_LINE_TOO_LONG", err)
		}
	})
	t.Run("headers", func(t *testing.T) {
		p := New(64, 1<<20)
		raw := "GET / HTTP/1.1\r\nX-Long: " + string(bytesOf('a', 100)) + "\r\n\r\n"
		if err := p.Feed([]byte(raw)); err == nil || p.Err().Code != ErrHeadersTooLarge {
			t.Errorf("err = %v, want HEADERS_TOO_LARGE", err)
		}
	})
	t.Run("declared body", func(t *testing.T) {
		p := New(8192, 10)
		raw := "POST / HTTP/1.1\r\nContent-Length: 11\r\n\r\n"
		if err := p.Feed([]byte(raw)); err == nil || p.Err().Code != ErrBodyTooLarge {
			t.Errorf("err = %v, want BODY_TOO_LARGE", err)
		}
	})
	t.Run("chunked body", func(t *testing.T) {
		p := New(8192, 4)
		raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n"
		if err := p.Feed([]byte(raw)); err == nil || p.Err().Code != ErrBodyTooLarge {
			t.Errorf("err = %v, want BODY_TOO_LARGE", err)
		}
	})
}

func TestParseOnBodyStreaming(t *testing.T) {
	p := New(8192, 1<<20)
	var streamed []byte
	p.OnBody = func(b []byte) error {
		streamed = append(streamed, b...)
		return nil
	}
	feed(t, p, "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhel")
	feed(t, p, "lo")
	if string(streamed) != "hello" {
		t.Errorf("streamed = %q", streamed)
	}
	if len(p.Request().Body) != 0 {
		t.Error("body buffered despite OnBody")
	}
}

func TestParseResetForKeepAlive(t *testing.T) {
	p := New(8192, 1<<20)
	// Two pipelined requests in one read.
	feed(t, p, "POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\nok"+
		"GET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	if !p.Done() || p.Request().Target != "/a" {
		t.Fatalf("first request: done=%v target=%q", p.Done(), p.Request().Target)
	}

	p.Reset()
	feed(t, p, "") // buffered bytes carry the second request
	if !p.Done() || p.Request().Target != "/b" {
		t.Fatalf("second request: done=%v target=%q", p.Done(), p.Request().Target)
	}
	if p.Request().Method != "GET" {
		t.Errorf("method = %q", p.Request().Method)
	}
}

func bytesOf(c byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return b
}
