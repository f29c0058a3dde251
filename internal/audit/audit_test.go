package audit

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/egressd/egressd/config"
)

// memSink collects batches in memory.
type memSink struct {
	mu      sync.Mutex
	entries []*Entry
}

func (s *memSink) Name() string { return "mem" }
func (s *memSink) Write(batch []*Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, batch...)
	s.mu.Unlock()
	return nil
}
func (s *memSink) Close() error { return nil }

func (s *memSink) all() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Entry(nil), s.entries...)
}

func newTestLogger(t *testing.T, cfg config.AuditConfig) (*Logger, *memSink) {
	t.Helper()
	if cfg.Level == "" {
		cfg.Level = config.AuditFull
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 4096
	}
	sink := &memSink{}
	l, err := New(cfg, WithSink(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, sink
}

func TestRecordRedactsHeaders(t *testing.T) {
	l, sink := newTestLogger(t, config.AuditConfig{
		Level:         config.AuditHeaders,
		RedactHeaders: []string{"X-Internal-Id"},
	})

	e := NewEntry()
	e.Headers = map[string]string{
		"authorization": "Bearer abc",
		"x-api-key":     "k",
		"X-Internal-Id": "42",
		"content-type":  "application/json",
		"cookie":        "session=1", // no sensitive substring, not configured
	}
	e.Body = "should be dropped at headers level"
	l.Record(e)
	l.Close()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	h := got[0].Headers
	if h["authorization"] != "[REDACTED]" || h["x-api-key"] != "[REDACTED]" || h["X-Internal-Id"] != "[REDACTED]" {
		t.Errorf("sensitive headers not redacted: %v", h)
	}
	if h["content-type"] != "application/json" || h["cookie"] != "session=1" {
		t.Errorf("benign headers mangled: %v", h)
	}
	if got[0].Body != "" {
		t.Error("body kept at headers level")
	}
}

func TestRecordLevels(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		l, sink := newTestLogger(t, config.AuditConfig{Level: config.AuditNone})
		l.Record(NewEntry())
		l.Close()
		if len(sink.all()) != 0 {
			t.Error("entry recorded at level none")
		}
	})
	t.Run("minimal", func(t *testing.T) {
		l, sink := newTestLogger(t, config.AuditConfig{Level: config.AuditMinimal})
		e := NewEntry()
		e.Headers = map[string]string{"host": "x"}
		e.Body = "body"
		l.Record(e)
		l.Close()
		got := sink.all()
		if len(got) != 1 || got[0].Headers != nil || got[0].Body != "" {
			t.Errorf("minimal entry = %+v", got[0])
		}
	})
}

func TestRecordScrubsBody(t *testing.T) {
	l, sink := newTestLogger(t, config.AuditConfig{
		Level: config.AuditFull,
		ScrubPatterns: []config.ScrubPattern{
			{Name: "email", Pattern: `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, Replacement: "[EMAIL]"},
			{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
		},
		MaxBodyBytes: 4096,
	})

	e := NewEntry()
	e.Body = `{"email":"user@example.com","ssn":"123-45-6789"}`
	l.Record(e)
	l.Close()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("entries = %d", len(got))
	}
	want := `{"email":"[EMAIL]","ssn":"[SCRUBBED]"}`
	if got[0].Body != want {
		t.Errorf("body = %q, want %q", got[0].Body, want)
	}
}

func TestRecordTruncatesBody(t *testing.T) {
	l, sink := newTestLogger(t, config.AuditConfig{Level: config.AuditFull, MaxBodyBytes: 8})
	e := NewEntry()
	e.Body = "0123456789abcdef"
	l.Record(e)
	l.Close()
	if got := sink.all()[0].Body; got != "01234567" {
		t.Errorf("body = %q, want 8-byte truncation", got)
	}
}

func TestRecordStatusFilter(t *testing.T) {
	l, sink := newTestLogger(t, config.AuditConfig{
		Level:       config.AuditMinimal,
		StatusCodes: []int{403, 429},
	})
	for _, code := range []int{200, 403, 404, 429} {
		e := NewEntry()
		e.StatusCode = code
		l.Record(e)
	}
	l.Close()
	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
}

func TestRecordSamplingZero(t *testing.T) {
	l, sink := newTestLogger(t, config.AuditConfig{Level: config.AuditMinimal, SamplingRate: 0.0000001})
	for i := 0; i < 50; i++ {
		l.Record(NewEntry())
	}
	l.Close()
	if n := len(sink.all()); n > 5 {
		t.Errorf("entries = %d with near-zero sampling", n)
	}
}

func TestFileSinkWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(config.AuditConfig{
		Level:        config.AuditMinimal,
		SamplingRate: 1.0,
		MaxBodyBytes: 4096,
		Sinks:        []config.AuditSinkConfig{{Type: "file", Path: path}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e := NewEntry()
	e.Host = "api.example.com"
	e.Decision = "denied"
	e.Reason = "DOMAIN_NOT_ALLOWED"
	l.Record(e)
	l.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("audit log empty")
	}
	var decoded Entry
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("line not JSON: %v", err)
	}
	if decoded.Host != "api.example.com" || decoded.Reason != "DOMAIN_NOT_ALLOWED" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.CorrelationID == "" {
		t.Error("missing correlation id")
	}
}

func TestWebhookSinkPostsBatch(t *testing.T) {
	var mu sync.Mutex
	var received [][]*Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []*Entry
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		received = append(received, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := newWebhookSink(config.AuditSinkConfig{Type: "webhook", URL: srv.URL})
	if err != nil {
		t.Fatalf("newWebhookSink: %v", err)
	}
	e := NewEntry()
	e.Decision = "allowed"
	if err := sink.Write([]*Entry{e}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || len(received[0]) != 1 || received[0][0].Decision != "allowed" {
		t.Errorf("received = %+v", received)
	}
}

func TestWebhookSinkBreakerOpensOnFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest) // permanent failure, no retries
	}))
	defer srv.Close()

	sink, err := newWebhookSink(config.AuditSinkConfig{Type: "webhook", URL: srv.URL})
	if err != nil {
		t.Fatalf("newWebhookSink: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := sink.Write([]*Entry{NewEntry()}); err == nil {
			t.Fatalf("write %d succeeded against failing endpoint", i)
		}
	}
	// Breaker is open now: writes fail fast without touching the endpoint.
	start := time.Now()
	if err := sink.Write([]*Entry{NewEntry()}); err == nil {
		t.Fatal("write succeeded with open breaker")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("open breaker did not fail fast")
	}
}
