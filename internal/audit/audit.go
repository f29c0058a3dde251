package audit

import (
	"math/rand"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/logging"
)

func init() {
	// Correlation ids are minted on every request.
	uuid.EnableRandPool()
}

// Entry is one audit record: a decision, or an error on the request
// path. One entry per request outcome.
type Entry struct {
	CorrelationID string  `json:"correlation_id"`
	Timestamp     string  `json:"timestamp"`
	Tenant        string  `json:"tenant,omitempty"`
	ClientIP      string  `json:"client_ip"`
	Host          string  `json:"host"`
	Port          int     `json:"port,omitempty"`
	Method        string  `json:"method,omitempty"`
	Path          string  `json:"path,omitempty"`
	Protocol      string  `json:"protocol"` // tunnel, mitm, http, grpc, grpc-web, websocket
	Decision      string  `json:"decision"` // allowed, denied, rate_limited, circuit_open, error
	RuleID        string  `json:"rule_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	StatusCode    int     `json:"status_code,omitempty"`
	DurationMS    float64 `json:"duration_ms"`
	BytesIn       int64   `json:"bytes_in"`
	BytesOut      int64   `json:"bytes_out"`
	TraceID       string  `json:"trace_id,omitempty"`
	SpanID        string  `json:"span_id,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// NewEntry starts an entry with a fresh correlation id and timestamp.
func NewEntry() *Entry {
	return &Entry{
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Sink receives finished audit batches. Sink errors are logged by the
// flush loop and never reach the request path.
type Sink interface {
	Name() string
	Write(batch []*Entry) error
	Close() error
}

type scrubPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Logger filters, redacts and asynchronously fans audit entries out to
// the configured sinks. Record never blocks: when the queue is full the
// entry is dropped and counted.
type Logger struct {
	level        config.AuditLevel
	samplingRate float64
	statusSet    map[int]struct{}
	redactor     *headerRedactor
	scrubbers    []scrubPattern
	maxBodyBytes int
	sinks        []Sink

	queue  chan *Entry
	stopCh chan struct{}
	doneCh chan struct{}

	enqueued atomic.Int64
	dropped  atomic.Int64
	flushed  atomic.Int64

	onDrop func()
}

const (
	queueSize     = 4096
	batchSize     = 64
	flushInterval = time.Second
)

// Option configures the logger.
type Option func(*Logger)

// WithDropCounter wires a metric hook for dropped entries.
func WithDropCounter(fn func()) Option {
	return func(l *Logger) { l.onDrop = fn }
}

// WithSink adds a sink beyond those built from configuration.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, s) }
}

// New builds the logger, its sinks, and starts the flush loop.
func New(cfg config.AuditConfig, opts ...Option) (*Logger, error) {
	l := &Logger{
		level:        cfg.Level,
		samplingRate: cfg.SamplingRate,
		redactor:     newHeaderRedactor(cfg.RedactHeaders),
		maxBodyBytes: cfg.MaxBodyBytes,
		queue:        make(chan *Entry, queueSize),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}

	if len(cfg.StatusCodes) > 0 {
		l.statusSet = make(map[int]struct{}, len(cfg.StatusCodes))
		for _, s := range cfg.StatusCodes {
			l.statusSet[s] = struct{}{}
		}
	}
	for _, p := range cfg.ScrubPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, err
		}
		repl := p.Replacement
		if repl == "" {
			repl = "[SCRUBBED]"
		}
		l.scrubbers = append(l.scrubbers, scrubPattern{re: re, replacement: repl})
	}
	for _, sc := range cfg.Sinks {
		sink, err := newSink(sc)
		if err != nil {
			return nil, err
		}
		l.sinks = append(l.sinks, sink)
	}

	go l.flushLoop()
	return l, nil
}

// Record filters and enqueues an entry. The entry must not be mutated
// by the caller afterwards.
func (l *Logger) Record(e *Entry) {
	if l.level == config.AuditNone {
		return
	}
	if l.statusSet != nil && e.StatusCode != 0 {
		if _, ok := l.statusSet[e.StatusCode]; !ok {
			return
		}
	}
	if l.samplingRate < 1.0 && rand.Float64() >= l.samplingRate {
		return
	}

	switch l.level {
	case config.AuditMinimal:
		e.Headers = nil
		e.Body = ""
	case config.AuditHeaders:
		e.Headers = l.redactor.redact(e.Headers)
		e.Body = ""
	case config.AuditFull:
		e.Headers = l.redactor.redact(e.Headers)
		e.Body = l.scrubBody(e.Body)
	}

	select {
	case l.queue <- e:
		l.enqueued.Add(1)
	default:
		l.dropped.Add(1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

func (l *Logger) scrubBody(body string) string {
	if body == "" {
		return ""
	}
	if len(body) > l.maxBodyBytes {
		body = body[:l.maxBodyBytes]
	}
	for _, s := range l.scrubbers {
		body = s.re.ReplaceAllString(body, s.replacement)
	}
	return body
}

// Close drains the queue into the sinks and shuts them down.
func (l *Logger) Close() {
	close(l.stopCh)
	<-l.doneCh
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			logging.Warn("audit sink close", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// Stats returns flush-loop counters for the stats endpoint.
func (l *Logger) Stats() map[string]int64 {
	return map[string]int64{
		"enqueued":  l.enqueued.Load(),
		"dropped":   l.dropped.Load(),
		"flushed":   l.flushed.Load(),
		"queue_len": int64(len(l.queue)),
	}
}

func (l *Logger) flushLoop() {
	defer close(l.doneCh)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, s := range l.sinks {
			if err := s.Write(batch); err != nil {
				logging.Warn("audit sink write", zap.String("sink", s.Name()), zap.Error(err))
			}
		}
		l.flushed.Add(int64(len(batch)))
		batch = make([]*Entry, 0, batchSize)
	}

	for {
		select {
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stopCh:
			for {
				select {
				case e := <-l.queue:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// headerRedactor masks sensitive header values. A header is sensitive
// when its lowercased name is in the configured set or contains one of
// the built-in substrings.
type headerRedactor struct {
	exact map[string]struct{}
}

var sensitiveSubstrings = []string{"auth", "token", "key", "secret", "password", "credential"}

func newHeaderRedactor(names []string) *headerRedactor {
	r := &headerRedactor{exact: make(map[string]struct{}, len(names))}
	for _, n := range names {
		r.exact[strings.ToLower(n)] = struct{}{}
	}
	return r
}

func (r *headerRedactor) redact(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, v := range headers {
		if r.sensitive(strings.ToLower(name)) {
			out[name] = "[REDACTED]"
		} else {
			out[name] = v
		}
	}
	return out
}

func (r *headerRedactor) sensitive(name string) bool {
	if _, ok := r.exact[name]; ok {
		return true
	}
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(name, sub) {
			return true
		}
	}
	return false
}
