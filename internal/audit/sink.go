package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/egressd/egressd/config"
)

func newSink(cfg config.AuditSinkConfig) (Sink, error) {
	switch cfg.Type {
	case "file":
		return newFileSink(cfg)
	case "webhook":
		return newWebhookSink(cfg)
	default:
		return nil, fmt.Errorf("unknown audit sink type %q", cfg.Type)
	}
}

// fileSink appends newline-delimited JSON to a rotating log file.
type fileSink struct {
	w *lumberjack.Logger
}

func newFileSink(cfg config.AuditSinkConfig) (*fileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file sink requires path")
	}
	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = 100
	}
	return &fileSink{w: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}}, nil
}

func (s *fileSink) Name() string { return "file" }

func (s *fileSink) Write(batch []*Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	_, err := s.w.Write(buf.Bytes())
	return err
}

func (s *fileSink) Close() error { return s.w.Close() }

// webhookSink POSTs batches as JSON arrays. Deliveries retry with
// exponential backoff; a circuit breaker skips the endpoint entirely
// while it keeps failing so a dead webhook cannot back up the flush
// loop.
type webhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func newWebhookSink(cfg config.AuditSinkConfig) (*webhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook sink requires url")
	}
	return &webhookSink{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "audit-webhook",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}, nil
}

func (s *webhookSink) Name() string { return "webhook" }

func (s *webhookSink) Write(batch []*Entry) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_, err = s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(body)
	})
	return err
}

func (s *webhookSink) post(body []byte) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		default:
			// 4xx is not going to improve with retries.
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
	}, bo)
}

func (s *webhookSink) Close() error { return nil }
