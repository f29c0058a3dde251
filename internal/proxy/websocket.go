package proxy

import (
	"crypto/tls"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/egressd/egressd/internal/audit"
	"github.com/egressd/egressd/internal/errors"
	"github.com/egressd/egressd/internal/httpparser"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/policy"
)

// serveWebSocket forwards an upgrade request and then treats the
// connection as an opaque framed stream. Messages are not inspected.
// The policy verdict happened before the hand-off; the socket bypasses
// the pool because upgraded connections are never reusable.
func (s *http1Session) serveWebSocket(req *httpparser.Request, tgt *target,
	res policy.MatchResult, entry *audit.Entry, start time.Time) {

	entry.Protocol = "websocket"

	var upstream net.Conn
	var err error
	dialer := &net.Dialer{Timeout: s.p.cfg.Server.Timeouts.Connect}
	if tgt.useTLS {
		upstream, err = tls.DialWithDialer(dialer, "tcp", tgt.addr(), &tls.Config{ServerName: tgt.host})
	} else {
		upstream, err = dialer.Dial("tcp", tgt.addr())
	}
	if err != nil {
		pe, kind := upstreamError(err)
		s.p.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		entry.StatusCode = pe.Code
		s.p.finish(entry, start, "error", failReason(kind))
		writeError(s.conn, pe, false)
		return
	}
	defer upstream.Close()

	// The upgrade handshake needs Connection and Upgrade to survive, so
	// only the proxy-scoped headers are dropped here.
	headers := make(map[string]string, len(req.Headers))
	for name, v := range req.Headers {
		if strings.HasPrefix(name, "proxy-") {
			continue
		}
		headers[name] = v
	}
	headers["host"] = tgt.hostHeader()
	if res.Rule != nil {
		applyHeaderOps(headers, res.Rule.Headers.Request)
	}

	if err := writeRequestHead(upstream, req.Method, tgt.path, headers); err != nil {
		entry.StatusCode = 502
		s.p.finish(entry, start, "error", failReason("io"))
		writeError(s.conn, errors.ErrBadGateway, false)
		return
	}

	// The 101 response and all frames flow through the splice untouched.
	in, out := splice(s.conn, upstream, s.p.cfg.Server.Timeouts.Idle)
	entry.BytesIn = in
	entry.BytesOut = out
	entry.StatusCode = 101
	s.p.metrics.BytesTransferred.WithLabelValues("in").Add(float64(in))
	s.p.metrics.BytesTransferred.WithLabelValues("out").Add(float64(out))
	s.p.finish(entry, start, "allowed", res)

	logging.Debug("websocket closed",
		zap.String("host", tgt.host),
		zap.Int64("bytes_in", in),
		zap.Int64("bytes_out", out))
}
