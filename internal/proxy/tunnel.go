package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/errors"
	"github.com/egressd/egressd/internal/httpparser"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/policy"
	"github.com/egressd/egressd/internal/tenant"
	"github.com/egressd/egressd/internal/tracing"
)

// connectTarget splits the authority form of a CONNECT request line.
// The port defaults to 443.
func connectTarget(target string) (host string, port int, err error) {
	host = target
	port = 443
	if h, p, splitErr := net.SplitHostPort(target); splitErr == nil {
		host = h
		if port, err = strconv.Atoi(p); err != nil || port < 1 || port > 65535 {
			return "", 0, errors.ErrBadRequest.WithDetails("invalid CONNECT port")
		}
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return "", 0, errors.ErrBadRequest.WithDetails("empty CONNECT host")
	}
	return host, port, nil
}

// ServeConnect handles a parsed CONNECT request, dispatching to the
// opaque tunnel or the TLS-terminating interceptor by configured mode.
func (p *Proxy) ServeConnect(conn net.Conn, br *bufio.Reader, req *httpparser.Request) {
	start := time.Now()
	ip := clientIP(conn.RemoteAddr(), req.Headers)

	host, port, err := connectTarget(req.Target)
	if err != nil {
		pe, _ := errors.IsProxyError(err)
		writeError(conn, pe, false)
		e := p.newEntry("tunnel", "", ip, req.Target, 0)
		e.StatusCode = pe.Code
		e.Decision = "denied"
		e.Reason = "INTERNAL_ERROR"
		p.audit.Record(e)
		return
	}

	sc, err := p.scopeFor(tenant.Request{Host: host, Headers: req.Headers}, ip)
	if err != nil {
		writeError(conn, errors.ErrForbidden.WithDetails(err.Error()), false)
		e := p.newEntry("tunnel", "", ip, host, port)
		e.StatusCode = 403
		e.Decision = "denied"
		e.Reason = "NO_MATCHING_RULE"
		p.audit.Record(e)
		return
	}
	defer sc.done()

	res := sc.matcher.IsDomainAllowed(host, ip)
	entry := p.newEntry("tunnel", sc.tenantID, ip, host, port)
	_, span := p.startSpan(context.Background(), "proxy.connect", entry)
	defer tracing.EndSpan(span, nil)
	if !res.Allowed {
		entry.StatusCode = 403
		pe := errors.ErrForbidden.WithDetails(res.Reason.Human())
		if res.Reason == policy.ReasonDomainNotAllowed || res.Reason == policy.ReasonNoMatchingRule {
			pe = errors.ErrDomainNotAllowed.WithDetails(host)
		}
		writeError(conn, pe, false)
		p.finish(entry, start, "denied", res)
		return
	}

	if d := sc.consume(res, ip); !d.Allowed {
		entry.StatusCode = 429
		writeError(conn, errors.ErrTooManyRequests.WithRetryAfter(int(d.RetryIn.Seconds()+1)), false)
		p.finish(entry, start, "rate_limited", rateLimited(res))
		return
	}

	if p.cfg.Server.Mode == config.ModeMITM {
		p.serveMITM(conn, br, host, port, res, entry, start)
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	upstream, err := net.DialTimeout("tcp", addr, p.cfg.Server.Timeouts.Connect)
	if err != nil {
		pe := errors.ErrBadGateway
		kind := "dial"
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			pe = errors.ErrGatewayTimeout
			kind = "timeout"
		}
		p.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		entry.StatusCode = pe.Code
		writeError(conn, pe.WithDetails("upstream dial failed"), false)
		p.finish(entry, start, "error", failReason(kind))
		return
	}
	defer upstream.Close()

	io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\nProxy-Agent: "+p.cfg.Server.ProxyAgent+"\r\n\r\n")

	// Bytes the client pipelined behind the CONNECT head belong to the
	// tunnel.
	if n := br.Buffered(); n > 0 {
		pending, _ := br.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			p.finish(entry, start, "error", failReason("io"))
			return
		}
		br.Discard(n)
	}

	in, out := splice(conn, upstream, p.cfg.Server.Timeouts.Idle)
	entry.BytesIn = in
	entry.BytesOut = out
	entry.StatusCode = 200
	p.metrics.BytesTransferred.WithLabelValues("in").Add(float64(in))
	p.metrics.BytesTransferred.WithLabelValues("out").Add(float64(out))
	p.finish(entry, start, "allowed", res)

	logging.Debug("tunnel closed",
		zap.String("host", host),
		zap.Int64("bytes_in", in),
		zap.Int64("bytes_out", out))
}
