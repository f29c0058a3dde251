package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/egressd/egressd/internal/audit"
	"github.com/egressd/egressd/internal/circuitbreaker"
	"github.com/egressd/egressd/internal/connpool"
	"github.com/egressd/egressd/internal/errors"
	"github.com/egressd/egressd/internal/grpcframe"
	"github.com/egressd/egressd/internal/httpparser"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/policy"
	"github.com/egressd/egressd/internal/tenant"
	"github.com/egressd/egressd/internal/tracing"
)

// http1Session drives one client connection through the plain-forward
// or MITM request loop. One parser serves all keep-alive requests.
type http1Session struct {
	p    *Proxy
	conn net.Conn
	br   *bufio.Reader
	ip   string

	// MITM: requests ride a CONNECT tunnel to one fixed target and the
	// upstream side is TLS.
	mitm     bool
	tlsHost  string
	tlsPort  int
	protocol string
}

// target describes where one request is going.
type target struct {
	host   string
	port   int
	path   string // origin-form, with query
	useTLS bool
}

func (t *target) addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (t *target) hostHeader() string {
	if (t.useTLS && t.port == 443) || (!t.useTLS && t.port == 80) {
		return t.host
	}
	return t.addr()
}

// bodyRouter receives decoded body bytes from the parser. Until the
// upstream is dialed it buffers; afterwards it streams. The capture tee
// keeps an audit excerpt.
type bodyRouter struct {
	buf     bytes.Buffer
	dst     io.Writer
	capture *captureWriter
	err     error // first downstream write error
}

func (r *bodyRouter) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.capture.Write(p)
	if r.dst == nil {
		return r.buf.Write(p)
	}
	n, err := r.dst.Write(p)
	if err != nil {
		r.err = err
	}
	return n, err
}

// attach switches streaming on, flushing anything buffered so far.
func (r *bodyRouter) attach(w io.Writer) error {
	r.dst = w
	if r.buf.Len() == 0 {
		return nil
	}
	_, err := w.Write(r.buf.Bytes())
	r.buf.Reset()
	if err != nil {
		r.err = err
	}
	return err
}

// ServeHTTP1 runs the plain-forward request loop on a client
// connection. The parser carries the first request, already past its
// header block.
func (p *Proxy) ServeHTTP1(conn net.Conn, br *bufio.Reader, parser *httpparser.Parser) {
	s := &http1Session{p: p, conn: conn, br: br, protocol: "http"}
	s.run(parser)
}

func (s *http1Session) run(parser *httpparser.Parser) {
	for {
		if err := s.feedUntil(parser, parser.HeadersDone); err != nil {
			if pe := parser.Err(); pe != nil {
				s.auditParseError(pe)
				writeError(s.conn, parseErrorStatus(pe), false)
			}
			return
		}
		if !s.handleRequest(parser) {
			return
		}
		parser.Reset()
	}
}

// feedUntil reads client bytes into the parser until cond holds. The
// idle timeout bounds the wait for the next byte.
func (s *http1Session) feedUntil(parser *httpparser.Parser, cond func() bool) error {
	buf := make([]byte, 8*1024)
	for !cond() {
		if idle := s.p.cfg.Server.Timeouts.Idle; idle > 0 {
			s.conn.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := s.br.Read(buf)
		if n > 0 {
			if ferr := parser.Feed(buf[:n]); ferr != nil {
				return ferr
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// parseErrorStatus maps a parser failure onto the client status.
func parseErrorStatus(pe *httpparser.ParseError) *errors.ProxyError {
	switch pe.Code {
	case httpparser.ErrRequestLineTooLong:
		return errors.ErrURITooLong
	case httpparser.ErrHeadersTooLarge:
		return errors.ErrHeadersTooLarge
	case httpparser.ErrBodyTooLarge:
		return errors.ErrPayloadTooLarge
	default:
		return errors.ErrBadRequest.WithDetails(pe.Error())
	}
}

func (s *http1Session) auditParseError(pe *httpparser.ParseError) {
	e := s.p.newEntry(s.protocol, "", s.ip, s.tlsHost, s.tlsPort)
	e.StatusCode = parseErrorStatus(pe).Code
	e.Decision = "denied"
	e.Reason = string(policy.ReasonRequestTooLarge)
	if e.StatusCode == 400 {
		e.Reason = string(policy.ReasonInternalError)
	}
	s.p.audit.Record(e)
}

// resolveTarget derives the upstream address from the request line and
// Host header. MITM sessions always go to the CONNECT target.
func (s *http1Session) resolveTarget(req *httpparser.Request) (*target, *errors.ProxyError) {
	if s.mitm {
		return &target{host: s.tlsHost, port: s.tlsPort, path: req.Target, useTLS: true}, nil
	}
	if strings.HasPrefix(req.Target, "http://") || strings.HasPrefix(req.Target, "https://") {
		u, err := url.Parse(req.Target)
		if err != nil || u.Hostname() == "" {
			return nil, errors.ErrBadRequest.WithDetails("invalid absolute-form URI")
		}
		t := &target{host: strings.ToLower(u.Hostname()), useTLS: u.Scheme == "https"}
		t.port = 80
		if t.useTLS {
			t.port = 443
		}
		if ps := u.Port(); ps != "" {
			t.port, _ = strconv.Atoi(ps)
		}
		t.path = u.RequestURI()
		return t, nil
	}
	hostHdr := req.Headers["host"]
	if hostHdr == "" {
		return nil, errors.ErrBadRequest.WithDetails("missing Host header")
	}
	t := &target{port: 80, path: req.Target}
	if h, ps, err := net.SplitHostPort(hostHdr); err == nil {
		t.host = strings.ToLower(h)
		t.port, _ = strconv.Atoi(ps)
	} else {
		t.host = strings.ToLower(hostHdr)
	}
	return t, nil
}

// deny writes an error response and drains the rest of the request so
// the connection stays usable. Returns the keep-alive verdict.
func (s *http1Session) deny(parser *httpparser.Parser, router *bodyRouter, pe *errors.ProxyError, keepAlive bool) bool {
	router.dst = io.Discard
	if err := s.feedUntil(parser, parser.Done); err != nil {
		keepAlive = false
	}
	writeError(s.conn, pe, keepAlive)
	return keepAlive
}

// handleRequest proxies one parsed request. It returns false when the
// connection must close.
func (s *http1Session) handleRequest(parser *httpparser.Parser) bool {
	start := time.Now()
	req := parser.Request()
	if s.ip == "" {
		s.ip = clientIP(s.conn.RemoteAddr(), req.Headers)
	}
	keepAlive := wantKeepAlive(req)

	// Route decoded body bytes; anything parsed alongside the headers is
	// the start of the body.
	router := &bodyRouter{capture: &captureWriter{max: s.p.cfg.Audit.MaxBodyBytes}}
	parser.OnBody = func(b []byte) error {
		_, err := router.Write(b)
		return err
	}
	if len(req.Body) > 0 {
		router.Write(req.Body)
		req.Body = nil
	}

	tgt, perr := s.resolveTarget(req)
	if perr != nil {
		e := s.p.newEntry(s.protocol, "", s.ip, s.tlsHost, s.tlsPort)
		e.Method = req.Method
		e.StatusCode = perr.Code
		e.Decision = "denied"
		e.Reason = string(policy.ReasonInternalError)
		s.p.audit.Record(e)
		writeError(s.conn, perr, false)
		return false
	}
	if max := s.p.cfg.Server.Limits.MaxURLLength; len(req.Target) > max {
		e := s.p.newEntry(s.protocol, "", s.ip, tgt.host, tgt.port)
		e.Method = req.Method
		e.StatusCode = 414
		e.Decision = "denied"
		e.Reason = string(policy.ReasonRequestTooLarge)
		s.p.audit.Record(e)
		return s.deny(parser, router, errors.ErrURITooLong, keepAlive)
	}

	// grpc-web requests and their CORS preflights carry their verdicts
	// as grpc trailer frames, so they get their own pipeline.
	if grpcframe.IsGRPCWebContentType(req.Headers["content-type"]) ||
		(req.Method == "OPTIONS" && req.Headers["access-control-request-method"] != "") {
		return s.serveGRPCWeb(parser, router, req, tgt, start, keepAlive)
	}

	entry := s.p.newEntry(s.protocol, "", s.ip, tgt.host, tgt.port)
	entry.Method = req.Method
	entry.Path = tgt.path
	entry.Headers = req.Headers
	_, span := s.p.startSpan(context.Background(), "proxy.request", entry)
	defer tracing.EndSpan(span, nil)

	sc, err := s.p.scopeFor(tenant.Request{Host: tgt.host, Path: tgt.path, Headers: req.Headers}, s.ip)
	if err != nil {
		entry.StatusCode = 403
		s.p.finish(entry, start, "denied", policy.MatchResult{Reason: policy.ReasonNoMatchingRule})
		return s.deny(parser, router, errors.ErrForbidden.WithDetails(err.Error()), keepAlive)
	}
	defer sc.done()
	entry.Tenant = sc.tenantID

	pathOnly := tgt.path
	if i := strings.IndexByte(pathOnly, '?'); i >= 0 {
		pathOnly = pathOnly[:i]
	}
	info := policy.RequestInfo{
		Host:     tgt.host,
		Port:     tgt.port,
		Path:     pathOnly,
		Method:   req.Method,
		SourceIP: s.ip,
		Tenant:   sc.tenantID,
	}

	res := sc.matcher.Match(info)
	if !res.Allowed {
		entry.StatusCode = 403
		s.p.finish(entry, start, "denied", res)
		return s.deny(parser, router, errors.ErrForbidden.WithDetails(res.Reason.Human()), keepAlive)
	}

	if d := sc.consume(res, s.ip); !d.Allowed {
		entry.StatusCode = 429
		s.p.finish(entry, start, "rate_limited", rateLimited(res))
		return s.deny(parser, router, errors.ErrTooManyRequests.WithRetryAfter(int(d.RetryIn.Seconds()+1)), keepAlive)
	}

	// WebSocket upgrades leave the request/response world: after the
	// policy verdict the connection becomes an opaque byte stream.
	if isWebSocketUpgrade(req.Headers) {
		s.serveWebSocket(req, tgt, res, entry, start)
		return false
	}

	status, ok := s.proxyRequest(parser, router, req, tgt, res, entry, start)
	entry.StatusCode = status
	if !ok {
		return false
	}
	return keepAlive
}

// proxyRequest performs the upstream exchange for a normal HTTP
// request. Returns the client-facing status and whether the client
// connection may be reused.
func (s *http1Session) proxyRequest(parser *httpparser.Parser, router *bodyRouter,
	req *httpparser.Request, tgt *target, res policy.MatchResult,
	entry *audit.Entry, start time.Time) (int, bool) {

	addr := tgt.addr()
	brk := s.p.breakers.Get(addr)
	if allowed, state := brk.Allow(); !allowed {
		s.p.finish(entry, start, "circuit_open", policy.MatchResult{Rule: res.Rule, Reason: policy.ReasonUpstreamError})
		s.deny(parser, router, errors.ErrServiceUnavailable.WithDetails("upstream circuit "+state.String()), false)
		return 503, false
	}
	defer brk.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.p.cfg.Server.Timeouts.Connect)
	upstream, err := s.p.pool.Get(ctx, tgt.useTLS, addr, tgt.host)
	cancel()
	if err != nil {
		brk.RecordFailure()
		pe, kind := upstreamError(err)
		s.p.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		s.p.finish(entry, start, "error", failReason(kind))
		writeError(s.conn, pe, false)
		return pe.Code, false
	}

	// Filtered headers: hop-by-hop stripped, rule transforms applied,
	// authority rewritten.
	headers := stripHopByHop(req.Headers)
	if res.Rule != nil {
		applyHeaderOps(headers, res.Rule.Headers.Request)
	}
	headers["host"] = tgt.hostHeader()

	chunked := false
	if _, ok := req.Headers["transfer-encoding"]; ok {
		chunked = true
		headers["transfer-encoding"] = "chunked"
	}

	if err := writeRequestHead(upstream, req.Method, tgt.path, headers); err != nil {
		upstream.Release(false)
		brk.RecordFailure()
		s.p.finish(entry, start, "error", failReason("io"))
		writeError(s.conn, errors.ErrBadGateway, false)
		return 502, false
	}

	var bodyDst io.Writer = upstream
	var chunkW io.WriteCloser
	if chunked {
		chunkW = httputil.NewChunkedWriter(upstream)
		bodyDst = chunkW
	}
	router.attach(bodyDst)

	if err := s.feedUntil(parser, parser.Done); err != nil {
		upstream.Release(false)
		if pe := parser.Err(); pe != nil && pe.Code == httpparser.ErrBodyTooLarge && router.err == nil {
			s.p.finish(entry, start, "denied", policy.MatchResult{Rule: res.Rule, Reason: policy.ReasonRequestTooLarge})
			writeError(s.conn, errors.ErrPayloadTooLarge, false)
			return 413, false
		}
		brk.RecordFailure()
		s.p.finish(entry, start, "error", failReason("io"))
		return 502, false
	}
	if chunkW != nil {
		chunkW.Close()
		io.WriteString(upstream, "\r\n")
	}
	entry.BytesIn = parser.BodyBytes()
	entry.Body = router.capture.String()

	status, reused := s.relayResponse(upstream, brk, req.Method, res, entry, start)
	return status, reused
}

// relayResponse reads the upstream response and streams it to the
// client under the response-size cap.
func (s *http1Session) relayResponse(upstream *connpool.Conn, brk *circuitbreaker.Breaker,
	method string, res policy.MatchResult, entry *audit.Entry, start time.Time) (int, bool) {

	respTimeout := s.p.cfg.Server.Timeouts.Response
	if respTimeout > 0 {
		upstream.SetReadDeadline(time.Now().Add(respTimeout))
	}
	upbr := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upbr, &http.Request{Method: method})
	if err != nil {
		upstream.Release(false)
		brk.RecordFailure()
		pe, kind := upstreamError(err)
		s.p.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		s.p.finish(entry, start, "error", failReason(kind))
		writeError(s.conn, pe, false)
		return pe.Code, false
	}

	maxResp := s.p.cfg.Server.Limits.MaxResponseBody
	if maxResp > 0 && resp.ContentLength > maxResp {
		resp.Body.Close()
		upstream.Release(false)
		brk.RecordSuccess()
		s.p.finish(entry, start, "denied", policy.MatchResult{Rule: res.Rule, Reason: policy.ReasonRequestTooLarge})
		writeError(s.conn, errors.ErrBadGateway.WithDetails("response too large"), false)
		return 502, false
	}

	headers := stripHopByHop(flattenHeader(resp.Header))
	if res.Rule != nil {
		applyHeaderOps(headers, res.Rule.Headers.Response)
	}
	chunked := resp.ContentLength < 0
	if chunked {
		headers["transfer-encoding"] = "chunked"
		delete(headers, "content-length")
	} else {
		headers["content-length"] = strconv.FormatInt(resp.ContentLength, 10)
	}
	if err := writeResponseHead(s.conn, resp.StatusCode, "", headers); err != nil {
		resp.Body.Close()
		upstream.Release(false)
		return resp.StatusCode, false
	}

	var dst io.Writer = &limitWriter{w: s.conn, max: maxResp}
	var chunkW io.WriteCloser
	if chunked {
		chunkW = httputil.NewChunkedWriter(dst)
		dst = chunkW
	}
	src := &deadlineReader{r: resp.Body, conn: upstream, timeout: respTimeout}
	n, copyErr := io.Copy(dst, src)
	resp.Body.Close()
	entry.BytesOut = n
	s.p.metrics.BytesTransferred.WithLabelValues("in").Add(float64(entry.BytesIn))
	s.p.metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))

	if copyErr != nil {
		upstream.Release(false)
		if copyErr != errBodyTooLarge {
			brk.RecordFailure()
		}
		s.p.finish(entry, start, "error", failReason("io"))
		return resp.StatusCode, false
	}
	if chunkW != nil {
		chunkW.Close()
		io.WriteString(s.conn, "\r\n")
	}

	brk.RecordSuccess()
	upstream.SetReadDeadline(time.Time{})
	reuse := !resp.Close && upbr.Buffered() == 0
	upstream.Release(reuse)
	s.p.finish(entry, start, "allowed", res)
	s.p.metrics.RequestDuration.WithLabelValues(s.protocol).Observe(time.Since(start).Seconds())

	logging.Debug("request proxied",
		zap.String("host", entry.Host),
		zap.String("method", entry.Method),
		zap.Int("status", resp.StatusCode),
		zap.Int64("bytes_out", n))
	return resp.StatusCode, true
}

// wantKeepAlive applies the HTTP/1.x persistence rules.
func wantKeepAlive(req *httpparser.Request) bool {
	conn := strings.ToLower(req.Headers["connection"])
	if req.Version == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return !strings.Contains(conn, "close")
}

func isWebSocketUpgrade(headers map[string]string) bool {
	return strings.EqualFold(headers["upgrade"], "websocket") &&
		strings.Contains(strings.ToLower(headers["connection"]), "upgrade")
}

// upstreamError classifies a dial or read failure.
func upstreamError(err error) (*errors.ProxyError, string) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.ErrGatewayTimeout.WithDetails("upstream timeout"), "timeout"
	}
	if err == context.DeadlineExceeded {
		return errors.ErrGatewayTimeout.WithDetails("upstream timeout"), "timeout"
	}
	return errors.ErrBadGateway.WithDetails("upstream unavailable"), "dial"
}
