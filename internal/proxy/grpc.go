package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/egressd/egressd/internal/grpcframe"
	"github.com/egressd/egressd/internal/policy"
	"github.com/egressd/egressd/internal/tenant"
	"github.com/egressd/egressd/internal/tracing"
)

// h2Upstream holds the HTTP/2 machinery for native gRPC proxying: the
// server that speaks h2c to clients and the transports toward
// upstreams (TLS for 443, prior-knowledge h2c otherwise).
type h2Upstream struct {
	srv *http2.Server
	tls *http2.Transport
	h2c *http2.Transport
}

func newH2Upstream() *h2Upstream {
	return &h2Upstream{
		srv: &http2.Server{},
		tls: &http2.Transport{
			TLSClientConfig: &tls.Config{NextProtos: []string{"h2"}},
		},
		h2c: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// ServeGRPC runs a client connection that opened with the HTTP/2
// preface through the h2c server; every stream is proxied by
// handleGRPCStream.
func (p *Proxy) ServeGRPC(conn net.Conn, br *bufio.Reader) {
	wrapped := &peekedConn{Conn: conn, r: io.MultiReader(br, conn)}
	p.h2.srv.ServeConn(wrapped, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(p.handleGRPCStream),
	})
}

// grpcError writes a trailer-only response carrying the grpc verdict.
// code follows the canonical numeric space (google.golang.org/grpc/codes).
func grpcError(w http.ResponseWriter, code int, msg string) {
	h := w.Header()
	h.Set("Content-Type", "application/grpc")
	h.Set("Grpc-Status", strconv.Itoa(code))
	h.Set("Grpc-Message", grpcframe.EncodeGRPCMessage(msg))
	w.WriteHeader(http.StatusOK)
}

func (p *Proxy) handleGRPCStream(w http.ResponseWriter, r *http.Request) {
	const (
		codeInvalidArgument   = 3
		codeDeadlineExceeded  = 4
		codePermissionDenied  = 7
		codeResourceExhausted = 8
		codeUnavailable       = 14
	)
	start := time.Now()

	if !grpcframe.IsGRPCContentType(r.Header.Get("Content-Type")) {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	service, method, err := grpcframe.ParsePath(r.URL.Path)
	if err != nil {
		grpcError(w, codeInvalidArgument, "malformed grpc path")
		return
	}

	headers := flattenHeader(r.Header)
	ip := clientIP(addrFromString(r.RemoteAddr), headers)
	host, port := splitAuthority(r.Host)

	entry := p.newEntry("grpc", "", ip, host, port)
	entry.Method = r.Method
	entry.Path = r.URL.Path
	entry.Headers = headers
	spanCtx, span := p.startSpan(r.Context(), "proxy.grpc", entry)
	defer tracing.EndSpan(span, nil)

	sc, err := p.scopeFor(tenant.Request{Host: host, Path: r.URL.Path, Headers: headers}, ip)
	if err != nil {
		p.finish(entry, start, "denied", policy.MatchResult{Reason: policy.ReasonNoMatchingRule})
		grpcError(w, codePermissionDenied, err.Error())
		return
	}
	defer sc.done()
	entry.Tenant = sc.tenantID

	info := policy.RequestInfo{
		Host:        host,
		Port:        port,
		Path:        r.URL.Path,
		Method:      r.Method,
		SourceIP:    ip,
		IsGRPC:      true,
		GRPCService: service,
		GRPCMethod:  method,
		Tenant:      sc.tenantID,
	}
	res := sc.matcher.Match(info)
	if !res.Allowed {
		p.finish(entry, start, "denied", res)
		grpcError(w, codePermissionDenied, res.Reason.Human())
		return
	}
	if p.reflectionDenied(res, service) {
		p.finish(entry, start, "denied", policy.MatchResult{Rule: res.Rule, Reason: policy.ReasonMethodNotAllowed})
		grpcError(w, codePermissionDenied, "reflection not allowed")
		return
	}
	if d := sc.consume(res, ip); !d.Allowed {
		p.finish(entry, start, "rate_limited", rateLimited(res))
		grpcError(w, codeResourceExhausted, "rate limited")
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	brk := p.breakers.Get(addr)
	if allowed, _ := brk.Allow(); !allowed {
		p.finish(entry, start, "circuit_open", policy.MatchResult{Rule: res.Rule, Reason: policy.ReasonUpstreamError})
		grpcError(w, codeUnavailable, "upstream circuit open")
		return
	}
	defer brk.Done()

	// Deadline: the tighter of the configured cap and the client's
	// grpc-timeout header.
	timeout := p.cfg.GRPC.Timeout
	if hdr := r.Header.Get("Grpc-Timeout"); hdr != "" {
		if d, perr := grpcframe.ParseTimeout(hdr); perr == nil && d < timeout {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	useTLS := port == 443
	scheme := "http"
	transport := p.h2.h2c
	if useTLS {
		scheme = "https"
		transport = p.h2.tls
	}

	out := r.Clone(ctx)
	out.URL = &url.URL{Scheme: scheme, Host: addr, Path: r.URL.Path}
	out.Host = host
	out.RequestURI = ""
	for name := range hopByHop {
		out.Header.Del(name)
	}
	out.Header.Set("Grpc-Timeout", grpcframe.FormatTimeout(timeout))
	if res.Rule != nil && !res.Rule.Headers.Request.IsZero() {
		flat := flattenHeader(out.Header)
		applyHeaderOps(flat, res.Rule.Headers.Request)
		out.Header = make(http.Header, len(flat))
		for name, v := range flat {
			out.Header.Set(name, v)
		}
	}

	resp, err := transport.RoundTrip(out)
	if err != nil {
		brk.RecordFailure()
		code := codeUnavailable
		kind := "dial"
		if ctx.Err() == context.DeadlineExceeded {
			code = codeDeadlineExceeded
			kind = "timeout"
		}
		p.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		p.finish(entry, start, "error", failReason(kind))
		grpcError(w, code, "upstream error")
		return
	}
	defer resp.Body.Close()

	// Mirror response headers and declare the trailers we will set
	// after the body.
	for name, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			break
		}
	}

	// Trailers arrive after the body is consumed.
	for name, vals := range resp.Trailer {
		for _, v := range vals {
			w.Header().Add(http.TrailerPrefix+name, v)
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		w.Header().Set(http.TrailerPrefix+"Grpc-Status", strconv.Itoa(codeDeadlineExceeded))
		w.Header().Set(http.TrailerPrefix+"Grpc-Message", grpcframe.EncodeGRPCMessage("deadline exceeded"))
		p.finish(entry, start, "error", failReason("timeout"))
		brk.RecordFailure()
		return
	}

	brk.RecordSuccess()
	entry.BytesOut = written
	entry.StatusCode = resp.StatusCode
	p.metrics.BytesTransferred.WithLabelValues("out").Add(float64(written))
	p.finish(entry, start, "allowed", res)
	p.metrics.RequestDuration.WithLabelValues("grpc").Observe(time.Since(start).Seconds())
}

// splitAuthority separates host and port from an authority; gRPC
// defaults to 443.
func splitAuthority(authority string) (string, int) {
	host := strings.ToLower(authority)
	port := 443
	if h, ps, err := net.SplitHostPort(authority); err == nil {
		host = strings.ToLower(h)
		if n, perr := strconv.Atoi(ps); perr == nil {
			port = n
		}
	}
	return host, port
}

// addrFromString adapts a "host:port" string to net.Addr for the
// shared client-ip helper.
type strAddr string

func (a strAddr) Network() string { return "tcp" }
func (a strAddr) String() string  { return string(a) }

func addrFromString(s string) net.Addr { return strAddr(s) }
