package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/egressd/egressd/internal/grpcframe"
	"github.com/egressd/egressd/internal/httpparser"
	"github.com/egressd/egressd/internal/policy"
	"github.com/egressd/egressd/internal/tenant"
	"github.com/egressd/egressd/internal/tracing"
)

// rawCodec passes message bytes through the grpc client untouched; the
// proxy never decodes protobuf payloads.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*p = data
	return nil
}

func (rawCodec) Name() string { return "proto" }

// grpcClient returns a shared upstream ClientConn for addr, creating it
// on first use. grpc-go multiplexes streams internally, so one conn per
// upstream suffices.
func (p *Proxy) grpcClient(addr string, useTLS bool) (*grpc.ClientConn, error) {
	p.grpcMu.Lock()
	defer p.grpcMu.Unlock()
	if cc, ok := p.grpcCC[addr]; ok {
		return cc, nil
	}
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(nil)
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(rawCodec{}),
			grpc.MaxCallRecvMsgSize(p.cfg.GRPC.MaxMessageSize),
			grpc.MaxCallSendMsgSize(p.cfg.GRPC.MaxMessageSize),
		),
	)
	if err != nil {
		return nil, err
	}
	p.grpcCC[addr] = cc
	return cc, nil
}

// corsPreflight answers an OPTIONS preflight permissively so browser
// grpc-web clients can reach the proxy.
func (s *http1Session) corsPreflight(headers map[string]string) {
	origin := headers["origin"]
	if origin == "" {
		origin = "*"
	}
	writeResponseHead(s.conn, 204, "No Content", map[string]string{
		"access-control-allow-origin":  origin,
		"access-control-allow-methods": "POST, OPTIONS",
		"access-control-allow-headers": "content-type, x-grpc-web, x-user-agent, grpc-timeout, authorization",
		"access-control-max-age":       "86400",
		"content-length":               "0",
	})
}

// writeGRPCWebError emits a trailer-only grpc-web response: HTTP 200
// with the verdict carried in the grpc-status trailer frame.
func (s *http1Session) writeGRPCWebError(contentType string, textMode bool, code codes.Code, msg string) {
	body := grpcframe.EncodeTrailer(map[string]string{
		"grpc-status":  strconv.Itoa(int(code)),
		"grpc-message": grpcframe.EncodeGRPCMessage(msg),
	})
	if textMode {
		body = grpcframe.Base64Encode(body)
	}
	writeResponseHead(s.conn, 200, "", map[string]string{
		"content-type":                  contentType,
		"content-length":                strconv.Itoa(len(body)),
		"access-control-allow-origin":   "*",
		"access-control-expose-headers": "grpc-status,grpc-message",
	})
	s.conn.Write(body)
}

// serveGRPCWeb translates one HTTP/1.1 grpc-web request into a native
// gRPC call upstream. Denials surface as grpc trailer frames, not HTTP
// error statuses.
func (s *http1Session) serveGRPCWeb(parser *httpparser.Parser, router *bodyRouter,
	req *httpparser.Request, tgt *target, start time.Time, keepAlive bool) bool {

	if req.Method == "OPTIONS" {
		s.corsPreflight(req.Headers)
		return keepAlive
	}

	contentType := req.Headers["content-type"]
	textMode := grpcframe.IsTextMode(contentType)

	drain := func() bool {
		router.dst = io.Discard
		if err := s.feedUntil(parser, parser.Done); err != nil {
			return false
		}
		return keepAlive
	}

	if textMode && s.p.cfg.GRPC.WebTextMode != nil && !*s.p.cfg.GRPC.WebTextMode {
		ka := drain()
		s.writeGRPCWebError(contentType, true, codes.Unimplemented, "grpc-web text mode disabled")
		return ka
	}

	pathOnly := tgt.path
	if i := strings.IndexByte(pathOnly, '?'); i >= 0 {
		pathOnly = pathOnly[:i]
	}
	service, method, err := grpcframe.ParsePath(pathOnly)
	if err != nil {
		ka := drain()
		s.writeGRPCWebError(contentType, textMode, codes.InvalidArgument, "malformed grpc path")
		return ka
	}

	entry := s.p.newEntry("grpc-web", "", s.ip, tgt.host, tgt.port)
	entry.Method = req.Method
	entry.Path = pathOnly
	entry.Headers = req.Headers
	spanCtx, span := s.p.startSpan(context.Background(), "proxy.grpcweb", entry)
	defer tracing.EndSpan(span, nil)

	sc, scErr := s.p.scopeFor(tenant.Request{Host: tgt.host, Path: tgt.path, Headers: req.Headers}, s.ip)
	if scErr != nil {
		entry.StatusCode = 200
		s.p.finish(entry, start, "denied", policy.MatchResult{Reason: policy.ReasonNoMatchingRule})
		ka := drain()
		s.writeGRPCWebError(contentType, textMode, codes.PermissionDenied, scErr.Error())
		return ka
	}
	defer sc.done()
	entry.Tenant = sc.tenantID

	info := policy.RequestInfo{
		Host:        tgt.host,
		Port:        tgt.port,
		Path:        pathOnly,
		Method:      req.Method,
		SourceIP:    s.ip,
		IsGRPC:      true,
		GRPCService: service,
		GRPCMethod:  method,
		Tenant:      sc.tenantID,
	}
	res := sc.matcher.Match(info)
	if !res.Allowed {
		entry.StatusCode = 200
		s.p.finish(entry, start, "denied", res)
		ka := drain()
		s.writeGRPCWebError(contentType, textMode, codes.PermissionDenied, res.Reason.Human())
		return ka
	}
	if s.p.reflectionDenied(res, service) {
		entry.StatusCode = 200
		s.p.finish(entry, start, "denied", policy.MatchResult{Rule: res.Rule, Reason: policy.ReasonMethodNotAllowed})
		ka := drain()
		s.writeGRPCWebError(contentType, textMode, codes.PermissionDenied, "reflection not allowed")
		return ka
	}
	if d := sc.consume(res, s.ip); !d.Allowed {
		entry.StatusCode = 200
		s.p.finish(entry, start, "rate_limited", rateLimited(res))
		ka := drain()
		s.writeGRPCWebError(contentType, textMode, codes.ResourceExhausted, "rate limited")
		return ka
	}

	// Collect the whole framed request body; grpc-web requests are
	// buffered, not streamed.
	if err := s.feedUntil(parser, parser.Done); err != nil {
		return false
	}
	body := router.buf.Bytes()
	if textMode {
		if body, err = grpcframe.Base64Decode(body); err != nil {
			s.writeGRPCWebError(contentType, textMode, codes.InvalidArgument, "malformed base64 body")
			return keepAlive
		}
	}
	frame, err := grpcframe.Decode(bytes.NewReader(body), s.p.cfg.GRPC.MaxMessageSize)
	if err != nil {
		s.writeGRPCWebError(contentType, textMode, codes.InvalidArgument, "malformed grpc frame")
		return keepAlive
	}
	entry.BytesIn = int64(len(body))

	brk := s.p.breakers.Get(tgt.addr())
	if allowed, _ := brk.Allow(); !allowed {
		s.p.finish(entry, start, "circuit_open", policy.MatchResult{Rule: res.Rule, Reason: policy.ReasonUpstreamError})
		s.writeGRPCWebError(contentType, textMode, codes.Unavailable, "upstream circuit open")
		return keepAlive
	}
	defer brk.Done()

	cc, err := s.p.grpcClient(tgt.addr(), tgt.useTLS)
	if err != nil {
		brk.RecordFailure()
		s.p.finish(entry, start, "error", failReason("dial"))
		s.writeGRPCWebError(contentType, textMode, codes.Unavailable, "upstream unavailable")
		return keepAlive
	}

	timeout := s.p.cfg.GRPC.Timeout
	if hdr := req.Headers["grpc-timeout"]; hdr != "" {
		if d, perr := grpcframe.ParseTimeout(hdr); perr == nil && d < timeout {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	hh := make(http.Header, len(req.Headers))
	for name, v := range req.Headers {
		hh.Set(name, v)
	}
	ctx = metadata.NewOutgoingContext(ctx, metadata.MD(grpcframe.MetadataFromHeaders(hh)))

	var respMsg []byte
	var headerMD, trailerMD metadata.MD
	callErr := cc.Invoke(ctx, pathOnly, frame.Payload, &respMsg,
		grpc.Header(&headerMD), grpc.Trailer(&trailerMD))

	st := status.New(codes.OK, "")
	if callErr != nil {
		st = status.Convert(callErr)
		if st.Code() == codes.Unavailable {
			brk.RecordFailure()
		} else {
			brk.RecordSuccess()
		}
	} else {
		brk.RecordSuccess()
	}

	trailers := map[string]string{
		"grpc-status":  strconv.Itoa(int(st.Code())),
		"grpc-message": grpcframe.EncodeGRPCMessage(st.Message()),
	}
	for name, vals := range trailerMD {
		if len(vals) > 0 && name != "grpc-status" && name != "grpc-message" {
			trailers[name] = vals[0]
		}
	}

	var out bytes.Buffer
	if callErr == nil {
		out.Write(grpcframe.EncodeData(respMsg))
	}
	out.Write(grpcframe.EncodeTrailer(trailers))
	payload := out.Bytes()
	if textMode {
		payload = grpcframe.Base64Encode(payload)
	}

	respHeaders := map[string]string{
		"content-type":                  contentType,
		"content-length":                strconv.Itoa(len(payload)),
		"access-control-allow-origin":   "*",
		"access-control-expose-headers": "grpc-status,grpc-message",
	}
	mdHeaders := make(http.Header)
	grpcframe.MetadataToHeaders(map[string][]string(headerMD), mdHeaders)
	for name, vals := range mdHeaders {
		respHeaders[strings.ToLower(name)] = strings.Join(vals, ", ")
	}

	writeResponseHead(s.conn, 200, "", respHeaders)
	s.conn.Write(payload)

	entry.BytesOut = int64(len(payload))
	entry.StatusCode = 200
	decision := "allowed"
	verdict := res
	if callErr != nil {
		if st.Code() == codes.DeadlineExceeded {
			decision, verdict = "error", failReason("timeout")
		} else if st.Code() == codes.Unavailable {
			decision, verdict = "error", failReason("dial")
		}
	}
	s.p.finish(entry, start, decision, verdict)
	s.p.metrics.RequestDuration.WithLabelValues("grpc-web").Observe(time.Since(start).Seconds())
	return keepAlive
}
