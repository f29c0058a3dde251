package proxy

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/errors"
)

// hopByHop headers are connection-scoped and never forwarded.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// stripHopByHop removes hop-by-hop headers, including any named by the
// Connection header itself. Keys are lowercased on input.
func stripHopByHop(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	connNamed := map[string]bool{}
	if conn := headers["connection"]; conn != "" {
		for _, tok := range strings.Split(conn, ",") {
			connNamed[strings.ToLower(strings.TrimSpace(tok))] = true
		}
	}
	for name, v := range headers {
		if hopByHop[name] || connNamed[name] || strings.HasPrefix(name, "proxy-") {
			continue
		}
		out[name] = v
	}
	return out
}

// applyHeaderOps runs one direction's set/remove/rename transforms.
// Header names are matched case-insensitively against the parsed
// lowercase keys.
func applyHeaderOps(headers map[string]string, ops config.HeaderOps) {
	if ops.IsZero() {
		return
	}
	for _, name := range ops.Remove {
		delete(headers, strings.ToLower(name))
	}
	for from, to := range ops.Rename {
		lf := strings.ToLower(from)
		if v, ok := headers[lf]; ok {
			delete(headers, lf)
			headers[strings.ToLower(to)] = v
		}
	}
	for name, v := range ops.Set {
		headers[strings.ToLower(name)] = v
	}
}

// writeRequestHead emits the request line and headers. Keys are written
// sorted so the wire form is deterministic.
func writeRequestHead(w io.Writer, method, target string, headers map[string]string) error {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// writeError emits a ProxyError as a raw HTTP/1.1 response on a
// connection not managed by net/http. Keep-alive denials leave the
// connection usable for the next request.
func writeError(w io.Writer, e *errors.ProxyError, keepAlive bool) error {
	body := e.Message
	if e.Details != "" {
		body = e.Message + ": " + e.Details
	}
	body += "\n"

	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: %s\r\n",
		e.Code, http.StatusText(e.Code), len(body), conn)
	for k, v := range e.Headers() {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	_, err := io.WriteString(w, b.String())
	return err
}

// writeResponseHead emits a parsed upstream response toward the client.
// Hop-by-hop headers are already stripped by the caller.
func writeResponseHead(w io.Writer, status int, statusText string, headers map[string]string) error {
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText)
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// flattenHeader collapses an http.Header into the lowercase single-value
// form the handlers work with. Multi-value headers are comma-joined.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		out[strings.ToLower(name)] = strings.Join(vals, ", ")
	}
	return out
}
