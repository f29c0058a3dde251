package errors

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ProxyError represents an error that can be returned to clients.
type ProxyError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
	rawHeaders map[string]string // extra headers (e.g. Retry-After), never serialized
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *ProxyError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range e.rawHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// WriteText writes the error as text/plain to the response.
func (e *ProxyError) WriteText(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	for k, v := range e.rawHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(e.Code)
	if e.Details != "" {
		io.WriteString(w, e.Message+": "+e.Details+"\n")
		return
	}
	io.WriteString(w, e.Message+"\n")
}

// WriteRaw writes the error as a minimal HTTP/1.1 response directly to a
// connection that is not managed by net/http (the CONNECT path).
func (e *ProxyError) WriteRaw(w io.Writer) {
	body := e.Message
	if e.Details != "" {
		body = e.Message + ": " + e.Details
	}
	body += "\n"
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n",
		e.Code, http.StatusText(e.Code), len(body))
	for k, v := range e.rawHeaders {
		fmt.Fprintf(w, "%s: %s\r\n", k, v)
	}
	io.WriteString(w, "\r\n"+body)
}

// Common errors
var (
	ErrBadRequest = &ProxyError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrForbidden = &ProxyError{
		Code:    http.StatusForbidden,
		Message: "Request not allowed",
	}

	// ErrDomainNotAllowed is the CONNECT-level refusal; the details carry
	// the refused host.
	ErrDomainNotAllowed = &ProxyError{
		Code:    http.StatusForbidden,
		Message: "Domain not allowed",
	}

	ErrPayloadTooLarge = &ProxyError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Payload Too Large",
	}

	ErrURITooLong = &ProxyError{
		Code:    http.StatusRequestURITooLong,
		Message: "URI Too Long",
	}

	ErrTooManyRequests = &ProxyError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrHeadersTooLarge = &ProxyError{
		Code:    http.StatusRequestHeaderFieldsTooLarge,
		Message: "Request Header Fields Too Large",
	}

	ErrInternalServer = &ProxyError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrBadGateway = &ProxyError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &ProxyError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &ProxyError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ProxyError][]byte

func init() {
	bases := []*ProxyError{
		ErrBadRequest, ErrForbidden, ErrDomainNotAllowed, ErrPayloadTooLarge,
		ErrURITooLong, ErrTooManyRequests, ErrHeadersTooLarge,
		ErrInternalServer, ErrBadGateway, ErrServiceUnavailable,
		ErrGatewayTimeout,
	}
	preSerialized = make(map[*ProxyError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ProxyError.
func New(code int, message string) *ProxyError {
	return &ProxyError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, code int, message string) *ProxyError {
	return &ProxyError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error carrying details.
func (e *ProxyError) WithDetails(details string) *ProxyError {
	return &ProxyError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
		rawHeaders: e.rawHeaders,
	}
}

// WithRequestID returns a copy of the error carrying a request id.
func (e *ProxyError) WithRequestID(requestID string) *ProxyError {
	return &ProxyError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
		rawHeaders: e.rawHeaders,
	}
}

// WithRetryAfter returns a copy of the error carrying a Retry-After header
// (seconds), emitted by WriteRaw and applied by WriteResponse helpers.
func (e *ProxyError) WithRetryAfter(seconds int) *ProxyError {
	if seconds < 1 {
		seconds = 1
	}
	hdrs := make(map[string]string, len(e.rawHeaders)+1)
	for k, v := range e.rawHeaders {
		hdrs[k] = v
	}
	hdrs["Retry-After"] = strconv.Itoa(seconds)
	return &ProxyError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
		rawHeaders: hdrs,
	}
}

// Headers returns any extra headers attached to the error.
func (e *ProxyError) Headers() map[string]string {
	return e.rawHeaders
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) (*ProxyError, bool) {
	if pe, ok := err.(*ProxyError); ok {
		return pe, true
	}
	return nil, false
}
