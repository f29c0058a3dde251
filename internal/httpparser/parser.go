package httpparser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// State is the parser position in the request grammar.
type State int

const (
	StateRequestLine State = iota
	StateHeaders
	StateBodyContentLength
	StateChunkSize
	StateChunkData
	StateChunkTrailer
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBodyContentLength:
		return "body-content-length"
	case StateChunkSize:
		return "body-chunk-size"
	case StateChunkData:
		return "body-chunk-data"
	case StateChunkTrailer:
		return "body-chunk-trailer"
	case StateComplete:
		return "complete"
	default:
		return "error"
	}
}

// ErrorCode identifies why parsing failed.
type ErrorCode string

const (
	ErrRequestLineTooLong   ErrorCode = "REQUEST_LINE_TOO_LONG"
	ErrHeadersTooLarge      ErrorCode = "HEADERS_TOO_LARGE"
	ErrBodyTooLarge         ErrorCode = "BODY_TOO_LARGE"
	ErrInvalidMethod        ErrorCode = "INVALID_METHOD"
	ErrInvalidVersion       ErrorCode = "INVALID_VERSION"
	ErrInvalidHeader        ErrorCode = "INVALID_HEADER"
	ErrInvalidChunkSize     ErrorCode = "INVALID_CHUNK_SIZE"
	ErrInvalidChunkFormat   ErrorCode = "INVALID_CHUNK_FORMAT"
	ErrInvalidContentLength ErrorCode = "INVALID_CONTENT_LENGTH"
)

// ParseError carries the failure code alongside the message.
type ParseError struct {
	Code ErrorCode
	msg  string
}

func (e *ParseError) Error() string { return string(e.Code) + ": " + e.msg }

// Request is the parsed message. Header names are lowercased; duplicate
// headers are comma-joined in arrival order.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers map[string]string
	Body    []byte // populated unless OnBody is set
}

// bodyless methods complete immediately after the header block.
var bodyless = map[string]bool{
	"GET": true, "HEAD": true, "DELETE": true,
	"OPTIONS": true, "TRACE": true, "CONNECT": true,
}

// Parser is a streaming HTTP/1.x request parser. Feed it reads as they
// arrive; it buffers partial lines internally and never requires the
// whole message at once. One Parser serves a keep-alive connection via
// Reset between requests.
type Parser struct {
	maxHeaderSize int64
	maxBodySize   int64

	// OnBody, when set, receives body bytes as they are decoded instead
	// of accumulating them in Request.Body.
	OnBody func([]byte) error

	state       State
	buf         []byte
	req         *Request
	headerBytes int64
	bodyBytes   int64
	remaining   int64 // content-length or chunk bytes still expected
	err         *ParseError
}

// New creates a parser with the given size bounds.
func New(maxHeaderSize, maxBodySize int64) *Parser {
	p := &Parser{maxHeaderSize: maxHeaderSize, maxBodySize: maxBodySize}
	p.Reset()
	return p
}

// Reset returns the parser to the initial state for the next request on
// the same connection. Bytes already buffered past the previous message
// are kept, they belong to the next request.
func (p *Parser) Reset() {
	p.state = StateRequestLine
	p.req = &Request{Headers: make(map[string]string)}
	p.headerBytes = 0
	p.bodyBytes = 0
	p.remaining = 0
	p.err = nil
}

// State returns the current parser state.
func (p *Parser) State() State { return p.state }

// Err returns the parse error, set once state is StateError.
func (p *Parser) Err() *ParseError { return p.err }

// Request returns the message parsed so far. Method, target and headers
// are valid once HeadersDone reports true.
func (p *Parser) Request() *Request { return p.req }

// Done reports whether the current message is fully parsed.
func (p *Parser) Done() bool { return p.state == StateComplete }

// HeadersDone reports whether the header block has been consumed.
func (p *Parser) HeadersDone() bool {
	return p.state >= StateBodyContentLength && p.state != StateError
}

// Feed consumes data, advancing the state machine as far as the bytes
// allow. It returns an error once the message is malformed or exceeds a
// bound; after an error the parser stays in StateError until Reset.
func (p *Parser) Feed(data []byte) error {
	if p.state == StateError {
		return p.err
	}
	p.buf = append(p.buf, data...)

	for {
		advanced, err := p.step()
		if err != nil {
			p.state = StateError
			p.err = err
			return err
		}
		if !advanced || p.state == StateComplete {
			return nil
		}
	}
}

// step consumes what it can from buf. It returns false when more input
// is needed.
func (p *Parser) step() (bool, *ParseError) {
	switch p.state {
	case StateRequestLine:
		return p.stepRequestLine()
	case StateHeaders:
		return p.stepHeaders()
	case StateBodyContentLength:
		return p.stepContentLength()
	case StateChunkSize:
		return p.stepChunkSize()
	case StateChunkData:
		return p.stepChunkData()
	case StateChunkTrailer:
		return p.stepChunkTrailer()
	default:
		return false, nil
	}
}

// takeLine pops one CRLF-terminated line from buf, excluding the CRLF.
// limit guards against unbounded buffering of a line that never ends.
func (p *Parser) takeLine(limit int64, code ErrorCode) (line []byte, ok bool, err *ParseError) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		if int64(len(p.buf)) > limit {
			return nil, false, &ParseError{Code: code, msg: "line exceeds limit"}
		}
		return nil, false, nil
	}
	if int64(i) > limit {
		return nil, false, &ParseError{Code: code, msg: "line exceeds limit"}
	}
	line = p.buf[:i]
	p.buf = p.buf[i+1:]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, true, nil
}

func (p *Parser) stepRequestLine() (bool, *ParseError) {
	line, ok, err := p.takeLine(p.maxHeaderSize, ErrRequestLineTooLong)
	if err != nil || !ok {
		return false, err
	}
	if len(line) == 0 {
		// Tolerate a stray CRLF before the request line.
		return true, nil
	}
	p.headerBytes += int64(len(line)) + 2

	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return false, &ParseError{Code: ErrInvalidMethod, msg: "malformed request line"}
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !validMethod(method) {
		return false, &ParseError{Code: ErrInvalidMethod, msg: fmt.Sprintf("method %q", method)}
	}
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return false, &ParseError{Code: ErrInvalidVersion, msg: fmt.Sprintf("version %q", version)}
	}
	p.req.Method = method
	p.req.Target = target
	p.req.Version = version
	p.state = StateHeaders
	return true, nil
}

func (p *Parser) stepHeaders() (bool, *ParseError) {
	remaining := p.maxHeaderSize - p.headerBytes
	line, ok, err := p.takeLine(remaining, ErrHeadersTooLarge)
	if err != nil || !ok {
		return false, err
	}
	p.headerBytes += int64(len(line)) + 2
	if p.headerBytes > p.maxHeaderSize {
		return false, &ParseError{Code: ErrHeadersTooLarge, msg: "header block exceeds limit"}
	}

	if len(line) > 0 {
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return false, &ParseError{Code: ErrInvalidHeader, msg: string(line)}
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:i])))
		if strings.ContainsAny(name, " \t") {
			return false, &ParseError{Code: ErrInvalidHeader, msg: "space in header name"}
		}
		value := string(bytes.TrimSpace(line[i+1:]))
		if prev, dup := p.req.Headers[name]; dup {
			p.req.Headers[name] = prev + ", " + value
		} else {
			p.req.Headers[name] = value
		}
		return true, nil
	}

	// Empty line: header block done, pick the body framing.
	return true, p.beginBody()
}

func (p *Parser) beginBody() *ParseError {
	if bodyless[p.req.Method] {
		p.state = StateComplete
		return nil
	}
	if te, ok := p.req.Headers["transfer-encoding"]; ok {
		if !strings.Contains(strings.ToLower(te), "chunked") {
			return &ParseError{Code: ErrInvalidChunkFormat, msg: "unsupported transfer-encoding " + te}
		}
		p.state = StateChunkSize
		return nil
	}
	cl, ok := p.req.Headers["content-length"]
	if !ok {
		p.state = StateComplete
		return nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return &ParseError{Code: ErrInvalidContentLength, msg: cl}
	}
	if n > p.maxBodySize {
		return &ParseError{Code: ErrBodyTooLarge, msg: fmt.Sprintf("content-length %d", n)}
	}
	if n == 0 {
		p.state = StateComplete
		return nil
	}
	p.remaining = n
	p.state = StateBodyContentLength
	return nil
}

func (p *Parser) stepContentLength() (bool, *ParseError) {
	if len(p.buf) == 0 {
		return false, nil
	}
	n := int64(len(p.buf))
	if n > p.remaining {
		n = p.remaining
	}
	if err := p.emitBody(p.buf[:n]); err != nil {
		return false, err
	}
	p.buf = p.buf[n:]
	p.remaining -= n
	if p.remaining == 0 {
		p.state = StateComplete
	}
	return true, nil
}

func (p *Parser) stepChunkSize() (bool, *ParseError) {
	line, ok, err := p.takeLine(p.maxHeaderSize, ErrInvalidChunkSize)
	if err != nil || !ok {
		return false, err
	}
	sizeStr := string(line)
	if i := strings.IndexByte(sizeStr, ';'); i >= 0 {
		sizeStr = sizeStr[:i] // chunk extensions are ignored
	}
	size, perr := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if perr != nil || size < 0 {
		return false, &ParseError{Code: ErrInvalidChunkSize, msg: string(line)}
	}
	if p.bodyBytes+size > p.maxBodySize {
		return false, &ParseError{Code: ErrBodyTooLarge, msg: "chunked body exceeds limit"}
	}
	if size == 0 {
		p.state = StateChunkTrailer
		return true, nil
	}
	p.remaining = size
	p.state = StateChunkData
	return true, nil
}

func (p *Parser) stepChunkData() (bool, *ParseError) {
	if p.remaining > 0 {
		if len(p.buf) == 0 {
			return false, nil
		}
		n := int64(len(p.buf))
		if n > p.remaining {
			n = p.remaining
		}
		if err := p.emitBody(p.buf[:n]); err != nil {
			return false, err
		}
		p.buf = p.buf[n:]
		p.remaining -= n
		if p.remaining > 0 {
			return false, nil
		}
	}
	// Chunk payload is followed by CRLF.
	if len(p.buf) < 2 {
		return false, nil
	}
	if p.buf[0] != '\r' || p.buf[1] != '\n' {
		return false, &ParseError{Code: ErrInvalidChunkFormat, msg: "chunk data not CRLF-terminated"}
	}
	p.buf = p.buf[2:]
	p.state = StateChunkSize
	return true, nil
}

func (p *Parser) stepChunkTrailer() (bool, *ParseError) {
	line, ok, err := p.takeLine(p.maxHeaderSize, ErrHeadersTooLarge)
	if err != nil || !ok {
		return false, err
	}
	if len(line) == 0 {
		p.state = StateComplete
	}
	// Trailer fields are consumed and dropped.
	return true, nil
}

func (p *Parser) emitBody(b []byte) *ParseError {
	p.bodyBytes += int64(len(b))
	if p.bodyBytes > p.maxBodySize {
		return &ParseError{Code: ErrBodyTooLarge, msg: "body exceeds limit"}
	}
	if p.OnBody != nil {
		if err := p.OnBody(b); err != nil {
			return &ParseError{Code: ErrBodyTooLarge, msg: err.Error()}
		}
		return nil
	}
	p.req.Body = append(p.req.Body, b...)
	return nil
}

// BodyBytes returns the number of decoded body bytes so far.
func (p *Parser) BodyBytes() int64 { return p.bodyBytes }

func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
