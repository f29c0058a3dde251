package grpcframe

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	// FlagData marks a data frame.
	FlagData byte = 0x00
	// FlagTrailer marks a gRPC-Web trailer frame.
	FlagTrailer byte = 0x80

	// HeaderSize is the frame header length: 1 flag byte + 4 length bytes.
	HeaderSize = 5
)

// Frame is one length-prefixed gRPC message frame.
type Frame struct {
	Flag    byte
	Payload []byte
}

// IsTrailer reports whether this is a gRPC-Web trailer frame.
func (f *Frame) IsTrailer() bool {
	return f.Flag&FlagTrailer != 0
}

// Decode reads a single frame. Frame format: 1 byte flag | 4 bytes
// length (big-endian) | payload.
func Decode(r io.Reader, maxSize int) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	flag := header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, maxSize)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return &Frame{Flag: flag, Payload: payload}, nil
}

// EncodeData wraps a payload in a data frame.
func EncodeData(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = FlagData
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// EncodeTrailer encodes trailers as a gRPC-Web trailer frame. Pairs are
// emitted as "key: value\r\n" lines, sorted for deterministic output.
func EncodeTrailer(trailers map[string]string) []byte {
	keys := make([]string, 0, len(trailers))
	for k := range trailers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(strings.ToLower(k))
		sb.WriteString(": ")
		sb.WriteString(trailers[k])
		sb.WriteString("\r\n")
	}
	payload := []byte(sb.String())

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = FlagTrailer
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// ParseTrailer parses a trailer frame payload into key-value pairs.
func ParseTrailer(payload []byte) map[string]string {
	trailers := make(map[string]string)
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) == 2 {
			trailers[strings.ToLower(parts[0])] = parts[1]
		}
	}
	return trailers
}

// ParsePath splits a gRPC request path "/package.Service/Method". An
// empty package is permitted ("/Service/Method").
func ParsePath(path string) (service, method string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("empty grpc path")
	}
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return "", "", fmt.Errorf("grpc path %q: want /package.Service/Method", path)
	}
	service, method = trimmed[:i], trimmed[i+1:]
	if service == "" || method == "" {
		return "", "", fmt.Errorf("grpc path %q: want /package.Service/Method", path)
	}
	return service, method, nil
}

// IsGRPCContentType reports a native gRPC content type.
func IsGRPCContentType(ct string) bool {
	ct = stripParams(ct)
	return ct == "application/grpc" || strings.HasPrefix(ct, "application/grpc+")
}

// IsGRPCWebContentType reports any gRPC-Web content type:
// application/grpc-web[-text][+proto|+json].
func IsGRPCWebContentType(ct string) bool {
	rest, ok := strings.CutPrefix(stripParams(ct), "application/grpc-web")
	if !ok {
		return false
	}
	rest = strings.TrimPrefix(rest, "-text")
	return rest == "" || rest == "+proto" || rest == "+json"
}

// IsTextMode reports the base64-encoded gRPC-Web text mode.
func IsTextMode(ct string) bool {
	rest, ok := strings.CutPrefix(stripParams(ct), "application/grpc-web-text")
	return ok && (rest == "" || rest == "+proto" || rest == "+json")
}

func stripParams(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Base64Encode encodes a frame for text-mode transport.
func Base64Encode(data []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

// Base64Decode decodes a text-mode frame.
func Base64Decode(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return out[:n], nil
}
