package grpcframe

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// reservedHeaders never map into gRPC metadata: transport headers and
// protocol fields the proxy manages itself.
var reservedHeaders = map[string]bool{
	"content-type":         true,
	"content-length":       true,
	"te":                   true,
	"host":                 true,
	"connection":           true,
	"transfer-encoding":    true,
	"keep-alive":           true,
	"proxy-connection":     true,
	"upgrade":              true,
	"accept":               true,
	"accept-encoding":      true,
	"user-agent":           true,
	"grpc-timeout":         true,
	"grpc-encoding":        true,
	"grpc-accept-encoding": true,
}

// MetadataFromHeaders maps HTTP headers into gRPC metadata. Pseudo
// headers and reserved transport fields are skipped; "-bin" keys are
// base64-decoded (with or without padding).
func MetadataFromHeaders(h http.Header) map[string][]string {
	md := make(map[string][]string)
	for name, vals := range h {
		key := strings.ToLower(name)
		if strings.HasPrefix(key, ":") || reservedHeaders[key] {
			continue
		}
		if strings.HasSuffix(key, "-bin") {
			decoded := make([]string, 0, len(vals))
			for _, v := range vals {
				b, err := decodeBinValue(v)
				if err != nil {
					continue
				}
				decoded = append(decoded, string(b))
			}
			if len(decoded) > 0 {
				md[key] = decoded
			}
			continue
		}
		md[key] = append([]string(nil), vals...)
	}
	return md
}

// MetadataToHeaders emits gRPC metadata as HTTP headers, base64-encoding
// "-bin" keys.
func MetadataToHeaders(md map[string][]string, h http.Header) {
	for key, vals := range md {
		key = strings.ToLower(key)
		if strings.HasSuffix(key, "-bin") {
			for _, v := range vals {
				h.Add(key, base64.StdEncoding.EncodeToString([]byte(v)))
			}
			continue
		}
		for _, v := range vals {
			h.Add(key, v)
		}
	}
}

func decodeBinValue(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

// EncodeGRPCMessage percent-encodes a grpc-message value: bytes outside
// the printable ASCII range, plus '%' itself, become %XX.
func EncodeGRPCMessage(msg string) string {
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= 0x20 && c <= 0x7e && c != '%' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteString("%")
		sb.WriteString(strings.ToUpper(hexByte(c)))
	}
	return sb.String()
}

// DecodeGRPCMessage reverses EncodeGRPCMessage. Malformed escapes are
// passed through unchanged rather than rejected.
func DecodeGRPCMessage(msg string) string {
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == '%' && i+2 < len(msg) {
			if hi, ok1 := unhex(msg[i+1]); ok1 {
				if lo, ok2 := unhex(msg[i+2]); ok2 {
					sb.WriteByte(hi<<4 | lo)
					i += 2
					continue
				}
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
