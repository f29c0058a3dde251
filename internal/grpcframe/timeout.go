package grpcframe

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTimeout decodes a grpc-timeout header value: up to 8 digits
// followed by one of H, M, S, m, u, n. Sub-millisecond values round up
// to one millisecond so a tiny deadline never becomes zero.
func ParseTimeout(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > 9 {
		return 0, fmt.Errorf("grpc-timeout %q: bad length", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("grpc-timeout %q: bad value", s)
	}

	var d time.Duration
	switch unit {
	case 'H':
		d = time.Duration(n) * time.Hour
	case 'M':
		d = time.Duration(n) * time.Minute
	case 'S':
		d = time.Duration(n) * time.Second
	case 'm':
		d = time.Duration(n) * time.Millisecond
	case 'u':
		d = time.Duration(n) * time.Microsecond
	case 'n':
		d = time.Duration(n) * time.Nanosecond
	default:
		return 0, fmt.Errorf("grpc-timeout %q: bad unit %q", s, unit)
	}
	if d > 0 && d < time.Millisecond {
		d = time.Millisecond
	}
	return d, nil
}

// FormatTimeout encodes a duration as a grpc-timeout header value,
// picking the largest unit that keeps the digit count within eight.
func FormatTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	const maxValue = 99999999
	units := []struct {
		suffix byte
		size   time.Duration
	}{
		{'n', time.Nanosecond},
		{'u', time.Microsecond},
		{'m', time.Millisecond},
		{'S', time.Second},
		{'M', time.Minute},
		{'H', time.Hour},
	}
	for _, u := range units {
		v := d / u.size
		if v <= maxValue {
			// Round up so a truncated value never shortens the deadline.
			if d%u.size != 0 {
				v++
			}
			return strconv.FormatInt(int64(v), 10) + string(u.suffix)
		}
	}
	return strconv.FormatInt(maxValue, 10) + "H"
}
