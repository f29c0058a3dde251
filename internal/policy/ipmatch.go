package policy

import (
	"fmt"
	"net/netip"
)

// IPMatcher matches source addresses against a set of IPs and CIDR
// prefixes. IPv4-mapped IPv6 addresses are unmapped before matching so
// "::ffff:10.0.0.1" matches "10.0.0.0/8".
type IPMatcher struct {
	prefixes []netip.Prefix
}

// NewIPMatcher compiles a pattern list. Each pattern is a bare address
// or a CIDR prefix, v4 or v6.
func NewIPMatcher(patterns []string) (*IPMatcher, error) {
	m := &IPMatcher{prefixes: make([]netip.Prefix, 0, len(patterns))}
	for _, p := range patterns {
		pfx, err := parseIPPattern(p)
		if err != nil {
			return nil, err
		}
		m.prefixes = append(m.prefixes, pfx)
	}
	return m, nil
}

func parseIPPattern(p string) (netip.Prefix, error) {
	if pfx, err := netip.ParsePrefix(p); err == nil {
		return pfx.Masked(), nil
	}
	addr, err := netip.ParseAddr(p)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip pattern %q", p)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Matches reports whether ip is covered by any pattern. Unparseable
// addresses never match.
func (m *IPMatcher) Matches(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, pfx := range m.prefixes {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}
