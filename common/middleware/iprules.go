package middleware

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPRules is a list of addresses and networks. A single address is stored as a
// full-length prefix so matching is uniform.
type IPRules []netip.Prefix

// ParseIPRules parses a comma separated list such as
// "10.0.0.0/8, 192.0.2.7, 2001:db8::/32". Empty input yields nil rules.
func ParseIPRules(s string) (IPRules, error) {
	var rules IPRules
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			prefix, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("invalid network %q: %w", part, err)
			}
			rules = append(rules, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", part, err)
		}
		addr = addr.Unmap()
		rules = append(rules, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return rules, nil
}

// Contains reports whether ip equals one of the addresses or falls inside one of
// the networks.
func (rules IPRules) Contains(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	for _, rule := range rules {
		if rule.Contains(ip) {
			return true
		}
	}
	return false
}

// String renders the rules in the same comma separated form ParseIPRules reads.
func (rules IPRules) String() string {
	parts := make([]string, 0, len(rules))
	for _, rule := range rules {
		if rule.IsSingleIP() {
			parts = append(parts, rule.Addr().String())
			continue
		}
		parts = append(parts, rule.String())
	}
	return strings.Join(parts, ",")
}
