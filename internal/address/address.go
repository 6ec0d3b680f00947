// Package address implements the canonical Address form used as the
// primary key throughout the crawler, and the conversion from wire
// NetAddress triples into it.
package address

import (
	"fmt"
	"net"
	"strings"

	"github.com/spectre-project/spectre-crawler/internal/protowire"
)

// Address is the canonical host:port (or ipv6:[host]:port) identifier.
// Equality is byte-exact on this string, so Address values can be used
// directly as map keys.
type Address string

// ErrBadIP is returned when a wire address's IP bytes do not parse as a
// 4- or 16-octet IP. Callers (the frontier engine) use this to decide
// whether to remember the host in bad_hosts so it is never retried.
type ErrBadIP struct {
	Len int
}

func (e *ErrBadIP) Error() string {
	return fmt.Sprintf("address: IP field has invalid length %d (want 4 or 16)", e.Len)
}

// FromNetAddress converts a wire NetAddress into a canonical Address.
// It returns ok=false without an address (but no error) when the
// address is private or loopback; those are never worth dialing. It
// returns an error when the raw IP bytes don't parse as IPv4/IPv6,
// which the caller should treat as BadIP (host never retried).
func FromNetAddress(na protowire.NetAddress) (Address, bool, error) {
	ip, err := parseIP(na.IP)
	if err != nil {
		return "", false, err
	}
	if ip.IsPrivate() || ip.IsLoopback() {
		return "", false, nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		return Address(fmt.Sprintf("%s:%d", ip4.String(), na.Port)), true, nil
	}
	return Address(fmt.Sprintf("ipv6:[%s]:%d", ip.String(), na.Port)), true, nil
}

func parseIP(raw []byte) (net.IP, error) {
	switch len(raw) {
	case net.IPv4len:
		return net.IP(raw), nil
	case net.IPv6len:
		return net.IP(raw), nil
	default:
		return nil, &ErrBadIP{Len: len(raw)}
	}
}

// Host returns the bare host portion of a canonical Address, stripping
// the ipv6: prefix and brackets when present. The geolocator applies
// this normalization before querying the enrichment API.
func Host(a Address) string {
	s := string(a)
	s = strings.TrimPrefix(s, "ipv6:")
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		// Defensive fallback: strip brackets manually if SplitHostPort
		// couldn't find a port separator.
		return strings.Trim(s, "[]")
	}
	return strings.Trim(host, "[]")
}

// Parse splits a user-supplied "host[:port]" string into a canonical
// host/port pair, applying the default port when none is given. This is
// used for seed parsing, not for wire addresses.
func Parse(raw string, defaultPort uint16) (host string, port uint16, err error) {
	if !strings.Contains(raw, ":") {
		return raw, defaultPort, nil
	}
	h, p, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, fmt.Errorf("address: invalid seed %q: %w", raw, err)
	}
	var portNum int
	if _, err := fmt.Sscanf(p, "%d", &portNum); err != nil || portNum < 1 || portNum > 65535 {
		return "", 0, fmt.Errorf("address: invalid port %q in seed %q", p, raw)
	}
	return h, uint16(portNum), nil
}

// Canonical builds a canonical Address from a resolved host/port, adding
// the ipv6: prefix and brackets for IPv6 literals.
func Canonical(host string, port uint16) Address {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return Address(fmt.Sprintf("ipv6:[%s]:%d", ip.String(), port))
	}
	return Address(fmt.Sprintf("%s:%d", host, port))
}
