package ipam

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// ParseAddr parses a literal address; v4-mapped v6 forms are unmapped.
func ParseAddr(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, malformed("invalid ip address %q", s)
	}
	if a.Zone() != "" {
		return netip.Addr{}, malformed("zoned address %q not supported", s)
	}
	return a.Unmap(), nil
}

// addrKey — 16 байт в hex: строки сравниваются так же, как адреса.
func addrKey(a netip.Addr) string {
	b := a.As16()
	return hex.EncodeToString(b[:])
}

func ipVersion(a netip.Addr) int {
	if a.Is4() {
		return 4
	}
	return 6
}

// rangeOf builds the inclusive interval of a stored Range.
func rangeOf(startIP, endIP string) (netipx.IPRange, error) {
	from, err := ParseAddr(startIP)
	if err != nil {
		return netipx.IPRange{}, err
	}
	to, err := ParseAddr(endIP)
	if err != nil {
		return netipx.IPRange{}, err
	}
	r := netipx.IPRangeFrom(from, to)
	if !r.IsValid() {
		return netipx.IPRange{}, malformed("invalid range %s-%s: start must not exceed end and families must match", startIP, endIP)
	}
	return r, nil
}

// rangeSize returns the number of addresses in r, capped at limit+1.
func rangeSize(r netipx.IPRange, limit int) int {
	n := 0
	for a := r.From(); a.IsValid() && a.Compare(r.To()) <= 0; a = a.Next() {
		n++
		if n > limit {
			break
		}
	}
	return n
}

// ExpandSpec expands a CIDR ("10.0.0.0/30") or an inclusive range
// ("10.0.0.1-10.0.0.4") into addresses, ascending. For a CIDR only host
// addresses are returned. More than limit addresses is malformed input.
func ExpandSpec(spec string, limit int) ([]netip.Addr, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.Contains(spec, "/"):
		p, err := netip.ParsePrefix(spec)
		if err != nil {
			return nil, malformed("invalid cidr %q", spec)
		}
		return expandPrefix(p.Masked(), limit)

	case strings.Contains(spec, "-"):
		parts := strings.SplitN(spec, "-", 2)
		r, err := rangeOf(parts[0], parts[1])
		if err != nil {
			return nil, err
		}
		return expandRange(r, limit)

	default:
		return nil, malformed("invalid range format %q: use CIDR (192.168.1.0/24) or range (192.168.1.1-192.168.1.10)", spec)
	}
}

func expandPrefix(p netip.Prefix, limit int) ([]netip.Addr, error) {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits > 30 || (1<<hostBits) > limit+2 {
		return nil, malformed("%s exceeds the bulk limit of %d addresses", p, limit)
	}
	r := netipx.RangeOfPrefix(p)
	from, to := r.From(), r.To()
	if p.Addr().Is4() && hostBits >= 2 {
		// без network и broadcast
		from, to = from.Next(), to.Prev()
	} else if p.Addr().Is6() && hostBits >= 2 {
		// subnet-router anycast
		from = from.Next()
	}
	return expandRange(netipx.IPRangeFrom(from, to), limit)
}

func expandRange(r netipx.IPRange, limit int) ([]netip.Addr, error) {
	if n := rangeSize(r, limit); n > limit {
		return nil, malformed("range %s exceeds the bulk limit of %d addresses", r, limit)
	}
	out := make([]netip.Addr, 0, 16)
	for a := r.From(); a.IsValid() && a.Compare(r.To()) <= 0; a = a.Next() {
		out = append(out, a)
	}
	return out, nil
}

// containingBlock returns the block whose network/broadcast addresses are
// special at materialization time: the range netmask if set, else the parent
// network prefix.
func containingBlock(start netip.Addr, netmask string, network netip.Prefix) (netip.Prefix, bool) {
	if netmask = strings.TrimSpace(netmask); netmask != "" {
		if bits, ok := maskBits(netmask); ok {
			p, err := start.Prefix(bits)
			if err == nil {
				return p, true
			}
		}
	}
	if network.IsValid() && network.Contains(start) {
		return network, true
	}
	return netip.Prefix{}, false
}

// maskBits accepts "255.255.255.0", "24" or "/24".
func maskBits(mask string) (int, bool) {
	mask = strings.TrimPrefix(mask, "/")
	var n int
	if _, err := fmt.Sscanf(mask, "%d", &n); err == nil && fmt.Sprint(n) == mask {
		return n, n >= 0 && n <= 128
	}
	m, err := netip.ParseAddr(mask)
	if err != nil || !m.Is4() {
		return 0, false
	}
	b := m.As4()
	bits, seenZero := 0, false
	for _, octet := range b {
		for i := 7; i >= 0; i-- {
			if octet&(1<<uint(i)) != 0 {
				if seenZero {
					return 0, false
				}
				bits++
			} else {
				seenZero = true
			}
		}
	}
	return bits, true
}
