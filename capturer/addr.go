package capturer

import (
	"context"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// IsIPv4 reports whether s is a dotted quad with every octet in [0,255].
func IsIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || p[0] == '+' || p[0] == '-' {
			return false
		}
	}
	return true
}

// IsIPv6 is a coarse check: a colon, and no loopback/unspecified v4 prefix.
// It does not validate the address.
func IsIPv6(s string) bool {
	return strings.Contains(s, ":") && !strings.HasPrefix(s, "127") && !strings.HasPrefix(s, "0")
}

// Family labels an address for logging.
func Family(s string) string {
	switch {
	case IsIPv4(s):
		return "ipv4"
	case IsIPv6(s):
		return "ipv6"
	default:
		return "unknown"
	}
}

// InterfacesFn matches gnet.InterfacesWithContext.
type InterfacesFn func(ctx context.Context) (gnet.InterfaceStatList, error)

// LocalIPv4Addresses lists the IPv4 addresses bound to local interfaces.
// Lookup failures yield an empty list.
func LocalIPv4Addresses(ctx context.Context, fn InterfacesFn) []string {
	if fn == nil {
		fn = gnet.InterfacesWithContext
	}
	ifaces, err := fn(ctx)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			ip, _, _ := strings.Cut(a.Addr, "/")
			if !IsIPv4(ip) {
				continue
			}
			if _, ok := seen[ip]; ok {
				continue
			}
			seen[ip] = struct{}{}
			out = append(out, ip)
		}
	}
	return out
}
