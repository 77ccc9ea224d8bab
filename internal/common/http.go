package common

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the caller address used for per-client limits. It reads
// RemoteAddr only, so chi's RealIP middleware must run first when the API
// sits behind a proxy. IPv6 callers are grouped by /64 since a single host
// usually owns the whole prefix.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	raw := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return raw
	}
	addr = addr.Unmap()
	if addr.Is6() {
		if prefix, err := addr.Prefix(64); err == nil {
			return prefix.String()
		}
	}
	return addr.String()
}
