package security

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ParseCIDRAllowlist parses CIDR blocks. A bare address is taken as a single
// host prefix. Blank entries are skipped.
func ParseCIDRAllowlist(cidrs []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			addr, err := netip.ParseAddr(cidr)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist entry %q: %w", cidr, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist entry %q: %w", cidr, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// IPAllowlist answers 403 to peers outside allow. An empty list admits
// everyone.
func IPAllowlist(allow []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allow) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				WriteJSONError(w, r, http.StatusForbidden, CodeForbidden)
				return
			}
			ip, err := netip.ParseAddr(host)
			if err != nil {
				WriteJSONError(w, r, http.StatusForbidden, CodeForbidden)
				return
			}
			ip = ip.Unmap()

			for _, p := range allow {
				if p.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			WriteJSONError(w, r, http.StatusForbidden, CodeForbidden)
		})
	}
}
