package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RealIP replaces r.RemoteAddr with the client address reported by a trusted
// reverse proxy.
//
// WHY NOT chimiddleware.RealIP?
// chi's version believes X-Forwarded-For from anyone. The login throttle
// keys on the client address, so a forged header would hand every request a
// fresh per-IP budget. Here the headers are read only when the direct peer
// is inside one of the trusted prefixes; otherwise RemoteAddr is left alone.
//
// X-Forwarded-For is walked from the right, skipping trusted hops. The first
// untrusted entry is the client. X-Real-IP is used when X-Forwarded-For is
// absent.
//
// With no trusted prefixes the middleware does nothing.
func RealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := peerAddr(r.RemoteAddr)
			if ok && containsAddr(trusted, peer) {
				if ip := forwardedClient(r.Header, trusted); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(h http.Header, trusted []netip.Prefix) string {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A garbled hop means nothing to its left can be believed.
			return ""
		}
		addr = addr.Unmap()
		if !containsAddr(trusted, addr) {
			return addr.String()
		}
	}

	if v := strings.TrimSpace(h.Get("X-Real-IP")); v != "" {
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap().String()
		}
	}
	return ""
}

func peerAddr(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
