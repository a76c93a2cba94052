package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRealIP(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
	}

	tests := []struct {
		name       string
		trusted    []netip.Prefix
		remoteAddr string
		xff        string
		xRealIP    string
		want       string
	}{
		{"nothing trusted ignores headers", nil, "6.6.6.6:4000", "1.2.3.4", "", "6.6.6.6:4000"},
		{"untrusted peer ignores headers", trusted, "6.6.6.6:4000", "1.2.3.4", "5.5.5.5", "6.6.6.6:4000"},
		{"trusted peer single hop", trusted, "10.0.0.2:4000", "203.0.113.9", "", "203.0.113.9"},
		{"forged left entry is skipped", trusted, "10.0.0.2:4000", "1.2.3.4, 203.0.113.9", "", "203.0.113.9"},
		{"trusted hops are skipped", trusted, "10.0.0.2:4000", "203.0.113.9, 192.168.1.7, 10.1.1.1", "", "203.0.113.9"},
		{"x-real-ip fallback", trusted, "192.168.1.7:4000", "", "203.0.113.9", "203.0.113.9"},
		{"garbled hop keeps peer", trusted, "10.0.0.2:4000", "203.0.113.9, junk", "", "10.0.0.2:4000"},
		{"ipv4-mapped peer", trusted, "[::ffff:10.0.0.2]:4000", "203.0.113.9", "", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))

			req := httptest.NewRequest(http.MethodPost, "/token", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.want, got)
		})
	}
}
