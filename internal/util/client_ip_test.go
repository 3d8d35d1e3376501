package util

import (
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10", "fd00::/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "untrusted peer ignores forwarded headers",
			remoteAddr: "198.51.100.10:1234",
			xff:        "203.0.113.5",
			xrip:       "203.0.113.6",
			want:       "198.51.100.10",
		},
		{
			name:       "trusted peer accepts x-forwarded-for",
			remoteAddr: "10.0.0.20:1234",
			xff:        "203.0.113.5",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "chain stops at first untrusted hop from the right",
			remoteAddr: "10.0.0.20:1234",
			xff:        "203.0.113.9, 203.0.113.5, 192.168.1.10",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "ipv4-mapped peer matches ipv4 prefix",
			remoteAddr: "[::ffff:10.0.0.20]:1234",
			xff:        "203.0.113.5",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "ipv4-mapped forwarded hop is reported unmapped",
			remoteAddr: "10.0.0.20:1234",
			xff:        "::ffff:203.0.113.5",
			trusted:    trusted,
			want:       "203.0.113.5",
		},
		{
			name:       "ipv6 proxy prefix",
			remoteAddr: "[fd00::1]:443",
			xff:        "2001:db8::7",
			trusted:    trusted,
			want:       "2001:db8::7",
		},
		{
			name:       "x-real-ip when forwarded chain is unusable",
			remoteAddr: "10.0.0.20:1234",
			xff:        "invalid",
			xrip:       "::ffff:203.0.113.7",
			trusted:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "every hop trusted returns leftmost",
			remoteAddr: "10.0.0.20:1234",
			xff:        "10.0.0.5, 10.0.0.10",
			trusted:    trusted,
			want:       "10.0.0.5",
		},
		{
			name:       "peer without port",
			remoteAddr: "198.51.100.10",
			trusted:    trusted,
			want:       "198.51.100.10",
		},
		{
			name:       "unparseable peer is returned as is",
			remoteAddr: "pipe",
			xff:        "203.0.113.5",
			trusted:    trusted,
			want:       "pipe",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{" 10.1.2.3/8 ", "::ffff:192.168.1.10", ""})
	if err != nil {
		t.Fatalf("expected valid entries, got err: %v", err)
	}
	for _, raw := range []string{"10.200.0.1", "192.168.1.10", "::ffff:10.9.9.9"} {
		if !trusted.Contains(netip.MustParseAddr(raw)) {
			t.Fatalf("%s should be trusted", raw)
		}
	}
	if trusted.Contains(netip.MustParseAddr("192.168.1.11")) || trusted.Contains(netip.Addr{}) {
		t.Fatalf("unexpected trusted address")
	}

	for _, bad := range []string{"bad-cidr", "10.0.0.0/33", "300.1.1.1"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}

	none, err := NewTrustedProxies([]string{" ", ""})
	if err != nil || none != nil {
		t.Fatalf("blank entries = %v, %v; want nil, nil", none, err)
	}
	if none.Contains(netip.MustParseAddr("10.0.0.1")) {
		t.Fatalf("nil set must trust nothing")
	}
}
