package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPConfig controls how the source address of a request is determined
type ClientIPConfig struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP.
	// Only enable behind a reverse proxy that overwrites these headers.
	TrustProxy bool

	// TrustedProxyCount is how many proxies to trust from the right of
	// X-Forwarded-For (default: 1 when TrustProxy is set)
	TrustedProxyCount int
}

// ClientIP returns the canonical source address of r. It is the key used by
// the abuse tracker and the throttler, so IPv4-mapped IPv6 addresses are
// unmapped and zones are dropped.
func ClientIP(r *http.Request, cfg ClientIPConfig) string {
	if cfg.TrustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), cfg.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := canonicalIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF parses X-Forwarded-For.
// Format is "client-ip, untrusted-proxy, trusted-proxy2, trusted-proxy1"; the
// rightmost trustedProxyCount entries are ours.
//
// Example with trustedProxyCount=2:
//
//	Client (1.2.3.4) -> UntrustedProxy -> TrustedProxy2 -> TrustedProxy1 (us)
//	X-Forwarded-For: "1.2.3.4, untrusted-ip, proxy2-ip"
//	We extract: ips[len(ips) - trustedProxyCount - 1] = ips[0] = "1.2.3.4"
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")
	return canonicalIP(ips[calculateClientIPIndex(len(ips), trustedProxyCount)])
}

// calculateClientIPIndex returns len(ips) - proxyCount - 1, clamped to 0.
// A zero trustedProxyCount means one trusted proxy.
func calculateClientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount <= 0 {
		proxyCount = 1
	}
	return max(numIPs-proxyCount-1, 0)
}

// extractIPFromRemoteAddr handles direct connections. RemoteAddr values that do
// not parse are returned as-is so they still key a record.
func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := canonicalIP(host); ip != "" {
		return ip
	}
	return host
}

// canonicalIP parses s and returns its canonical text form, or "" if s is not an IP
func canonicalIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}
