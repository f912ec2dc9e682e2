package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClient is the key used when no client address can be determined.
const UnknownClient = "unknown"

// ClientKey identifies the caller of r: the first X-Forwarded-For entry,
// else X-Real-IP, else the peer host, else UnknownClient.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return UnknownClient
}
