package observability

import (
	"net"
	"net/http"
	"strings"
)

// Client identifies the caller behind a request for lifecycle events.
type Client struct {
	DeviceID  string
	IP        string
	RequestID string
	UserAgent string
}

// ClientFromRequest reads the caller identity headers. The IP is the first
// X-Forwarded-For hop when a proxy set one, else the peer address.
func ClientFromRequest(r *http.Request) Client {
	return Client{
		DeviceID:  r.Header.Get("X-Device-Id"),
		IP:        clientIP(r),
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
