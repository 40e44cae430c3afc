package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
)

// ControlPolicy restricts the control API to callers whose IP starts with
// one of AllowedIPs. Paths listed in Public stay open to everyone.
type ControlPolicy struct {
	Prefix     string
	AllowedIPs []string
	Public     []string
}

func WithControlAccess(policy ControlPolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(policy.AllowedIPs) == 0 {
			logger.Warn("control API access control is disabled")
			return next
		}
		logger.Info("control API access control enabled", "allowed_ips", policy.AllowedIPs)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, policy.Prefix) || slices.Contains(policy.Public, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if !isIPAllowed(policy.AllowedIPs, r.RemoteAddr) {
				logger.Warn("control API access denied",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isIPAllowed(allowed []string, remoteAddr string) bool {
	clientIP := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		clientIP = host
	}
	for _, ipPrefix := range allowed {
		if ipPrefix == "*" || strings.HasPrefix(clientIP, ipPrefix) {
			return true
		}
	}
	return false
}
