package middleware

import (
	"net/http"

	"github.com/romvault/netplay-server-go/internal/audit"
	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/httputil"
	"github.com/romvault/netplay-server-go/internal/service"
)

// HandshakeRateLimitMiddleware bounds signaling upgrade attempts per client IP.
type HandshakeRateLimitMiddleware struct {
	limiter   *service.RateLimiter
	perMinute int
}

func NewHandshakeRateLimitMiddleware(limiter *service.RateLimiter, perMinute int) *HandshakeRateLimitMiddleware {
	return &HandshakeRateLimitMiddleware{limiter: limiter, perMinute: perMinute}
}

func (m *HandshakeRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.perMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := audit.ClientIP(r)
		allowed, resetAt := m.limiter.CheckHandshakeLimit(r.Context(), ip, m.perMinute)
		if !allowed {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"scope": "handshake"},
			})
			writeRetryAfter(w, resetAt)
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
