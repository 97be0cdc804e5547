package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romvault/netplay-server-go/internal/audit"
	"github.com/romvault/netplay-server-go/internal/config"
	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/httputil"
	"github.com/romvault/netplay-server-go/internal/service"
)

// UserRateLimitMiddleware bounds REST calls per authenticated user. It must
// run after AuthMiddleware.
type UserRateLimitMiddleware struct {
	limiter   *service.RateLimiter
	perMinute int
}

func NewUserRateLimitMiddleware(limiter *service.RateLimiter, perMinute int) *UserRateLimitMiddleware {
	if perMinute <= 0 {
		perMinute = config.DefaultRateLimitPerMin
	}
	return &UserRateLimitMiddleware{limiter: limiter, perMinute: perMinute}
}

func (m *UserRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := GetUserID(r.Context())
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, resetAt := m.limiter.CheckUserLimit(r.Context(), userID, m.perMinute)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.perMinute))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			log.Warn().Str("userId", userID).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:   audit.EventRateLimitExceed,
				UserID: userID,
				Details: map[string]interface{}{
					"scope": "user",
					"path":  r.URL.Path,
				},
			})
			writeRetryAfter(w, resetAt)
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRetryAfter(w http.ResponseWriter, resetAt time.Time) {
	secondsLeft := int(time.Until(resetAt).Seconds()) + 1
	if secondsLeft < 1 {
		secondsLeft = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secondsLeft))
}
