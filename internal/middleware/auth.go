package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/romvault/netplay-server-go/internal/audit"
	"github.com/romvault/netplay-server-go/internal/auth"
	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/httputil"
)

type contextKey string

const UserIDContextKey contextKey = "userId"

// GetUserID returns the authenticated caller, or "" outside AuthMiddleware.
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDContextKey).(string); ok {
		return userID
	}
	return ""
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDContextKey, userID)
}

type AuthMiddleware struct {
	verifier auth.Verifier
}

func NewAuthMiddleware(verifier auth.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.AuthenticationRequired())
			return
		}

		userID, err := m.verifier.VerifyBearerToken(r.Context(), token)
		if err != nil {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.AuthenticationFailed(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
