package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"ms-booking/internal/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Middleware authenticates UI-facing routes. A nil verifier leaves the routes open, which is
// only meant for local development.
func Middleware(verifier Verifier, log *logger.Logger) func(http.Handler) http.Handler {
	if verifier == nil {
		log.Warn("AUTH", "No OIDC issuer or JWT secret configured, API routes are open")
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}

			userID, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("INVALID_TOKEN", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSecret gates machine routes such as the cron endpoints behind a static bearer secret.
func RequireSecret(secret string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil || secret == "" || subtle.ConstantTimeCompare([]byte(rawToken), []byte(secret)) != 1 {
				log.LogSecurity("CRON_DENIED", fmt.Sprintf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr))
				unauthorized(w, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserID returns the authenticated caller, or "" on open routes.
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}

// WithUserID is used by tests and internal callers to act as a user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": message})
}
