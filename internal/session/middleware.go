package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

// Middleware authenticates requests carrying an Authorization bearer token and
// stores the resolved identity in the request context.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "", "Unauthenticated", nil)
				return
			}
			identity, err := store.Lookup(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnknownToken) {
					httpx.Error(w, http.StatusUnauthorized, "", "Unauthenticated", nil)
					return
				}
				if logger != nil {
					logger.Error("session lookup", slog.Any("error", err))
				}
				httpx.Error(w, http.StatusServiceUnavailable, "", "session store unavailable", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(rbac.ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// LogoutHandler revokes the bearer token presented with the request.
func LogoutHandler(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "", "Unauthenticated", nil)
			return
		}
		if err := store.Revoke(r.Context(), token); err != nil {
			if logger != nil {
				logger.Error("session revoke", slog.Any("error", err))
			}
			httpx.Error(w, http.StatusServiceUnavailable, "", "session store unavailable", nil)
			return
		}
		httpx.Success(w, http.StatusOK, []any{}, "Logged out successfully", nil)
	}
}
