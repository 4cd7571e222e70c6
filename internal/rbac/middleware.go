package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
)

// PermissionChecker is the subset of Service the middleware needs.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID int64, slug string) (bool, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Checker PermissionChecker
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	required := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "", "authentication required", nil)
				return
			}
			for _, slug := range required {
				granted, err := m.Checker.HasPermission(r.Context(), identity.UserID, slug)
				if err != nil {
					m.fail(w, "rbac require any", err)
					return
				}
				if granted {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Error(w, http.StatusForbidden, "", "User lacks required permission", nil)
		})
	}
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	required := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "", "authentication required", nil)
				return
			}
			for _, slug := range required {
				granted, err := m.Checker.HasPermission(r.Context(), identity.UserID, slug)
				if err != nil {
					m.fail(w, "rbac require all", err)
					return
				}
				if !granted {
					httpx.Error(w, http.StatusForbidden, "", "User lacks required permission", nil)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) fail(w http.ResponseWriter, msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
	// A vanished session user is treated like a missing grant.
	if errors.Is(err, ErrNotFound) {
		httpx.Error(w, http.StatusForbidden, "", "User lacks required permission", nil)
		return
	}
	httpx.RespondError(w, err, errorRules)
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
