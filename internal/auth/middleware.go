package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

var userContextKey contextKey

// UserFromContext returns the authenticated user placed by RequireAuth.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey).(User)
	return user, ok
}

// RequireAuth resolves the bearer token (header first, cookie fallback) to a
// live user and stores it on the request context.
func RequireAuth(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerOrCookieToken(r)
		if token == "" {
			writeFail(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		user, err := service.Authenticate(r.Context(), token)
		if err != nil {
			writeFail(w, http.StatusUnauthorized, ErrInvalidOrExpiredToken.Error())
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a handler to the given roles. Must run inside RequireAuth.
func RequireRole(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			writeFail(w, http.StatusUnauthorized, "authentication required")
			return
		}

		for _, role := range roles {
			if user.Role == role {
				next.ServeHTTP(w, r)
				return
			}
		}

		writeFail(w, http.StatusForbidden, "insufficient permissions")
	})
}

func bearerOrCookieToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	if cookie, err := r.Cookie(accessCookieName); err == nil {
		return cookie.Value
	}

	return ""
}
