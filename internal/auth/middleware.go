package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/observer/hirechat/internal/domain"
)

type contextKey string

const (
	HandleKey contextKey = "handle"
	RoleKey   contextKey = "role"
)

// Middleware creates an authentication middleware
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				http.Error(w, `{"error":"authorization header required"}`, http.StatusUnauthorized)
				return
			}

			claims, err := tokens.ValidateAccessToken(token)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// WithClaims stores the caller identity in ctx
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, HandleKey, claims.Handle)
	return context.WithValue(ctx, RoleKey, claims.Role)
}

// GetHandle extracts the caller handle from context
func GetHandle(ctx context.Context) (int64, bool) {
	handle, ok := ctx.Value(HandleKey).(int64)
	return handle, ok
}

// GetRole extracts the caller role from context
func GetRole(ctx context.Context) (domain.Role, bool) {
	role, ok := ctx.Value(RoleKey).(domain.Role)
	return role, ok
}

// RequireAuth is a helper for handlers that need authentication
func RequireAuth(ctx context.Context) (int64, error) {
	handle, ok := GetHandle(ctx)
	if !ok || handle <= 0 {
		return 0, ErrUnauthorized
	}
	return handle, nil
}

var ErrUnauthorized = &HTTPError{Status: http.StatusUnauthorized, Message: "unauthorized"}

type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return e.Message
}
