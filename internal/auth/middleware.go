package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/vidstash/backend/internal/download"
	apperrors "github.com/vidstash/backend/internal/errors"
)

type contextKey string

const UserContextKey contextKey = "user"

type UserContext struct {
	UserID  string
	Email   string
	IsAdmin bool
}

func (u *UserContext) Requester() download.Requester {
	return download.Requester{UserID: u.UserID, IsAdmin: u.IsAdmin}
}

func Middleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid authorization header format"))
				return
			}

			claims, err := authService.ValidateAccessToken(parts[1])
			if err != nil {
				apperrors.WriteError(w, requestID, TokenError(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims)))
		})
	}
}

// RequireAdmin rejects callers whose token does not carry the admin claim.
// It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		if user == nil {
			apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.Unauthorized("not authenticated"))
			return
		}
		if !user.IsAdmin {
			apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.Forbidden("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenError maps a validation failure to its HTTP error.
func TokenError(err error) *apperrors.AppError {
	if errors.Is(err, ErrTokenExpired) {
		return apperrors.TokenExpired()
	}
	return apperrors.InvalidToken("invalid access token")
}

func WithUser(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, &UserContext{
		UserID:  claims.UserID,
		Email:   claims.Email,
		IsAdmin: claims.IsAdmin,
	})
}

func GetUserFromContext(ctx context.Context) *UserContext {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil
	}
	return user
}
