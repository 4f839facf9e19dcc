package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/companionhq/companion/internal/api"
)

type contextKey string

const UserClaimsKey contextKey = "user_claims"

func Middleware(jwtMgr *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(parts[1])
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserClaims(ctx context.Context) *AccessClaims {
	claims, _ := ctx.Value(UserClaimsKey).(*AccessClaims)
	return claims
}

// CurrentUser returns the authenticated user id, or false outside an authenticated request.
func CurrentUser(ctx context.Context) (string, bool) {
	claims := GetUserClaims(ctx)
	if claims == nil || claims.UserID == "" {
		return "", false
	}
	return claims.UserID, true
}

// WithUser attaches a user to ctx the way Middleware does.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserClaimsKey, &AccessClaims{UserID: userID})
}
