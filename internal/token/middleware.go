package token

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

type ctxKey struct{}

// AccountIDFromContext returns the account id placed by RequireAccess.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// WithAccountID stores an authenticated account id on ctx.
func WithAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < len("bearer ") || !strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(auth[len("bearer "):])
	return tok, tok != ""
}

// RequireAccess rejects requests without a valid access token with 401.
func RequireAccess(svc *Service, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := BearerToken(r)
			if !ok {
				utilities.Fail(w, http.StatusUnauthorized, "missing access token")
				return
			}
			claims, err := svc.ParseAccess(raw)
			if err != nil {
				logger.Debugw("access token rejected", "err", err)
				utilities.Fail(w, http.StatusUnauthorized, "invalid or expired access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), claims.Subject)))
		})
	}
}
