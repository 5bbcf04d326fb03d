package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/DoyleJ11/party-room/internal/auth"
	"github.com/DoyleJ11/party-room/pkg/types"
)

type ctxKey struct{}

// RequireAuth rejects requests without a valid bearer credential and stores the identity on the
// request context.
func RequireAuth(am *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, types.CodeUnauthorized, "missing bearer token")
				return
			}
			id, err := am.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, types.CodeUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		})
	}
}

func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(auth.Identity)
	return id, ok
}
