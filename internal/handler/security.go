package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
)

// APIKeyHeader carries the raw API key. "Authorization: Bearer <key>" is
// accepted as well.
const APIKeyHeader = "X-API-Key"

func apiKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// RequireScope authenticates the request API key and requires it to carry
// scope. The key is stored in the request context.
func (h *Handler) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key, err := h.auth.Authenticate(ctx, apiKey(r))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !key.HasScope(scope) {
				zctx.From(ctx).Warn("API key lacks scope",
					zap.String("key_id", key.ID),
					zap.String("scope", scope),
				)
				writeError(w, http.StatusForbidden, auth.ErrForbidden.Error())
				return
			}
			lg := zctx.From(ctx).With(zap.String("key_id", key.ID))
			ctx = zctx.Base(auth.WithKey(ctx, key), lg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
