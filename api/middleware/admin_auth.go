package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/invoicesync-backend/api/responses"
	"github.com/angelmondragon/invoicesync-backend/api/validators"
	pkgerrors "github.com/angelmondragon/invoicesync-backend/pkg/errors"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

const operatorHeader = "X-Operator"

// AdminAuth requires the shared operator token on every request. The optional
// X-Operator header names the human acting and is attached to the log context.
// An empty token disables the check.
func AdminAuth(token string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if len(expected) > 0 {
				presented := validators.BearerToken(r.Header.Get("Authorization"))
				if presented == "" {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
					return
				}
				if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid credentials"))
					return
				}
			}

			operator := validators.SanitizeString(r.Header.Get(operatorHeader), 64)
			if operator == "" {
				operator = "unknown"
			}
			ctx = withOperator(ctx, operator)
			if logg != nil {
				ctx = logg.WithField(ctx, "operator", operator)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
