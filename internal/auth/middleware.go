package auth

import (
	"net/http"

	"go.uber.org/zap"
)

type Middleware func(http.Handler) http.Handler

// Protect rejects requests without a valid token and stores the identity in
// the request context for the wrapped handler.
func Protect(v *Verifier, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Authenticate(r)
			if err != nil {
				logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, RejectionMessage(err), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
