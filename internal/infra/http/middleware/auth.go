package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/pkg/apierror"
)

// APIKey checks the configured API key header on every request. When no
// key is configured the middleware is a no-op, which is only acceptable
// in development (production config validation rejects it).
func APIKey(cfg *config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.IsConfigured() {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(cfg.HeaderName)
			if key == "" {
				// WebSocket clients cannot set custom headers from browsers;
				// allow the key as a query parameter on the upgrade request.
				key = r.URL.Query().Get("api_key")
			}

			if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
				apierror.Unauthorized("Invalid or missing API key").
					WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
