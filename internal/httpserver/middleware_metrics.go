package httpserver

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/instarding/server/internal/errors"
)

// adminAuth protects operator endpoints (/metrics, parser config,
// storage maintenance) with an API key. An empty key disables the
// check; otherwise requests must carry an "Authorization: Bearer {key}"
// header.
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			expectedHeader := "Bearer " + apiKey

			if authHeader != expectedHeader {
				resp := apierrors.NewErrorResponse(apierrors.ErrCodeInvalidField, "Invalid or missing admin API key", nil)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(resp)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
