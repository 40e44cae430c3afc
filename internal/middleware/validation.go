package middleware

import (
	"mime"
	"net/http"
	"strings"
)

type ValidationConfig struct {
	// Prefix selects the routes to validate.
	Prefix string
	// ExcludedPaths are never validated, e.g. the websocket endpoint.
	ExcludedPaths []string
}

// WithValidation rejects control API writes that do not carry JSON.
func WithValidation(config ValidationConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, config.Prefix) {
				next.ServeHTTP(w, r)
				return
			}
			for _, path := range config.ExcludedPaths {
				if strings.HasPrefix(r.URL.Path, path) {
					next.ServeHTTP(w, r)
					return
				}
			}

			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
				if err != nil || mediaType != "application/json" {
					http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
