package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/broadcast-relay/internal/origin"
)

// WithOriginPolicy gates the GET-only admin routes (/peers, /events) on
// ALLOWED_ORIGINS and echoes an allowed Origin back.
func (s *Server) WithOriginPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !origin.Allowed(r, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		normalized, _, _ := origin.NormalizeHeader(header)
		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}
