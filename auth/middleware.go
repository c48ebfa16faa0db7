package auth

import (
	"log/slog"
	"net/http"
)

// RequireAdmin rejects requests without valid admin credentials.
func RequireAdmin(a *Admin) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Authenticate(r); err != nil {
				slog.Warn("admin auth rejected", "tag", "auth", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
				w.Header().Set("WWW-Authenticate", `Basic realm="curling"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
