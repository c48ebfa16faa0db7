package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"curling-server/auth"
)

// NewRouter builds the HTTP surface. Relay servers only expose the read and
// spectator routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.Config.Origins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api/matches", func(r chi.Router) {
		if !h.Relay {
			r.With(auth.RequireAdmin(h.Admin)).Post("/", h.CreateMatch)
		}
		r.Route("/{matchID}", func(r chi.Router) {
			r.Get("/", h.GetMatch)
			r.Get("/state", h.GetState)
			r.Get("/states", h.ListStates)
			r.Get("/shots/{shotID}", h.GetShot)
			r.Get("/stream", h.Stream)
			if h.Relay {
				return
			}
			r.Get("/agent", h.AgentSocket)
			r.Post("/end-setup", h.EndSetup)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin(h.Admin))
				r.Post("/request-shot", h.RequestShot)
				r.Post("/retry-simulation", h.RetrySimulation)
				r.Post("/abort", h.Abort)
				r.Post("/resume", h.Resume)
			})
		})
	})
	return r
}

// requestLogger logs every request once it has been served.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("request", "tag", "api", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(), "dur", time.Since(start),
			"req_id", middleware.GetReqID(r.Context()))
	})
}
