package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.logger, h.metrics))

	r.Get("/", h.Health)
	r.Get("/health", h.Health)
	r.Post("/process", h.Process)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	return r
}
