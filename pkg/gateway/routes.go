package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the http.Handler with all routes and middleware configured
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// websocket upgrade needs the raw ResponseWriter, so it skips request logging
	r.Get("/ws", g.websocketHandler)

	r.Group(func(r chi.Router) {
		r.Use(g.loggingMiddleware)

		r.Get("/health", g.healthHandler)
		r.Get("/v1/health", g.healthHandler)
		r.Get("/v1/channels", g.channelsHandler)
		r.Post("/v1/publish", g.publishHandler)
		r.Post("/v1/events", g.eventHandler)
		r.Post("/v1/wssecret", g.wssecretHandler)
	})

	return r
}
