package server

import (
	"compress/flate"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"
)

// SetupRoutes builds the router for the hub's HTTP surface.
func SetupRoutes(h *Handlers) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.NotFound(handle404)
	router.MethodNotAllowed(handle405)

	router.Get("/", h.Health)
	router.Get("/health", h.Health)
	router.Get("/ping", h.Ping)
	router.Get("/ws", h.WebSocket)

	router.Route("/api/hub", func(r chi.Router) {
		r.Use(middleware.Compress(flate.DefaultCompression))
		r.Get("/stats", h.Stats)
		r.Post("/broadcast", h.BroadcastAll)
		r.Post("/users/{userID}/broadcast", h.BroadcastUser)
	})

	return router
}

func handle404(w http.ResponseWriter, r *http.Request) {
	logrus.WithField("comp", "http").WithField("url", r.URL.String()).WithField("method", r.Method).WithField("resp_status", "404").Info("not found")
	w.WriteHeader(http.StatusNotFound)
	if _, err := fmt.Fprint(w, "Not Found"); err != nil {
		logrus.WithError(err).Error("error writing response")
	}
}

func handle405(w http.ResponseWriter, r *http.Request) {
	logrus.WithField("comp", "http").WithField("url", r.URL.String()).WithField("method", r.Method).WithField("resp_status", "405").Info("invalid method")
	w.WriteHeader(http.StatusMethodNotAllowed)
	if _, err := fmt.Fprint(w, "Method Not Allowed"); err != nil {
		logrus.WithError(err).Error("error writing response")
	}
}
