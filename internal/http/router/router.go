// Package router assembles the provider's HTTP surface.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/veil/internal/http/controllers"
	"github.com/dropDatabas3/veil/internal/http/middlewares"
)

// Controllers groups the endpoint handlers the router mounts.
type Controllers struct {
	Authorize  *controllers.AuthorizeController
	PAR        *controllers.PARController
	EndSession *controllers.EndSessionController
}

// New builds the chi router with the provider endpoints.
func New(c Controllers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/authorize", c.Authorize.Authorize)
	r.Post("/authorize", c.Authorize.Authorize)
	r.Post("/authorize/login", c.Authorize.Login)

	r.Post("/par", c.PAR.Push)

	r.Get("/end_session", c.EndSession.EndSession)
	r.Post("/end_session", c.EndSession.EndSession)
	r.Post("/end_session/confirm", c.EndSession.Confirm)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
