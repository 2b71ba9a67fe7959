package main

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/wire"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/handler/api"
	"github.com/pandodao/ecash-wallet/handler/hc"
	"github.com/pandodao/ecash-wallet/worker/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

var serverSet = wire.NewSet(
	wire.Bind(new(api.Trigger), new(*scheduler.Scheduler)),
	api.New,
	provideServer,
)

func provideServer(
	apiHandler *api.Server,
	pending core.PendingService,
	reg *prometheus.Registry,
) *http.Server {
	m := chi.NewMux()
	m.Use(middleware.RealIP)
	m.Use(middleware.Logger)
	m.Use(middleware.Recoverer)
	m.Use(cors.AllowAll().Handler)

	m.Mount("/api", apiHandler.Handler())
	m.Mount("/hc", hc.Handler(version, pending))
	m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", opt.port),
		Handler: m,
	}
}
