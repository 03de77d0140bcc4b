// Package api serves the deployment HTTP surface: deploy, rollback, status
// and operational endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plantmetric/rollout/pkg/api/middleware"
	api_v1_deploy "github.com/plantmetric/rollout/pkg/api/v1/deploy"
	api_v1_resources "github.com/plantmetric/rollout/pkg/api/v1/resources"
	api_v1_status "github.com/plantmetric/rollout/pkg/api/v1/status"
	"github.com/plantmetric/rollout/pkg/batch"
)

var requestTimeout = time.Second * 10

type Config struct {
	Engine      api_v1_deploy.Engine
	Status      api_v1_status.StatusSource
	Ledger      api_v1_status.HistorySource
	Dispatchers map[string]*batch.Dispatcher
	MetricsPath string
}

func New(cfg Config) chi.Router {
	deployHandler := &api_v1_deploy.Handler{
		Engine: cfg.Engine,
	}

	statusHandler := &api_v1_status.Handler{
		Source: cfg.Status,
		Ledger: cfg.Ledger,
	}

	resourcesHandler := &api_v1_resources.Handler{
		Dispatchers: cfg.Dispatchers,
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestLogger(),
		middleware.PrometheusMiddlewareHandler("rolloutd"),
		chi_middleware.StripSlashes,
	)

	router.Get(cfg.MetricsPath, promhttp.Handler().ServeHTTP)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(
			chi_middleware.AllowContentType("application/json"),
		)

		// Deployments outlive the request timeout by design, so only the
		// read endpoints get the short deadline.
		r.Post("/deploy", deployHandler.Deploy)
		r.Post("/rollback/{id}", deployHandler.Rollback)
		r.Post("/resources/{region}", resourcesHandler.Submit)
		r.Post("/resources/{region}/flush", resourcesHandler.Flush)

		r.Group(func(r chi.Router) {
			r.Use(chi_middleware.Timeout(requestTimeout))
			r.Get("/status/{id}", statusHandler.Status)
			r.Get("/deployments", statusHandler.List)
			r.Get("/history/{service}", statusHandler.History)
		})
	})

	return router
}
