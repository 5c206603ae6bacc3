package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/invoicesync-backend/api/controllers"
	"github.com/angelmondragon/invoicesync-backend/api/middleware"
	"github.com/angelmondragon/invoicesync-backend/pkg/config"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

// Dependencies groups what the router hands to its controllers.
type Dependencies struct {
	Readiness map[string]controllers.Pinger
	Limiter   rateLimiter
	Operator  controllers.SubmissionOperator
	Artifacts artifactReader
	Telemetry telemetrySource
	Gatherer  prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Readiness))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	resetPolicy := middleware.NewRateLimitPolicy("reset", "id", cfg.Admin.ResetWindow, cfg.Admin.ResetLimit)
	telemetryWindow := cfg.Telemetry.Window
	if telemetryWindow <= 0 {
		telemetryWindow = 24 * time.Hour
	}

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.Admin.Token, logg))

		r.Route("/submissions", func(r chi.Router) {
			r.Get("/exhausted", controllers.AdminExhaustedSubmissions(deps.Operator, logg))
			r.Get("/{id}", controllers.AdminSubmissionDetail(deps.Operator, deps.Artifacts, logg))
			r.With(middleware.RateLimit(resetPolicy, deps.Limiter, logg)).
				Post("/{id}/reset-retry", controllers.AdminResetRetry(deps.Operator, logg))
			r.Post("/{id}/disable-retry", controllers.AdminDisableRetry(deps.Operator, logg))
		})

		r.Get("/retry/telemetry", controllers.AdminRetryTelemetry(deps.Telemetry, telemetryWindow, logg))
	})

	return r
}
