package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/froyobox/pkg/telemetry"
)

// RouterConfig holds the dependencies of the router.
type RouterConfig struct {
	Boxes       Boxes
	Deployments Deployments
	Cronjobs    Cronjobs

	// Ready reports whether the service can take traffic. Nil means always.
	Ready func(r *http.Request) error

	APIKey  string
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// NewRouter creates the HTTP handler with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	h := NewHandler(cfg.Boxes, cfg.Deployments, cfg.Cronjobs, cfg.Logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", cfg.Metrics.Handler())

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(traced(cfg.Tracer, pattern, fn)))
	}

	route("POST /v1/boxes", h.CreateBox)
	route("GET /v1/boxes", h.ListBoxes)
	route("GET /v1/boxes/{id}", h.GetBox)
	route("DELETE /v1/boxes/{id}", h.DeleteBox)
	route("POST /v1/boxes/{id}/deploy", h.DeployBox)
	route("GET /v1/boxes/{id}/steps", h.ListSteps)
	route("GET /v1/boxes/{id}/plan", h.PlanBox)
	route("GET /v1/boxes/{id}/history", h.BoxHistory)

	route("POST /v1/boxes/{id}/cronjobs", h.CreateCronjob)
	route("GET /v1/boxes/{id}/cronjobs", h.ListCronjobs)
	route("GET /v1/cronjobs/{id}", h.GetCronjob)
	route("PATCH /v1/cronjobs/{id}", h.UpdateCronjob)
	route("POST /v1/cronjobs/{id}/toggle", h.ToggleCronjob)
	route("DELETE /v1/cronjobs/{id}", h.DeleteCronjob)
	route("GET /v1/cronjobs/{id}/runs", h.CronjobRuns)

	// Outermost first.
	var handler http.Handler = mux
	handler = ContentTypeMiddleware()(handler)
	handler = MetricsMiddleware(cfg.Metrics)(handler)
	handler = LoggingMiddleware(cfg.Logger)(handler)
	handler = RecoveryMiddleware(cfg.Logger)(handler)

	return handler
}

// traced wraps a route handler in a span named after its pattern.
func traced(tracer *telemetry.Tracer, pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.StartSpan(r.Context(), "http "+pattern,
			attribute.String("http.route", pattern),
			attribute.String("froyobox.owner_id", r.Header.Get(OwnerHeader)),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
