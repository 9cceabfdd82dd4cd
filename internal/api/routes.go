package api

import (
	"net/http"

	"ingestor/internal/health"
	"ingestor/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	FrameLimit    int64 // inbound protocol frame payload limit for worker connections
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.Metrics, cfg.HealthChecker, cfg.FrameLimit)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)

	// Jobs
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.AbortJob)))

	// Artifacts and materializations
	mux.Handle("POST /v1/artifacts", auth(http.HandlerFunc(handler.DeployArtifact)))
	mux.Handle("GET /v1/artifacts", auth(http.HandlerFunc(handler.ListArtifacts)))
	mux.Handle("GET /v1/materializations", auth(http.HandlerFunc(handler.ListMaterializations)))

	// Workers
	mux.Handle("GET /v1/workers", auth(http.HandlerFunc(handler.ListWorkers)))
	mux.Handle("GET /v1/workers/connect", auth(http.HandlerFunc(handler.ConnectWorker)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
