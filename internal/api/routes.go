package api

import (
	"log/slog"
	"net/http"

	"omotes/internal/health"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Orchestrator  Orchestrator
	Metrics       HTTPRecorder // optional
	HealthChecker *health.Checker
	APIKey        string
	Logger        *slog.Logger // default: slog.Default()
}

// NewRouter creates the admin API handler:
//
//	GET    /livez
//	GET    /readyz
//	GET    /v1/workers
//	GET    /v1/jobs[?status=<status>]
//	GET    /v1/jobs/{jobId}
//	DELETE /v1/jobs/{jobId}[?reason=<text>]
//
// The /v1 routes require the API key when one is configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")
	handler := NewHandler(cfg.Orchestrator, cfg.HealthChecker, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/workers", auth(http.HandlerFunc(handler.ListWorkers)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.DeleteJob)))

	mws := []Middleware{RecoveryMiddleware(logger), RequestIDMiddleware(), LoggingMiddleware(logger)}
	if cfg.Metrics != nil {
		mws = append(mws, MetricsMiddleware(cfg.Metrics))
	}
	mws = append(mws, CORSMiddleware())
	return Chain(mux, mws...)
}
