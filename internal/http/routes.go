// Package httpx hosts the HTTP ingress surface: the process-email endpoint,
// the task status endpoint, and the health check.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/observability/statsd"
	"github.com/mxtoai/mailengine/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Ingress        *service.IngressService
	Tasks          core.TaskStore
	APIKey         string
	AttachmentsDir string
	Logger         *slog.Logger
	Metrics        statsd.Sink
}

// NewRouter creates and configures the HTTP router. Everything except the
// health check sits behind the API key middleware.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	emailHandlers := &EmailHandlers{
		Ingress:        services.Ingress,
		AttachmentsDir: services.AttachmentsDir,
		Logger:         logger,
		Metrics:        services.Metrics,
	}
	taskHandlers := &TaskHandlers{Tasks: services.Tasks, Logger: logger}

	requireKey := RequireAPIKey(services.APIKey)

	mux := http.NewServeMux()
	mux.Handle("POST /process-email", requireKey(http.HandlerFunc(emailHandlers.ProcessEmail)))
	mux.Handle("GET /tasks/{id}", requireKey(http.HandlerFunc(taskHandlers.GetTask)))
	mux.Handle("GET /health", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /health", http.HandlerFunc(healthHandler))

	var handler http.Handler = mux
	handler = Logging(logger)(handler)
	handler = Recover(logger)(handler)
	return handler
}
