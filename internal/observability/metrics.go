package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the Prometheus scrape endpoint for a session
// process. It is built from the Provider whose exporter it serves, so it
// can never advertise metrics nothing collects: without an exporter the
// scrape path answers 503 instead of an empty 200, making a scraper
// pointed at a metrics-disabled session visible rather than silently
// healthy.
type MetricsServer struct {
	server  *http.Server
	enabled bool
}

// MetricsServer builds the scrape server for this provider on the given
// port and path.
func (p *Provider) MetricsServer(port int, path string) *MetricsServer {
	ms := &MetricsServer{enabled: p != nil && p.promExporter != nil}

	mux := http.NewServeMux()
	if ms.enabled {
		mux.Handle(path, promhttp.Handler())
	} else {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}

	ms.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return ms
}

// Handler returns the scrape mux; callers embedding the endpoint into an
// existing server use this instead of Start.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}

// Start begins serving metrics in a blocking call.
// Returns http.ErrServerClosed on graceful shutdown.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr, "enabled", ms.enabled)
	return ms.server.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
