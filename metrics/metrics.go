// Package metrics exposes daphne's Prometheus-compatible metrics and the
// standalone server that serves them.
//
// Metrics live on their own listener, separate from the API server, so
// scrapes keep working while the API drains.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the process's metric set on /metrics.
type MetricsServer struct {
	srv *http.Server
}

// New builds a metrics server for the named app on listenAddr. The listen
// address may be empty when metrics are disabled; callers then never start
// the server.
func New(appName, listenAddr string) (*MetricsServer, error) {
	if appName == "" {
		return nil, errors.New("app name must not be empty")
	}
	metrics.GetOrCreateGauge(fmt.Sprintf("%s_up", appName), func() float64 { return 1 })

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)
	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	metrics.WritePrometheus(w, true)
}

// ListenAndServe blocks serving scrapes until Shutdown or a listener error.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight scrapes up to the
// context's deadline.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
