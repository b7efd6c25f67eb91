package prometheus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultReadHeaderTimeout bounds how long the exporter waits for request headers.
const defaultReadHeaderTimeout = 10 * time.Second

// Exporter serves the daemon's metrics over HTTP.
type Exporter struct {
	addr     string
	server   *http.Server
	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
}

// NewExporter creates an exporter serving metrics at the given address.
// All daemon metrics plus Go runtime and process collectors are registered.
func NewExporter(addr string) *Exporter {
	reg := prometheus.NewRegistry()
	for _, collector := range allMetrics {
		reg.MustRegister(collector)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Exporter{
		addr:     addr,
		registry: reg,
	}
}

// NewExporterWithRegistry creates an exporter backed by a caller-supplied
// registry. Nothing is registered automatically.
func NewExporterWithRegistry(addr string, registry *prometheus.Registry) *Exporter {
	return &Exporter{
		addr:     addr,
		registry: registry,
	}
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Start serves /metrics and /health at the configured address. It blocks
// until the server stops, returning http.ErrServerClosed on graceful shutdown.
func (e *Exporter) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	e.server = &http.Server{
		Addr:              e.addr,
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	e.started = true
	e.mu.Unlock()

	return e.server.ListenAndServe()
}

// Shutdown gracefully stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server != nil && e.started {
		e.started = false
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the metrics endpoint handler for mounting on an
// existing HTTP server.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers additional collectors, panicking on failure.
func (e *Exporter) MustRegister(cs ...prometheus.Collector) {
	e.registry.MustRegister(cs...)
}

// Register registers an additional collector.
func (e *Exporter) Register(c prometheus.Collector) error {
	return e.registry.Register(c)
}
