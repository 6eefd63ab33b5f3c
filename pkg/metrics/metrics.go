// Package metrics exposes Prometheus instrumentation for the router.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frankensim/frankenrouter/internal/logger"
)

// Metrics holds all router collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ClientsConnected prometheus.Gauge
	UpstreamUp       prometheus.Gauge
	MessagesRouted   *prometheus.CounterVec
	BytesForwarded   *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	QueueWait        prometheus.Histogram
	HandlingTime     prometheus.Histogram
	RDPRoundTrip     prometheus.Histogram
	CacheKeywords    prometheus.Gauge
	WelcomesServed   prometheus.Counter
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "frankenrouter_clients_connected",
			Help: "Number of currently connected downstream clients.",
		}),
		UpstreamUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "frankenrouter_upstream_up",
			Help: "Whether the upstream connection is established (1) or down (0).",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frankenrouter_messages_routed_total",
			Help: "Messages classified by the routing rules, by resulting action.",
		}, []string{"action"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frankenrouter_bytes_forwarded_total",
			Help: "Payload bytes forwarded, by direction.",
		}, []string{"direction"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frankenrouter_queue_depth",
			Help: "Current depth of the inbound message queues.",
		}, []string{"queue"}),
		QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "frankenrouter_queue_wait_seconds",
			Help:    "Time messages spend queued before a forwarder picks them up.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		HandlingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "frankenrouter_handling_seconds",
			Help:    "Time spent classifying and dispatching one message.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		RDPRoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "frankenrouter_rdp_rtt_seconds",
			Help:    "PING/PONG round-trip time to router peers.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		CacheKeywords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "frankenrouter_cache_keywords",
			Help: "Number of keywords held in the value cache.",
		}),
		WelcomesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "frankenrouter_welcomes_served_total",
			Help: "Welcome sequences completed for new clients.",
		}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a standalone metrics HTTP server until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
