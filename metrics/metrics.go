// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_total",
			Help: "Total number of inbound messages by ingest outcome (count)",
		},
		[]string{"outcome"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_processing_duration_ms",
			Help:    "Time from delivery to outcome in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"outcome"},
	)

	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_connection_state",
			Help: "Broker session state (0=disconnected, 1=connecting, 2=subscribed, 3=shutting_down)",
		},
	)

	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_reconnect_attempts_total",
			Help: "Total number of broker reconnect attempts scheduled (count)",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{MessagesTotal, ProcessingDuration, ConnectionState, ReconnectAttemptsTotal}
}

// Register adds the bridge collectors to reg. Collectors already present are
// left as they are.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveOutcome records one processed message.
func ObserveOutcome(outcome string, elapsed time.Duration) {
	MessagesTotal.WithLabelValues(outcome).Inc()
	ProcessingDuration.WithLabelValues(outcome).Observe(float64(elapsed) / float64(time.Millisecond))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
