// Package telemetry exposes the data logger's Prometheus metrics, using
// client_golang's collector/registry/exposition side to publish them.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors owns every metric the pipeline publishes and the private
// registry they are registered against.
type Collectors struct {
	registry *prometheus.Registry

	scansTotal       *prometheus.CounterVec
	scanErrorsTotal  *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	reconnectsTotal  *prometheus.CounterVec
	sinkDroppedTotal *prometheus.CounterVec
	alarmStateTotal  *prometheus.CounterVec
}

// New constructs the collector set and registers it against a fresh,
// private registry (never the global default, so tests can construct
// multiple independent instances).
func New() *Collectors {
	c := &Collectors{registry: prometheus.NewRegistry()}

	c.scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datalogger_scans_total",
		Help: "Completed acquisition scan cycles per connection.",
	}, []string{"connection", "transport"})

	c.scanErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datalogger_scan_errors_total",
		Help: "Scan cycles that ended in a connection-level error.",
	}, []string{"connection", "transport"})

	c.scanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datalogger_scan_duration_seconds",
		Help:    "Duration of one acquisition scan cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"connection", "transport"})

	c.reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datalogger_reconnects_total",
		Help: "Reconnect attempts per connection.",
	}, []string{"connection", "transport"})

	c.sinkDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datalogger_sink_dropped_total",
		Help: "Samples dropped by the sink due to queue overflow.",
	}, []string{"connection"})

	c.alarmStateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datalogger_alarm_state_total",
		Help: "Annotated samples observed per alarm state.",
	}, []string{"connection", "tag", "alarm_state"})

	c.registry.MustRegister(
		c.scansTotal,
		c.scanErrorsTotal,
		c.scanDuration,
		c.reconnectsTotal,
		c.sinkDroppedTotal,
		c.alarmStateTotal,
	)

	return c
}

// ForTransport returns a bound recorder for one connection's connector
// metrics, satisfying both pkg/modbus.Metrics and pkg/opcua.Metrics.
func (c *Collectors) ForTransport(transport string) *TransportMetrics {
	return &TransportMetrics{collectors: c, transport: transport}
}

// TransportMetrics satisfies the modbus/opcua connector Metrics interfaces
// for one transport kind ("modbus" or "opcua").
type TransportMetrics struct {
	collectors *Collectors
	transport  string
}

func (t *TransportMetrics) ObserveScan(connectionID string, duration time.Duration, ok bool) {
	t.collectors.scansTotal.WithLabelValues(connectionID, t.transport).Inc()
	t.collectors.scanDuration.WithLabelValues(connectionID, t.transport).Observe(duration.Seconds())
	if !ok {
		t.collectors.scanErrorsTotal.WithLabelValues(connectionID, t.transport).Inc()
	}
}

func (t *TransportMetrics) IncReconnect(connectionID string) {
	t.collectors.reconnectsTotal.WithLabelValues(connectionID, t.transport).Inc()
}

// SinkMetrics satisfies pkg/sink.Metrics.
type SinkMetrics struct{ collectors *Collectors }

// ForSink returns the shared dropped-sample recorder for sinks.
func (c *Collectors) ForSink() *SinkMetrics { return &SinkMetrics{collectors: c} }

func (s *SinkMetrics) IncDropped(connectionName string) {
	s.collectors.sinkDroppedTotal.WithLabelValues(connectionName).Inc()
}

// ObserveAlarmState records one annotated sample's alarm state for the
// per-tag alarm-state counter.
func (c *Collectors) ObserveAlarmState(connectionID, tagName, alarmState string) {
	c.alarmStateTotal.WithLabelValues(connectionID, tagName, alarmState).Inc()
}

// Server exposes the registry over HTTP at /metrics.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) the metrics HTTP server bound to
// addr. An empty addr disables metrics entirely: callers should check for
// that before calling Start.
func NewServer(addr string, c *Collectors) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the metrics server until ctx is cancelled, then shuts it down
// gracefully with a 5s timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
