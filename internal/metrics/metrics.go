// Package metrics exposes the runtime's Prometheus metrics and the
// /metrics HTTP server: a package-level set of promauto-registered
// collectors plus a small server wrapping promhttp.Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ApplyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchcore_apply_total",
			Help: "Total number of apply_action invocations per table and result",
		},
		[]string{"table", "result"},
	)

	EntriesInstalled = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchcore_entries_installed",
			Help: "Current number of installed entries per table",
		},
		[]string{"table"},
	)

	EntriesAgedOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchcore_entries_aged_out_total",
			Help: "Total number of entries removed by the ageing sweep",
		},
		[]string{"table"},
	)

	ControlPlaneOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchcore_control_plane_ops_total",
			Help: "Total number of control-plane mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchcore_checkpoint_duration_seconds",
		Help:    "Time spent writing a checkpoint snapshot",
		Buckets: prometheus.DefBuckets,
	})

	AuditPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchcore_audit_publish_errors_total",
		Help: "Total number of failures publishing a control-plane mutation to the audit trail",
	})
)

// Server wraps an http.Server serving /metrics and /health.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer builds a metrics server bound to addr.
func NewServer(addr string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	return s.server.Close()
}

// RecordApply records one apply_action result.
func RecordApply(table, result string) {
	ApplyTotal.WithLabelValues(table, result).Inc()
}

// RecordControlPlaneOp records one control-plane mutation's result.
func RecordControlPlaneOp(operation, result string) {
	ControlPlaneOpsTotal.WithLabelValues(operation, result).Inc()
}
