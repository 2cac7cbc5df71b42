// Package tracing wires OpenTelemetry spans around control-plane
// mutations, exported over OTLP/HTTP. It also offers StartApply for the
// data-plane apply path; no table calls it.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config configures the tracer provider.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	SampleRatio  float64
}

// Manager owns the tracer provider and exposes the tracer used
// throughout the runtime.
type Manager struct {
	cfg      Config
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// New builds a Manager. When cfg.Enabled is false, it returns a Manager
// whose tracer is the global no-op tracer, so callers never need to
// branch on whether tracing is on.
func New(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{cfg: cfg, logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	client := otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, fmt.Errorf("tracing: creating otlp exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 0.1
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// Tracer returns the tracer to start spans with.
func (m *Manager) Tracer() oteltrace.Tracer { return m.tracer }

// StartApply starts a span around one apply_action call.
func (m *Manager) StartApply(ctx context.Context, table string) (context.Context, oteltrace.Span) {
	return m.tracer.Start(ctx, "matchtable.apply", oteltrace.WithAttributes())
}

// StartControlPlaneOp starts a span around one control-plane mutation.
func (m *Manager) StartControlPlaneOp(ctx context.Context, op, table string) (context.Context, oteltrace.Span) {
	return m.tracer.Start(ctx, "matchtable.control_plane."+op)
}

// Shutdown flushes and stops the provider. Safe to call when tracing was
// never enabled.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
