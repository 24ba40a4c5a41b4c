package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls trace export.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Network        string
	SampleRate     float64
	// Output receives pretty-printed spans; defaults to stdout.
	Output io.Writer
}

// Tracing owns the process tracer provider.
type Tracing struct {
	cfg      Config
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
}

func New(cfg Config, logger *logrus.Logger) *Tracing {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "x402mail"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Tracing{cfg: cfg, logger: logger}
}

// Start installs a global tracer provider exporting to stdout. When tracing
// is disabled the global no-op provider is left in place.
func (t *Tracing) Start() error {
	if !t.cfg.Enabled {
		t.logger.Info("tracing disabled")
		return nil
	}

	out := t.cfg.Output
	if out == nil {
		out = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", t.cfg.ServiceName),
		attribute.String("service.version", t.cfg.ServiceVersion),
		attribute.String("x402mail.network", t.cfg.Network),
	)

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.cfg.SampleRate)),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.logger.WithFields(logrus.Fields{
		"service":     t.cfg.ServiceName,
		"sample_rate": t.cfg.SampleRate,
	}).Info("tracing initialized")
	return nil
}

// Tracer returns a named tracer from the installed provider.
func (t *Tracing) Tracer(name string) trace.Tracer {
	if t.provider != nil {
		return t.provider.Tracer(name)
	}
	return otel.Tracer(name)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
