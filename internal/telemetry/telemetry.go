package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Telemetry owns the tracer provider and the prometheus registry for one process.
type Telemetry struct {
	tp       *sdktrace.TracerProvider
	registry *prometheus.Registry
	metrics  *Metrics
	server   *http.Server
	logger   *log.Logger
}

// Setup initializes tracing and metrics. With telemetry disabled it still returns
// usable metrics backed by a private registry so callers never branch on nil.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
	}
	t.metrics = NewMetrics(t.registry)
	if !cfg.Enabled {
		return t, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "researcher"
	}
	if cfg.OTLPEndpoint != "" {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(name),
				attribute.String("service.namespace", "researcher"),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("resource init: %w", err)
		}
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp init: %w", err)
		}
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.tp)
	}

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.Handler())
		t.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.logger.Printf("metrics server error: %v", err)
			}
		}()
	}
	return t, nil
}

// Metrics returns the research metric set.
func (t *Telemetry) Metrics() *Metrics {
	if t == nil {
		return nil
	}
	return t.metrics
}

// Handler exposes the registry for scraping.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes spans and stops the metrics listener.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.server != nil {
		if e := t.server.Shutdown(ctx); e != nil {
			err = fmt.Errorf("metrics shutdown: %w", e)
		}
	}
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%v; trace shutdown: %w", err, e)
			} else {
				err = fmt.Errorf("trace shutdown: %w", e)
			}
		}
	}
	return err
}
