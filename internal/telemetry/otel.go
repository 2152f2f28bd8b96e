// Package telemetry owns the process's OpenTelemetry wiring: a tracer
// provider for the per-attempt executor spans, a meter provider backed by a
// Prometheus exporter, and the domain metrics collector the composition
// root hands to the executor and workflow-event subscribers.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider bundles the tracer and meter providers with the Prometheus
// registry their metrics are exported through.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	metrics  *Metrics
}

// NewProvider creates the process-wide telemetry provider and registers it
// globally so instrumented packages resolving otel.Tracer pick it up. Each
// Provider owns its own Prometheus registry, so tests can build and tear
// down providers freely without default-registry collisions.
func NewProvider(serviceName, version string) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL to avoid merge conflicts with the default resource
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	metrics, err := NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating metrics collector: %w", err)
	}

	return &Provider{tp: tp, mp: mp, registry: registry, metrics: metrics}, nil
}

// Metrics returns the domain metrics collector bound to this provider.
func (p *Provider) Metrics() *Metrics { return p.metrics }

// MetricsHandler returns the HTTP handler serving this provider's metrics
// in Prometheus exposition format.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and metric state.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}

// ForceFlush exports all pending telemetry synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}
