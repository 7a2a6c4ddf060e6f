// Package observability wires OpenTelemetry tracing and metrics for modelplane processes.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the meter provider of one process. It exports to its own
// Prometheus registry, which can be scraped or pushed.
type Metrics struct {
	Predictor  *PredictorMetrics
	Deployment *DeploymentMetrics

	serviceName string
	registry    *prometheus.Registry
	provider    *sdkmetric.MeterProvider
}

// InitMetrics builds the provider for serviceName, installs it as the global
// MeterProvider and registers the modelplane instruments on it.
func InitMetrics(ctx context.Context, serviceName string) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := serviceResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(instrumentationName)
	predictor, err := newPredictorMetrics(meter)
	if err != nil {
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to register predictor metrics: %w", err)
	}
	deployment, err := newDeploymentMetrics(meter)
	if err != nil {
		provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to register deployment metrics: %w", err)
	}

	return &Metrics{
		Predictor:   predictor,
		Deployment:  deployment,
		serviceName: serviceName,
		registry:    registry,
		provider:    provider,
	}, nil
}

// Handler serves the current values for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push replaces the values stored for this process's job on a Prometheus
// pushgateway. Short-lived commands call it before exiting.
func (m *Metrics) Push(ctx context.Context, gatewayURL string) error {
	if err := push.New(gatewayURL, m.serviceName).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
