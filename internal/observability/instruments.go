package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "modelplane"

// Tracer returns the tracer used by pipeline steps.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// PredictorMetrics are the instruments recorded by the prediction server.
type PredictorMetrics struct {
	requests metric.Int64Counter
	rows     metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newPredictorMetrics(meter metric.Meter) (*PredictorMetrics, error) {
	requests, err := meter.Int64Counter("modelplane_predict_requests_total",
		metric.WithDescription("Prediction requests by outcome"))
	if err != nil {
		return nil, err
	}
	rows, err := meter.Int64Counter("modelplane_predicted_rows_total",
		metric.WithDescription("Rows scored by the model"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("modelplane_predict_duration_seconds",
		metric.WithDescription("Prediction latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("modelplane_predict_in_flight",
		metric.WithDescription("Predictions currently being computed"))
	if err != nil {
		return nil, err
	}

	return &PredictorMetrics{requests: requests, rows: rows, latency: latency, inFlight: inFlight}, nil
}

// Begin marks a prediction as in flight and returns the function that records its outcome.
func (m *PredictorMetrics) Begin(ctx context.Context) func(outcome string, rows int) {
	if m == nil {
		return func(string, int) {}
	}
	start := time.Now()
	m.inFlight.Add(ctx, 1)
	return func(outcome string, rows int) {
		m.inFlight.Add(ctx, -1)
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		m.requests.Add(ctx, 1, attrs)
		m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		if rows > 0 {
			m.rows.Add(ctx, int64(rows))
		}
	}
}

// DeploymentMetrics count deployment decisions and lifecycle outcomes.
type DeploymentMetrics struct {
	decisions    metric.Int64Counter
	starts       metric.Int64Counter
	healthChecks metric.Int64Counter
	lost         metric.Int64Counter
}

func newDeploymentMetrics(meter metric.Meter) (*DeploymentMetrics, error) {
	decisions, err := meter.Int64Counter("modelplane_deploy_decisions_total",
		metric.WithDescription("Deployment trigger decisions"))
	if err != nil {
		return nil, err
	}
	starts, err := meter.Int64Counter("modelplane_service_starts_total",
		metric.WithDescription("Service start attempts by outcome"))
	if err != nil {
		return nil, err
	}
	healthChecks, err := meter.Int64Counter("modelplane_health_checks_total",
		metric.WithDescription("Health probes of RUNNING services by result"))
	if err != nil {
		return nil, err
	}
	lost, err := meter.Int64Counter("modelplane_services_lost_total",
		metric.WithDescription("RUNNING services stopped after their instance stopped answering"))
	if err != nil {
		return nil, err
	}
	return &DeploymentMetrics{decisions: decisions, starts: starts, healthChecks: healthChecks, lost: lost}, nil
}

func (m *DeploymentMetrics) Decision(ctx context.Context, deploy bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("deploy", deploy)))
}

func (m *DeploymentMetrics) Start(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.starts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// HealthCheck records one probe of a RUNNING service.
func (m *DeploymentMetrics) HealthCheck(ctx context.Context, healthy bool) {
	if m == nil {
		return
	}
	m.healthChecks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("healthy", healthy)))
}

func (m *DeploymentMetrics) Lost(ctx context.Context) {
	if m == nil {
		return
	}
	m.lost.Add(ctx, 1)
}
