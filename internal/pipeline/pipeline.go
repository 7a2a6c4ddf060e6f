// Package pipeline wires the training and inference flows together.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"modelplane/internal/artifact"
	"modelplane/internal/data"
	"modelplane/internal/inference"
	"modelplane/internal/logger"
	"modelplane/internal/model"
	"modelplane/internal/observability"
	"modelplane/internal/serving"
	"modelplane/internal/store"
	"modelplane/internal/trigger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TrainingParams configure one continuous deployment run.
type TrainingParams struct {
	DataPath string
	// GateMetric is the score the deployment gate reads, R2 unless set.
	GateMetric  model.MetricKind
	MinAccuracy float64
	// Metrics to evaluate; empty means all. GateMetric is always included.
	Metrics []model.MetricKind
	Workers int
	Timeout time.Duration
}

func (p TrainingParams) metrics() []model.MetricKind {
	kinds := p.Metrics
	if len(kinds) == 0 {
		kinds = model.AllMetrics
	}
	for _, k := range kinds {
		if k == p.GateMetric {
			return kinds
		}
	}
	return append(append([]model.MetricKind(nil), kinds...), p.GateMetric)
}

// TrainingResult summarizes a training run.
type TrainingResult struct {
	RunID    string
	Scores   model.Scores
	Model    artifact.ModelHandle
	Deployed bool
	// Service is the service now serving the key, if any.
	Service *serving.DeploymentService
}

// Orchestrator runs the pipelines against explicit collaborators.
type Orchestrator struct {
	Artifacts artifact.Store
	Deployer  *serving.Deployer
	Requester *inference.Requester
	// Identity and ModelName form the key deployments are registered under.
	Identity  store.PipelineRunIdentity
	ModelName string
	Logger    *slog.Logger
}

// RunTraining ingests, trains, evaluates and conditionally deploys a model.
func (o *Orchestrator) RunTraining(ctx context.Context, p TrainingParams) (*TrainingResult, error) {
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, o.Logger).With("pipeline", o.Identity.PipelineName)

	ctx, span := observability.Tracer().Start(ctx, "pipeline.training",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("pipeline", o.Identity.PipelineName),
		))
	defer span.End()

	res := &TrainingResult{RunID: runID}
	log.Info("training pipeline started", "data", p.DataPath)

	var table *data.Table
	err := step(ctx, "ingest", func(ctx context.Context) (err error) {
		table, err = data.Ingest(p.DataPath)
		return err
	})
	if err != nil {
		return nil, o.failed(log, span, "ingest", err)
	}

	var split *data.Split
	err = step(ctx, "clean", func(ctx context.Context) (err error) {
		split, err = data.Clean(table)
		return err
	})
	if err != nil {
		return nil, o.failed(log, span, "clean", err)
	}
	log.Info("data cleaned", "train_rows", len(split.TrainX), "test_rows", len(split.TestX))

	var m *model.LinearRegression
	err = step(ctx, "train", func(ctx context.Context) (err error) {
		m, err = model.Train(data.FeatureColumns, split.TrainX, split.TrainY)
		return err
	})
	if err != nil {
		return nil, o.failed(log, span, "train", fmt.Errorf("training failed: %w", err))
	}

	err = step(ctx, "evaluate", func(ctx context.Context) (err error) {
		res.Scores, err = model.Evaluate(m, split.TestX, split.TestY, p.metrics()...)
		return err
	})
	if err != nil {
		return nil, o.failed(log, span, "evaluate", fmt.Errorf("evaluation failed: %w", err))
	}
	evaluated := make([]any, 0, 2*len(res.Scores))
	for kind, v := range res.Scores {
		evaluated = append(evaluated, kind.String(), v)
	}
	log.Info("model evaluated", evaluated...)

	err = step(ctx, "save_model", func(ctx context.Context) error {
		b, err := m.Marshal()
		if err != nil {
			return err
		}
		res.Model, err = o.Artifacts.Put(ctx, o.ModelName, b)
		return err
	})
	if err != nil {
		return nil, o.failed(log, span, "save_model", fmt.Errorf("failed to save model: %w", err))
	}

	gate := trigger.Gate{Metric: p.GateMetric, Threshold: p.MinAccuracy}
	decision := gate.Decide(res.Scores)
	score := res.Scores[p.GateMetric]
	span.SetAttributes(
		attribute.String("gate_metric", p.GateMetric.String()),
		attribute.Float64("gate_score", score),
		attribute.Bool("deploy", decision),
	)
	log.Info("deployment decision", "metric", p.GateMetric.String(), "score", score, "threshold", p.MinAccuracy, "deploy", decision)

	err = step(ctx, "deploy", func(ctx context.Context) (err error) {
		res.Service, err = o.Deployer.Deploy(ctx, serving.DeployRequest{
			Identity:  o.Identity,
			ModelName: o.ModelName,
			Model:     res.Model,
			Decision:  decision,
			Workers:   p.Workers,
			Timeout:   p.Timeout,
		})
		return err
	})
	if err != nil {
		return nil, o.failed(log, span, "deploy", err)
	}
	res.Deployed = decision && res.Service != nil

	log.Info("training pipeline finished", "deployed", res.Deployed, "model_uri", res.Model.URI)
	return res, nil
}

// RunInference scores fresh input on the service deployed by pipelineName/stepName.
func (o *Orchestrator) RunInference(ctx context.Context, pipelineName, stepName string) (serving.PredictionResult, error) {
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)

	ctx, span := observability.Tracer().Start(ctx, "pipeline.inference",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("pipeline", pipelineName),
			attribute.String("step", stepName),
		))
	defer span.End()

	result, err := o.Requester.Infer(ctx, pipelineName, stepName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("predictions", len(result)))
	return result, nil
}

func (o *Orchestrator) failed(log *slog.Logger, span trace.Span, stage string, err error) error {
	log.Error("training pipeline failed", "stage", stage, "error", err)
	span.SetStatus(codes.Error, stage)
	return err
}

// step runs fn in its own span.
func step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := observability.Tracer().Start(ctx, "step."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
