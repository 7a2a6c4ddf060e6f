// Package inference looks up a deployed service and scores fresh input on it.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"modelplane/internal/data"
	"modelplane/internal/logger"
	"modelplane/internal/registry"
	"modelplane/internal/serving"
	"modelplane/internal/store"
)

// DefaultStartTimeout bounds Start when StartTimeout is unset.
const DefaultStartTimeout = 10 * time.Second

// NoDeploymentError is returned when the registry has no service for the key.
type NoDeploymentError struct {
	PipelineName string
	StepName     string
	ModelName    string
}

func (e *NoDeploymentError) Error() string {
	return fmt.Sprintf("no deployment found for pipeline %s, step %s, model %s", e.PipelineName, e.StepName, e.ModelName)
}

// Service is the part of a deployment the requester drives.
type Service interface {
	Start(ctx context.Context, timeout time.Duration) error
	Predict(ctx context.Context, batch serving.InputBatch) (serving.PredictionResult, error)
}

// Requester runs the inference flow.
type Requester struct {
	Registry *registry.Registry
	// Open wraps a registry record into a controllable service.
	Open      func(store.ServiceRecord) Service
	Importer  Importer
	ModelName string
	// Schema defaults to data.FeatureColumns.
	Schema       []string
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// NewRequester creates a Requester opening services through d.
func NewRequester(reg *registry.Registry, d *serving.Deployer, importer Importer, modelName string, startTimeout time.Duration, log *slog.Logger) *Requester {
	return &Requester{
		Registry:     reg,
		Open:         func(rec store.ServiceRecord) Service { return d.Service(rec) },
		Importer:     importer,
		ModelName:    modelName,
		Schema:       data.FeatureColumns,
		StartTimeout: startTimeout,
		Logger:       log,
	}
}

// Infer imports a batch, finds the service deployed by pipelineName/stepName,
// makes sure it is started and returns its predictions.
func (r *Requester) Infer(ctx context.Context, pipelineName, stepName string) (serving.PredictionResult, error) {
	log := logger.FromContext(ctx, r.Logger).With("pipeline", pipelineName, "step", stepName, "model", r.ModelName)

	raw, err := r.Importer.Import(ctx)
	if err != nil {
		log.Error("failed to import inference data", "error", err)
		return nil, err
	}

	key := store.ServiceKey{PipelineName: pipelineName, StepName: stepName, ModelName: r.ModelName}
	records, err := r.Registry.Find(ctx, store.Query{ServiceKey: key, Running: store.RunningAny})
	if err != nil {
		return nil, fmt.Errorf("service lookup failed: %w", err)
	}
	if len(records) == 0 {
		err := &NoDeploymentError{PipelineName: pipelineName, StepName: stepName, ModelName: r.ModelName}
		log.Error("no deployment found")
		return nil, err
	}
	rec := records[0]

	schema := r.Schema
	if len(schema) == 0 {
		schema = data.FeatureColumns
	}
	batch, err := DecodeBatch(raw, schema)
	if err != nil {
		log.Error("inference data rejected", "error", err)
		return nil, err
	}

	timeout := r.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}

	svc := r.Open(rec)
	log.Info("starting prediction service", "service_id", rec.ID.String(), "state", rec.State)
	if err := svc.Start(ctx, timeout); err != nil {
		return nil, fmt.Errorf("failed to start service %s: %w", rec.ID, err)
	}

	result, err := svc.Predict(ctx, batch)
	if err != nil {
		log.Error("prediction failed", "service_id", rec.ID.String(), "error", err)
		return nil, err
	}
	log.Info("inference complete", "rows", len(batch.Rows), "service_id", rec.ID.String())
	return result, nil
}
