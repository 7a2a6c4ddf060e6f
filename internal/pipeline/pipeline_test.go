package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modelplane/internal/artifact"
	"modelplane/internal/data"
	"modelplane/internal/inference"
	"modelplane/internal/model"
	"modelplane/internal/registry"
	"modelplane/internal/serving"
	"modelplane/internal/serving/servingtest"
	"modelplane/internal/store"
	"modelplane/internal/store/memory"
)

var testIdentity = store.PipelineRunIdentity{
	PipelineName: "continuous_deployment_pipeline",
	StepName:     "model_deployer_step",
}

type harness struct {
	orchestrator *Orchestrator
	registry     *registry.Registry
	runtime      *servingtest.FakeRuntime
	dataPath     string
}

// writeDataset writes a CSV whose label is an exact linear function of the features.
func writeDataset(t *testing.T, dir string, rows int) string {
	t.Helper()
	header := append(append([]string(nil), data.FeatureColumns...), data.LabelColumn)
	var sb strings.Builder
	sb.WriteString(strings.Join(header, ",") + "\n")
	for i := 0; i < rows; i++ {
		vals := make([]string, len(header))
		label := 1.0
		for j := range data.FeatureColumns {
			v := float64((i*(j+3)+j*j)%17) + float64(j)
			vals[j] = fmt.Sprint(v)
			label += 0.1 * float64(j+1) * v
		}
		vals[len(header)-1] = fmt.Sprint(label)
		sb.WriteString(strings.Join(vals, ",") + "\n")
	}
	path := filepath.Join(dir, "olist_customers_dataset.csv")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	artifacts, err := artifact.NewLocalStore(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(memory.New(), nil)
	rt := servingtest.NewFakeRuntime()
	t.Cleanup(rt.Close)
	deployer := serving.NewDeployer(reg, rt, serving.Options{PollInterval: 10 * time.Millisecond})
	dataPath := writeDataset(t, dir, 200)

	return &harness{
		orchestrator: &Orchestrator{
			Artifacts: artifacts,
			Deployer:  deployer,
			Requester: inference.NewRequester(reg, deployer, inference.NewImporter(dataPath), "model", 5*time.Second, nil),
			Identity:  testIdentity,
			ModelName: "model",
		},
		registry: reg,
		runtime:  rt,
		dataPath: dataPath,
	}
}

func params(h *harness, minAccuracy float64) TrainingParams {
	return TrainingParams{DataPath: h.dataPath, MinAccuracy: minAccuracy, Workers: 1, Timeout: 5 * time.Second}
}

func TestRunTraining_DeploysAndServes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orchestrator.RunTraining(ctx, params(h, 0))
	if err != nil {
		t.Fatalf("RunTraining failed: %v", err)
	}
	if !res.Deployed || res.Service == nil {
		t.Fatalf("expected deployment, got %+v", res)
	}
	if r2 := res.Scores[model.R2]; r2 < 0.99 {
		t.Errorf("r2 = %v, want close to 1", r2)
	}
	if res.Model.Hash == "" || !strings.HasPrefix(res.Model.URI, "file://") {
		t.Errorf("unexpected model handle %+v", res.Model)
	}

	key := store.ServiceKey{PipelineName: testIdentity.PipelineName, StepName: testIdentity.StepName, ModelName: "model"}
	running, err := h.registry.Find(ctx, store.Query{ServiceKey: key, Running: store.RunningOnly})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 {
		t.Fatalf("expected one RUNNING record, got %d", len(running))
	}

	result, err := h.orchestrator.RunInference(ctx, testIdentity.PipelineName, testIdentity.StepName)
	if err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if len(result) != inference.DefaultSampleSize {
		t.Errorf("got %d predictions, want %d", len(result), inference.DefaultSampleSize)
	}
}

func TestRunTraining_RetrainSameDataIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orchestrator.RunTraining(ctx, params(h, 0))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.orchestrator.RunTraining(ctx, params(h, 0))
	if err != nil {
		t.Fatal(err)
	}
	if first.Service.ID() != second.Service.ID() {
		t.Errorf("expected the same service for an identical model")
	}
	if h.runtime.Starts != 1 {
		t.Errorf("expected one launch, got %d", h.runtime.Starts)
	}
}

func TestRunTraining_BelowThresholdDoesNotDeploy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orchestrator.RunTraining(ctx, params(h, 1.5))
	if err != nil {
		t.Fatalf("RunTraining failed: %v", err)
	}
	if res.Deployed || res.Service != nil {
		t.Fatalf("expected no deployment, got %+v", res)
	}
	if h.runtime.Starts != 0 {
		t.Errorf("expected no launches, got %d", h.runtime.Starts)
	}

	_, err = h.orchestrator.RunInference(ctx, testIdentity.PipelineName, testIdentity.StepName)
	var nde *inference.NoDeploymentError
	if !errors.As(err, &nde) {
		t.Fatalf("expected *NoDeploymentError, got %v", err)
	}
}

func TestRunTraining_DataErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "Missing Column",
			content: "price,review_score\n1,2\n3,4\n",
			wantErr: data.ErrMissingColumn,
		},
		{
			name:    "No Labeled Rows",
			content: strings.Join(append(append([]string(nil), data.FeatureColumns...), data.LabelColumn), ",") + "\n",
			wantErr: data.ErrEmptyDataset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			path := filepath.Join(t.TempDir(), "bad.csv")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			p := params(h, 0)
			p.DataPath = path

			if _, err := h.orchestrator.RunTraining(context.Background(), p); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if h.runtime.Starts != 0 {
				t.Error("nothing should be deployed")
			}
		})
	}

	h := newHarness(t)
	p := params(h, 0)
	p.DataPath = filepath.Join(t.TempDir(), "missing.csv")
	if _, err := h.orchestrator.RunTraining(context.Background(), p); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestRunTraining_ErrorMetricGate(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		metrics   []model.MetricKind
		deployed  bool
	}{
		{"Error Below Max", 0.5, nil, true},
		{"Zero Max Never Passes", 0, nil, false},
		{"Gate Metric Added To Evaluation", 0.5, []model.MetricKind{model.MSE}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := params(h, tt.threshold)
			p.GateMetric = model.RMSE
			p.Metrics = tt.metrics

			res, err := h.orchestrator.RunTraining(context.Background(), p)
			if err != nil {
				t.Fatalf("RunTraining failed: %v", err)
			}
			if res.Deployed != tt.deployed {
				t.Errorf("deployed = %v, want %v (rmse %v)", res.Deployed, tt.deployed, res.Scores[model.RMSE])
			}
			if _, ok := res.Scores[model.RMSE]; !ok {
				t.Error("expected the gate metric to be evaluated")
			}
		})
	}
}
