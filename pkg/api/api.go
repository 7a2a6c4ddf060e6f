// Package api contains shared JSON request/response structs.
// This package is shared between the predictor server and its clients.
package api

import "time"

// PredictRequest is the body of POST /invocations, in split orientation.
// Index is accepted for compatibility and ignored.
type PredictRequest struct {
	Columns []string    `json:"columns,omitempty"`
	Index   []int       `json:"index,omitempty"`
	Data    [][]float64 `json:"data"`
}

// PredictResponse carries one prediction per input row, in row order.
type PredictResponse struct {
	Predictions []float64 `json:"predictions"`
}

// StatusResponse is returned by the health probes.
type StatusResponse struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
}

// ErrorResponse is a standard error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ServiceResponse represents a service record in CLI JSON output.
type ServiceResponse struct {
	ID           string    `json:"id"`
	PipelineName string    `json:"pipeline_name"`
	StepName     string    `json:"step_name"`
	ModelName    string    `json:"model_name"`
	State        string    `json:"state"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Runtime      string    `json:"runtime,omitempty"`
	Ref          string    `json:"ref,omitempty"`
	ModelURI     string    `json:"model_uri,omitempty"`
	ModelHash    string    `json:"model_hash,omitempty"`
	Workers      int       `json:"workers"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TrainingResponse summarizes a training run in CLI JSON output.
type TrainingResponse struct {
	RunID  string             `json:"run_id"`
	Scores map[string]float64 `json:"scores"`
	// GateMetric names the score the deployment decision was based on.
	GateMetric string `json:"gate_metric"`
	ModelURI   string `json:"model_uri"`
	ModelHash  string `json:"model_hash"`
	Deployed   bool   `json:"deployed"`
	ServiceID  string `json:"service_id,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}
