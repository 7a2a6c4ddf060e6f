// Package predictor is the HTTP prediction server launched for each deployed service.
package predictor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"modelplane/internal/data"
	"modelplane/internal/model"
	"modelplane/internal/observability"
	"modelplane/pkg/api"
)

// maxBodyBytes caps the request body of /invocations.
const maxBodyBytes = 32 << 20

// Handlers serves one loaded model.
type Handlers struct {
	model   *model.LinearRegression
	sem     chan struct{}
	metrics *observability.PredictorMetrics
	logger  *slog.Logger
}

// NewHandlers creates handlers for m allowing at most workers concurrent predictions.
// A nil model makes the server report not ready.
func NewHandlers(m *model.LinearRegression, workers int, metrics *observability.PredictorMetrics, logger *slog.Logger) *Handlers {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		model:   m,
		sem:     make(chan struct{}, workers),
		metrics: metrics,
		logger:  logger,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// Healthz is a liveness probe. The deployment service polls it during start.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, api.StatusResponse{Status: "healthy"})
}

// Readyz reports whether a model is loaded.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.model == nil {
		h.httpError(w, "Model not loaded", http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, api.StatusResponse{Status: "ready", Model: h.model.Kind})
}

// Invocations scores a batch of rows.
func (h *Handlers) Invocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	done := h.metrics.Begin(ctx)

	if h.model == nil {
		done("unavailable", 0)
		h.httpError(w, "Model not loaded", http.StatusServiceUnavailable)
		return
	}

	var req api.PredictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		done("bad_request", 0)
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rows, err := data.Align(req.Columns, req.Data, h.model.Columns)
	if err != nil {
		done("bad_request", 0)
		var serr *data.SchemaError
		if errors.As(err, &serr) {
			h.httpError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-ctx.Done():
		done("canceled", 0)
		h.httpError(w, "Request canceled", http.StatusServiceUnavailable)
		return
	}

	predictions, err := h.model.Predict(rows)
	if err != nil {
		done("error", 0)
		h.logger.Error("prediction failed", "error", err)
		h.httpError(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	done("ok", len(predictions))
	h.respondJson(w, http.StatusOK, api.PredictResponse{Predictions: predictions})
}
