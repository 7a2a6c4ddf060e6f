// Package serving manages the lifecycle of deployed prediction services.
package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"modelplane/internal/logger"
	"modelplane/internal/observability"
	"modelplane/internal/registry"
	"modelplane/internal/serving/runtime"
	"modelplane/internal/store"
	"modelplane/pkg/api"

	"github.com/google/uuid"
)

var (
	// ErrStartTimeout is returned when a service does not become healthy in time.
	ErrStartTimeout = errors.New("service did not become ready before the timeout")
	// ErrStartFailed is returned when the instance could not be launched or exited during startup.
	ErrStartFailed = errors.New("service failed to start")
	// ErrNotRunning is returned by Predict on a service that is not RUNNING.
	ErrNotRunning = errors.New("service is not running")
)

// InputBatch is a batch of rows in schema order.
type InputBatch struct {
	Columns []string
	Rows    [][]float64
}

// PredictionResult holds one prediction per input row, in row order.
type PredictionResult []float64

// Options are shared by every service a Deployer hands out.
type Options struct {
	// Env is passed to launched instances.
	Env map[string]string
	// HTTPClient talks to the prediction servers.
	HTTPClient *http.Client
	// PollInterval between health checks during Start.
	PollInterval time.Duration
	// StopTimeout bounds the cleanup of a failed start.
	StopTimeout time.Duration
	Metrics     *observability.DeploymentMetrics
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DeploymentService controls one service record and the instance behind it.
// The record in the registry is the source of truth; every call re-reads it.
type DeploymentService struct {
	registry *registry.Registry
	runtime  runtime.Runtime
	opts     Options

	mu     sync.Mutex
	rec    store.ServiceRecord
	handle runtime.Handle
}

// NewDeploymentService wraps rec. Options are defaulted.
func NewDeploymentService(reg *registry.Registry, rt runtime.Runtime, rec store.ServiceRecord, opts Options) *DeploymentService {
	return &DeploymentService{
		registry: reg,
		runtime:  rt,
		opts:     opts.withDefaults(),
		rec:      rec,
	}
}

// ID returns the service record ID.
func (s *DeploymentService) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.ID
}

// Record returns the last observed record.
func (s *DeploymentService) Record() store.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// State returns the last observed state.
func (s *DeploymentService) State() store.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

func (s *DeploymentService) refresh(ctx context.Context) error {
	rec, err := s.registry.Get(ctx, s.rec.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh service %s: %w", s.rec.ID, err)
	}
	s.rec = *rec
	return nil
}

func (s *DeploymentService) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.opts.Logger).With(
		"service_id", s.rec.ID.String(),
		"service", s.rec.Key().String(),
	)
}

// Start launches the service and blocks until it answers its health check.
// Starting a RUNNING service is a no-op. Starts of one key are serialized by
// the registry key lock in process and by the STARTING claim across processes.
func (s *DeploymentService) Start(ctx context.Context, timeout time.Duration) error {
	unlock := s.registry.Lock(s.Record().Key())
	defer unlock()
	return s.start(ctx, timeout)
}

// start is Start for callers that hold the key lock.
func (s *DeploymentService) start(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	claimed, err := s.claim(ctx, startCtx, timeout)
	if err != nil || !claimed {
		return err
	}

	log := s.log(ctx)
	log.Info("starting service", "runtime", s.runtime.Name(), "model_uri", s.rec.ModelURI, "timeout", timeout)

	h, err := s.runtime.Start(startCtx, runtime.StartOptions{
		Name:     instanceNameFor(s.rec),
		ModelURI: s.rec.ModelURI,
		Workers:  s.rec.Workers,
		Env:      s.opts.Env,
	})
	if err != nil {
		return s.fail(ctx, fmt.Errorf("%w: %v", ErrStartFailed, err))
	}
	s.handle = h

	endpoint := store.Endpoint{URL: h.Endpoint(), Runtime: s.runtime.Name(), Ref: h.Ref()}
	if err := s.registry.SetEndpoint(ctx, s.rec.ID, endpoint); err != nil {
		return s.fail(ctx, fmt.Errorf("failed to record endpoint: %w", err))
	}
	s.rec.Endpoint = endpoint

	if err := s.waitHealthy(startCtx, h); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.registry.SetState(ctx, s.rec.ID, store.ServiceStateRunning, ""); err != nil {
		return s.fail(ctx, fmt.Errorf("failed to mark service running: %w", err))
	}
	s.rec.State = store.ServiceStateRunning
	s.rec.ErrorMessage = ""

	s.opts.Metrics.Start(ctx, "ok")
	log.Info("service running", "endpoint", endpoint.URL, "ref", endpoint.Ref)
	return nil
}

// claim moves the record to STARTING. It reports false when the service is
// already RUNNING, possibly after waiting for another process to start it.
// A STARTING record untouched for longer than timeout is an abandoned attempt
// and is reclaimed.
func (s *DeploymentService) claim(ctx, startCtx context.Context, timeout time.Duration) (bool, error) {
	for {
		if startCtx.Err() != nil {
			return false, ErrStartTimeout
		}
		if err := s.refresh(ctx); err != nil {
			return false, err
		}

		switch s.rec.State {
		case store.ServiceStateRunning:
			return false, nil

		case store.ServiceStateStarting:
			if time.Since(s.rec.UpdatedAt) < timeout {
				if err := s.awaitPeer(startCtx); err != nil {
					return false, err
				}
				return false, nil
			}
			s.log(ctx).Warn("found stale start attempt, restarting", "ref", s.rec.Endpoint.Ref, "updated_at", s.rec.UpdatedAt)
			if err := s.stopInstance(ctx); err != nil {
				return false, err
			}
			err := s.registry.SwapState(ctx, s.rec.ID, store.ServiceStateStarting, store.ServiceStateError, "start attempt abandoned")
			if err != nil && !errors.Is(err, store.ErrStateChanged) {
				return false, fmt.Errorf("failed to release stale start: %w", err)
			}

		default:
			err := s.registry.SwapState(ctx, s.rec.ID, s.rec.State, store.ServiceStateStarting, "")
			if errors.Is(err, store.ErrStateChanged) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("failed to mark service starting: %w", err)
			}
			s.rec.State = store.ServiceStateStarting
			return true, nil
		}
	}
}

// awaitPeer waits for a start owned by another process to finish.
func (s *DeploymentService) awaitPeer(ctx context.Context) error {
	s.log(ctx).Info("service is being started elsewhere, waiting", "ref", s.rec.Endpoint.Ref)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: service %s is still starting elsewhere", ErrStartTimeout, s.rec.ID)
			}
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.refresh(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		switch s.rec.State {
		case store.ServiceStateStarting:
		case store.ServiceStateRunning:
			return nil
		default:
			return fmt.Errorf("%w: concurrent start ended in %s: %s", ErrStartFailed, s.rec.State, s.rec.ErrorMessage)
		}
	}
}

// fail stops the instance, records ERROR and returns cause.
func (s *DeploymentService) fail(ctx context.Context, cause error) error {
	log := s.log(ctx)
	log.Error("service start failed", "error", cause)

	outcome := "error"
	if errors.Is(cause, ErrStartTimeout) {
		outcome = "timeout"
	}
	s.opts.Metrics.Start(ctx, outcome)

	// ctx may be the reason we are here.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
	defer cancel()

	if s.handle != nil {
		if err := s.handle.Stop(cleanupCtx); err != nil {
			log.Error("failed to stop instance after failed start", "error", err)
		}
		s.handle = nil
	}

	if err := s.registry.SetState(cleanupCtx, s.rec.ID, store.ServiceStateError, cause.Error()); err != nil {
		log.Error("failed to mark service error", "error", err)
	} else {
		s.rec.State = store.ServiceStateError
		s.rec.ErrorMessage = cause.Error()
	}
	return cause
}

func (s *DeploymentService) waitHealthy(ctx context.Context, h runtime.Handle) error {
	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()

	exited := make(chan runtime.ExitResult, 1)
	go func() {
		res, err := h.Wait(waitCtx)
		if err != nil {
			return
		}
		exited <- res
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	healthURL := strings.TrimRight(h.Endpoint(), "/") + "/healthz"
	for {
		if s.healthy(ctx, healthURL) {
			return nil
		}
		select {
		case res := <-exited:
			if res.Error != nil {
				return fmt.Errorf("%w: instance exited with code %d: %v", ErrStartFailed, res.ExitCode, res.Error)
			}
			return fmt.Errorf("%w: instance exited with code %d", ErrStartFailed, res.ExitCode)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrStartTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *DeploymentService) healthy(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates the instance and marks the record STOPPED.
// Stopping a STOPPED service is a no-op.
func (s *DeploymentService) Stop(ctx context.Context) error {
	return s.stopWithReason(ctx, "")
}

// stopWithReason takes the key lock and records reason as the error message.
func (s *DeploymentService) stopWithReason(ctx context.Context, reason string) error {
	unlock := s.registry.Lock(s.Record().Key())
	defer unlock()
	return s.stop(ctx, reason)
}

// stop is Stop for callers that hold the key lock.
func (s *DeploymentService) stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		return err
	}
	if s.rec.State == store.ServiceStateStopped {
		return nil
	}

	if err := s.stopInstance(ctx); err != nil {
		return err
	}
	if err := s.registry.SetState(ctx, s.rec.ID, store.ServiceStateStopped, reason); err != nil {
		return fmt.Errorf("failed to mark service stopped: %w", err)
	}
	s.rec.State = store.ServiceStateStopped
	s.rec.ErrorMessage = reason
	s.log(ctx).Info("service stopped", "reason", reason)
	return nil
}

// stopInstance stops the owned handle, or attaches to the recorded ref.
func (s *DeploymentService) stopInstance(ctx context.Context) error {
	h := s.handle
	if h == nil {
		ep := s.rec.Endpoint
		if ep.Ref == "" {
			return nil
		}
		if ep.Runtime != "" && ep.Runtime != s.runtime.Name() {
			return fmt.Errorf("service %s was started by the %s runtime, configured runtime is %s", s.rec.ID, ep.Runtime, s.runtime.Name())
		}
		attached, err := s.runtime.Attach(ctx, ep.Ref)
		if errors.Is(err, runtime.ErrUnknownRef) {
			s.log(ctx).Warn("instance already gone", "ref", ep.Ref)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to attach to %s: %w", ep.Ref, err)
		}
		h = attached
	}

	if err := h.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", h.Ref(), err)
	}
	s.handle = nil
	return nil
}

// Predict scores batch on the running instance. It never starts the service.
func (s *DeploymentService) Predict(ctx context.Context, batch InputBatch) (PredictionResult, error) {
	s.mu.Lock()
	if err := s.refresh(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec := s.rec
	s.mu.Unlock()

	if rec.State != store.ServiceStateRunning {
		return nil, fmt.Errorf("%w: service %s is %s", ErrNotRunning, rec.ID, rec.State)
	}

	rows := batch.Rows
	if rows == nil {
		rows = [][]float64{}
	}
	body, err := json.Marshal(api.PredictRequest{Columns: batch.Columns, Data: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	url := strings.TrimRight(rec.Endpoint.URL, "/") + "/invocations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return nil, fmt.Errorf("prediction request failed with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("prediction request failed with status %d: %s", resp.StatusCode, e.Error)
	}

	var out api.PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode predictions: %w", err)
	}
	if len(out.Predictions) != len(rows) {
		return nil, fmt.Errorf("service returned %d predictions for %d rows", len(out.Predictions), len(rows))
	}
	return PredictionResult(out.Predictions), nil
}

// instanceNameFor names an instance after its model and a fresh suffix, so a
// restart never collides with a predecessor that is still shutting down.
func instanceNameFor(rec store.ServiceRecord) string {
	return fmt.Sprintf("%s-%s", rec.ModelName, uuid.NewString()[:8])
}
