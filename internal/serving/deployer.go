package serving

import (
	"context"
	"fmt"
	"time"

	"modelplane/internal/artifact"
	"modelplane/internal/logger"
	"modelplane/internal/registry"
	"modelplane/internal/serving/runtime"
	"modelplane/internal/store"
)

// DefaultTimeout bounds Start and Stop when a request leaves Timeout unset.
const DefaultTimeout = 60 * time.Second

// DeployRequest asks the Deployer to serve a trained model.
type DeployRequest struct {
	Identity  store.PipelineRunIdentity
	ModelName string
	Model     artifact.ModelHandle
	// Decision is the trigger outcome. False deploys nothing.
	Decision bool
	Workers  int
	// Timeout bounds each Start and Stop.
	Timeout time.Duration
}

// Deployer turns deployment decisions into running services.
type Deployer struct {
	registry *registry.Registry
	runtime  runtime.Runtime
	opts     Options
}

// NewDeployer creates a Deployer launching services on rt.
func NewDeployer(reg *registry.Registry, rt runtime.Runtime, opts Options) *Deployer {
	return &Deployer{registry: reg, runtime: rt, opts: opts.withDefaults()}
}

// Service wraps an existing record.
func (d *Deployer) Service(rec store.ServiceRecord) *DeploymentService {
	return NewDeploymentService(d.registry, d.runtime, rec, d.opts)
}

// Deploy applies req under the key lock. A service that fails to start is
// returned as an error only; its record is left in ERROR.
//
// A false decision leaves the registry untouched and returns the RUNNING
// service for the key, or nil. A live record serving the same artifact is
// started in place. Otherwise every live record for the key is stopped
// before a new one is registered and started.
func (d *Deployer) Deploy(ctx context.Context, req DeployRequest) (*DeploymentService, error) {
	key := store.ServiceKey{
		PipelineName: req.Identity.PipelineName,
		StepName:     req.Identity.StepName,
		ModelName:    req.ModelName,
	}
	log := logger.FromContext(ctx, d.opts.Logger).With("service", key.String())

	unlock := d.registry.Lock(key)
	defer unlock()

	d.opts.Metrics.Decision(ctx, req.Decision)

	if !req.Decision {
		running, err := d.registry.Find(ctx, store.Query{ServiceKey: key, Running: store.RunningOnly})
		if err != nil {
			return nil, err
		}
		log.Info("deployment not triggered", "running_services", len(running))
		if len(running) == 0 {
			return nil, nil
		}
		return d.Service(running[0]), nil
	}

	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	workers := req.Workers
	if workers < 1 {
		workers = 1
	}

	existing, err := d.registry.Find(ctx, store.Query{ServiceKey: key, Running: store.RunningAny})
	if err != nil {
		return nil, err
	}

	for _, rec := range existing {
		if rec.Active() && rec.ModelHash == req.Model.Hash && rec.ModelURI == req.Model.URI && rec.Workers == workers {
			log.Info("model already deployed, reusing service", "service_id", rec.ID.String(), "state", rec.State)
			svc := d.Service(rec)
			if err := svc.start(ctx, req.Timeout); err != nil {
				return nil, err
			}
			return svc, nil
		}
	}

	for _, rec := range existing {
		if !rec.Active() {
			continue
		}
		log.Info("superseding service", "service_id", rec.ID.String(), "state", rec.State)
		stopCtx, cancel := context.WithTimeout(ctx, req.Timeout)
		err := d.Service(rec).stop(stopCtx, "")
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to stop superseded service %s: %w", rec.ID, err)
		}
	}

	rec := &store.ServiceRecord{
		Identity:  req.Identity,
		ModelName: req.ModelName,
		ModelURI:  req.Model.URI,
		ModelHash: req.Model.Hash,
		Workers:   workers,
	}
	id, err := d.registry.Register(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}
	created, err := d.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Info("registered service", "service_id", id.String(), "model_uri", req.Model.URI)
	svc := d.Service(*created)
	if err := svc.start(ctx, req.Timeout); err != nil {
		return nil, err
	}
	return svc, nil
}
