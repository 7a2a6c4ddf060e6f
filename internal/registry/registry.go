// Package registry maps a (pipeline, step, model) key to its deployed service records.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"modelplane/internal/store"

	"github.com/google/uuid"
)

// Registry is the lookup and registration surface over a ServiceStore.
// Writers for one key serialize through Lock; the store enforces the same
// invariants again so concurrent processes cannot break them either.
type Registry struct {
	store  store.ServiceStore
	logger *slog.Logger

	mu    sync.Mutex
	locks map[store.ServiceKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Registry backed by s.
func New(s store.ServiceStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger,
		locks:  make(map[store.ServiceKey]*keyLock),
	}
}

// Lock acquires the in-process lock for key and returns its release function.
func (r *Registry) Lock(key store.ServiceKey) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// Find returns the records matching q. No match is an empty slice, never an error.
func (r *Registry) Find(ctx context.Context, q store.Query) ([]store.ServiceRecord, error) {
	records, err := r.store.FindServices(ctx, q)
	if err != nil {
		r.logger.Error("service lookup failed", "key", q.ServiceKey.String(), "running", q.Running.String(), "error", err)
		return nil, err
	}
	if records == nil {
		records = []store.ServiceRecord{}
	}
	return records, nil
}

// Register stores a new record. It fails with store.ErrActiveServiceExists
// when the key still has a non-stopped record.
func (r *Registry) Register(ctx context.Context, rec *store.ServiceRecord) (uuid.UUID, error) {
	if err := r.store.CreateService(ctx, rec); err != nil {
		r.logger.Warn("service registration rejected", "key", rec.Key().String(), "error", err)
		return uuid.Nil, err
	}
	r.logger.Info("service registered", "id", rec.ID, "key", rec.Key().String(), "model_hash", rec.ModelHash)
	return rec.ID, nil
}

// SetState moves a record to state. Moving to RUNNING fails with
// store.ErrRunningConflict when another record for the key is RUNNING.
func (r *Registry) SetState(ctx context.Context, id uuid.UUID, state store.ServiceState, errMsg string) error {
	if err := r.store.UpdateServiceState(ctx, id, state, errMsg); err != nil {
		r.logger.Error("service state change failed", "id", id, "state", state, "error", err)
		return err
	}
	r.logger.Debug("service state changed", "id", id, "state", state)
	return nil
}

// SwapState moves a record from one state to another, failing with
// store.ErrStateChanged when another writer moved it first.
func (r *Registry) SwapState(ctx context.Context, id uuid.UUID, from, to store.ServiceState, errMsg string) error {
	if err := r.store.SwapServiceState(ctx, id, from, to, errMsg); err != nil {
		if errors.Is(err, store.ErrStateChanged) {
			r.logger.Debug("service state changed concurrently", "id", id, "from", from, "to", to)
		} else {
			r.logger.Error("service state change failed", "id", id, "state", to, "error", err)
		}
		return err
	}
	r.logger.Debug("service state changed", "id", id, "from", from, "state", to)
	return nil
}

func (r *Registry) SetEndpoint(ctx context.Context, id uuid.UUID, endpoint store.Endpoint) error {
	return r.store.UpdateServiceEndpoint(ctx, id, endpoint)
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*store.ServiceRecord, error) {
	return r.store.GetService(ctx, id)
}

// Remove deletes a record. RUNNING records are refused with store.ErrServiceRunning.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	return r.store.DeleteService(ctx, id)
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}
