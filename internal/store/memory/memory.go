// Package memory implements store.ServiceStore in process memory.
// It backs tests and the "memory" registry driver; records do not outlive the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"modelplane/internal/store"

	"github.com/google/uuid"
)

// Store is an in-memory service store.
type Store struct {
	mu      sync.Mutex
	records map[uuid.UUID]store.ServiceRecord
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty store that stamps records with now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		records: make(map[uuid.UUID]store.ServiceRecord),
		now:     func() time.Time { return now().UTC() },
	}
}

func (s *Store) CreateService(ctx context.Context, rec *store.ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.Key() == rec.Key() && existing.Active() {
			return fmt.Errorf("%w: %s (%s)", store.ErrActiveServiceExists, rec.Key(), existing.ID)
		}
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.State == "" {
		rec.State = store.ServiceStateStopped
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.records[rec.ID] = *rec
	return nil
}

func (s *Store) GetService(ctx context.Context, id uuid.UUID) (*store.ServiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) FindServices(ctx context.Context, q store.Query) ([]store.ServiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []store.ServiceRecord{}
	for _, rec := range s.records {
		if rec.Key() == q.ServiceKey && q.Running.Matches(rec.State) {
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].State == store.ServiceStateRunning, out[j].State == store.ServiceStateRunning
		if ri != rj {
			return ri
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateServiceState(ctx context.Context, id uuid.UUID, state store.ServiceState, errMsg string) error {
	return s.updateState(id, nil, state, errMsg)
}

func (s *Store) SwapServiceState(ctx context.Context, id uuid.UUID, from, to store.ServiceState, errMsg string) error {
	return s.updateState(id, &from, to, errMsg)
}

func (s *Store) updateState(id uuid.UUID, expected *store.ServiceState, state store.ServiceState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if expected != nil && rec.State != *expected {
		return fmt.Errorf("%w: %s is %s, expected %s", store.ErrStateChanged, id, rec.State, *expected)
	}
	if err := store.ValidateTransition(rec.State, state); err != nil {
		return err
	}

	for otherID, other := range s.records {
		if otherID == id || other.Key() != rec.Key() {
			continue
		}
		if state == store.ServiceStateRunning && other.State == store.ServiceStateRunning {
			return fmt.Errorf("%w: %s (%s)", store.ErrRunningConflict, rec.Key(), otherID)
		}
		if !rec.Active() && state != store.ServiceStateStopped && other.Active() {
			return fmt.Errorf("%w: %s (%s)", store.ErrActiveServiceExists, rec.Key(), otherID)
		}
	}

	rec.State = state
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = s.now()
	s.records[id] = rec
	return nil
}

func (s *Store) UpdateServiceEndpoint(ctx context.Context, id uuid.UUID, endpoint store.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Endpoint = endpoint
	rec.UpdatedAt = s.now()
	s.records[id] = rec
	return nil
}

func (s *Store) DeleteService(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.State == store.ServiceStateRunning {
		return store.ErrServiceRunning
	}
	delete(s.records, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}
