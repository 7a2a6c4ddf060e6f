package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ServiceStore persists service records.
// Implementations must enforce, atomically per key:
//   - at most one non-stopped record on create (ErrActiveServiceExists)
//   - at most one RUNNING record (ErrRunningConflict)
//   - no deletion of RUNNING records (ErrServiceRunning)
type ServiceStore interface {
	// CreateService inserts a new record. ID and timestamps are filled when empty.
	CreateService(ctx context.Context, rec *ServiceRecord) error

	// GetService returns a record by its ID or ErrNotFound.
	GetService(ctx context.Context, id uuid.UUID) (*ServiceRecord, error)

	// FindServices returns the records matching q, RUNNING first, then newest first.
	// It never returns ErrNotFound; no match is an empty slice.
	FindServices(ctx context.Context, q Query) ([]ServiceRecord, error)

	// UpdateServiceState moves a record to a new state, validating the transition.
	UpdateServiceState(ctx context.Context, id uuid.UUID, state ServiceState, errMsg string) error

	// SwapServiceState is UpdateServiceState applied only while the record is
	// still in state from. Otherwise it returns ErrStateChanged and writes nothing.
	SwapServiceState(ctx context.Context, id uuid.UUID, from, to ServiceState, errMsg string) error

	// UpdateServiceEndpoint records where a started instance can be reached.
	UpdateServiceEndpoint(ctx context.Context, id uuid.UUID, endpoint Endpoint) error

	// DeleteService removes a record that is not RUNNING.
	DeleteService(ctx context.Context, id uuid.UUID) error

	Close() error
}
