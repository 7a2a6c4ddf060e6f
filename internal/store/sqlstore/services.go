package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modelplane/internal/store"

	"github.com/google/uuid"
)

const serviceColumns = `id, pipeline_name, step_name, model_name, state, endpoint_url, runtime, runtime_ref,
	model_uri, model_hash, workers, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row rowScanner) (*store.ServiceRecord, error) {
	var rec store.ServiceRecord
	var state string
	err := row.Scan(
		&rec.ID,
		&rec.Identity.PipelineName,
		&rec.Identity.StepName,
		&rec.ModelName,
		&state,
		&rec.Endpoint.URL,
		&rec.Endpoint.Runtime,
		&rec.Endpoint.Ref,
		&rec.ModelURI,
		&rec.ModelHash,
		&rec.Workers,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.State = store.ServiceState(state)
	return &rec, nil
}

// CreateService inserts a record after checking no other record of the key is active.
func (s *Store) CreateService(ctx context.Context, rec *store.ServiceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.State == "" {
		rec.State = store.ServiceStateStopped
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	key := rec.Key()
	if err := s.lockKey(ctx, tx, key); err != nil {
		return err
	}

	active, err := s.countOthers(ctx, tx, key, `state <> $4`, store.ServiceStateStopped, rec.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("%w: %s", store.ErrActiveServiceExists, key)
	}

	query := `
		INSERT INTO services (` + serviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.Identity.PipelineName,
		rec.Identity.StepName,
		rec.ModelName,
		string(rec.State),
		rec.Endpoint.URL,
		rec.Endpoint.Runtime,
		rec.Endpoint.Ref,
		rec.ModelURI,
		rec.ModelHash,
		rec.Workers,
		rec.ErrorMessage,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrActiveServiceExists, key)
		}
		return err
	}

	return tx.Commit()
}

func (s *Store) GetService(ctx context.Context, id uuid.UUID) (*store.ServiceRecord, error) {
	return s.getService(ctx, nil, id)
}

func (s *Store) getService(ctx context.Context, tx store.DBTransaction, id uuid.UUID) (*store.ServiceRecord, error) {
	executor := s.getExecutor(tx)

	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	rec, err := scanService(executor.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rec, err
}

// FindServices lists the records of a key, RUNNING first, newest first.
func (s *Store) FindServices(ctx context.Context, q store.Query) ([]store.ServiceRecord, error) {
	query := `SELECT ` + serviceColumns + ` FROM services
		WHERE pipeline_name = $1 AND step_name = $2 AND model_name = $3`
	args := []interface{}{q.PipelineName, q.StepName, q.ModelName}

	switch q.Running {
	case store.RunningOnly:
		query += ` AND state = $4`
		args = append(args, string(store.ServiceStateRunning))
	case store.NotRunningOnly:
		query += ` AND state <> $4`
		args = append(args, string(store.ServiceStateRunning))
	}
	query += ` ORDER BY CASE WHEN state = 'RUNNING' THEN 0 ELSE 1 END, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []store.ServiceRecord{}
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateServiceState validates and applies a state transition under the key lock.
func (s *Store) UpdateServiceState(ctx context.Context, id uuid.UUID, state store.ServiceState, errMsg string) error {
	return s.updateState(ctx, id, nil, state, errMsg)
}

// SwapServiceState applies the transition only while the record is still in state from.
func (s *Store) SwapServiceState(ctx context.Context, id uuid.UUID, from, to store.ServiceState, errMsg string) error {
	return s.updateState(ctx, id, &from, to, errMsg)
}

func (s *Store) updateState(ctx context.Context, id uuid.UUID, expected *store.ServiceState, state store.ServiceState, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := s.getService(ctx, tx, id)
	if err != nil {
		return err
	}
	key := rec.Key()
	if err := s.lockKey(ctx, tx, key); err != nil {
		return err
	}

	// Re-read now that concurrent writers for the key are excluded.
	if s.driver == DriverPostgres {
		if rec, err = s.getService(ctx, tx, id); err != nil {
			return err
		}
	}

	if expected != nil && rec.State != *expected {
		return fmt.Errorf("%w: %s is %s, expected %s", store.ErrStateChanged, id, rec.State, *expected)
	}
	if err := store.ValidateTransition(rec.State, state); err != nil {
		return err
	}

	if state == store.ServiceStateRunning && rec.State != store.ServiceStateRunning {
		running, err := s.countOthers(ctx, tx, key, `state = $4`, store.ServiceStateRunning, id)
		if err != nil {
			return err
		}
		if running > 0 {
			return fmt.Errorf("%w: %s", store.ErrRunningConflict, key)
		}
	}
	if !rec.Active() && state != store.ServiceStateStopped {
		active, err := s.countOthers(ctx, tx, key, `state <> $4`, store.ServiceStateStopped, id)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: %s", store.ErrActiveServiceExists, key)
		}
	}

	query := `UPDATE services SET state = $1, error_message = $2, updated_at = $3 WHERE id = $4`
	args := []interface{}{string(state), errMsg, time.Now().UTC(), id}
	if expected != nil {
		// SQLite takes no key lock, so the condition itself must hold at write time.
		query += ` AND state = $5`
		args = append(args, string(*expected))
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrRunningConflict, key)
		}
		return err
	}
	if expected != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s left state %s", store.ErrStateChanged, id, *expected)
		}
	}

	return tx.Commit()
}

func (s *Store) UpdateServiceEndpoint(ctx context.Context, id uuid.UUID, endpoint store.Endpoint) error {
	query := `
		UPDATE services SET endpoint_url = $1, runtime = $2, runtime_ref = $3, updated_at = $4
		WHERE id = $5
	`
	res, err := s.db.ExecContext(ctx, query, endpoint.URL, endpoint.Runtime, endpoint.Ref, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteService removes a record unless it is RUNNING.
func (s *Store) DeleteService(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1 AND state <> $2`, id, string(store.ServiceStateRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing deleted: either missing or still running.
	if _, err := s.GetService(ctx, id); err != nil {
		return err
	}
	return store.ErrServiceRunning
}

// countOthers counts records of key other than excludeID whose state satisfies stateCond.
// stateCond refers to the state argument as $4.
func (s *Store) countOthers(ctx context.Context, tx store.DBTransaction, key store.ServiceKey, stateCond string, state store.ServiceState, excludeID uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM services
		WHERE pipeline_name = $1 AND step_name = $2 AND model_name = $3 AND ` + stateCond + ` AND id <> $5`

	var count int64
	err := s.getExecutor(tx).QueryRowContext(ctx, query, key.PipelineName, key.StepName, key.ModelName, string(state), excludeID).Scan(&count)
	return count, err
}
