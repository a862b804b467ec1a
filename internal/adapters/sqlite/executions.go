package sqlite

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

const executionColumns = `id, intent_id, intent_name, status, trigger_type, dry_run, started_at, completed_at,
	duration_ms, containers_matched, containers_upgraded, containers_failed, containers_skipped, error_message`

// CreateExecution creates a new execution record
func (s *Store) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, intent_id, intent_name, status, trigger_type, dry_run, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.IntentID, exec.IntentName, string(exec.Status), string(exec.TriggerType),
		boolToInt(exec.DryRun), exec.StartedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// UpdateExecutionStatus moves a non-terminal execution to status.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), id)
	if err != nil {
		return errors.Wrap(err, "failed to update execution status")
	}
	return requireRow(res, "active execution", id)
}

// SetMatched records how many containers the execution will attempt.
func (s *Store) SetMatched(ctx context.Context, id string, matched int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET containers_matched = ? WHERE id = ?`, matched, id)
	if err != nil {
		return errors.Wrap(err, "failed to set matched count")
	}
	return requireRow(res, "execution", id)
}

// AppendResult inserts one container result and bumps the counters in the
// same transaction.
func (s *Store) AppendResult(ctx context.Context, r *domain.ExecutionContainerResult, d ports.CounterDeltas) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_container_results (id, execution_id, container_id, container_name, image_name,
			status, old_image, new_image, duration_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExecutionID, r.ContainerID, r.ContainerName, r.ImageName, string(r.Status),
		r.OldImage, r.NewImage, r.DurationMs, r.ErrorMessage, r.CreatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert container result")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET
			containers_upgraded = containers_upgraded + ?,
			containers_failed = containers_failed + ?,
			containers_skipped = containers_skipped + ?
		WHERE id = ?`,
		d.Upgraded, d.Failed, d.Skipped, r.ExecutionID)
	if err != nil {
		return errors.Wrap(err, "failed to update execution counters")
	}
	if err := requireRow(res, "execution", r.ExecutionID); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit container result")
}

// FinishExecution writes the terminal state of an execution.
func (s *Store) FinishExecution(ctx context.Context, exec *domain.Execution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, duration_ms = ?, containers_matched = ?,
			error_message = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		string(exec.Status), nullTime(exec.CompletedAt), exec.DurationMs, exec.ContainersMatched,
		exec.ErrorMessage, exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to finish execution")
	}
	return requireRow(res, "active execution", exec.ID)
}

// GetExecution retrieves a single execution by ID
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(domain.ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// ListExecutions returns the most recent executions of an intent first.
func (s *Store) ListExecutions(ctx context.Context, intentID string, limit int) ([]*domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE intent_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, intentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	execs := make([]*domain.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ListResults returns the container results of an execution in write order.
func (s *Store) ListResults(ctx context.Context, executionID string) ([]*domain.ExecutionContainerResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, container_id, container_name, image_name, status, old_image, new_image,
			duration_ms, error_message, created_at
		FROM execution_container_results WHERE execution_id = ? ORDER BY rowid ASC`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query container results")
	}
	defer rows.Close()

	results := make([]*domain.ExecutionContainerResult, 0)
	for rows.Next() {
		var r domain.ExecutionContainerResult
		var status string
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.ContainerID, &r.ContainerName, &r.ImageName, &status,
			&r.OldImage, &r.NewImage, &r.DurationMs, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan container result")
		}
		r.Status = domain.ResultStatus(status)
		results = append(results, &r)
	}
	return results, rows.Err()
}

func scanExecution(row scanner) (*domain.Execution, error) {
	var (
		exec            domain.Execution
		status, trigger string
		dryRun          int
		completedAt     sql.NullTime
		durationMs      sql.NullInt64
	)
	err := row.Scan(&exec.ID, &exec.IntentID, &exec.IntentName, &status, &trigger, &dryRun, &exec.StartedAt,
		&completedAt, &durationMs, &exec.ContainersMatched, &exec.ContainersUpgraded, &exec.ContainersFailed,
		&exec.ContainersSkipped, &exec.ErrorMessage)
	if err != nil {
		return nil, err
	}
	exec.Status = domain.ExecutionStatus(status)
	exec.TriggerType = domain.TriggerType(trigger)
	exec.DryRun = dryRun != 0
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		exec.DurationMs = &d
	}
	return &exec, nil
}
