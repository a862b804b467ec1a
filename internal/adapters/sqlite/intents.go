package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/melih/lighthouse/internal/core/domain"
)

const intentColumns = `id, name, enabled, criteria, exclusions, schedule_type, schedule_cron, dry_run,
	last_evaluated_at, last_execution_status, created_at, updated_at`

// CreateIntent inserts a new intent.
func (s *Store) CreateIntent(ctx context.Context, intent *domain.Intent) error {
	criteria, exclusions, err := encodeMatch(intent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (`+intentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.Name, boolToInt(intent.Enabled), criteria, exclusions,
		string(intent.ScheduleType), intent.ScheduleCron, boolToInt(intent.DryRun),
		nullTime(intent.LastEvaluatedAt), string(intent.LastExecutionStatus),
		intent.CreatedAt.UTC(), intent.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("name", "an intent named %q already exists", intent.Name)
		}
		return errors.Wrap(err, "failed to create intent")
	}
	return nil
}

// UpdateIntent replaces the operator-editable fields of an intent.
func (s *Store) UpdateIntent(ctx context.Context, intent *domain.Intent) error {
	criteria, exclusions, err := encodeMatch(intent)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET name = ?, enabled = ?, criteria = ?, exclusions = ?, schedule_type = ?,
			schedule_cron = ?, dry_run = ?, last_evaluated_at = ?, updated_at = ?
		WHERE id = ?`,
		intent.Name, boolToInt(intent.Enabled), criteria, exclusions, string(intent.ScheduleType),
		intent.ScheduleCron, boolToInt(intent.DryRun), nullTime(intent.LastEvaluatedAt),
		intent.UpdatedAt.UTC(), intent.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("name", "an intent named %q already exists", intent.Name)
		}
		return errors.Wrap(err, "failed to update intent")
	}
	return requireRow(res, "intent", intent.ID)
}

// DeleteIntent removes an intent. Its executions are kept.
func (s *Store) DeleteIntent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete intent")
	}
	return requireRow(res, "intent", id)
}

// GetIntent retrieves a single intent by ID
func (s *Store) GetIntent(ctx context.Context, id string) (*domain.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	intent, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(domain.ErrNotFound, "intent %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get intent")
	}
	return intent, nil
}

// GetIntentByName retrieves a single intent by its unique name.
func (s *Store) GetIntentByName(ctx context.Context, name string) (*domain.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE name = ?`, name)
	intent, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(domain.ErrNotFound, "intent named %q", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get intent")
	}
	return intent, nil
}

// ListIntents returns every intent ordered by name.
func (s *Store) ListIntents(ctx context.Context) ([]*domain.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+intentColumns+` FROM intents ORDER BY name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query intents")
	}
	defer rows.Close()

	intents := make([]*domain.Intent, 0)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan intent")
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// MarkEvaluated stamps last_evaluated_at.
func (s *Store) MarkEvaluated(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE intents SET last_evaluated_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to mark intent evaluated")
	}
	return requireRow(res, "intent", id)
}

// SetLastExecutionStatus denormalizes the latest execution outcome onto the
// intent. A deleted intent is not an error.
func (s *Store) SetLastExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE intents SET last_execution_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return errors.Wrap(err, "failed to set last execution status")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(row scanner) (*domain.Intent, error) {
	var (
		intent                   domain.Intent
		enabled, dryRun          int
		criteria, exclusions     string
		scheduleType, lastStatus string
		lastEvaluated            sql.NullTime
	)
	err := row.Scan(&intent.ID, &intent.Name, &enabled, &criteria, &exclusions, &scheduleType,
		&intent.ScheduleCron, &dryRun, &lastEvaluated, &lastStatus, &intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	intent.Enabled = enabled != 0
	intent.DryRun = dryRun != 0
	intent.ScheduleType = domain.ScheduleType(scheduleType)
	intent.LastExecutionStatus = domain.ExecutionStatus(lastStatus)
	if lastEvaluated.Valid {
		t := lastEvaluated.Time
		intent.LastEvaluatedAt = &t
	}
	if err := json.Unmarshal([]byte(criteria), &intent.Criteria); err != nil {
		return nil, errors.Wrap(err, "failed to decode criteria")
	}
	if err := json.Unmarshal([]byte(exclusions), &intent.Exclude); err != nil {
		return nil, errors.Wrap(err, "failed to decode exclusions")
	}
	return &intent, nil
}

func encodeMatch(intent *domain.Intent) (string, string, error) {
	criteria := intent.Criteria
	if criteria == nil {
		criteria = []domain.MatchCriteria{}
	}
	c, err := json.Marshal(criteria)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode criteria")
	}
	e, err := json.Marshal(intent.Exclude)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode exclusions")
	}
	return string(c), string(e), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
