// Package recorder persists executions and their per-container results.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Observer is notified of recorder events, e.g. for metrics.
type Observer interface {
	ExecutionFinished(exec *domain.Execution)
	ContainerRecorded(result *domain.ExecutionContainerResult)
}

// Recorder owns execution rows from begin to finish.
type Recorder struct {
	executions ports.ExecutionRepository
	intents    ports.IntentRepository
	clock      clockwork.Clock
	logger     *zap.SugaredLogger
	observer   Observer

	mu     sync.Mutex
	active map[string]*tracker
}

type tracker struct {
	exec     domain.Execution
	upgraded atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
}

// New creates a recorder. intents may be nil when last-status
// denormalization is not wanted.
func New(executions ports.ExecutionRepository, intents ports.IntentRepository, clock clockwork.Clock, logger *zap.SugaredLogger) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recorder{
		executions: executions,
		intents:    intents,
		clock:      clock,
		logger:     logger,
		active:     make(map[string]*tracker),
	}
}

// SetObserver registers an observer. Call before executions begin.
func (r *Recorder) SetObserver(o Observer) {
	r.observer = o
}

// Begin creates the execution row as pending, then moves it to running.
func (r *Recorder) Begin(ctx context.Context, intent *domain.Intent, trigger domain.TriggerType, dryRun bool) (string, error) {
	exec := domain.Execution{
		ID:          uuid.NewString(),
		IntentID:    intent.ID,
		IntentName:  intent.Name,
		Status:      domain.ExecutionPending,
		TriggerType: trigger,
		DryRun:      dryRun,
		StartedAt:   r.clock.Now().UTC(),
	}
	if err := r.executions.CreateExecution(ctx, &exec); err != nil {
		return "", errors.Wrap(err, "failed to begin execution")
	}
	if err := r.executions.UpdateExecutionStatus(ctx, exec.ID, domain.ExecutionRunning); err != nil {
		return "", errors.Wrap(err, "failed to mark execution running")
	}
	exec.Status = domain.ExecutionRunning

	r.mu.Lock()
	r.active[exec.ID] = &tracker{exec: exec}
	r.mu.Unlock()

	r.logger.Infow("Execution started",
		"execution_id", exec.ID,
		"intent_id", intent.ID,
		"intent", intent.Name,
		"trigger", trigger,
		"dry_run", dryRun)
	return exec.ID, nil
}

func (r *Recorder) tracker(executionID string) (*tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[executionID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "active execution %s", executionID)
	}
	return t, nil
}

// SetMatched records the number of containers the execution will attempt.
func (r *Recorder) SetMatched(ctx context.Context, executionID string, matched int) error {
	t, err := r.tracker(executionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	t.exec.ContainersMatched = matched
	r.mu.Unlock()
	return r.executions.SetMatched(ctx, executionID, matched)
}

// RecordContainerResult appends one result and increments the matching
// counter. Dry-run results are counted as skipped.
func (r *Recorder) RecordContainerResult(ctx context.Context, executionID string, result domain.ExecutionContainerResult) error {
	t, err := r.tracker(executionID)
	if err != nil {
		return err
	}

	result.ID = uuid.NewString()
	result.ExecutionID = executionID
	if result.CreatedAt.IsZero() {
		result.CreatedAt = r.clock.Now().UTC()
	}

	var deltas ports.CounterDeltas
	switch result.Status {
	case domain.ResultUpgraded:
		deltas.Upgraded = 1
	case domain.ResultFailed:
		deltas.Failed = 1
	case domain.ResultSkipped, domain.ResultDryRun:
		deltas.Skipped = 1
	default:
		return errors.Newf("unknown container result status %q", result.Status)
	}

	if err := r.executions.AppendResult(ctx, &result, deltas); err != nil {
		return errors.Wrapf(err, "failed to record result for %s", result.ContainerName)
	}
	t.upgraded.Add(int64(deltas.Upgraded))
	t.failed.Add(int64(deltas.Failed))
	t.skipped.Add(int64(deltas.Skipped))

	if r.observer != nil {
		r.observer.ContainerRecorded(&result)
	}
	return nil
}

// Finish stamps completion and derives the terminal status from the
// counters. A non-nil cause is stored as the execution's error message;
// ErrInventoryUnavailable and ErrCancelled force the failed status.
func (r *Recorder) Finish(ctx context.Context, executionID string, cause error) (*domain.Execution, error) {
	t, err := r.tracker(executionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	exec := t.exec
	r.mu.Unlock()

	exec.ContainersUpgraded = int(t.upgraded.Load())
	exec.ContainersFailed = int(t.failed.Load())
	exec.ContainersSkipped = int(t.skipped.Load())

	completed := r.clock.Now().UTC()
	duration := completed.Sub(exec.StartedAt).Milliseconds()
	exec.CompletedAt = &completed
	exec.DurationMs = &duration
	exec.Status = domain.FinalStatus(exec.ContainersUpgraded, exec.ContainersFailed, exec.ContainersSkipped)

	if cause != nil {
		exec.ErrorMessage = cause.Error()
		if errors.IsAny(cause, domain.ErrInventoryUnavailable, domain.ErrCancelled) {
			exec.Status = domain.ExecutionFailed
		}
	}

	if err := r.executions.FinishExecution(ctx, &exec); err != nil {
		return nil, errors.Wrap(err, "failed to finish execution")
	}

	r.mu.Lock()
	delete(r.active, executionID)
	r.mu.Unlock()

	if r.intents != nil {
		if err := r.intents.SetLastExecutionStatus(ctx, exec.IntentID, exec.Status); err != nil {
			r.logger.Warnw("Failed to update intent last execution status", "intent_id", exec.IntentID, "error", err)
		}
	}
	if r.observer != nil {
		r.observer.ExecutionFinished(&exec)
	}

	r.logger.Infow("Execution finished",
		"execution_id", exec.ID,
		"intent_id", exec.IntentID,
		"status", exec.Status,
		"matched", exec.ContainersMatched,
		"upgraded", exec.ContainersUpgraded,
		"failed", exec.ContainersFailed,
		"skipped", exec.ContainersSkipped,
		"duration_ms", duration)
	return &exec, nil
}

// Get returns an execution by ID.
func (r *Recorder) Get(ctx context.Context, executionID string) (*domain.Execution, error) {
	return r.executions.GetExecution(ctx, executionID)
}

// Detail returns an execution together with its container results.
func (r *Recorder) Detail(ctx context.Context, executionID string) (*domain.ExecutionDetail, error) {
	exec, err := r.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	results, err := r.executions.ListResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &domain.ExecutionDetail{Execution: exec, Results: results}, nil
}

// List returns the latest executions of an intent.
func (r *Recorder) List(ctx context.Context, intentID string, limit int) ([]*domain.Execution, error) {
	return r.executions.ListExecutions(ctx, intentID, limit)
}

// Finalize shuts down dangling executions, e.g. on process exit. Each is
// finished with cause.
func (r *Recorder) Finalize(ctx context.Context, cause error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if _, err := r.Finish(ctx, id, cause); err != nil {
			r.logger.Warnw("Failed to finalize execution", "execution_id", id, "error", err)
		}
	}
}
