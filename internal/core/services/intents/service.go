// Package intents implements the operations exposed to operators: intent
// management, previews, manual executions and execution history.
package intents

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services/orchestrator"
	"github.com/melih/lighthouse/internal/core/services/scheduler"
)

// Executor runs and inspects executions.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (*domain.Execution, error)
	Preview(ctx context.Context, intent *domain.Intent) ([]domain.Container, error)
	Inventory(ctx context.Context) ([]domain.Container, error)
	Cancel(executionID string) error
}

// Scanner runs an on-demand drift scan.
type Scanner interface {
	Scan(ctx context.Context) (*scheduler.ScanReport, error)
}

// Service is the operator-facing API of the upgrade engine.
type Service struct {
	intents    ports.IntentRepository
	executions ports.ExecutionRepository
	executor   Executor
	scanner    Scanner
	clock      clockwork.Clock
	logger     *zap.SugaredLogger
}

// NewService creates the service. scanner may be nil.
func NewService(intents ports.IntentRepository, executions ports.ExecutionRepository, executor Executor, scanner Scanner, clock clockwork.Clock, logger *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		intents:    intents,
		executions: executions,
		executor:   executor,
		scanner:    scanner,
		clock:      clock,
		logger:     logger,
	}
}

// CreateIntent validates and stores a new intent.
func (s *Service) CreateIntent(ctx context.Context, intent *domain.Intent) (*domain.Intent, error) {
	intent.Normalize()
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	intent.ID = uuid.NewString()
	intent.CreatedAt = now
	intent.UpdatedAt = now
	intent.LastEvaluatedAt = nil
	intent.LastExecutionStatus = ""

	if err := s.intents.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	s.logger.Infow("Intent created", "intent_id", intent.ID, "intent", intent.Name)
	return intent, nil
}

// UpdateIntent replaces the user-editable fields of an intent. Changing the
// schedule restarts the cron window from now.
func (s *Service) UpdateIntent(ctx context.Context, id string, update *domain.Intent) (*domain.Intent, error) {
	existing, err := s.intents.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	update.Normalize()
	if err := update.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if update.ScheduleType != existing.ScheduleType || update.ScheduleCron != existing.ScheduleCron {
		existing.LastEvaluatedAt = &now
	}
	existing.Name = update.Name
	existing.Enabled = update.Enabled
	existing.Criteria = update.Criteria
	existing.Exclude = update.Exclude
	existing.ScheduleType = update.ScheduleType
	existing.ScheduleCron = update.ScheduleCron
	existing.DryRun = update.DryRun
	existing.UpdatedAt = now

	if err := s.intents.UpdateIntent(ctx, existing); err != nil {
		return nil, err
	}
	s.logger.Infow("Intent updated", "intent_id", id, "intent", existing.Name)
	return existing, nil
}

// DeleteIntent removes an intent. Its execution history is kept.
func (s *Service) DeleteIntent(ctx context.Context, id string) error {
	if err := s.intents.DeleteIntent(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("Intent deleted", "intent_id", id)
	return nil
}

// ToggleIntent flips the enabled flag.
func (s *Service) ToggleIntent(ctx context.Context, id string) (*domain.Intent, error) {
	intent, err := s.intents.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	intent.Enabled = !intent.Enabled
	intent.UpdatedAt = s.clock.Now().UTC()
	if err := s.intents.UpdateIntent(ctx, intent); err != nil {
		return nil, err
	}
	s.logger.Infow("Intent toggled", "intent_id", id, "enabled", intent.Enabled)
	return intent, nil
}

func (s *Service) GetIntent(ctx context.Context, id string) (*domain.Intent, error) {
	return s.intents.GetIntent(ctx, id)
}

func (s *Service) ListIntents(ctx context.Context) ([]*domain.Intent, error) {
	return s.intents.ListIntents(ctx)
}

// PreviewMatches evaluates an intent against the live inventory without
// executing it.
func (s *Service) PreviewMatches(ctx context.Context, id string) ([]domain.Container, error) {
	intent, err := s.intents.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.executor.Preview(ctx, intent)
}

// ExecuteIntent runs a manual execution and waits for it to finish.
// Disabled intents can still be executed manually.
func (s *Service) ExecuteIntent(ctx context.Context, id string, dryRun bool) (*domain.Execution, error) {
	intent, err := s.intents.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.executor.Execute(ctx, orchestrator.Request{
		Intent:  intent,
		Trigger: domain.TriggerManual,
		DryRun:  dryRun,
	})
}

// ListExecutions returns the latest executions of an intent.
func (s *Service) ListExecutions(ctx context.Context, intentID string, limit int) ([]*domain.Execution, error) {
	return s.executions.ListExecutions(ctx, intentID, limit)
}

// GetExecutionDetail returns an execution with its container results.
func (s *Service) GetExecutionDetail(ctx context.Context, executionID string) (*domain.ExecutionDetail, error) {
	exec, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	results, err := s.executions.ListResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &domain.ExecutionDetail{Execution: exec, Results: results}, nil
}

// CancelExecution requests cancellation of a running execution.
func (s *Service) CancelExecution(ctx context.Context, executionID string) error {
	err := s.executor.Cancel(executionID)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	exec, gerr := s.executions.GetExecution(ctx, executionID)
	if gerr != nil {
		return gerr
	}
	return domain.NewValidationError("status", "execution already %s", exec.Status)
}

// ListContainers returns the current inventory across every endpoint.
func (s *Service) ListContainers(ctx context.Context) ([]domain.Container, error) {
	return s.executor.Inventory(ctx)
}

// Scan runs an on-demand drift scan.
func (s *Service) Scan(ctx context.Context) (*scheduler.ScanReport, error) {
	if s.scanner == nil {
		return nil, errors.WithHint(errors.New("scanner is not configured"), "configure at least one endpoint")
	}
	return s.scanner.Scan(ctx)
}
