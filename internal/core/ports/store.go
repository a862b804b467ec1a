package ports

import (
	"context"
	"time"

	"github.com/melih/lighthouse/internal/core/domain"
)

// IntentRepository persists intents.
type IntentRepository interface {
	CreateIntent(ctx context.Context, intent *domain.Intent) error
	UpdateIntent(ctx context.Context, intent *domain.Intent) error
	DeleteIntent(ctx context.Context, id string) error
	GetIntent(ctx context.Context, id string) (*domain.Intent, error)
	GetIntentByName(ctx context.Context, name string) (*domain.Intent, error)
	ListIntents(ctx context.Context) ([]*domain.Intent, error)
	MarkEvaluated(ctx context.Context, id string, at time.Time) error
	SetLastExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus) error
}

// CounterDeltas are added to an execution's counters in one statement.
type CounterDeltas struct {
	Upgraded int
	Failed   int
	Skipped  int
}

// ExecutionRepository persists executions and their container results.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus) error
	SetMatched(ctx context.Context, id string, matched int) error
	// AppendResult inserts the result and applies deltas atomically.
	AppendResult(ctx context.Context, result *domain.ExecutionContainerResult, deltas CounterDeltas) error
	FinishExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, intentID string, limit int) ([]*domain.Execution, error)
	ListResults(ctx context.Context, executionID string) ([]*domain.ExecutionContainerResult, error)
}

// IntentSource loads declaratively managed intents.
type IntentSource interface {
	LoadIntents(ctx context.Context) ([]*domain.Intent, error)
}
