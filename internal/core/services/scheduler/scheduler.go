// Package scheduler decides when intents fire: cron windows for scheduled
// intents and drift scans for immediate ones.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services/match"
	"github.com/melih/lighthouse/internal/core/services/orchestrator"
)

const DefaultInterval = 60 * time.Second

// Dispatcher runs an execution for a due intent.
type Dispatcher interface {
	Execute(ctx context.Context, req orchestrator.Request) (*domain.Execution, error)
}

// ScanEvent carries a freshly scanned inventory. Drifted is keyed by
// ContainerRef.String(); a nil map means drift is unknown and every
// match is a candidate.
type ScanEvent struct {
	Inventory []domain.Container
	Drifted   map[string]bool
}

// Scheduler dispatches intents to the orchestrator off the tick loop.
type Scheduler struct {
	intents    ports.IntentRepository
	dispatcher Dispatcher
	clock      clockwork.Clock
	interval   time.Duration
	logger     *zap.SugaredLogger
	onDispatch func(trigger domain.TriggerType)

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithDispatchHook is called once per dispatched execution.
func WithDispatchHook(fn func(trigger domain.TriggerType)) Option {
	return func(s *Scheduler) { s.onDispatch = fn }
}

// New creates a scheduler.
func New(intents ports.IntentRepository, dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		intents:    intents,
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
		interval:   DefaultInterval,
		logger:     zap.NewNop().Sugar(),
		inFlight:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is done, then waits for dispatched executions.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infow("Scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.Chan():
			s.Tick(ctx, s.clock.Now())
		}
	}
}

// Wait blocks until every dispatched execution has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick dispatches every enabled scheduled intent whose next cron fire time
// after its last evaluation is not after now. It returns the dispatched
// intent IDs.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	intents, err := s.intents.ListIntents(ctx)
	if err != nil {
		s.logger.Errorw("Failed to list intents", "error", err)
		return nil
	}

	var dispatched []string
	for _, intent := range intents {
		if !intent.Enabled || intent.ScheduleType != domain.ScheduleScheduled {
			continue
		}
		sched, err := domain.ParseCron(intent.ScheduleCron)
		if err != nil {
			s.logger.Warnw("Skipping intent with invalid cron",
				"intent_id", intent.ID, "cron", intent.ScheduleCron, "error", err)
			continue
		}

		baseline := intent.CreatedAt
		if intent.LastEvaluatedAt != nil {
			baseline = *intent.LastEvaluatedAt
		}
		if sched.Next(baseline).After(now) {
			continue
		}

		// A refused dispatch leaves the window open for the next tick.
		if !s.dispatch(ctx, intent, domain.TriggerScheduledWindow, nil) {
			continue
		}
		dispatched = append(dispatched, intent.ID)
		if err := s.intents.MarkEvaluated(ctx, intent.ID, now); err != nil {
			s.logger.Errorw("Failed to mark intent evaluated", "intent_id", intent.ID, "error", err)
		}
	}
	return dispatched
}

// NotifyScan dispatches enabled immediate intents whose matches drifted.
// It returns the dispatched intent IDs.
func (s *Scheduler) NotifyScan(ctx context.Context, ev ScanEvent) []string {
	intents, err := s.intents.ListIntents(ctx)
	if err != nil {
		s.logger.Errorw("Failed to list intents", "error", err)
		return nil
	}

	var dispatched []string
	for _, intent := range intents {
		if !intent.Enabled || intent.ScheduleType != domain.ScheduleImmediate {
			continue
		}
		matched := match.Evaluate(intent, ev.Inventory)
		if len(matched) == 0 || !anyDrifted(matched, ev.Drifted) {
			continue
		}
		if s.dispatch(ctx, intent, domain.TriggerScanDetected, ev.Inventory) {
			dispatched = append(dispatched, intent.ID)
		}
	}
	return dispatched
}

func anyDrifted(containers []domain.Container, drifted map[string]bool) bool {
	if drifted == nil {
		return true
	}
	for _, c := range containers {
		if drifted[c.Ref().String()] {
			return true
		}
	}
	return false
}

// dispatch starts an execution unless one is already running for the intent.
func (s *Scheduler) dispatch(ctx context.Context, intent *domain.Intent, trigger domain.TriggerType, inventory []domain.Container) bool {
	s.mu.Lock()
	if s.inFlight[intent.ID] {
		s.mu.Unlock()
		s.logger.Warnw("Previous execution still running, skipping dispatch",
			"intent_id", intent.ID, "trigger", trigger)
		return false
	}
	s.inFlight[intent.ID] = true
	s.mu.Unlock()

	if s.onDispatch != nil {
		s.onDispatch(trigger)
	}
	s.logger.Infow("Dispatching intent", "intent_id", intent.ID, "intent", intent.Name, "trigger", trigger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, intent.ID)
			s.mu.Unlock()
		}()

		exec, err := s.dispatcher.Execute(ctx, orchestrator.Request{
			Intent:    intent,
			Trigger:   trigger,
			Inventory: inventory,
		})
		if err != nil {
			s.logger.Errorw("Execution could not run", "intent_id", intent.ID, "trigger", trigger, "error", err)
			return
		}
		s.logger.Debugw("Dispatched execution finished",
			"intent_id", intent.ID, "execution_id", exec.ID, "status", exec.Status)
	}()
	return true
}
