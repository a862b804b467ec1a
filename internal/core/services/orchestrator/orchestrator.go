// Package orchestrator runs upgrade executions: it snapshots the inventory,
// selects containers for an intent and drives each one through the
// stop, pull, recreate and readiness pipeline.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services/match"
	"github.com/melih/lighthouse/internal/core/services/recorder"
	"github.com/melih/lighthouse/internal/core/services/retry"
)

const (
	DefaultMaxConcurrency    = 3
	DefaultReadyTimeout      = 5 * time.Minute
	DefaultReadyPollInterval = 2 * time.Second
	DefaultStepTimeout       = 2 * time.Minute
)

// Config tunes the orchestrator. Zero values fall back to the defaults.
type Config struct {
	MaxConcurrency    int
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	StepTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	return c
}

// Request describes one execution.
type Request struct {
	Intent  *domain.Intent
	Trigger domain.TriggerType
	DryRun  bool
	// Inventory, when set, is used instead of listing the endpoints.
	Inventory []domain.Container
}

// Orchestrator executes intents against a container service.
type Orchestrator struct {
	containers ports.ContainerService
	registry   ports.RegistryResolver
	recorder   *recorder.Recorder

	endpointPolicy *retry.Policy
	registryPolicy *retry.Policy

	cfg    Config
	clock  clockwork.Clock
	logger *zap.SugaredLogger

	// slots bounds in-flight upgrade units across all executions.
	slots *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithPolicies sets the retry policies used for endpoint and registry calls.
func WithPolicies(endpoint, registry *retry.Policy) Option {
	return func(o *Orchestrator) {
		o.endpointPolicy = endpoint
		o.registryPolicy = registry
	}
}

// New creates an orchestrator.
func New(containers ports.ContainerService, registry ports.RegistryResolver, rec *recorder.Recorder, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		containers: containers,
		registry:   registry,
		recorder:   rec,
		cfg:        cfg.withDefaults(),
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop().Sugar(),
		running:    make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.endpointPolicy == nil {
		o.endpointPolicy = retry.New(retry.NewRateLimiterState("endpoint", retry.DefaultThreshold, retry.DefaultCooldown),
			retry.DefaultMaxRetries, retry.DefaultBaseDelay, retry.WithClock(o.clock), retry.WithLogger(o.logger))
	}
	if o.registryPolicy == nil {
		o.registryPolicy = retry.New(retry.NewRateLimiterState("registry", retry.DefaultThreshold, retry.DefaultCooldown),
			retry.DefaultMaxRetries, retry.DefaultBaseDelay, retry.WithClock(o.clock), retry.WithLogger(o.logger))
	}
	o.slots = semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	return o
}

// Recorder returns the recorder executions are written to.
func (o *Orchestrator) Recorder() *recorder.Recorder {
	return o.recorder
}

// Preview returns the containers an intent currently selects without
// starting an execution.
func (o *Orchestrator) Preview(ctx context.Context, intent *domain.Intent) ([]domain.Container, error) {
	inventory, err := retry.Run(ctx, o.endpointPolicy, o.containers.ListContainers)
	if err != nil {
		return nil, inventoryUnavailable(err)
	}
	return match.Evaluate(intent, inventory), nil
}

// Inventory lists the containers across every endpoint.
func (o *Orchestrator) Inventory(ctx context.Context) ([]domain.Container, error) {
	inventory, err := retry.Run(ctx, o.endpointPolicy, o.containers.ListContainers)
	if err != nil {
		return nil, inventoryUnavailable(err)
	}
	return inventory, nil
}

func inventoryUnavailable(err error) error {
	return errors.Mark(errors.Wrap(err, "container inventory unavailable"), domain.ErrInventoryUnavailable)
}

// Cancel stops an in-flight execution. Un-started containers are recorded
// as skipped; containers already being recreated finish their pipeline.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	cancel, ok := o.running[executionID]
	o.mu.Unlock()
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "running execution %s", executionID)
	}
	cancel(domain.ErrCancelled)
	return nil
}

// Running returns the IDs of in-flight executions.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	return ids
}

// Execute runs one execution to completion and returns its terminal
// record. Container-level failures are reported through the execution,
// not the returned error.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*domain.Execution, error) {
	if req.Intent == nil {
		return nil, domain.NewValidationError("intent", "must not be nil")
	}
	dryRun := req.DryRun || req.Intent.DryRun
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}

	// Execution bookkeeping outlives the caller's context.
	persist := context.WithoutCancel(ctx)

	execID, err := o.recorder.Begin(persist, req.Intent, req.Trigger, dryRun)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	o.running[execID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, execID)
		o.mu.Unlock()
		cancel(nil)
	}()

	inventory := req.Inventory
	if inventory == nil {
		inventory, err = retry.Run(execCtx, o.endpointPolicy, o.containers.ListContainers)
		if err != nil {
			return o.recorder.Finish(persist, execID, inventoryUnavailable(err))
		}
	}
	snapshot := append([]domain.Container(nil), inventory...)

	matched := match.Evaluate(req.Intent, snapshot)
	units := buildPlan(matched, snapshot)
	if err := o.recorder.SetMatched(persist, execID, planSize(units)); err != nil {
		o.logger.Warnw("Failed to record matched count", "execution_id", execID, "error", err)
	}

	r := &run{
		o:       o,
		id:      execID,
		ctx:     execCtx,
		persist: persist,
		dryRun:  dryRun,
		abort:   cancel,
	}

	var g errgroup.Group
	for _, u := range units {
		g.Go(func() error {
			if err := o.slots.Acquire(execCtx, 1); err != nil {
				r.skipUnit(u, r.stopCause())
				return nil
			}
			defer o.slots.Release(1)
			if r.stopped() {
				r.skipUnit(u, r.stopCause())
				return nil
			}
			if len(u.dependents) > 0 || u.planErr != nil || u.primary.container.ProvidesNetwork {
				r.runNetworkUnit(u)
			} else {
				r.runSingle(u.primary)
			}
			return nil
		})
	}
	_ = g.Wait()

	return o.recorder.Finish(persist, execID, r.finalCause())
}

// run is the state of one in-flight execution.
type run struct {
	o       *Orchestrator
	id      string
	ctx     context.Context
	persist context.Context
	dryRun  bool
	abort   context.CancelCauseFunc

	aborted atomic.Bool
}

// stopped reports whether un-started work must be skipped.
func (r *run) stopped() bool {
	return r.ctx.Err() != nil
}

func (r *run) stopCause() error {
	cause := context.Cause(r.ctx)
	if cause == nil {
		return nil
	}
	if domain.IsRateLimitExceeded(cause) || errors.Is(cause, domain.ErrCancelled) {
		return cause
	}
	return errors.Mark(errors.Wrap(cause, "execution cancelled"), domain.ErrCancelled)
}

// finalCause is the execution-level error passed to the recorder.
func (r *run) finalCause() error {
	if r.ctx.Err() == nil {
		return nil
	}
	return r.stopCause()
}

// abortWith stops scheduling new containers after a provider breaker opened.
func (r *run) abortWith(err error) {
	if r.aborted.CompareAndSwap(false, true) {
		r.o.logger.Warnw("Aborting execution", "execution_id", r.id, "error", err)
		r.abort(err)
	}
}

// stepContext bounds a single endpoint call. It ignores execution
// cancellation so a started step always completes.
func (r *run) stepContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), r.o.cfg.StepTimeout)
}

type outcome struct {
	target   domain.Container
	status   domain.ResultStatus
	oldImage string
	newImage string
	err      error
	message  string
	started  time.Time
}

func (r *run) record(out outcome) {
	res := domain.ExecutionContainerResult{
		ContainerID:   out.target.ID,
		ContainerName: out.target.Name,
		ImageName:     out.target.Image,
		Status:        out.status,
		OldImage:      out.oldImage,
		NewImage:      out.newImage,
		ErrorMessage:  out.message,
	}
	if out.err != nil && res.ErrorMessage == "" {
		res.ErrorMessage = out.err.Error()
	}
	if !out.started.IsZero() {
		res.DurationMs = r.o.clock.Since(out.started).Milliseconds()
	}
	if err := r.o.recorder.RecordContainerResult(r.persist, r.id, res); err != nil {
		r.o.logger.Errorw("Failed to record container result",
			"execution_id", r.id, "container", out.target.Name, "error", err)
	}
}

func (r *run) skipUnit(u *unit, cause error) {
	msg := "not started"
	if cause != nil {
		msg = "not started: " + cause.Error()
	}
	for _, t := range u.members() {
		r.record(outcome{target: t.container, status: domain.ResultSkipped, oldImage: currentImage(t.container), message: msg})
	}
}

// currentImage is the pinned reference a container currently runs.
func currentImage(c domain.Container) string {
	if len(c.RepoDigests) > 0 {
		return c.RepoDigests[0]
	}
	return c.Image
}
