package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the requested intent or execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is a single rate-limit (HTTP 429) response from a provider.
	ErrRateLimited = errors.New("rate limited")

	// ErrRateLimitExceeded is returned once the consecutive rate-limit
	// threshold for a provider has been crossed.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInventoryUnavailable means containers could not be listed.
	ErrInventoryUnavailable = errors.New("container inventory unavailable")

	// ErrReadyTimeout means a recreated container never became ready.
	ErrReadyTimeout = errors.New("timed out waiting for container to become ready")

	// ErrUnsafeDependents means dependents of a network provider cannot be
	// reconnected safely, so the provider is not touched.
	ErrUnsafeDependents = errors.New("network dependents cannot be safely reconnected")

	// ErrCancelled marks executions stopped on request.
	ErrCancelled = errors.New("execution cancelled")
)

// ValidationError rejects a malformed intent.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Step names a stage of the per-container upgrade pipeline.
type Step string

const (
	StepPending      Step = "pending"
	StepResolving    Step = "resolving"
	StepStopping     Step = "stopping"
	StepPulling      Step = "pulling"
	StepRemoving     Step = "removing"
	StepCreating     Step = "creating"
	StepStarting     Step = "starting"
	StepWaitingReady Step = "waiting_ready"
	StepSucceeded    Step = "succeeded"
	StepFailed       Step = "failed"
	StepSkipped      Step = "skipped"
)

// PipelineError is a container-level failure at a given step.
type PipelineError struct {
	Step      Step
	Container string
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.Container, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// IsRateLimitExceeded reports whether err carries the circuit-breaker error.
func IsRateLimitExceeded(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}
