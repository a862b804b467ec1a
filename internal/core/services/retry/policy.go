// Package retry wraps calls to external providers with exponential backoff
// and a consecutive rate-limit circuit breaker.
package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/melih/lighthouse/internal/core/domain"
)

const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = 1 * time.Second
	DefaultRateLimitDelay = 5 * time.Second
	DefaultThreshold      = 5
	DefaultCooldown       = 1 * time.Minute
)

// RateLimiterState counts consecutive rate-limit responses from one
// provider. It is shared by every Policy talking to that provider.
type RateLimiterState struct {
	Provider  string
	Threshold int64
	Cooldown  time.Duration

	consecutive atomic.Int64
	lastHitAt   atomic.Int64 // unix nanos
	trips       atomic.Int64
	onTrip      atomic.Pointer[func(provider string)]
}

// NewRateLimiterState creates the shared breaker state for a provider.
func NewRateLimiterState(provider string, threshold int, cooldown time.Duration) *RateLimiterState {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &RateLimiterState{Provider: provider, Threshold: int64(threshold), Cooldown: cooldown}
}

// OnTrip registers a callback invoked each time the breaker opens. It may be
// called while the state is in use.
func (s *RateLimiterState) OnTrip(fn func(provider string)) {
	if fn == nil {
		s.onTrip.Store(nil)
		return
	}
	s.onTrip.Store(&fn)
}

// Consecutive returns the current consecutive rate-limit count.
func (s *RateLimiterState) Consecutive() int64 {
	return s.consecutive.Load()
}

// Trips returns how many times the breaker has opened.
func (s *RateLimiterState) Trips() int64 {
	return s.trips.Load()
}

// Reset clears the consecutive counter after a success.
func (s *RateLimiterState) Reset() {
	s.consecutive.Store(0)
}

// hit records a rate-limit response and reports whether the breaker is now open.
func (s *RateLimiterState) hit(now time.Time) bool {
	s.lastHitAt.Store(now.UnixNano())
	n := s.consecutive.Add(1)
	if n == s.Threshold {
		s.trips.Add(1)
		if fn := s.onTrip.Load(); fn != nil {
			(*fn)(s.Provider)
		}
	}
	return n >= s.Threshold
}

// open reports whether calls must fail fast. After Cooldown since the last
// rate-limit response a single trial call is let through.
func (s *RateLimiterState) open(now time.Time) bool {
	if s.consecutive.Load() < s.Threshold {
		return false
	}
	if s.Cooldown <= 0 {
		return true
	}
	last := time.Unix(0, s.lastHitAt.Load())
	return now.Sub(last) < s.Cooldown
}

// Policy is the retry configuration one caller uses against one provider.
type Policy struct {
	State          *RateLimiterState
	MaxRetries     int
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
	// Limiter optionally paces every attempt.
	Limiter *rate.Limiter
	Clock   clockwork.Clock
	Logger  *zap.SugaredLogger
}

// Option customizes a Policy.
type Option func(*Policy)

// WithClock replaces the real clock, mostly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(p *Policy) { p.Clock = c }
}

// WithLimiter paces attempts through a token bucket.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Policy) { p.Limiter = l }
}

// WithLogger sets the logger used for retry messages.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Policy) { p.Logger = l }
}

// WithRateLimitDelay overrides the 5s base delay used after a 429.
func WithRateLimitDelay(d time.Duration) Option {
	return func(p *Policy) { p.RateLimitDelay = d }
}

// New builds a policy sharing state with every other policy for the same provider.
func New(state *RateLimiterState, maxRetries int, baseDelay time.Duration, opts ...Option) *Policy {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	p := &Policy{
		State:          state,
		MaxRetries:     maxRetries,
		BaseDelay:      baseDelay,
		RateLimitDelay: DefaultRateLimitDelay,
		Clock:          clockwork.NewRealClock(),
		Logger:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do runs fn under the policy, discarding any value.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run calls fn until it succeeds, the retries are used up, the context is
// done, or the provider's rate-limit breaker opens.
func Run[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		if p.State != nil && p.State.open(p.Clock.Now()) {
			return zero, errors.Wrapf(domain.ErrRateLimitExceeded, "%s: %d consecutive rate-limit responses", p.State.Provider, p.State.Consecutive())
		}
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return zero, errors.Wrap(err, "rate limiter wait")
			}
		}

		v, err := fn(ctx)
		if err == nil {
			if p.State != nil {
				p.State.Reset()
			}
			return v, nil
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			return zero, err
		}

		var delay time.Duration
		if errors.Is(err, domain.ErrRateLimited) {
			if p.State != nil && p.State.hit(p.Clock.Now()) {
				return zero, errors.WithSecondaryError(
					errors.Wrapf(domain.ErrRateLimitExceeded, "%s: %d consecutive rate-limit responses", p.State.Provider, p.State.Consecutive()),
					err)
			}
			delay = p.RateLimitDelay << attempt
		} else {
			delay = p.BaseDelay << attempt
		}

		if attempt == p.MaxRetries-1 {
			break
		}
		p.Logger.Debugw("Retrying call", "provider", provider(p), "attempt", attempt+1, "delay", delay, "error", err)
		if err := p.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func provider(p *Policy) string {
	if p.State == nil {
		return ""
	}
	return p.State.Provider
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-p.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry keeps one RateLimiterState per provider name.
type Registry struct {
	threshold int
	cooldown  time.Duration

	mu     sync.Mutex
	states map[string]*RateLimiterState
	onTrip func(provider string)
}

// NewRegistry creates an empty provider registry.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{threshold: threshold, cooldown: cooldown, states: map[string]*RateLimiterState{}}
}

// OnTrip is applied to every state handed out after it is set.
func (r *Registry) OnTrip(fn func(provider string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrip = fn
	for _, s := range r.states {
		s.OnTrip(fn)
	}
}

// State returns the shared state for provider, creating it on first use.
func (r *Registry) State(provider string) *RateLimiterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[provider]; ok {
		return s
	}
	s := NewRateLimiterState(provider, r.threshold, r.cooldown)
	if r.onTrip != nil {
		s.OnTrip(r.onTrip)
	}
	r.states[provider] = s
	return s
}
