package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
)

type result struct {
	value string
	err   error
}

func runAsync(p *Policy, fn func(ctx context.Context) (string, error)) <-chan result {
	done := make(chan result, 1)
	go func() {
		v, err := Run(context.Background(), p, fn)
		done <- result{v, err}
	}()
	return done
}

func TestRun_SuccessResetsCounter(t *testing.T) {
	state := NewRateLimiterState("registry", 5, time.Minute)
	state.consecutive.Store(3)
	p := New(state, 3, time.Second, WithClock(clockwork.NewFakeClock()))

	v, err := Run(context.Background(), p, func(ctx context.Context) (string, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Zero(t, state.Consecutive())
}

func TestRun_ExponentialBackoffOnErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(NewRateLimiterState("endpoint", 5, time.Minute), 3, time.Second, WithClock(clock))

	var calls atomic.Int32
	var times []time.Time
	boom := errors.New("boom")
	done := runAsync(p, func(ctx context.Context) (string, error) {
		calls.Add(1)
		times = append(times, clock.Now())
		return "", boom
	})

	clock.BlockUntil(1)
	clock.Advance(1 * time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	res := <-done
	require.ErrorIs(t, res.err, boom)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, times, 3)
	assert.Equal(t, time.Second, times[1].Sub(times[0]))
	assert.Equal(t, 2*time.Second, times[2].Sub(times[1]))
}

func TestRun_RateLimitBackoffStartsAtFiveSeconds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	state := NewRateLimiterState("registry", 10, time.Minute)
	p := New(state, 3, time.Second, WithClock(clock))

	var times []time.Time
	done := runAsync(p, func(ctx context.Context) (string, error) {
		times = append(times, clock.Now())
		if len(times) < 3 {
			return "", errors.Wrap(domain.ErrRateLimited, "429")
		}
		return "digest", nil
	})

	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "digest", res.value)
	assert.Equal(t, 5*time.Second, times[1].Sub(times[0]))
	assert.Equal(t, 10*time.Second, times[2].Sub(times[1]))
	assert.Zero(t, state.Consecutive())
}

func TestRun_CircuitBreakerFailsFast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	state := NewRateLimiterState("registry", 2, time.Minute)
	var tripped []string
	state.OnTrip(func(provider string) { tripped = append(tripped, provider) })
	p := New(state, 5, time.Second, WithClock(clock))

	var calls atomic.Int32
	throttled := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", errors.Wrap(domain.ErrRateLimited, "429")
	}

	done := runAsync(p, throttled)
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	res := <-done

	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, domain.ErrRateLimitExceeded))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"registry"}, tripped)

	// The next call fails without invoking fn and without sleeping.
	_, err := Run(context.Background(), p, throttled)
	assert.True(t, domain.IsRateLimitExceeded(err))
	assert.Equal(t, int32(2), calls.Load())

	// After the cooldown a trial call goes through and success closes the breaker.
	clock.Advance(time.Minute)
	v, err := Run(context.Background(), p, func(ctx context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Zero(t, state.Consecutive())
}

func TestRun_SharedStateAcrossPolicies(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(1, time.Minute)
	registryA := New(reg.State("registry"), 3, time.Second, WithClock(clock))
	registryB := New(reg.State("registry"), 1, time.Second, WithClock(clock))
	endpoint := New(reg.State("endpoint"), 1, time.Second, WithClock(clock))

	_, err := Run(context.Background(), registryA, func(ctx context.Context) (int, error) {
		return 0, domain.ErrRateLimited
	})
	require.True(t, domain.IsRateLimitExceeded(err))

	_, err = Run(context.Background(), registryB, func(ctx context.Context) (int, error) { return 1, nil })
	assert.True(t, domain.IsRateLimitExceeded(err), "registry breaker is shared")

	v, err := Run(context.Background(), endpoint, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err, "endpoint throttling is tracked independently")
	assert.Equal(t, 7, v)
}

func TestRun_PermanentErrorsAreNotRetried(t *testing.T) {
	p := New(nil, 3, time.Second, WithClock(clockwork.NewFakeClock()))
	calls := 0
	notFound := errors.New("manifest unknown")

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(notFound)
	})

	require.ErrorIs(t, err, notFound)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRun_ContextCancelledDuringBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(nil, 3, time.Second, WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error { return boom })
	}()

	clock.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-done, boom)
}

func TestRegistry_OnTripWhileStateInUse(t *testing.T) {
	limits := NewRegistry(1, time.Minute)
	state := limits.State("endpoint")

	var trips atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state.hit(time.Now())
			state.Reset()
		}()
	}
	limits.OnTrip(func(string) { trips.Add(1) })
	wg.Wait()

	state.Reset()
	assert.True(t, state.hit(time.Now()))
	assert.GreaterOrEqual(t, trips.Load(), int32(1))
}
