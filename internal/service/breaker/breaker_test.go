package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

func newTestBreaker(t *testing.T, config Config) *Breaker {
	t.Helper()
	return New("upstream", config, zaptest.NewLogger(t))
}

func succeed(ctx context.Context) (interface{}, error) { return "ok", nil }

func fail(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") }

func TestClosedPassesThrough(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig())

	v, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, b.State())
}

func TestTripsAfterFailureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b := newTestBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), fail)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	// Fourth call is rejected without invoking the function.
	called := false
	_, err := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CategoryExternalService, appErr.Category)
	assert.Contains(t, appErr.Metadata, "retry_at")
}

func TestOpenRejectionServesFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	b := newTestBreaker(t, cfg)
	b.WithFallback(func(ctx context.Context) (interface{}, error) {
		return "cached", nil
	})

	_, err := b.Execute(context.Background(), fail)
	require.Error(t, err)
	require.Equal(t, StateOpen, b.State())

	v, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
}

func TestHalfOpenProbeAndRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.ResetTimeout = 20 * time.Millisecond
	b := newTestBreaker(t, cfg)

	_, _ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// First probe success is not enough to close.
	_, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	// Second consecutive success closes.
	_, err = b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = 20 * time.Millisecond
	b := newTestBreaker(t, cfg)

	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(30 * time.Millisecond)

	_, err := b.Execute(context.Background(), fail)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.CallTimeout = 20 * time.Millisecond
	b := newTestBreaker(t, cfg)

	_, err := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestFailureWindowExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.FailureWindow = 30 * time.Millisecond
	b := newTestBreaker(t, cfg)

	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(40 * time.Millisecond)
	_, _ = b.Execute(context.Background(), fail)

	// The first failure aged out, so only one counts.
	assert.Equal(t, StateClosed, b.State())
}

func TestManualControls(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig())

	b.Trip()
	assert.Equal(t, StateOpen, b.State())

	b.Close()
	assert.Equal(t, StateClosed, b.State())

	_, _ = b.Execute(context.Background(), succeed)
	b.Reset()
	hs := b.HealthStatus()
	assert.Equal(t, StateClosed, hs.State)
	assert.Zero(t, hs.Stats.Total)
}

func TestHealthStatusTracksLatency(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig())

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), succeed)
		require.NoError(t, err)
	}
	hs := b.HealthStatus()
	assert.Equal(t, int64(3), hs.Stats.Successes)
	assert.GreaterOrEqual(t, hs.Stats.AvgLatency, time.Duration(0))
}

func TestRegistrySharesBreakerPerName(t *testing.T) {
	r := NewRegistry(DefaultConfig(), zaptest.NewLogger(t))

	a := r.Get("redis")
	b := r.Get("redis")
	assert.Same(t, a, b)

	c := r.Get("smtp")
	assert.NotSame(t, a, c)

	health := r.Health()
	assert.Len(t, health, 2)
	assert.Contains(t, health, "redis")
	assert.Contains(t, health, "smtp")
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(DefaultConfig(), zaptest.NewLogger(t))
	r.Get("redis").Trip()
	r.Get("smtp").Trip()

	r.ResetAll()
	for name, hs := range r.Health() {
		assert.Equalf(t, StateClosed, hs.State, "breaker %s", name)
	}
}
