package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
)

func fastPolicy() *Policy {
	p := DefaultPolicy().WithDelay(time.Millisecond, 5*time.Millisecond)
	p.RandomizeFactor = 0
	return p
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	p := fastPolicy()
	var retries []int
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) }

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeConnection, "status 503")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestExecuteExhausted(t *testing.T) {
	calls := 0
	err := fastPolicy().Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeTimeout, "deadline")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}

func TestExecuteStopsOnTerminalError(t *testing.T) {
	calls := 0
	terminal := errors.New(errors.ErrorTypeData, "corrupt")
	err := fastPolicy().Execute(context.Background(), func(context.Context) error {
		calls++
		return terminal
	})
	assert.Same(t, terminal, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteCancelled(t *testing.T) {
	p := DefaultPolicy().WithDelay(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	err := p.Execute(ctx, func(context.Context) error {
		return errors.New(errors.ErrorTypeConnection, "refused")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoRetryReturnsErrorUnchanged(t *testing.T) {
	e := errors.New(errors.ErrorTypeConnection, "refused")
	err := NoRetry().Execute(context.Background(), func(context.Context) error { return e })
	assert.Same(t, e, err)
}

func TestDelay(t *testing.T) {
	p := &Policy{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(2))

	p.RandomizeFactor = 0.5
	for i := 0; i < 20; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.ReliabilityConfig{
		RetryAttempts:   5,
		RetryDelay:      2 * time.Second,
		RetryMultiplier: 3,
		MaxRetryDelay:   time.Minute,
	})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.InitialDelay)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, time.Minute, p.MaxDelay)

	d := FromConfig(config.ReliabilityConfig{})
	assert.Equal(t, DefaultPolicy().MaxAttempts, d.MaxAttempts)
}
