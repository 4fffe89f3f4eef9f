package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPacer_AcquireRelease(t *testing.T) {
	p := New("test", Config{Rate: 1000, Burst: 10, Concurrency: 2}, zap.NewNop())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lease.QueueWaitMS(), int64(0))
	lease.Release(OutcomeOK)

	snap := p.Snapshot()
	assert.Equal(t, int64(0), snap.InFlight)
	assert.Equal(t, int64(1), snap.TotalAcquired)
}

func TestPacer_ConcurrencyLimitBlocksExtraWaiter(t *testing.T) {
	p := New("test", Config{Rate: 1000, Burst: 10, Concurrency: 1}, zap.NewNop())

	lease1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrWaiterCancelled)

	lease1.Release(OutcomeOK)
}

func TestPacer_PenaliseReducesRateBelowConfigured(t *testing.T) {
	p := New("test", Config{
		Rate:              10,
		Burst:             10,
		Concurrency:       5,
		PenaltyMultiplier: 0.5,
		MinRate:           1,
		RecoveryStep:      0.25,
		CooldownWindow:    time.Hour, // keep it penalised for the assertion window
	}, zap.NewNop())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(OutcomeRateLimited)

	snap := p.Snapshot()
	assert.Equal(t, float64(5), snap.CurrentRate)
	assert.Equal(t, int64(1), snap.TotalRateLimits)
}

func TestPacer_PenaltyNeverDropsBelowMinRate(t *testing.T) {
	p := New("test", Config{
		Rate:              2,
		Burst:             10,
		Concurrency:       5,
		PenaltyMultiplier: 0.1,
		MinRate:           1,
		RecoveryStep:      0.1,
		CooldownWindow:    time.Hour,
	}, zap.NewNop())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(OutcomeRateLimited)

	assert.Equal(t, float64(1), p.Snapshot().CurrentRate)
}

func TestRegistry_GetIsLazyAndStable(t *testing.T) {
	r := NewRegistry(map[string]Config{
		"openai": {Rate: 20, Burst: 20, Concurrency: 10},
	}, zap.NewNop())

	p1 := r.Get("openai")
	p2 := r.Get("openai")
	assert.Same(t, p1, p2)

	p3 := r.Get("unconfigured-provider")
	require.NotNil(t, p3)
	assert.Equal(t, DefaultConfig().Rate, p3.Snapshot().CurrentRate)
}

func TestRegistry_AllMetricsOnlyIncludesConstructedPacers(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	assert.Empty(t, r.AllMetrics())

	r.Get("anthropic")
	metrics := r.AllMetrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "anthropic", metrics[0].Provider)
}
