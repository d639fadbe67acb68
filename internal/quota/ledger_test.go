package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limits := map[string]config.TierQuota{
		models.TierStarter:      {Generations: 50, Concurrency: 1},
		models.TierProfessional: {Generations: 200, Concurrency: 3},
		models.TierAgency:       {Generations: 999999, Concurrency: 10},
	}

	return NewLedger(rdb, limits), mr
}

func TestReserveCommit(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	reservation, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, reservation.ID)

	snap, err := ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Consumed)
	assert.Equal(t, int64(50), snap.Limit)
	assert.Equal(t, int64(49), snap.Remaining())

	require.NoError(t, ledger.Commit(ctx, reservation.ID))

	// Committed units stay consumed
	snap, err = ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Consumed)
}

func TestReserveRelease(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	reservation, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, reservation.ID))

	snap, err := ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Consumed)

	// Releasing twice is a no-op, never a double-decrement
	require.NoError(t, ledger.Release(ctx, reservation.ID))

	snap, err = ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Consumed)
}

func TestReleaseAfterCommitIsNoOp(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	reservation, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
	require.NoError(t, err)

	require.NoError(t, ledger.Commit(ctx, reservation.ID))
	require.NoError(t, ledger.Release(ctx, reservation.ID))

	snap, err := ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Consumed)
}

func TestCommitTwiceIsNoOp(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	reservation, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
	require.NoError(t, err)

	require.NoError(t, ledger.Commit(ctx, reservation.ID))
	require.NoError(t, ledger.Commit(ctx, reservation.ID))

	snap, err := ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Consumed)
}

func TestReserveAtLimit(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	// Exhaust the starter budget
	for i := 0; i < 50; i++ {
		reservation, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
		require.NoError(t, err)
		require.NoError(t, ledger.Commit(ctx, reservation.ID))
	}

	_, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)

	snap, err := ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.Consumed)
	assert.Equal(t, int64(0), snap.Remaining())
}

func TestConcurrentReserveNeverOvershoots(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	// 46 units already consumed, 4 left; 20 goroutines race for them
	for i := 0; i < 46; i++ {
		reservation, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
		require.NoError(t, err)
		require.NoError(t, ledger.Commit(ctx, reservation.ID))
	}

	const racers = 20
	var wg sync.WaitGroup
	errs := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var granted, rejected int
	for err := range errs {
		if err == nil {
			granted++
		} else {
			assert.ErrorIs(t, err, models.ErrQuotaExceeded)
			rejected++
		}
	}

	assert.Equal(t, 4, granted)
	assert.Equal(t, racers-4, rejected)

	snap, err := ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.Consumed, "consumed must never exceed limit")
}

func TestReleaseAfterRolloverDecrementsOriginalPeriod(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	// Reserve near the end of a period
	ledger.NowFunc = func() time.Time {
		return time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	}

	reservation, err := ledger.Reserve(ctx, "acct-1", models.TierStarter, 1)
	require.NoError(t, err)
	assert.Equal(t, "2026-08", reservation.Period)

	// Period rolls over before the job terminates
	ledger.NowFunc = func() time.Time {
		return time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	}

	require.NoError(t, ledger.Release(ctx, reservation.ID))

	// The new period counter is untouched
	snap, err := ledger.Snapshot(ctx, "acct-1", models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Consumed)
}

func TestSnapshotReset(t *testing.T) {
	ledger, _ := setupLedger(t)

	ledger.NowFunc = func() time.Time {
		return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	}

	snap, err := ledger.Snapshot(context.Background(), "acct-1", models.TierProfessional)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), snap.Reset)
	assert.Equal(t, int64(200), snap.Limit)
}

func TestConcurrencyCap(t *testing.T) {
	ledger, _ := setupLedger(t)

	assert.Equal(t, 1, ledger.ConcurrencyCap(models.TierStarter))
	assert.Equal(t, 3, ledger.ConcurrencyCap(models.TierProfessional))
	assert.Equal(t, 10, ledger.ConcurrencyCap(models.TierAgency))
	// Unknown tiers fall back to a single job
	assert.Equal(t, 1, ledger.ConcurrencyCap("unknown"))
}
