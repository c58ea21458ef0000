package runlock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

// lockerContract checks the behavior shared by every Locker. advance moves
// the locker's clock forward.
func lockerContract(t *testing.T, l Locker, advance func(time.Duration)) {
	ctx := t.Context()

	release, err := l.Acquire(ctx, "customers", "run-1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "customers", "run-2")
	require.ErrorIs(t, err, ErrLocked)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "run-1", locked.HolderID)

	// Other tables are independent.
	releaseOther, err := l.Acquire(ctx, "orders", "run-2")
	require.NoError(t, err)
	require.NoError(t, releaseOther(ctx))

	require.NoError(t, release(ctx))
	advance(time.Second)

	release2, err := l.Acquire(ctx, "customers", "run-2")
	require.NoError(t, err)

	// A stale release from the previous holder must not free the lock.
	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "customers", "run-3")
	require.ErrorIs(t, err, ErrLocked)

	// Expired leases can be taken over.
	advance(2 * time.Hour)
	release3, err := l.Acquire(ctx, "customers", "run-3")
	require.NoError(t, err)
	require.NoError(t, release3(ctx))
	require.NoError(t, release2(ctx))
}

func TestReconciler_RunLock_Memory(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	l := NewMemoryLocker(clock, time.Hour)
	lockerContract(t, l, clock.Advance)
}

func TestReconciler_RunLock_ClickHouse(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := NewClickHouseLocker(ClickHouseLockerConfig{
		Logger:     laketesting.NewLogger(),
		ClickHouse: testClient(t),
		Clock:      clock,
		TTL:        time.Hour,
	})
	require.NoError(t, err)
	lockerContract(t, l, clock.Advance)
}

func TestReconciler_RunLock_Config(t *testing.T) {
	t.Parallel()
	_, err := NewClickHouseLocker(ClickHouseLockerConfig{Logger: laketesting.NewLogger()})
	require.Error(t, err)
}

func TestReconciler_RunLock_ValidateLease(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateLease(DefaultTTL, 30*time.Minute))

	for _, tc := range []struct {
		name       string
		ttl        time.Duration
		runTimeout time.Duration
	}{
		{name: "ttl equal to run timeout", ttl: time.Hour, runTimeout: time.Hour},
		{name: "ttl shorter than run timeout", ttl: 10 * time.Minute, runTimeout: time.Hour},
		{name: "unbounded run", ttl: time.Hour, runTimeout: 0},
		{name: "zero ttl", ttl: 0, runTimeout: time.Minute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, ValidateLease(tc.ttl, tc.runTimeout))
		})
	}
}
