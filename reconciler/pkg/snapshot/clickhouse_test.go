package snapshot

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

func newTestClickHouseStore(t *testing.T, clock clockwork.Clock) *ClickHouseStore {
	t.Helper()
	store, err := NewClickHouseStore(ClickHouseStoreConfig{
		Logger:         laketesting.NewLogger(),
		ClickHouse:     testClient(t),
		Clock:          clock,
		WriteBatchSize: 2,
	})
	require.NoError(t, err)
	return store
}

func TestReconciler_Snapshot_ClickHouseStore(t *testing.T) {
	t.Parallel()

	t.Run("contract", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClockAt(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
		store := newTestClickHouseStore(t, &advancingClock{FakeClock: clock})
		storeContract(t, store)
	})

	t.Run("uncommitted rows are invisible", func(t *testing.T) {
		t.Parallel()
		store := newTestClickHouseStore(t, nil)
		ctx := t.Context()

		first, err := store.Write(ctx, "customers", "run-1", testRecords()[:2], nil)
		require.NoError(t, err)

		// Rows written under a version without a commit row, as after a crash
		// between the data insert and the commit.
		conn, err := store.cfg.ClickHouse.Conn(ctx)
		require.NoError(t, err)
		err = store.ds.WriteBatch(ctx, conn, 1, func(i int) ([]any, error) {
			return append([]any{"customers", "00000000-0000-0000-0000-000000000001"}, recordFields(testRecords()[3])...), nil
		})
		require.NoError(t, err)

		snap, err := store.Read(ctx, "customers")
		require.NoError(t, err)
		assert.Equal(t, first.Version, snap.Version)
		assert.Len(t, snap.Records, 2)

		require.NoError(t, store.Prune(ctx, "customers", 1))
		require.Error(t, store.Prune(ctx, "customers", 0))
	})
}

// advancingClock moves a fake clock forward on every read so commits get
// distinct timestamps.
type advancingClock struct {
	*clockwork.FakeClock
}

func (c *advancingClock) Now() time.Time {
	c.FakeClock.Advance(time.Millisecond)
	return c.FakeClock.Now()
}
