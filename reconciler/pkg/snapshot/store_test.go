package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/reconciler/pkg/objectstore"
	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

// storeContract exercises the behavior every Store implementation shares.
func storeContract(t *testing.T, store Store) {
	ctx := t.Context()

	_, err := store.Read(ctx, "customers")
	require.ErrorIs(t, err, ErrNotFound)

	records := testRecords()
	first, err := store.Write(ctx, "customers", "run-1", records[:1], []string{"LOAD00000001.csv"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.RowCount)

	sources := []string{"20250102-000000000.csv", "20250102-010000000.csv"}
	second, err := store.Write(ctx, "customers", "run-2", records, sources)
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, second.Version)
	assert.Equal(t, "run-2", second.RunID)
	assert.Equal(t, len(records), second.RowCount)

	snap, err := store.Read(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, second.Version, snap.Version)
	assert.Equal(t, records, snap.Records)
	assert.Equal(t, sources, snap.Sources)

	_, err = store.Read(ctx, "other")
	require.ErrorIs(t, err, ErrNotFound)

	empty, err := store.Write(ctx, "empty", "run-3", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.RowCount)
	snap, err = store.Read(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
	assert.Empty(t, snap.Sources)
}

func TestReconciler_Snapshot_MemoryStore(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clock)
	storeContract(t, store)
	assert.Equal(t, 2, store.Versions("customers"))

	store.WriteErr = errors.New("disk full")
	_, err := store.Write(t.Context(), "customers", "run-x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 2, store.Versions("customers"))
}

func newTestS3Store(t *testing.T, api *objectstore.MemoryAPI) *S3Store {
	t.Helper()
	store, err := NewS3Store(S3StoreConfig{
		Logger: laketesting.NewLogger(),
		Client: api,
		Bucket: "lake",
		Prefix: "silver",
	})
	require.NoError(t, err)
	return store
}

func TestReconciler_Snapshot_S3Store(t *testing.T) {
	t.Parallel()

	t.Run("contract", func(t *testing.T) {
		t.Parallel()
		storeContract(t, newTestS3Store(t, objectstore.NewMemoryAPI()))
	})

	t.Run("layout", func(t *testing.T) {
		t.Parallel()
		api := objectstore.NewMemoryAPI()
		store := newTestS3Store(t, api)
		commit, err := store.Write(t.Context(), "customers", "run-1", testRecords(), nil)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"silver/customers/_CURRENT",
			"silver/customers/version=" + commit.Version + "/part-00000.parquet",
		}, api.Keys("lake", "silver/"))
	})

	t.Run("failed pointer write keeps previous snapshot", func(t *testing.T) {
		t.Parallel()
		api := objectstore.NewMemoryAPI()
		store := newTestS3Store(t, api)
		ctx := t.Context()

		first, err := store.Write(ctx, "customers", "run-1", testRecords()[:1], nil)
		require.NoError(t, err)

		api.PutErr = errors.New("throttled")
		_, err = store.Write(ctx, "customers", "run-2", testRecords(), nil)
		require.Error(t, err)
		api.PutErr = nil

		snap, err := store.Read(ctx, "customers")
		require.NoError(t, err)
		assert.Equal(t, first.Version, snap.Version)
		assert.Len(t, snap.Records, 1)
	})

	t.Run("corrupt pointer", func(t *testing.T) {
		t.Parallel()
		api := objectstore.NewMemoryAPI()
		api.Put("lake", "silver/customers/_CURRENT", []byte("{"))
		_, err := newTestS3Store(t, api).Read(t.Context(), "customers")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestReconciler_Snapshot_Parquet(t *testing.T) {
	t.Parallel()

	records := testRecords()
	data, err := EncodeParquet(records)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got, err := DecodeParquet(t.Context(), data)
	require.NoError(t, err)
	assert.Equal(t, records, got)

	_, err = DecodeParquet(t.Context(), []byte("not parquet"))
	require.Error(t, err)
}
