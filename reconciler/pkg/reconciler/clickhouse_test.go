package reconciler

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/dimlake/reconciler/pkg/runlock"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
	"github.com/malbeclabs/dimlake/reconciler/pkg/snapshot"
	"github.com/malbeclabs/dimlake/reconciler/pkg/source"
	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

func TestReconciler_ClickHouse_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	log := laketesting.NewLogger()
	ch := testClient(t)
	clock := clockwork.NewFakeClockAt(runTime)

	store, err := snapshot.NewClickHouseStore(snapshot.ClickHouseStoreConfig{Logger: log, ClickHouse: ch})
	require.NoError(t, err)
	locker, err := runlock.NewClickHouseLocker(runlock.ClickHouseLockerConfig{Logger: log, ClickHouse: ch, Clock: clock})
	require.NoError(t, err)
	runLog, err := NewClickHouseRunLog(log, ch)
	require.NoError(t, err)

	src := source.NewMockSource(
		fullBatch(fullRow("C-1", "Ann", t0), fullRow("C-2", "Bob", t0), fullRow("C-2", "Bob", t0)),
		nil,
	)
	rec, err := New(ctx, Config{
		Logger: log,
		Clock:  clock,
		Source: src,
		Store:  store,
		Locker: locker,
		RunLog: runLog,
	})
	require.NoError(t, err)

	res, err := rec.RunWith(ctx, "run-bootstrap", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBootstrapped, res.Outcome)

	src.CDC = cdcBatch(
		cdcRow(scd2.OpUpdate, "C-1", "Ann B", t1),
		cdcRow(scd2.OpDelete, "C-2", "Bob", t1),
		cdcRow(scd2.OpInsert, "C-3", "Cy", t1),
	)
	clock.Advance(time.Hour)
	res, err = rec.RunWith(ctx, "run-merge", TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)

	snap, err := store.Read(ctx, DefaultTableID)
	require.NoError(t, err)
	assert.Equal(t, res.SnapshotVersion, snap.Version)
	assert.Len(t, snap.Records, 4)
	require.NoError(t, scd2.ValidateSnapshot(snap.Records))

	conn, err := ch.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var (
		outcome        string
		opened, closed uint64
	)
	row := conn.QueryRow(ctx,
		"SELECT outcome, opened_by_update + opened_by_insert, closed_by_update + closed_by_delete FROM fact_reconciliation_runs WHERE run_id = ?",
		"run-merge")
	require.NoError(t, row.Scan(&outcome, &opened, &closed))
	assert.Equal(t, string(OutcomeMerged), outcome)
	assert.EqualValues(t, 2, opened)
	assert.EqualValues(t, 2, closed)

	var runs uint64
	require.NoError(t, conn.QueryRow(ctx, "SELECT count() FROM fact_reconciliation_runs").Scan(&runs))
	assert.EqualValues(t, 2, runs)
}
