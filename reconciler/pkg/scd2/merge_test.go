package scd2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	mt0  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mt1  = mt0.Add(24 * time.Hour)
	mt2  = mt1.Add(time.Hour)
	mNow = mt2.Add(time.Hour)
)

func currentRow(key, name string, eff time.Time) DimensionRecord {
	return DimensionRecord{
		Key:           key,
		Attributes:    Attributes{Name: name, Email: key + "@x.io"},
		UpdatedAt:     ptr(eff),
		EffectiveDate: ptr(eff),
		CurrentFlag:   true,
	}
}

func closedRow(key, name string, eff, end time.Time) DimensionRecord {
	r := currentRow(key, name, eff)
	r.EndDate = ptr(end)
	r.CurrentFlag = false
	return r
}

func newTestEngine(t *testing.T, policy MergePolicy) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{Policy: policy, Workers: 4})
	require.NoError(t, err)
	return e
}

func mergeBatch(t *testing.T, e *Engine, prior []DimensionRecord, changes []ChangeRecord) (*MergeResult, error) {
	t.Helper()
	resolved, _ := Deduplicate(changes, mNow, e.Workers())
	return e.Merge(prior, Partition(resolved), mNow)
}

func rowsFor(rows []DimensionRecord, key string) []DimensionRecord {
	var out []DimensionRecord
	for _, r := range rows {
		if r.Key == key {
			out = append(out, r)
		}
	}
	return out
}

func TestReconciler_SCD2_Merge(t *testing.T) {
	t.Parallel()

	t.Run("update then delete in one batch closes the row as deleted", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		prior := []DimensionRecord{currentRow("C-1", "Ann", mt0)}

		res, err := mergeBatch(t, e, prior, []ChangeRecord{
			{Op: OpUpdate, Key: "C-1", Attributes: Attributes{Name: "Ann B"}, SourceTS: ptr(mt1)},
			{Op: OpDelete, Key: "C-1", SourceTS: ptr(mt2)},
		})
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)

		row := res.Rows[0]
		assert.Equal(t, "Ann", row.Name)
		assert.False(t, row.CurrentFlag)
		assert.True(t, row.IsDeleted)
		require.NotNil(t, row.EndDate)
		assert.Equal(t, mNow, *row.EndDate)
		assert.Equal(t, mNow, *row.UpdatedAt)
		assert.Equal(t, mt0, *row.EffectiveDate)
		assert.Equal(t, 1, res.Counts.ClosedByDelete)
		assert.Equal(t, 0, res.Counts.OpenedByUpdate)
	})

	t.Run("source timestamp policy closes at the change time", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{Timestamps: TimestampSource})
		prior := []DimensionRecord{currentRow("C-1", "Ann", mt0)}

		res, err := mergeBatch(t, e, prior, []ChangeRecord{
			{Op: OpUpdate, Key: "C-1", SourceTS: ptr(mt1)},
			{Op: OpDelete, Key: "C-1", SourceTS: ptr(mt2)},
		})
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, mt2, *res.Rows[0].EndDate)
		assert.True(t, res.Rows[0].IsDeleted)
	})

	t.Run("source timestamp before effective date is clamped", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{Timestamps: TimestampSource})
		prior := []DimensionRecord{currentRow("C-1", "Ann", mt1)}

		res, err := mergeBatch(t, e, prior, []ChangeRecord{
			{Op: OpUpdate, Key: "C-1", Attributes: Attributes{Name: "Ann B"}, SourceTS: ptr(mt0)},
		})
		require.NoError(t, err)
		require.NoError(t, ValidateSnapshot(res.Rows))
		rows := rowsFor(res.Rows, "C-1")
		require.Len(t, rows, 2)
		assert.Equal(t, mt1, *rows[0].EndDate)
		assert.Equal(t, mt1, *rows[1].EffectiveDate)
	})

	t.Run("update closes the current row and opens a new one", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		prior := []DimensionRecord{
			closedRow("C-1", "Ann v0", mt0.Add(-time.Hour), mt0),
			currentRow("C-1", "Ann", mt0),
			currentRow("C-2", "Bob", mt0),
		}

		res, err := mergeBatch(t, e, prior, []ChangeRecord{
			{Op: OpUpdate, Key: "C-1", Attributes: Attributes{Name: "Ann B"}, SourceTS: ptr(mt1)},
		})
		require.NoError(t, err)
		require.NoError(t, ValidateSnapshot(res.Rows))

		rows := rowsFor(res.Rows, "C-1")
		require.Len(t, rows, 3)
		assert.Equal(t, prior[0], rows[0])
		assert.Equal(t, "Ann", rows[1].Name)
		assert.False(t, rows[1].CurrentFlag)
		assert.Equal(t, mNow, *rows[1].EndDate)
		assert.Equal(t, "Ann B", rows[2].Name)
		assert.True(t, rows[2].CurrentFlag)
		assert.Nil(t, rows[2].EndDate)
		assert.Equal(t, mNow, *rows[2].EffectiveDate)

		assert.Equal(t, []DimensionRecord{prior[2]}, rowsFor(res.Rows, "C-2"))
		assert.Equal(t, MergeCounts{Unchanged: 2, ClosedByUpdate: 1, OpenedByUpdate: 1}, res.Counts)
	})

	t.Run("insert of a new key opens a row", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		res, err := mergeBatch(t, e, nil, []ChangeRecord{
			{Op: OpInsert, Key: "C-9", Attributes: Attributes{Name: "Neo"}, SourceTS: ptr(mt1)},
		})
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		assert.True(t, res.Rows[0].CurrentFlag)
		assert.Equal(t, 1, res.Counts.OpenedByInsert)
	})

	t.Run("insert after delete starts a fresh history", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		deleted := closedRow("C-1", "Ann", mt0, mt1)
		deleted.IsDeleted = true

		res, err := mergeBatch(t, e, []DimensionRecord{deleted}, []ChangeRecord{
			{Op: OpInsert, Key: "C-1", Attributes: Attributes{Name: "Ann again"}, SourceTS: ptr(mt2)},
		})
		require.NoError(t, err)
		rows := rowsFor(res.Rows, "C-1")
		require.Len(t, rows, 2)
		assert.Equal(t, deleted, rows[0])
		assert.True(t, rows[1].CurrentFlag)
		assert.False(t, rows[1].IsDeleted)
	})

	t.Run("insert colliding with a current row is rejected", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		prior := []DimensionRecord{currentRow("C-1", "Ann", mt0), currentRow("C-2", "Bob", mt0)}

		res, err := mergeBatch(t, e, prior, []ChangeRecord{
			{Op: OpInsert, Key: "C-2", SourceTS: ptr(mt1)},
			{Op: OpInsert, Key: "C-1", SourceTS: ptr(mt1)},
		})
		require.Error(t, err)
		assert.Nil(t, res)

		var v *InvariantViolationError
		require.ErrorAs(t, err, &v)
		assert.Equal(t, ViolationInsertCollision, v.Kind)
		assert.Equal(t, []string{"C-1", "C-2"}, v.Keys)
		assert.True(t, IsInvariantViolation(err))
	})

	t.Run("insert colliding with a current row can close it", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{InsertCollision: InsertCloseExisting})
		prior := []DimensionRecord{currentRow("C-1", "Ann", mt0)}

		res, err := mergeBatch(t, e, prior, []ChangeRecord{
			{Op: OpInsert, Key: "C-1", Attributes: Attributes{Name: "Ann B"}, SourceTS: ptr(mt1)},
		})
		require.NoError(t, err)
		require.NoError(t, ValidateSnapshot(res.Rows))
		require.Len(t, res.Rows, 2)
		assert.Equal(t, 1, res.Counts.InsertCollisions)
		assert.Equal(t, 1, res.Counts.ClosedByUpdate)
		assert.Equal(t, 1, res.Counts.OpenedByInsert)
	})

	t.Run("update without a current row opens one by default", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		res, err := mergeBatch(t, e, nil, []ChangeRecord{
			{Op: OpUpdate, Key: "C-5", SourceTS: ptr(mt1)},
		})
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, 1, res.Counts.UpdatesWithoutCurrent)
		assert.Equal(t, 1, res.Counts.OpenedByUpdate)
	})

	t.Run("update without a current row can be rejected", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{UpdateWithoutCurrent: UpdateReject})
		_, err := mergeBatch(t, e, nil, []ChangeRecord{
			{Op: OpUpdate, Key: "C-5", SourceTS: ptr(mt1)},
		})
		var v *InvariantViolationError
		require.ErrorAs(t, err, &v)
		assert.Equal(t, ViolationUpdateWithoutCurrent, v.Kind)
		assert.Equal(t, []string{"C-5"}, v.Keys)
	})

	t.Run("delete without a current row is an orphan", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		prior := []DimensionRecord{closedRow("C-1", "Ann", mt0, mt1)}
		res, err := mergeBatch(t, e, prior, []ChangeRecord{
			{Op: OpDelete, Key: "C-1", SourceTS: ptr(mt2)},
			{Op: OpDelete, Key: "C-7"},
		})
		require.NoError(t, err)
		assert.Equal(t, prior, res.Rows)
		assert.Equal(t, 2, res.Counts.OrphanDeletes)
	})

	t.Run("prior snapshot with two current rows is rejected", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(t, MergePolicy{})
		prior := []DimensionRecord{currentRow("C-1", "Ann", mt0), currentRow("C-1", "Ann2", mt1)}
		_, err := mergeBatch(t, e, prior, nil)
		var v *InvariantViolationError
		require.ErrorAs(t, err, &v)
		assert.Equal(t, ViolationMultipleCurrent, v.Kind)
	})

	t.Run("invalid policy", func(t *testing.T) {
		t.Parallel()
		_, err := NewEngine(EngineConfig{Policy: MergePolicy{Timestamps: "wall"}})
		require.Error(t, err)
	})
}

func TestReconciler_SCD2_Merge_Properties(t *testing.T) {
	t.Parallel()

	prior := []DimensionRecord{
		closedRow("C-1", "Ann v0", mt0.Add(-time.Hour), mt0),
		currentRow("C-1", "Ann", mt0),
		currentRow("C-2", "Bob", mt0),
		currentRow("C-3", "Cy", mt0),
		currentRow("C-4", "Di", mt0),
	}
	changes := []ChangeRecord{
		{Op: OpUpdate, Key: "C-1", Attributes: Attributes{Name: "Ann B"}, SourceTS: ptr(mt1)},
		{Op: OpUpdate, Key: "C-1", Attributes: Attributes{Name: "Ann C"}, SourceTS: ptr(mt2)},
		{Op: OpDelete, Key: "C-2", SourceTS: ptr(mt1)},
		{Op: OpInsert, Key: "C-8", SourceTS: ptr(mt1)},
		{Op: OpUpdate, Key: "C-9", SourceTS: ptr(mt1)},
	}

	for _, workers := range []int{1, 3, 16} {
		e, err := NewEngine(EngineConfig{Workers: workers})
		require.NoError(t, err)
		res, err := mergeBatch(t, e, prior, changes)
		require.NoError(t, err)
		rows := res.Rows
		c := res.Counts

		// At most one current row per key.
		require.NoError(t, ValidateSnapshot(rows))

		// Row count algebra.
		assert.Equal(t, len(prior)+c.Opened(), len(rows))
		assert.Equal(t, len(prior)-c.Closed(), c.Unchanged)

		// History never shrinks.
		for _, key := range []string{"C-1", "C-2", "C-3", "C-4"} {
			before, after := 0, 0
			for _, r := range prior {
				if r.Key == key && !r.CurrentFlag {
					before++
				}
			}
			for _, r := range rows {
				if r.Key == key && !r.CurrentFlag {
					after++
				}
			}
			assert.GreaterOrEqual(t, after, before, key)
		}

		// Untouched keys are carried over unchanged.
		assert.Equal(t, []DimensionRecord{prior[3]}, rowsFor(rows, "C-3"))
		assert.Equal(t, []DimensionRecord{prior[4]}, rowsFor(rows, "C-4"))

		// The latest update wins.
		c1 := rowsFor(rows, "C-1")
		require.Len(t, c1, 3)
		assert.Equal(t, "Ann C", c1[2].Name)

		assert.Equal(t, MergeCounts{
			Unchanged:             3,
			ClosedByUpdate:        1,
			OpenedByUpdate:        2,
			OpenedByInsert:        1,
			ClosedByDelete:        1,
			UpdatesWithoutCurrent: 1,
		}, c)
	}
}
