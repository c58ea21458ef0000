package scd2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler_SCD2_Bootstrap(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	t.Run("duplicate keys collapse to one current row", func(t *testing.T) {
		t.Parallel()
		records := []DimensionRecord{
			{Key: "C-2", Attributes: Attributes{Name: "old"}, UpdatedAt: ptr(t0)},
			{Key: "C-1", Attributes: Attributes{Name: "one"}, UpdatedAt: ptr(t0)},
			{Key: "C-2", Attributes: Attributes{Name: "new"}, UpdatedAt: ptr(t1)},
			{Key: "C-2", Attributes: Attributes{Name: "null"}},
		}
		out, stats := Bootstrap(records)
		require.Len(t, out, 2)
		assert.Equal(t, BootstrapStats{Input: 4, Output: 2, Duplicates: 2}, stats)

		assert.Equal(t, "C-1", out[0].Key)
		assert.Equal(t, "C-2", out[1].Key)
		assert.Equal(t, "new", out[1].Name)
		require.NoError(t, ValidateSnapshot(out))

		for _, r := range out {
			assert.True(t, r.CurrentFlag)
			assert.False(t, r.IsDeleted)
			assert.Nil(t, r.EndDate)
			assert.Equal(t, r.UpdatedAt, r.EffectiveDate)
		}
	})

	t.Run("first occurrence wins on equal timestamps", func(t *testing.T) {
		t.Parallel()
		out, _ := Bootstrap([]DimensionRecord{
			{Key: "C-1", Attributes: Attributes{Name: "first"}, UpdatedAt: ptr(t0)},
			{Key: "C-1", Attributes: Attributes{Name: "second"}, UpdatedAt: ptr(t0)},
		})
		require.Len(t, out, 1)
		assert.Equal(t, "first", out[0].Name)
	})

	t.Run("null updated_at yields null effective date", func(t *testing.T) {
		t.Parallel()
		out, _ := Bootstrap([]DimensionRecord{{Key: "C-9"}})
		require.Len(t, out, 1)
		assert.Nil(t, out[0].EffectiveDate)
		assert.True(t, out[0].CurrentFlag)
	})
}
