package scd2

import (
	"sort"
)

// BootstrapStats reports how many full-load rows collapsed into one row per key.
type BootstrapStats struct {
	Input      int
	Output     int
	Duplicates int
}

// Bootstrap builds an initial dimension from full-load records: one current,
// non-deleted row per key, effective from its updated_at. When a key appears
// more than once the row with the latest updated_at wins, nulls last, then the
// earliest occurrence.
func Bootstrap(records []DimensionRecord) ([]DimensionRecord, BootstrapStats) {
	stats := BootstrapStats{Input: len(records)}

	byKey := make(map[string]int, len(records))
	out := make([]DimensionRecord, 0, len(records))
	for _, r := range records {
		row := DimensionRecord{
			Key:           r.Key,
			Attributes:    r.Attributes,
			UpdatedAt:     r.UpdatedAt,
			EffectiveDate: r.UpdatedAt,
			EndDate:       nil,
			CurrentFlag:   true,
			IsDeleted:     false,
		}
		idx, seen := byKey[r.Key]
		if !seen {
			byKey[r.Key] = len(out)
			out = append(out, row)
			continue
		}
		stats.Duplicates++
		if newerThan(row.UpdatedAt, out[idx].UpdatedAt) {
			out[idx] = row
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	stats.Output = len(out)
	return out, stats
}
