package scd2

import (
	"strings"
	"time"
)

// TimestampLayout is the layout of timestamps in batch files. Fractional
// seconds up to microseconds are accepted but optional.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	changeColumnCount   = 10
	fullLoadColumnCount = 9
)

// DropReason labels why a raw row was discarded during normalization.
type DropReason string

const (
	DropMissingKey       DropReason = "missing_key"
	DropInvalidOperation DropReason = "invalid_operation"
	DropColumnCount      DropReason = "column_count"
)

// NormalizeStats counts rows read, kept and dropped per reason.
type NormalizeStats struct {
	Read    int
	Kept    int
	Dropped map[DropReason]int
	// NullTimestamps counts kept rows whose timestamp was empty or unparsable.
	NullTimestamps int
}

func newNormalizeStats() NormalizeStats {
	return NormalizeStats{Dropped: make(map[DropReason]int)}
}

func (s *NormalizeStats) drop(reason DropReason) {
	s.Dropped[reason]++
}

// TotalDropped returns the number of rows dropped for any reason.
func (s NormalizeStats) TotalDropped() int {
	n := 0
	for _, c := range s.Dropped {
		n += c
	}
	return n
}

// NormalizeChanges converts raw CDC rows into change records. Rows without a
// key, with an unknown operation or with the wrong number of fields are
// dropped and counted.
func NormalizeChanges(rows []RawRow) ([]ChangeRecord, NormalizeStats) {
	stats := newNormalizeStats()
	out := make([]ChangeRecord, 0, len(rows))
	for _, row := range rows {
		stats.Read++
		if len(row) != changeColumnCount {
			stats.drop(DropColumnCount)
			continue
		}
		key := strings.TrimSpace(row[1])
		if key == "" {
			stats.drop(DropMissingKey)
			continue
		}
		op := Operation(strings.ToUpper(strings.TrimSpace(row[0])))
		if !op.Valid() {
			stats.drop(DropInvalidOperation)
			continue
		}
		ts := ParseTimestamp(row[9])
		if ts == nil {
			stats.NullTimestamps++
		}
		out = append(out, ChangeRecord{
			Op:         op,
			Key:        key,
			Attributes: attributesFrom(row[2:9]),
			SourceTS:   ts,
		})
		stats.Kept++
	}
	return out, stats
}

// NormalizeFullLoad converts raw full-load rows into dimension records that
// carry only key, attributes and updated_at. Bootstrap fills the rest.
func NormalizeFullLoad(rows []RawRow) ([]DimensionRecord, NormalizeStats) {
	stats := newNormalizeStats()
	out := make([]DimensionRecord, 0, len(rows))
	for _, row := range rows {
		stats.Read++
		if len(row) != fullLoadColumnCount {
			stats.drop(DropColumnCount)
			continue
		}
		key := strings.TrimSpace(row[0])
		if key == "" {
			stats.drop(DropMissingKey)
			continue
		}
		ts := ParseTimestamp(row[8])
		if ts == nil {
			stats.NullTimestamps++
		}
		out = append(out, DimensionRecord{
			Key:        key,
			Attributes: attributesFrom(row[1:8]),
			UpdatedAt:  ts,
		})
		stats.Kept++
	}
	return out, stats
}

// ParseTimestamp parses a batch timestamp as UTC. Empty or unparsable input
// yields nil.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return nil
	}
	t = t.Truncate(time.Microsecond)
	return &t
}

func attributesFrom(f []string) Attributes {
	return Attributes{
		Email:       f[0],
		Name:        f[1],
		LoyaltyTier: f[2],
		Address:     f[3],
		City:        f[4],
		State:       f[5],
		Phone:       f[6],
	}
}
