package scd2

import (
	"sort"
	"time"
)

// ResolvedChange is the winning change for a key within one batch.
type ResolvedChange struct {
	ChangeRecord

	// ResolutionTS is the source timestamp, or the processing time for a
	// delete that arrived without one. Nil only for inserts and updates with
	// no usable timestamp.
	ResolutionTS *time.Time
	// Candidates is the number of change records seen for the key.
	Candidates int
}

// DedupStats summarizes a deduplication pass.
type DedupStats struct {
	Input      int
	Output     int
	Superseded int
}

// Deduplicate reduces a batch to at most one change per key. Changes are
// ordered by resolution timestamp descending with nulls last, then by
// operation (delete before update before insert), then by content so that
// the result does not depend on input order. The first change wins.
func Deduplicate(changes []ChangeRecord, processedAt time.Time, workers int) ([]ResolvedChange, DedupStats) {
	shards := normalizeWorkers(workers)
	processedAt = processedAt.UTC().Truncate(time.Microsecond)

	buckets := make([][]int, shards)
	for i, c := range changes {
		s := shardOf(c.Key, shards)
		buckets[s] = append(buckets[s], i)
	}

	results := make([][]ResolvedChange, shards)
	forEachShard(shards, func(s int) {
		best := make(map[string]int, len(buckets[s]))
		var out []ResolvedChange
		for _, i := range buckets[s] {
			cand := resolve(changes[i], processedAt)
			idx, ok := best[cand.Key]
			if !ok {
				cand.Candidates = 1
				best[cand.Key] = len(out)
				out = append(out, cand)
				continue
			}
			cand.Candidates = out[idx].Candidates + 1
			if beats(cand, out[idx]) {
				out[idx] = cand
			} else {
				out[idx].Candidates = cand.Candidates
			}
		}
		results[s] = out
	})

	var out []ResolvedChange
	for _, r := range results {
		out = append(out, r...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, DedupStats{
		Input:      len(changes),
		Output:     len(out),
		Superseded: len(changes) - len(out),
	}
}

func resolve(c ChangeRecord, processedAt time.Time) ResolvedChange {
	rc := ResolvedChange{ChangeRecord: c, ResolutionTS: c.SourceTS}
	if rc.ResolutionTS == nil && c.Op == OpDelete {
		rc.ResolutionTS = ptr(processedAt)
	}
	return rc
}

// beats reports whether a orders strictly before b.
func beats(a, b ResolvedChange) bool {
	if newerThan(a.ResolutionTS, b.ResolutionTS) {
		return true
	}
	if newerThan(b.ResolutionTS, a.ResolutionTS) {
		return false
	}
	if ra, rb := a.Op.rank(), b.Op.rank(); ra != rb {
		return ra < rb
	}
	if newerThan(a.SourceTS, b.SourceTS) {
		return true
	}
	if newerThan(b.SourceTS, a.SourceTS) {
		return false
	}
	return a.Attributes.compare(b.Attributes) < 0
}
