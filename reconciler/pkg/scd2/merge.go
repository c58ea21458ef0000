package scd2

import (
	"fmt"
	"sort"
	"time"
)

// TimestampPolicy selects the timestamp used to open and close rows.
type TimestampPolicy string

const (
	// TimestampProcessing uses the run's processing time for every row.
	TimestampProcessing TimestampPolicy = "processing"
	// TimestampSource uses the winning change's resolution timestamp and
	// falls back to processing time when it is null.
	TimestampSource TimestampPolicy = "source"
)

// UpdatePolicy decides what happens to an update for a key with no current row.
type UpdatePolicy string

const (
	UpdateOpen   UpdatePolicy = "open"
	UpdateReject UpdatePolicy = "reject"
)

// InsertPolicy decides what happens to an insert for a key that already has a
// current row.
type InsertPolicy string

const (
	InsertReject        InsertPolicy = "reject"
	InsertCloseExisting InsertPolicy = "close_existing"
)

type MergePolicy struct {
	Timestamps           TimestampPolicy
	UpdateWithoutCurrent UpdatePolicy
	InsertCollision      InsertPolicy
}

func (p *MergePolicy) Validate() error {
	if p.Timestamps == "" {
		p.Timestamps = TimestampProcessing
	}
	if p.UpdateWithoutCurrent == "" {
		p.UpdateWithoutCurrent = UpdateOpen
	}
	if p.InsertCollision == "" {
		p.InsertCollision = InsertReject
	}
	switch p.Timestamps {
	case TimestampProcessing, TimestampSource:
	default:
		return fmt.Errorf("unknown timestamp policy %q", p.Timestamps)
	}
	switch p.UpdateWithoutCurrent {
	case UpdateOpen, UpdateReject:
	default:
		return fmt.Errorf("unknown update policy %q", p.UpdateWithoutCurrent)
	}
	switch p.InsertCollision {
	case InsertReject, InsertCloseExisting:
	default:
		return fmt.Errorf("unknown insert policy %q", p.InsertCollision)
	}
	return nil
}

type EngineConfig struct {
	Policy MergePolicy
	// Workers is the number of key shards merged in parallel. Defaults to
	// GOMAXPROCS.
	Workers int
}

func (cfg *EngineConfig) Validate() error {
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}
	cfg.Workers = normalizeWorkers(cfg.Workers)
	return nil
}

// Engine applies one deduplicated batch of changes to a prior snapshot.
type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Workers() int {
	return e.cfg.Workers
}

// MergeCounts holds the size of each merge partition plus tolerated anomalies.
type MergeCounts struct {
	Unchanged      int
	ClosedByUpdate int
	OpenedByUpdate int
	OpenedByInsert int
	ClosedByDelete int

	OrphanDeletes         int
	UpdatesWithoutCurrent int
	InsertCollisions      int
}

func (c MergeCounts) Opened() int {
	return c.OpenedByUpdate + c.OpenedByInsert
}

func (c MergeCounts) Closed() int {
	return c.ClosedByUpdate + c.ClosedByDelete
}

func (c *MergeCounts) add(o MergeCounts) {
	c.Unchanged += o.Unchanged
	c.ClosedByUpdate += o.ClosedByUpdate
	c.OpenedByUpdate += o.OpenedByUpdate
	c.OpenedByInsert += o.OpenedByInsert
	c.ClosedByDelete += o.ClosedByDelete
	c.OrphanDeletes += o.OrphanDeletes
	c.UpdatesWithoutCurrent += o.UpdatesWithoutCurrent
	c.InsertCollisions += o.InsertCollisions
}

type MergeResult struct {
	Rows   []DimensionRecord
	Counts MergeCounts
}

type partitions struct {
	unchanged      []DimensionRecord
	closedByUpdate []DimensionRecord
	openedByUpdate []DimensionRecord
	openedByInsert []DimensionRecord
	closedByDelete []DimensionRecord

	counts     MergeCounts
	violations map[ViolationKind][]string
}

func (p *partitions) violate(kind ViolationKind, key string) {
	if p.violations == nil {
		p.violations = make(map[ViolationKind][]string)
	}
	p.violations[kind] = append(p.violations[kind], key)
}

// Merge produces the next snapshot from prior and ops. Every prior row ends
// up in exactly one of the unchanged, closed-by-update or closed-by-delete
// partitions; new rows are opened for each update and insert. Non-current
// prior rows always pass through unchanged.
//
// Merge is all-or-nothing: an invariant violation returns an error and no rows.
func (e *Engine) Merge(prior []DimensionRecord, ops Operations, processedAt time.Time) (*MergeResult, error) {
	processedAt = processedAt.UTC().Truncate(time.Microsecond)
	shards := e.cfg.Workers

	priorBuckets := make([][]int, shards)
	for i := range prior {
		s := shardOf(prior[i].Key, shards)
		priorBuckets[s] = append(priorBuckets[s], i)
	}
	opBuckets := make([][]ResolvedChange, shards)
	for _, list := range [][]ResolvedChange{ops.Inserts, ops.Updates, ops.Deletes} {
		for _, rc := range list {
			s := shardOf(rc.Key, shards)
			opBuckets[s] = append(opBuckets[s], rc)
		}
	}

	results := make([]partitions, shards)
	forEachShard(shards, func(s int) {
		results[s] = e.mergeShard(prior, priorBuckets[s], opBuckets[s], processedAt)
	})

	var counts MergeCounts
	violations := make(map[ViolationKind][]string)
	for _, r := range results {
		counts.add(r.counts)
		for kind, keys := range r.violations {
			violations[kind] = append(violations[kind], keys...)
		}
	}
	for _, kind := range []ViolationKind{ViolationMultipleCurrent, ViolationInsertCollision, ViolationUpdateWithoutCurrent} {
		if keys := violations[kind]; len(keys) > 0 {
			sort.Strings(keys)
			return nil, &InvariantViolationError{Kind: kind, Keys: keys}
		}
	}

	rows := make([]DimensionRecord, 0, len(prior)+counts.Opened())
	for _, pick := range []func(*partitions) []DimensionRecord{
		func(p *partitions) []DimensionRecord { return p.unchanged },
		func(p *partitions) []DimensionRecord { return p.closedByUpdate },
		func(p *partitions) []DimensionRecord { return p.openedByUpdate },
		func(p *partitions) []DimensionRecord { return p.openedByInsert },
		func(p *partitions) []DimensionRecord { return p.closedByDelete },
	} {
		for i := range results {
			rows = append(rows, pick(&results[i])...)
		}
	}
	SortRecords(rows)

	return &MergeResult{Rows: rows, Counts: counts}, nil
}

func (e *Engine) mergeShard(prior []DimensionRecord, priorIdx []int, changes []ResolvedChange, processedAt time.Time) partitions {
	var p partitions

	byKey := make(map[string]ResolvedChange, len(changes))
	for _, rc := range changes {
		byKey[rc.Key] = rc
	}

	current := make(map[string]int)
	for _, i := range priorIdx {
		if !prior[i].CurrentFlag {
			continue
		}
		if _, dup := current[prior[i].Key]; dup {
			p.violate(ViolationMultipleCurrent, prior[i].Key)
			continue
		}
		current[prior[i].Key] = i
	}

	// closedAt records the end date given to a key's previous current row so
	// the row opened in its place starts at the same instant.
	closedAt := make(map[string]time.Time)

	for _, i := range priorIdx {
		row := prior[i]
		rc, touched := byKey[row.Key]
		if !row.CurrentFlag || !touched {
			p.unchanged = append(p.unchanged, row)
			p.counts.Unchanged++
			continue
		}
		at := e.changeTime(rc, processedAt)
		switch rc.Op {
		case OpUpdate:
			closed := closeRow(row, at, false)
			closedAt[row.Key] = *closed.EndDate
			p.closedByUpdate = append(p.closedByUpdate, closed)
			p.counts.ClosedByUpdate++
		case OpDelete:
			p.closedByDelete = append(p.closedByDelete, closeRow(row, at, true))
			p.counts.ClosedByDelete++
		case OpInsert:
			p.counts.InsertCollisions++
			if e.cfg.Policy.InsertCollision == InsertReject {
				p.violate(ViolationInsertCollision, row.Key)
				p.unchanged = append(p.unchanged, row)
				p.counts.Unchanged++
				continue
			}
			closed := closeRow(row, at, false)
			closedAt[row.Key] = *closed.EndDate
			p.closedByUpdate = append(p.closedByUpdate, closed)
			p.counts.ClosedByUpdate++
		}
	}

	for _, rc := range changes {
		_, hasCurrent := current[rc.Key]
		at := e.changeTime(rc, processedAt)
		if t, ok := closedAt[rc.Key]; ok {
			at = t
		}
		switch rc.Op {
		case OpUpdate:
			if !hasCurrent {
				p.counts.UpdatesWithoutCurrent++
				if e.cfg.Policy.UpdateWithoutCurrent == UpdateReject {
					p.violate(ViolationUpdateWithoutCurrent, rc.Key)
					continue
				}
			}
			p.openedByUpdate = append(p.openedByUpdate, openRow(rc, at))
			p.counts.OpenedByUpdate++
		case OpInsert:
			if hasCurrent && e.cfg.Policy.InsertCollision == InsertReject {
				continue
			}
			p.openedByInsert = append(p.openedByInsert, openRow(rc, at))
			p.counts.OpenedByInsert++
		case OpDelete:
			if !hasCurrent {
				p.counts.OrphanDeletes++
			}
		}
	}

	return p
}

func (e *Engine) changeTime(rc ResolvedChange, processedAt time.Time) time.Time {
	if e.cfg.Policy.Timestamps == TimestampSource && rc.ResolutionTS != nil {
		return rc.ResolutionTS.UTC()
	}
	return processedAt
}

// closeRow ends a current row at t, or at its effective date if t is earlier.
func closeRow(row DimensionRecord, t time.Time, deleted bool) DimensionRecord {
	end := laterOf(row.EffectiveDate, t)
	row.EndDate = ptr(end)
	row.UpdatedAt = ptr(t)
	row.CurrentFlag = false
	if deleted {
		row.IsDeleted = true
	}
	return row
}

func openRow(rc ResolvedChange, t time.Time) DimensionRecord {
	return DimensionRecord{
		Key:           rc.Key,
		Attributes:    rc.Attributes,
		UpdatedAt:     ptr(t),
		EffectiveDate: ptr(t),
		EndDate:       nil,
		CurrentFlag:   true,
		IsDeleted:     false,
	}
}

// SortRecords orders records by key, then effective date with nulls first,
// then current rows last.
func SortRecords(rows []DimensionRecord) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if !equalTime(a.EffectiveDate, b.EffectiveDate) {
			if a.EffectiveDate == nil {
				return true
			}
			if b.EffectiveDate == nil {
				return false
			}
			return a.EffectiveDate.Before(*b.EffectiveDate)
		}
		return !a.CurrentFlag && b.CurrentFlag
	})
}
