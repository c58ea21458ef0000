package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/reconciler/pkg/metrics"
	"github.com/malbeclabs/dimlake/reconciler/pkg/runlock"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
	"github.com/malbeclabs/dimlake/reconciler/pkg/snapshot"
	"github.com/malbeclabs/dimlake/reconciler/pkg/source"
)

// Reconciler applies CDC batches from a source to the versioned dimension
// snapshot of one table.
type Reconciler struct {
	log    *slog.Logger
	cfg    Config
	engine *scd2.Engine
}

func New(ctx context.Context, cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.MigrationsEnable {
		if err := clickhouse.RunMigrations(ctx, cfg.Logger, cfg.MigrationsConfig); err != nil {
			return nil, fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
		cfg.Logger.Info("ClickHouse migrations completed")
	}

	engine, err := scd2.NewEngine(scd2.EngineConfig{Policy: cfg.Policy, Workers: cfg.Workers})
	if err != nil {
		return nil, fmt.Errorf("failed to create merge engine: %w", err)
	}

	return &Reconciler{log: cfg.Logger, cfg: cfg, engine: engine}, nil
}

func (r *Reconciler) TableID() string {
	return r.cfg.TableID
}

// stepError tags a failure with the reason reported on the run result.
type stepError struct {
	reason string
	err    error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func failed(reason string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonCancelled
	}
	return &stepError{reason: reason, err: err}
}

// Run performs one reconciliation with a new run id.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	return r.RunWith(ctx, uuid.NewString(), TriggerManual)
}

// RunWith performs one reconciliation. The returned result is never nil. On
// error its outcome is aborted and no merged snapshot was written; a snapshot
// bootstrapped earlier in the same run stays committed and is reported on the
// result.
func (r *Reconciler) RunWith(ctx context.Context, runID string, trigger Trigger) (*Result, error) {
	res := &Result{
		RunID:     runID,
		TableID:   r.cfg.TableID,
		Trigger:   trigger,
		StartedAt: r.cfg.Clock.Now().UTC(),
	}
	log := r.log.With("run_id", runID, "table_id", r.cfg.TableID)
	log.Info("reconciler: run started", "trigger", trigger)

	err := r.run(ctx, log, res)
	res.FinishedAt = r.cfg.Clock.Now().UTC()
	if err != nil {
		res.Outcome = OutcomeAborted
		if res.Error != "" {
			res.Error = err.Error() + "; " + res.Error
		} else {
			res.Error = err.Error()
		}
		var se *stepError
		if errors.As(err, &se) {
			res.Reason = se.reason
		}
		var violation *scd2.InvariantViolationError
		if errors.As(err, &violation) {
			res.Reason = ReasonInvariantViolation + ":" + string(violation.Kind)
			res.ViolationKeys = violation.Keys
		}
		log.Error("reconciler: run aborted", "reason", res.Reason, "error", err)
	} else {
		log.Info("reconciler: run finished",
			"outcome", res.Outcome,
			"reason", res.Reason,
			"snapshot_version", res.SnapshotVersion,
			"snapshot_rows", res.SnapshotRows,
			"ack_failed", res.AckFailed,
			"replayed_objects", res.ReplayedObjects,
			"duration", res.Duration(),
		)
	}

	r.finish(context.WithoutCancel(ctx), log, res)
	return res, err
}

// runState tracks which batch objects the snapshot being built reflects.
type runState struct {
	// applied lists the objects recorded on the base snapshot's commit.
	applied []string
	// unacked lists objects reflected in a snapshot committed by this run
	// whose acknowledgement failed.
	unacked []string
}

func (r *Reconciler) run(ctx context.Context, log *slog.Logger, res *Result) error {
	release, err := r.cfg.Locker.Acquire(ctx, r.cfg.TableID, res.RunID)
	if err != nil {
		return failed(ReasonLocked, fmt.Errorf("failed to acquire run lock: %w", err))
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("reconciler: failed to release run lock", "error", err)
		}
	}()

	processedAt := res.StartedAt.Truncate(time.Microsecond)

	st := &runState{}
	prior, err := r.loadBase(ctx, log, res, st)
	if err != nil {
		return err
	}

	batch, err := r.cfg.Source.ReadCDCBatch(ctx)
	if err != nil {
		return failed(ReasonSourceFailure, fmt.Errorf("failed to read cdc batch: %w", err))
	}
	if batch.Empty() {
		r.settleWithoutMerge(res, ReasonNoChanges)
		return nil
	}

	rows := batch.Rows
	if replayed := intersect(batch.Objects, st.applied); len(replayed) > 0 {
		res.ReplayedObjects = len(replayed)
		log.Warn("reconciler: skipping cdc objects already in the committed snapshot", "objects", replayed)
		if len(replayed) == len(batch.Objects) {
			r.ack(ctx, log, res, batch)
			r.settleWithoutMerge(res, ReasonAlreadyApplied)
			return nil
		}
		rows = batch.RowsExcluding(replayed)
	}

	changes, stats := scd2.NormalizeChanges(rows)
	res.CDC = stats
	if n := stats.TotalDropped(); n > 0 {
		log.Warn("reconciler: dropped malformed cdc rows", "dropped", n, "read", stats.Read, "reasons", stats.Dropped)
	}
	if len(changes) == 0 {
		// Nothing usable; consume the batch so it is not read again.
		r.ack(ctx, log, res, batch)
		reason := ReasonAllMalformed
		if stats.Read == 0 {
			reason = ReasonNoChanges
		}
		r.settleWithoutMerge(res, reason)
		return nil
	}

	resolved, dstats := scd2.Deduplicate(changes, processedAt, r.engine.Workers())
	res.Dedup = dstats
	ops := scd2.Partition(resolved)
	log.Debug("reconciler: resolved changes",
		"changes", len(changes),
		"resolved", len(resolved),
		"inserts", len(ops.Inserts),
		"updates", len(ops.Updates),
		"deletes", len(ops.Deletes),
	)

	merged, err := r.engine.Merge(prior, ops, processedAt)
	if err != nil {
		return failed(ReasonInvariantViolation, fmt.Errorf("failed to merge batch: %w", err))
	}
	if err := scd2.ValidateSnapshot(merged.Rows); err != nil {
		return failed(ReasonInvariantViolation, fmt.Errorf("merged snapshot is invalid: %w", err))
	}
	res.Merge = merged.Counts
	if c := merged.Counts; c.OrphanDeletes > 0 || c.UpdatesWithoutCurrent > 0 || c.InsertCollisions > 0 {
		log.Warn("reconciler: tolerated anomalies",
			"orphan_deletes", c.OrphanDeletes,
			"updates_without_current", c.UpdatesWithoutCurrent,
			"insert_collisions", c.InsertCollisions,
		)
	}

	if err := ctx.Err(); err != nil {
		return failed(ReasonCancelled, err)
	}
	sources := append(slices.Clone(batch.Objects), st.unacked...)
	commit, err := r.cfg.Store.Write(ctx, r.cfg.TableID, res.RunID, merged.Rows, sources)
	if err != nil {
		return failed(ReasonStorageFailure, fmt.Errorf("failed to write snapshot: %w", err))
	}
	res.SnapshotVersion = commit.Version
	res.SnapshotRows = commit.RowCount
	res.Outcome = OutcomeMerged

	r.ack(ctx, log, res, batch)
	return nil
}

// loadBase returns the dimension the batch is merged into: a freshly
// bootstrapped one when a new full load is present, the committed snapshot
// otherwise.
func (r *Reconciler) loadBase(ctx context.Context, log *slog.Logger, res *Result, st *runState) ([]scd2.DimensionRecord, error) {
	full, err := r.cfg.Source.ReadFullLoad(ctx)
	if err != nil {
		return nil, failed(ReasonSourceFailure, fmt.Errorf("failed to read full load: %w", err))
	}

	snap, err := r.cfg.Store.Read(ctx, r.cfg.TableID)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return nil, failed(ReasonStorageFailure, fmt.Errorf("failed to read snapshot: %w", err))
	}

	if !full.Empty() {
		if snap != nil && containsAll(snap.Sources, full.Objects) {
			log.Warn("reconciler: full load already in the committed snapshot", "version", snap.Version, "objects", len(full.Objects))
			res.ReplayedObjects += len(full.Objects)
			if !r.ack(ctx, log, res, full) {
				st.unacked = append(st.unacked, full.Objects...)
			}
			st.applied = snap.Sources
			return snap.Records, nil
		}

		records, stats := scd2.NormalizeFullLoad(full.Rows)
		res.FullLoad = stats
		if n := stats.TotalDropped(); n > 0 {
			log.Warn("reconciler: dropped malformed full load rows", "dropped", n, "read", stats.Read, "reasons", stats.Dropped)
		}
		if len(records) > 0 {
			return r.bootstrap(ctx, log, res, st, full, records)
		}
		log.Warn("reconciler: full load has no usable rows, using committed snapshot", "objects", len(full.Objects))
	}

	if snap == nil {
		return nil, failed(ReasonBootstrapMissing, fmt.Errorf("table %s: %w", r.cfg.TableID, scd2.ErrBootstrapMissing))
	}
	log.Debug("reconciler: loaded snapshot", "version", snap.Version, "rows", len(snap.Records))

	if !full.Empty() {
		r.ack(ctx, log, res, full)
	}
	st.applied = snap.Sources
	return snap.Records, nil
}

func (r *Reconciler) bootstrap(ctx context.Context, log *slog.Logger, res *Result, st *runState, full *source.Batch, records []scd2.DimensionRecord) ([]scd2.DimensionRecord, error) {
	rows, stats := scd2.Bootstrap(records)
	res.Bootstrap = stats
	if stats.Duplicates > 0 {
		log.Warn("reconciler: collapsed duplicate full load keys", "duplicates", stats.Duplicates)
	}

	commit, err := r.cfg.Store.Write(ctx, r.cfg.TableID, res.RunID, rows, full.Objects)
	if err != nil {
		return nil, failed(ReasonStorageFailure, fmt.Errorf("failed to write bootstrap snapshot: %w", err))
	}
	res.Bootstrapped = true
	res.SnapshotVersion = commit.Version
	res.SnapshotRows = commit.RowCount
	log.Info("reconciler: bootstrapped from full load", "rows", len(rows), "objects", len(full.Objects), "version", commit.Version)

	if !r.ack(ctx, log, res, full) {
		st.unacked = append(st.unacked, full.Objects...)
	}
	return rows, nil
}

// ack acknowledges a batch. A failure is reported on the result and never
// aborts the run: either the batch is recorded on a committed snapshot and
// the next run skips it, or it carried nothing to apply.
func (r *Reconciler) ack(ctx context.Context, log *slog.Logger, res *Result, batch *source.Batch) bool {
	err := r.cfg.Source.Ack(ctx, batch)
	if err == nil {
		return true
	}
	log.Warn("reconciler: failed to acknowledge batch", "kind", batch.Kind, "objects", len(batch.Objects), "snapshot_version", res.SnapshotVersion, "error", err)
	res.AckFailed = true
	msg := fmt.Sprintf("failed to acknowledge %s batch: %v", batch.Kind, err)
	if res.Error != "" {
		msg = res.Error + "; " + msg
	}
	res.Error = msg
	return false
}

func (r *Reconciler) settleWithoutMerge(res *Result, reason string) {
	if res.Bootstrapped {
		res.Outcome = OutcomeBootstrapped
		return
	}
	res.Outcome = OutcomeNoop
	res.Reason = reason
}

func (r *Reconciler) finish(ctx context.Context, log *slog.Logger, res *Result) {
	metrics.RecordRun(res.TableID, string(res.Outcome), res.Duration())
	metrics.RecordDropped(res.TableID, string(source.KindFullLoad), res.FullLoad.Read, dropCounts(res.FullLoad))
	metrics.RecordDropped(res.TableID, string(source.KindCDC), res.CDC.Read, dropCounts(res.CDC))
	if res.Committed() {
		metrics.RecordMerge(res.TableID, map[string]int{
			"unchanged":        res.Merge.Unchanged,
			"closed_by_update": res.Merge.ClosedByUpdate,
			"opened_by_update": res.Merge.OpenedByUpdate,
			"opened_by_insert": res.Merge.OpenedByInsert,
			"closed_by_delete": res.Merge.ClosedByDelete,
		}, res.SnapshotRows, res.FinishedAt)
	}

	if r.cfg.RunLog != nil {
		if err := r.cfg.RunLog.Record(ctx, res); err != nil {
			log.Warn("reconciler: failed to record run", "error", err)
		}
	}
	if r.cfg.Notifier != nil {
		if err := r.cfg.Notifier.Notify(ctx, res); err != nil {
			log.Warn("reconciler: failed to send notification", "error", err)
		}
	}
}

func intersect(objects, applied []string) []string {
	var out []string
	for _, o := range objects {
		if slices.Contains(applied, o) {
			out = append(out, o)
		}
	}
	return out
}

func containsAll(set, objects []string) bool {
	return len(intersect(objects, set)) == len(objects)
}

func dropCounts(stats scd2.NormalizeStats) map[string]int {
	out := make(map[string]int, len(stats.Dropped))
	for reason, n := range stats.Dropped {
		out[string(reason)] = n
	}
	return out
}

// IsLocked reports whether a run failed because another run holds the lock.
func IsLocked(err error) bool {
	return errors.Is(err, runlock.ErrLocked)
}
