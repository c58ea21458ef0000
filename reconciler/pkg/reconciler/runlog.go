package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse/dataset"
)

// RunLog records finished runs.
type RunLog interface {
	Record(ctx context.Context, res *Result) error
}

// Notifier is told about every finished run and decides what to report.
type Notifier interface {
	Notify(ctx context.Context, res *Result) error
}

type RunSchema struct{}

func (s *RunSchema) Name() string       { return "reconciliation_runs" }
func (s *RunSchema) Kind() dataset.Kind { return dataset.KindFact }

func (s *RunSchema) Columns() []string {
	return []string{
		"run_id:String",
		"table_id:String",
		"trigger:String",
		"started_at:DateTime64(6, 'UTC')",
		"finished_at:DateTime64(6, 'UTC')",
		"outcome:LowCardinality(String)",
		"reason:String",
		"bootstrapped:UInt8",
		"full_load_rows:UInt64",
		"cdc_rows_read:UInt64",
		"cdc_rows_dropped:UInt64",
		"changes_resolved:UInt64",
		"unchanged:UInt64",
		"closed_by_update:UInt64",
		"opened_by_update:UInt64",
		"opened_by_insert:UInt64",
		"closed_by_delete:UInt64",
		"snapshot_version:String",
		"snapshot_rows:UInt64",
		"ack_failed:UInt8",
		"replayed_objects:UInt64",
	}
}

func (s *RunSchema) UniqueKeyColumns() []string {
	return []string{"run_id"}
}

func runRow(res *Result) []any {
	var bootstrapped, ackFailed uint8
	if res.Bootstrapped {
		bootstrapped = 1
	}
	if res.AckFailed {
		ackFailed = 1
	}
	return []any{
		res.RunID,
		res.TableID,
		string(res.Trigger),
		res.StartedAt.UTC(),
		res.FinishedAt.UTC(),
		string(res.Outcome),
		res.Reason,
		bootstrapped,
		uint64(res.FullLoad.Read),
		uint64(res.CDC.Read),
		uint64(res.CDC.TotalDropped()),
		uint64(res.Dedup.Output),
		uint64(res.Merge.Unchanged),
		uint64(res.Merge.ClosedByUpdate),
		uint64(res.Merge.OpenedByUpdate),
		uint64(res.Merge.OpenedByInsert),
		uint64(res.Merge.ClosedByDelete),
		res.SnapshotVersion,
		uint64(res.SnapshotRows),
		ackFailed,
		uint64(res.ReplayedObjects),
	}
}

type ClickHouseRunLog struct {
	log        *slog.Logger
	clickhouse clickhouse.Client
	dataset    *dataset.Dataset
}

var _ RunLog = (*ClickHouseRunLog)(nil)

func NewClickHouseRunLog(log *slog.Logger, ch clickhouse.Client) (*ClickHouseRunLog, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if ch == nil {
		return nil, errors.New("clickhouse connection is required")
	}
	d, err := dataset.New(log, &RunSchema{})
	if err != nil {
		return nil, fmt.Errorf("failed to create run dataset: %w", err)
	}
	return &ClickHouseRunLog{log: log, clickhouse: ch, dataset: d}, nil
}

func (l *ClickHouseRunLog) Record(ctx context.Context, res *Result) error {
	conn, err := l.clickhouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := l.dataset.WriteBatch(ctx, conn, 1, func(int) ([]any, error) {
		return runRow(res), nil
	}); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}
