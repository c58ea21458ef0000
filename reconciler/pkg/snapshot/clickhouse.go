package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse/dataset"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

const commitsTable = "_snapshot_commits"

type ClickHouseStoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Clock      clockwork.Clock
	// WriteBatchSize overrides the insert sub-batch size.
	WriteBatchSize int
}

func (cfg *ClickHouseStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ClickHouseStore writes each snapshot under a fresh version id and makes it
// visible by inserting a commit row once every record row has been sent.
// Readers only follow commit rows, so a failed write is never observed.
type ClickHouseStore struct {
	log *slog.Logger
	cfg ClickHouseStoreConfig
	ds  *dataset.Dataset
}

var _ Store = (*ClickHouseStore)(nil)

func NewClickHouseStore(cfg ClickHouseStoreConfig) (*ClickHouseStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := dataset.New(cfg.Logger, &CustomerSnapshotSchema{})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot dataset: %w", err)
	}
	ds.WriteBatchSize = cfg.WriteBatchSize
	return &ClickHouseStore{log: cfg.Logger, cfg: cfg, ds: ds}, nil
}

func (s *ClickHouseStore) latestCommit(ctx context.Context, conn clickhouse.Connection, tableID string) (*Commit, error) {
	var (
		version     uuid.UUID
		runID       string
		rowCount    uint64
		committedAt time.Time
		sources     []string
	)
	row := conn.QueryRow(ctx, `
		SELECT snapshot_version, run_id, row_count, committed_at, sources
		FROM `+commitsTable+`
		WHERE table_id = ?
		ORDER BY committed_at DESC
		LIMIT 1
	`, tableID)
	if err := row.Scan(&version, &runID, &rowCount, &committedAt, &sources); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query latest snapshot commit: %w", err)
	}
	return &Commit{
		TableID:     tableID,
		Version:     version.String(),
		RunID:       runID,
		RowCount:    int(rowCount),
		CommittedAt: committedAt.UTC(),
		Sources:     sources,
	}, nil
}

func (s *ClickHouseStore) Read(ctx context.Context, tableID string) (*Snapshot, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	commit, err := s.latestCommit(ctx, conn, tableID)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, `
		SELECT customer_id, email, name, loyalty_tier, address, city, state, phone,
			updated_at, effective_date, end_date, current_flag, is_deleted
		FROM `+s.ds.TableName()+`
		WHERE table_id = ? AND snapshot_version = toUUID(?)
	`, tableID, commit.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot rows: %w", err)
	}
	defer rows.Close()

	records := make([]scd2.DimensionRecord, 0, commit.RowCount)
	for rows.Next() {
		var (
			r                   scd2.DimensionRecord
			current, isDeleted  uint8
			updated, eff, ended *time.Time
		)
		if err := rows.Scan(
			&r.Key, &r.Email, &r.Name, &r.LoyaltyTier, &r.Address, &r.City, &r.State, &r.Phone,
			&updated, &eff, &ended, &current, &isDeleted,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		r.UpdatedAt, r.EffectiveDate, r.EndDate = utcPtr(updated), utcPtr(eff), utcPtr(ended)
		r.CurrentFlag, r.IsDeleted = current == 1, isDeleted == 1
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot rows: %w", err)
	}
	if len(records) != commit.RowCount {
		return nil, fmt.Errorf("snapshot %s has %d rows, commit recorded %d", commit.Version, len(records), commit.RowCount)
	}
	scd2.SortRecords(records)

	s.log.Debug("snapshot: read", "table_id", tableID, "version", commit.Version, "rows", len(records))
	return &Snapshot{Commit: *commit, Records: records}, nil
}

func (s *ClickHouseStore) Write(ctx context.Context, tableID, runID string, records []scd2.DimensionRecord, sources []string) (*Commit, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	version := uuid.New()
	err = s.ds.WriteBatch(ctx, conn, len(records), func(i int) ([]any, error) {
		return append([]any{tableID, version}, recordFields(records[i])...), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write snapshot rows: %w", err)
	}

	commit := Commit{
		TableID:     tableID,
		Version:     version.String(),
		RunID:       runID,
		RowCount:    len(records),
		CommittedAt: s.cfg.Clock.Now().UTC().Truncate(time.Microsecond),
		Sources:     sources,
	}
	if commit.Sources == nil {
		commit.Sources = []string{}
	}
	if err := conn.Exec(ctx, `
		INSERT INTO `+commitsTable+` (table_id, snapshot_version, run_id, row_count, committed_at, sources)
		VALUES (?, toUUID(?), ?, ?, ?, ?)
	`, tableID, commit.Version, runID, uint64(commit.RowCount), commit.CommittedAt, commit.Sources); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.log.Info("snapshot: committed", "table_id", tableID, "version", commit.Version, "rows", commit.RowCount)
	return &commit, nil
}

// Prune deletes the rows of every version except the newest keep committed
// ones, including rows left behind by failed writes.
func (s *ClickHouseStore) Prune(ctx context.Context, tableID string, keep int) error {
	if keep < 1 {
		return fmt.Errorf("keep must be at least 1")
	}
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	if err := conn.Exec(ctx, `
		ALTER TABLE `+s.ds.TableName()+` DELETE
		WHERE table_id = ? AND snapshot_version NOT IN (
			SELECT snapshot_version FROM `+commitsTable+`
			WHERE table_id = ?
			ORDER BY committed_at DESC
			LIMIT ?
		)
	`, tableID, tableID, keep); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	s.log.Info("snapshot: pruned", "table_id", tableID, "keep", keep)
	return nil
}
