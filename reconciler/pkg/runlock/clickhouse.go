package runlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
)

type ClickHouseLockerConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Clock      clockwork.Clock
	TTL        time.Duration
}

func (cfg *ClickHouseLockerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ClickHouseLocker keeps one lease row per table in _run_lock. The table is a
// ReplacingMergeTree keyed by table_id, so the newest row is the lease. After
// writing its lease a run reads it back and backs off if another run's row
// won.
type ClickHouseLocker struct {
	log *slog.Logger
	cfg ClickHouseLockerConfig
}

var _ Locker = (*ClickHouseLocker)(nil)

func NewClickHouseLocker(cfg ClickHouseLockerConfig) (*ClickHouseLocker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouseLocker{log: cfg.Logger, cfg: cfg}, nil
}

type holder struct {
	runID     string
	expiresAt time.Time
	released  bool
}

func (l *ClickHouseLocker) current(ctx context.Context, conn clickhouse.Connection, tableID string) (*holder, error) {
	var (
		h        holder
		released uint8
	)
	row := conn.QueryRow(ctx, "SELECT run_id, expires_at, released FROM _run_lock FINAL WHERE table_id = ? LIMIT 1", tableID)
	if err := row.Scan(&h.runID, &h.expiresAt, &released); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query run lock: %w", err)
	}
	h.released = released == 1
	return &h, nil
}

func (l *ClickHouseLocker) write(ctx context.Context, conn clickhouse.Connection, tableID, runID string, acquiredAt, expiresAt time.Time, released bool) error {
	var rel uint8
	if released {
		rel = 1
	}
	now := l.cfg.Clock.Now().UTC()
	if err := conn.Exec(ctx,
		"INSERT INTO _run_lock (table_id, run_id, acquired_at, expires_at, released, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		tableID, runID, acquiredAt.UTC(), expiresAt.UTC(), rel, now,
	); err != nil {
		return fmt.Errorf("failed to write run lock: %w", err)
	}
	return nil
}

func (l *ClickHouseLocker) Acquire(ctx context.Context, tableID, runID string) (ReleaseFunc, error) {
	conn, err := l.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	now := l.cfg.Clock.Now().UTC()
	h, err := l.current(ctx, conn, tableID)
	if err != nil {
		return nil, err
	}
	if h != nil && !h.released && h.runID != runID && now.Before(h.expiresAt) {
		return nil, &LockedError{TableID: tableID, HolderID: h.runID, ExpiresAt: h.expiresAt}
	}
	if h != nil && !h.released && h.runID != runID {
		l.log.Warn("runlock: taking over expired lease", "table_id", tableID, "previous_run_id", h.runID, "expired_at", h.expiresAt)
	}

	expiresAt := now.Add(l.cfg.TTL)
	if err := l.write(ctx, conn, tableID, runID, now, expiresAt, false); err != nil {
		return nil, err
	}

	h, err = l.current(ctx, conn, tableID)
	if err != nil {
		return nil, err
	}
	if h == nil || h.runID != runID {
		holderID := ""
		if h != nil {
			holderID = h.runID
		}
		return nil, &LockedError{TableID: tableID, HolderID: holderID, ExpiresAt: expiresAt}
	}

	l.log.Debug("runlock: acquired", "table_id", tableID, "run_id", runID, "expires_at", expiresAt)

	return func(ctx context.Context) error {
		conn, err := l.cfg.ClickHouse.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()

		h, err := l.current(ctx, conn, tableID)
		if err != nil {
			return err
		}
		if h == nil || h.runID != runID || h.released {
			return nil
		}
		if err := l.write(ctx, conn, tableID, runID, now, expiresAt, true); err != nil {
			return err
		}
		l.log.Debug("runlock: released", "table_id", tableID, "run_id", runID)
		return nil
	}, nil
}
