package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/reconciler/pkg/snapshot"
)

// PruneSnapshots keeps the newest keep committed versions of a table and
// deletes the rest.
func PruneSnapshots(ctx context.Context, log *slog.Logger, ch clickhouse.Client, tableID string, keep int, dryRun bool) error {
	if dryRun {
		versions, err := ListCommits(ctx, ch, tableID, 0)
		if err != nil {
			return err
		}
		for i, c := range versions {
			if i >= keep {
				log.Info("prune: would delete snapshot version", "table_id", tableID, "version", c.Version, "committed_at", c.CommittedAt)
			}
		}
		return nil
	}

	store, err := snapshot.NewClickHouseStore(snapshot.ClickHouseStoreConfig{Logger: log, ClickHouse: ch})
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	return store.Prune(ctx, tableID, keep)
}

// ListCommits returns the committed snapshot versions of a table, newest
// first. A positive limit bounds the result.
func ListCommits(ctx context.Context, ch clickhouse.Client, tableID string, limit int) ([]snapshot.Commit, error) {
	conn, err := ch.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	query := "SELECT toString(snapshot_version), run_id, row_count, committed_at FROM _snapshot_commits WHERE table_id = ? ORDER BY committed_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := conn.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Commit
	for rows.Next() {
		var (
			c        snapshot.Commit
			rowCount uint64
		)
		if err := rows.Scan(&c.Version, &c.RunID, &rowCount, &c.CommittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		c.TableID = tableID
		c.RowCount = int(rowCount)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PrintCommits writes commits as a table.
func PrintCommits(w io.Writer, commits []snapshot.Commit) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tRUN ID\tROWS\tCOMMITTED AT")
	for _, c := range commits {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Version, c.RunID, c.RowCount, c.CommittedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
