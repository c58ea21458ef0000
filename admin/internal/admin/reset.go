package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
)

// ResetConfig controls ResetDB.
type ResetConfig struct {
	DryRun bool
	// Yes skips the confirmation prompt.
	Yes bool
	// Prompt is read for the confirmation answer and Out receives the prompt.
	Prompt io.Reader
	Out    io.Writer
}

// managedTables lists the tables created by the reconciler migrations in
// the connection's database, ordered by name.
func managedTables(ctx context.Context, conn clickhouse.Connection) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT name FROM system.tables
		WHERE database = currentDatabase()
		  AND (startsWith(name, 'dim_') OR startsWith(name, 'fact_') OR name IN ('_snapshot_commits', '_run_lock', 'goose_db_version'))
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ResetDB drops every reconciler table in the client's database, including
// the migration history, so the next migrate starts from scratch. It returns
// the tables it dropped, or would drop in dry-run mode.
func ResetDB(ctx context.Context, log *slog.Logger, ch clickhouse.Client, cfg ResetConfig) ([]string, error) {
	conn, err := ch.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var database string
	if err := conn.QueryRow(ctx, "SELECT currentDatabase()").Scan(&database); err != nil {
		return nil, fmt.Errorf("failed to get current database: %w", err)
	}
	tables, err := managedTables(ctx, conn)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		log.Info("reset: no tables to drop", "database", database)
		return nil, nil
	}

	if cfg.DryRun {
		for _, t := range tables {
			log.Info("reset: would drop table", "database", database, "table", t)
		}
		return tables, nil
	}

	if !cfg.Yes {
		if cfg.Prompt == nil || cfg.Out == nil {
			return nil, fmt.Errorf("confirmation required, pass --yes to skip it")
		}
		fmt.Fprintf(cfg.Out, "About to drop %d tables from %s:\n  %s\nType 'yes' to continue: ", len(tables), database, strings.Join(tables, "\n  "))
		answer, err := bufio.NewReader(cfg.Prompt).ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(answer) != "yes" {
			return nil, fmt.Errorf("reset cancelled")
		}
	}

	for _, t := range tables {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`.`%s`", database, t)); err != nil {
			return nil, fmt.Errorf("failed to drop table %s: %w", t, err)
		}
		log.Info("reset: dropped table", "database", database, "table", t)
	}
	return tables, nil
}
