package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/dimlake/admin/internal/admin"
	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
	"github.com/malbeclabs/dimlake/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Commands
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse database migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse database migration status")
	clickhouseRollbackFlag := flag.Bool("clickhouse-rollback", false, "Roll back the most recent ClickHouse migration")
	listSnapshotsFlag := flag.Bool("list-snapshots", false, "List committed snapshot versions of a table, newest first")
	pruneSnapshotsFlag := flag.Bool("prune-snapshots", false, "Delete snapshot versions older than the newest --keep commits")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all reconciler tables (dim_*, fact_*, _snapshot_commits, _run_lock) and the migration history")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Snapshot options
	tableIDFlag := flag.String("table-id", reconciler.DefaultTableID, "Logical table id of the dimension (or set RECONCILER_TABLE_ID env var)")
	keepFlag := flag.Int("keep", 10, "Number of committed snapshot versions to keep when pruning")
	limitFlag := flag.Int("limit", 20, "Maximum number of snapshot versions to list (0 = all)")

	flag.Parse()

	// Load .env if present; real environment variables take precedence.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if envTableID := os.Getenv("RECONCILER_TABLE_ID"); envTableID != "" {
		*tableIDFlag = envTableID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	migrationConfig := clickhouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	connect := func(command string) (clickhouse.Client, error) {
		if *clickhouseAddrFlag == "" {
			return nil, fmt.Errorf("--clickhouse-addr is required for --%s", command)
		}
		return clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	}

	// Execute commands
	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(ctx, log, migrationConfig)
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.MigrationStatus(ctx, log, migrationConfig)
	}

	if *clickhouseRollbackFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-rollback")
		}
		if *dryRunFlag {
			log.Info("rollback: dry run, showing current status instead")
			return clickhouse.MigrationStatus(ctx, log, migrationConfig)
		}
		return clickhouse.RollbackMigration(ctx, log, migrationConfig)
	}

	if *listSnapshotsFlag {
		ch, err := connect("list-snapshots")
		if err != nil {
			return err
		}
		defer ch.Close()
		commits, err := admin.ListCommits(ctx, ch, *tableIDFlag, *limitFlag)
		if err != nil {
			return err
		}
		return admin.PrintCommits(os.Stdout, commits)
	}

	if *pruneSnapshotsFlag {
		if *keepFlag < 1 {
			return fmt.Errorf("--keep must be at least 1")
		}
		ch, err := connect("prune-snapshots")
		if err != nil {
			return err
		}
		defer ch.Close()
		return admin.PruneSnapshots(ctx, log, ch, *tableIDFlag, *keepFlag, *dryRunFlag)
	}

	if *resetDBFlag {
		ch, err := connect("reset-db")
		if err != nil {
			return err
		}
		defer ch.Close()
		_, err = admin.ResetDB(ctx, log, ch, admin.ResetConfig{
			DryRun: *dryRunFlag,
			Yes:    *yesFlag,
			Prompt: os.Stdin,
			Out:    os.Stdout,
		})
		return err
	}

	flag.Usage()
	return nil
}
