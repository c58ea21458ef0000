package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/reconciler/pkg/metrics"
	"github.com/malbeclabs/dimlake/reconciler/pkg/notify"
	"github.com/malbeclabs/dimlake/reconciler/pkg/objectstore"
	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
	"github.com/malbeclabs/dimlake/reconciler/pkg/runlock"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
	"github.com/malbeclabs/dimlake/reconciler/pkg/server"
	"github.com/malbeclabs/dimlake/reconciler/pkg/snapshot"
	"github.com/malbeclabs/dimlake/reconciler/pkg/source"
	"github.com/malbeclabs/dimlake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:3020"
	defaultMetricsAddr = "0.0.0.0:0"

	sourceS3  = "s3"
	sourceDir = "dir"

	storeClickHouse = "clickhouse"
	storeS3         = "s3"
	storeMemory     = "memory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	onceFlag := flag.Bool("once", false, "perform a single run and exit (non-zero exit status when the run aborts)")
	scheduleIntervalFlag := flag.Duration("schedule-interval", 0, "start a run on this interval when serving (0 disables the schedule)")
	runTimeoutFlag := flag.Duration("run-timeout", 30*time.Minute, "maximum duration of a single run")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "enable ClickHouse migrations on startup")
	createDatabaseFlag := flag.Bool("create-database", false, "create the ClickHouse database before startup (for dev use)")

	// Reconciliation configuration
	tableIDFlag := flag.String("table-id", reconciler.DefaultTableID, "dimension table id used for snapshots and the run lock")
	workersFlag := flag.Int("workers", runtime.GOMAXPROCS(0), "number of key shards merged in parallel")
	timestampPolicyFlag := flag.String("timestamp-policy", string(scd2.TimestampProcessing), "timestamp for opened and closed rows (processing, source)")
	updatePolicyFlag := flag.String("update-without-current", string(scd2.UpdateOpen), "handling of updates for keys with no current row (open, reject)")
	insertPolicyFlag := flag.String("insert-collision", string(scd2.InsertReject), "handling of inserts for keys with a current row (reject, close_existing)")
	lockTTLFlag := flag.Duration("lock-ttl", runlock.DefaultTTL, "run lock lease duration")

	// Source configuration
	sourceFlag := flag.String("source", sourceS3, "batch source (s3, dir)")
	sourceBucketFlag := flag.String("source-bucket", "", "S3 bucket holding batch files (or set SOURCE_S3_BUCKET env var)")
	sourcePrefixFlag := flag.String("source-prefix", "bronze/customers/", "S3 prefix holding batch files (or set SOURCE_S3_PREFIX env var)")
	sourceArchivePrefixFlag := flag.String("source-archive-prefix", "bronze/customers/_processed/", "S3 prefix receiving acknowledged files, empty to delete them")
	sourceDirFlag := flag.String("source-dir", "", "directory holding batch files when --source=dir")
	sourceArchiveDirFlag := flag.String("source-archive-dir", "", "directory receiving acknowledged files when --source=dir (default <source-dir>/archive)")
	fullLoadPatternFlag := flag.String("full-load-pattern", source.DefaultFullLoadPattern, "file name pattern of full-load files")
	cdcPatternFlag := flag.String("cdc-pattern", source.DefaultCDCPattern, "file name pattern of CDC files")
	skipHeaderFlag := flag.Bool("skip-header", false, "skip the first line of every batch file")
	s3ReadConcurrencyFlag := flag.Int("s3-read-concurrency", 8, "number of batch files downloaded in parallel when --source=s3")

	// S3 configuration
	s3RegionFlag := flag.String("s3-region", objectstore.DefaultRegion, "AWS region (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint-url", "", "custom S3 endpoint URL, e.g. MinIO (or set S3_ENDPOINT_URL env var)")

	// Snapshot store configuration
	storeFlag := flag.String("store", storeClickHouse, "snapshot store (clickhouse, s3, memory)")
	storeBucketFlag := flag.String("store-bucket", "", "S3 bucket for Parquet snapshots when --store=s3 (or set STORE_S3_BUCKET env var)")
	storePrefixFlag := flag.String("store-prefix", "silver/", "S3 prefix for Parquet snapshots when --store=s3")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse server address (e.g., localhost:9000, or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Notification configuration
	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack incoming webhook for run notifications (or set SLACK_WEBHOOK_URL env var)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel override for run notifications")
	notifySuccessFlag := flag.Bool("notify-success", false, "also notify about runs that did not abort")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

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
	if envBucket := os.Getenv("SOURCE_S3_BUCKET"); envBucket != "" {
		*sourceBucketFlag = envBucket
	}
	if envPrefix := os.Getenv("SOURCE_S3_PREFIX"); envPrefix != "" {
		*sourcePrefixFlag = envPrefix
	}
	if envBucket := os.Getenv("STORE_S3_BUCKET"); envBucket != "" {
		*storeBucketFlag = envBucket
	}
	if envRegion := os.Getenv("AWS_REGION"); envRegion != "" {
		*s3RegionFlag = envRegion
	}
	if envEndpoint := os.Getenv("S3_ENDPOINT_URL"); envEndpoint != "" {
		*s3EndpointFlag = envEndpoint
	}
	if envWebhook := os.Getenv("SLACK_WEBHOOK_URL"); envWebhook != "" {
		*slackWebhookFlag = envWebhook
	}
	if envInterval := os.Getenv("SCHEDULE_INTERVAL"); envInterval != "" {
		if d, err := time.ParseDuration(envInterval); err == nil {
			*scheduleIntervalFlag = d
		}
	}

	if err := runlock.ValidateLease(*lockTTLFlag, *runTimeoutFlag); err != nil {
		return fmt.Errorf("invalid --lock-ttl/--run-timeout: %w", err)
	}

	log := logger.New(*verboseFlag)

	log.Info("reconciler starting",
		"version", version,
		"commit", commit,
		"table_id", *tableIDFlag,
		"source", *sourceFlag,
		"store", *storeFlag,
		"once", *onceFlag,
	)

	// Set up signal handling with detailed logging
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	sentryEnabled := initSentry(log)
	if sentryEnabled {
		defer sentry.Flush(2 * time.Second)
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
			}
		}()
	}

	clock := clockwork.NewRealClock()

	// ClickHouse is required by the ClickHouse store and provides the run lock
	// and run log whenever it is configured.
	var clickhouseDB clickhouse.Client
	if *storeFlag == storeClickHouse && *clickhouseAddrFlag == "" {
		return fmt.Errorf("clickhouse-addr is required when --store=clickhouse")
	}
	if *clickhouseAddrFlag != "" {
		if *createDatabaseFlag {
			log.Info("creating ClickHouse database", "database", *clickhouseDatabaseFlag)
			if err := createDatabase(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag); err != nil {
				return err
			}
		}

		log.Debug("clickhouse client initializing", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag, "username", *clickhouseUsernameFlag, "secure", *clickhouseSecureFlag)
		var err error
		clickhouseDB, err = clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer func() {
			if err := clickhouseDB.Close(); err != nil {
				log.Error("failed to close ClickHouse database", "error", err)
			}
		}()
		log.Info("clickhouse client initialized", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag)
	}

	// S3 client, shared by the S3 source and the S3 snapshot store.
	var s3Client objectstore.API
	if *sourceFlag == sourceS3 || *storeFlag == storeS3 {
		client, err := objectstore.NewS3Client(ctx, objectstore.Config{
			Region:          *s3RegionFlag,
			EndpointURL:     *s3EndpointFlag,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		s3Client = client
	}

	patterns := source.Patterns{FullLoad: *fullLoadPatternFlag, CDC: *cdcPatternFlag}
	var src source.Source
	switch *sourceFlag {
	case sourceS3:
		s, err := source.NewS3Source(source.S3SourceConfig{
			Logger:        log,
			Client:        s3Client,
			Bucket:        *sourceBucketFlag,
			Prefix:        *sourcePrefixFlag,
			ArchivePrefix: *sourceArchivePrefixFlag,
			Patterns:      patterns,
			SkipHeader:    *skipHeaderFlag,

			ReadConcurrency: *s3ReadConcurrencyFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 source: %w", err)
		}
		src = s
	case sourceDir:
		s, err := source.NewDirSource(source.DirSourceConfig{
			Logger:     log,
			Dir:        *sourceDirFlag,
			ArchiveDir: *sourceArchiveDirFlag,
			Patterns:   patterns,
			SkipHeader: *skipHeaderFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create directory source: %w", err)
		}
		src = s
	default:
		return fmt.Errorf("unknown source %q", *sourceFlag)
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn("failed to close source", "error", err)
		}
	}()

	var store snapshot.Store
	switch *storeFlag {
	case storeClickHouse:
		s, err := snapshot.NewClickHouseStore(snapshot.ClickHouseStoreConfig{
			Logger:     log,
			ClickHouse: clickhouseDB,
			Clock:      clock,
		})
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse snapshot store: %w", err)
		}
		store = s
	case storeS3:
		s, err := snapshot.NewS3Store(snapshot.S3StoreConfig{
			Logger: log,
			Client: s3Client,
			Clock:  clock,
			Bucket: *storeBucketFlag,
			Prefix: *storePrefixFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 snapshot store: %w", err)
		}
		store = s
	case storeMemory:
		log.Warn("using in-memory snapshot store, snapshots are lost on exit")
		store = snapshot.NewMemoryStore(clock)
	default:
		return fmt.Errorf("unknown store %q", *storeFlag)
	}

	var (
		locker runlock.Locker
		runLog reconciler.RunLog
	)
	if clickhouseDB != nil {
		l, err := runlock.NewClickHouseLocker(runlock.ClickHouseLockerConfig{
			Logger:     log,
			ClickHouse: clickhouseDB,
			Clock:      clock,
			TTL:        *lockTTLFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create run lock: %w", err)
		}
		locker = l
		rl, err := reconciler.NewClickHouseRunLog(log, clickhouseDB)
		if err != nil {
			return fmt.Errorf("failed to create run log: %w", err)
		}
		runLog = rl
	} else {
		log.Info("ClickHouse not configured, using in-process run lock and no run log")
		locker = runlock.NewMemoryLocker(clock, *lockTTLFlag)
	}

	var notifiers notify.Multi
	if *slackWebhookFlag != "" {
		n, err := notify.NewSlack(notify.SlackConfig{
			Logger:     log,
			WebhookURL: *slackWebhookFlag,
			Channel:    *slackChannelFlag,
			OnSuccess:  *notifySuccessFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create Slack notifier: %w", err)
		}
		notifiers = append(notifiers, n)
	}
	if sentryEnabled {
		notifiers = append(notifiers, notify.NewSentry(nil))
	}

	cfg := reconciler.Config{
		Logger:  log,
		Clock:   clock,
		TableID: *tableIDFlag,
		Source:  src,
		Store:   store,
		Locker:  locker,
		Policy: scd2.MergePolicy{
			Timestamps:           scd2.TimestampPolicy(*timestampPolicyFlag),
			UpdateWithoutCurrent: scd2.UpdatePolicy(*updatePolicyFlag),
			InsertCollision:      scd2.InsertPolicy(*insertPolicyFlag),
		},
		Workers: *workersFlag,
		RunLog:  runLog,
	}
	if len(notifiers) > 0 {
		cfg.Notifier = notifiers
	}
	if clickhouseDB != nil && *migrationsEnableFlag {
		cfg.MigrationsEnable = true
		cfg.MigrationsConfig = clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}
	}

	rec, err := reconciler.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	if *onceFlag {
		runCtx, runCancel := context.WithTimeout(ctx, *runTimeoutFlag)
		defer runCancel()
		res, err := rec.Run(runCtx)
		if err != nil {
			return fmt.Errorf("run %s aborted (%s): %w", res.RunID, res.Reason, err)
		}
		log.Info("run complete", "run_id", res.RunID, "outcome", res.Outcome, "snapshot_version", res.SnapshotVersion)
		return nil
	}

	srv, err := server.New(ctx, server.Config{
		Logger:            log,
		Clock:             clock,
		Runner:            rec,
		ListenAddr:        *listenAddrFlag,
		ReadHeaderTimeout: 30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		ScheduleInterval: *scheduleIntervalFlag,
		RunTimeout:       *runTimeoutFlag,
		SentryEnabled:    sentryEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		srv.Wait()
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}

func initSentry(log *slog.Logger) bool {
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN == "" {
		return false
	}
	sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
	if sentryEnv == "" {
		sentryEnv = "development"
	}
	release := version
	if commit != "none" {
		release = version + "-" + commit
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         sentryDSN,
		Environment: sentryEnv,
		Release:     release,
	})
	if err != nil {
		log.Warn("sentry initialization failed", "error", err)
		return false
	}
	log.Info("sentry initialized", "env", sentryEnv, "release", release)
	return true
}

func createDatabase(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) error {
	adminClient, err := clickhouse.NewClient(ctx, log, addr, "default", username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create admin ClickHouse client: %w", err)
	}
	defer adminClient.Close()
	adminConn, err := adminClient.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get admin ClickHouse connection: %w", err)
	}
	if err := clickhouse.CreateDatabase(ctx, log, adminConn, database); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}
	return nil
}
