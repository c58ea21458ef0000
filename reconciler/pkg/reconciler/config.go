package reconciler

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	"github.com/malbeclabs/dimlake/reconciler/pkg/runlock"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
	"github.com/malbeclabs/dimlake/reconciler/pkg/snapshot"
	"github.com/malbeclabs/dimlake/reconciler/pkg/source"
)

const DefaultTableID = "customers"

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// TableID identifies the dimension in the snapshot store and run lock.
	TableID string

	Source source.Source
	Store  snapshot.Store
	Locker runlock.Locker

	Policy  scd2.MergePolicy
	Workers int

	// Run log configuration (optional).
	RunLog RunLog

	// Notifier receives every finished run (optional).
	Notifier Notifier

	// ClickHouse migrations, run by New when enabled.
	MigrationsEnable bool
	MigrationsConfig clickhouse.MigrationConfig
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	if c.Store == nil {
		return errors.New("snapshot store is required")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.TableID == "" {
		c.TableID = DefaultTableID
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Locker == nil {
		c.Locker = runlock.NewMemoryLocker(c.Clock, runlock.DefaultTTL)
	}
	return nil
}
