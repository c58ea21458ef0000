package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
)

const (
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultHistorySize       = 100
)

type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Runner performs reconciliation runs. *reconciler.Reconciler implements it.
type Runner interface {
	TableID() string
	RunWith(ctx context.Context, runID string, trigger reconciler.Trigger) (*reconciler.Result, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Runner Runner

	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// ScheduleInterval starts a run on every tick when positive.
	ScheduleInterval time.Duration
	// RunTimeout bounds a single run when positive.
	RunTimeout time.Duration
	// HistorySize is the number of finished runs kept for GET /v1/runs.
	HistorySize int

	// SentryEnabled installs the Sentry HTTP middleware.
	SentryEnabled bool
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.ScheduleInterval < 0 {
		return errors.New("schedule interval must not be negative")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return nil
}
