package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

// ErrNotFound is returned by Read when no snapshot has been committed for a
// table.
var ErrNotFound = errors.New("snapshot not found")

// Commit describes one written snapshot version.
type Commit struct {
	TableID     string
	Version     string
	RunID       string
	RowCount    int
	CommittedAt time.Time
	// Sources names the batch objects reflected in this version that were
	// not yet acknowledged when it was written.
	Sources []string
}

type Snapshot struct {
	Commit
	Records []scd2.DimensionRecord
}

// Store persists whole dimension snapshots. Write replaces the visible
// snapshot of a table atomically from a reader's point of view: either the
// previous version or the complete new one is returned by Read. sources is
// stored on the commit and returned by Read.
type Store interface {
	Read(ctx context.Context, tableID string) (*Snapshot, error)
	Write(ctx context.Context, tableID, runID string, records []scd2.DimensionRecord, sources []string) (*Commit, error)
}
