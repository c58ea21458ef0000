package snapshot

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

// MemoryStore keeps every committed version in memory.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	versions map[string][]*Snapshot

	// WriteErr, when set, is returned by Write without committing.
	WriteErr error
	// ReadErr, when set, is returned by Read.
	ReadErr error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, versions: make(map[string][]*Snapshot)}
}

func (m *MemoryStore) Read(ctx context.Context, tableID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	versions := m.versions[tableID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	latest := versions[len(versions)-1]
	commit := latest.Commit
	commit.Sources = slices.Clone(commit.Sources)
	return &Snapshot{Commit: commit, Records: slices.Clone(latest.Records)}, nil
}

func (m *MemoryStore) Write(ctx context.Context, tableID, runID string, records []scd2.DimensionRecord, sources []string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return nil, m.WriteErr
	}
	commit := Commit{
		TableID:     tableID,
		Version:     uuid.NewString(),
		RunID:       runID,
		RowCount:    len(records),
		CommittedAt: m.clock.Now().UTC(),
		Sources:     slices.Clone(sources),
	}
	m.versions[tableID] = append(m.versions[tableID], &Snapshot{Commit: commit, Records: slices.Clone(records)})
	return &commit, nil
}

// Versions returns the number of committed versions for a table.
func (m *MemoryStore) Versions(tableID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.versions[tableID])
}
