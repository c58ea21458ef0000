package runlock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type lease struct {
	runID     string
	expiresAt time.Time
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	ttl    time.Duration
	leases map[string]lease
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker(clock clockwork.Clock, ttl time.Duration) *MemoryLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLocker{clock: clock, ttl: ttl, leases: make(map[string]lease)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, tableID, runID string) (ReleaseFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.leases[tableID]; ok && cur.runID != runID && now.Before(cur.expiresAt) {
		return nil, &LockedError{TableID: tableID, HolderID: cur.runID, ExpiresAt: cur.expiresAt}
	}
	l.leases[tableID] = lease{runID: runID, expiresAt: now.Add(l.ttl)}

	return func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[tableID]; ok && cur.runID == runID {
			delete(l.leases, tableID)
		}
		return nil
	}, nil
}
