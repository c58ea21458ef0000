package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is matched by every LockedError.
var ErrLocked = errors.New("run lock is held")

// LockedError reports the run currently holding a table's lock.
type LockedError struct {
	TableID   string
	HolderID  string
	ExpiresAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("table %q is locked by run %s until %s", e.TableID, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// ReleaseFunc gives up a lock acquired by Acquire.
type ReleaseFunc func(ctx context.Context) error

// Locker provides mutual exclusion between reconciliation runs of the same
// table. Locks expire after a TTL so a crashed run does not block forever.
type Locker interface {
	Acquire(ctx context.Context, tableID, runID string) (ReleaseFunc, error)
}

const DefaultTTL = time.Hour

// ValidateLease checks that a lock lease outlives the longest run. Leases are
// not renewed, so a run that outlasts its lease can be overtaken.
func ValidateLease(ttl, runTimeout time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	if runTimeout <= 0 {
		return fmt.Errorf("run timeout must be positive when runs are guarded by a %s lock lease", ttl)
	}
	if ttl <= runTimeout {
		return fmt.Errorf("lock ttl %s must be longer than run timeout %s", ttl, runTimeout)
	}
	return nil
}
