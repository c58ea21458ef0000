package scd2

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBootstrapMissing is returned when there is neither a prior snapshot nor
// a full load to start from.
var ErrBootstrapMissing = errors.New("no prior snapshot and no full load to bootstrap from")

type ViolationKind string

const (
	ViolationInsertCollision      ViolationKind = "insert_collision"
	ViolationUpdateWithoutCurrent ViolationKind = "update_without_current"
	ViolationMultipleCurrent      ViolationKind = "multiple_current"
)

const maxKeysInMessage = 10

// InvariantViolationError reports keys for which the batch cannot be merged
// without breaking the one-current-row-per-key invariant.
type InvariantViolationError struct {
	Kind ViolationKind
	Keys []string
}

func (e *InvariantViolationError) Error() string {
	keys := e.Keys
	suffix := ""
	if len(keys) > maxKeysInMessage {
		suffix = fmt.Sprintf(" (and %d more)", len(keys)-maxKeysInMessage)
		keys = keys[:maxKeysInMessage]
	}
	return fmt.Sprintf("invariant violation %s for %d keys: %s%s", e.Kind, len(e.Keys), strings.Join(keys, ", "), suffix)
}

// IsInvariantViolation reports whether err wraps an InvariantViolationError.
func IsInvariantViolation(err error) bool {
	var v *InvariantViolationError
	return errors.As(err, &v)
}
