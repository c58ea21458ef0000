package scd2

import "time"

// newerThan reports whether a sorts strictly before b when ordering
// timestamps descending with nulls last.
func newerThan(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// laterOf returns the later of a and t, treating a nil a as absent.
func laterOf(a *time.Time, t time.Time) time.Time {
	if a != nil && a.After(t) {
		return *a
	}
	return t
}
