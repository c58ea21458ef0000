package scd2

import "sort"

// ValidateSnapshot checks every row and that no key has more than one current
// row.
func ValidateSnapshot(rows []DimensionRecord) error {
	current := make(map[string]int)
	for _, r := range rows {
		if err := r.Validate(); err != nil {
			return err
		}
		if r.CurrentFlag {
			current[r.Key]++
		}
	}
	var dup []string
	for k, n := range current {
		if n > 1 {
			dup = append(dup, k)
		}
	}
	if len(dup) > 0 {
		sort.Strings(dup)
		return &InvariantViolationError{Kind: ViolationMultipleCurrent, Keys: dup}
	}
	return nil
}
