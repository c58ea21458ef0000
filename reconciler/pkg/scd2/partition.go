package scd2

// Operations splits resolved changes by operation. The three slices are
// disjoint by key because each key has exactly one resolved change.
type Operations struct {
	Inserts []ResolvedChange
	Updates []ResolvedChange
	Deletes []ResolvedChange
}

func (o Operations) Len() int {
	return len(o.Inserts) + len(o.Updates) + len(o.Deletes)
}

// Partition groups resolved changes by operation, preserving their order.
func Partition(resolved []ResolvedChange) Operations {
	var ops Operations
	for _, rc := range resolved {
		switch rc.Op {
		case OpInsert:
			ops.Inserts = append(ops.Inserts, rc)
		case OpUpdate:
			ops.Updates = append(ops.Updates, rc)
		case OpDelete:
			ops.Deletes = append(ops.Deletes, rc)
		}
	}
	return ops
}
