package scd2

import (
	"fmt"
	"time"
)

// Operation is the kind of change carried by a CDC row.
type Operation string

const (
	OpInsert Operation = "I"
	OpUpdate Operation = "U"
	OpDelete Operation = "D"
)

func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// rank orders operations for tie-breaking: lower ranks win.
func (o Operation) rank() int {
	switch o {
	case OpDelete:
		return 1
	case OpUpdate:
		return 2
	case OpInsert:
		return 3
	}
	return 4
}

// Attributes are the descriptive columns of a customer.
type Attributes struct {
	Email       string
	Name        string
	LoyaltyTier string
	Address     string
	City        string
	State       string
	Phone       string
}

func (a Attributes) fields() [7]string {
	return [7]string{a.Email, a.Name, a.LoyaltyTier, a.Address, a.City, a.State, a.Phone}
}

func (a Attributes) compare(b Attributes) int {
	af, bf := a.fields(), b.fields()
	for i := range af {
		if af[i] < bf[i] {
			return -1
		}
		if af[i] > bf[i] {
			return 1
		}
	}
	return 0
}

// DimensionRecord is one versioned row of the customer dimension.
type DimensionRecord struct {
	Key string
	Attributes

	UpdatedAt     *time.Time
	EffectiveDate *time.Time
	EndDate       *time.Time
	CurrentFlag   bool
	IsDeleted     bool
}

// Validate checks the per-row invariants of a dimension record.
func (r DimensionRecord) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("dimension record has empty key")
	}
	if !r.CurrentFlag && r.EndDate == nil {
		return fmt.Errorf("non-current record %q has no end date", r.Key)
	}
	if r.EffectiveDate != nil && r.EndDate != nil && r.EndDate.Before(*r.EffectiveDate) {
		return fmt.Errorf("record %q ends before it becomes effective", r.Key)
	}
	return nil
}

// ChangeRecord is one normalized CDC row.
type ChangeRecord struct {
	Op  Operation
	Key string
	Attributes
	SourceTS *time.Time
}

// RawRow is a single CSV record as read from a batch file.
type RawRow []string

// ptr returns a pointer to a copy of t.
func ptr(t time.Time) *time.Time {
	return &t
}
