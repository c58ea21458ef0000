package snapshot

import (
	"time"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse/dataset"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
)

// CustomerSnapshotSchema is the ClickHouse layout of dim_customer_snapshot.
type CustomerSnapshotSchema struct{}

func (s *CustomerSnapshotSchema) Name() string       { return "customer_snapshot" }
func (s *CustomerSnapshotSchema) Kind() dataset.Kind { return dataset.KindDimension }

func (s *CustomerSnapshotSchema) Columns() []string {
	return []string{
		"table_id:String",
		"snapshot_version:UUID",
		"customer_id:String",
		"email:String",
		"name:String",
		"loyalty_tier:String",
		"address:String",
		"city:String",
		"state:String",
		"phone:String",
		"updated_at:Nullable(DateTime64(6, 'UTC'))",
		"effective_date:Nullable(DateTime64(6, 'UTC'))",
		"end_date:Nullable(DateTime64(6, 'UTC'))",
		"current_flag:UInt8",
		"is_deleted:UInt8",
	}
}

func (s *CustomerSnapshotSchema) UniqueKeyColumns() []string {
	return []string{"table_id", "snapshot_version", "customer_id", "effective_date"}
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// recordFields returns the record columns that follow table_id and
// snapshot_version.
func recordFields(r scd2.DimensionRecord) []any {
	return []any{
		r.Key,
		r.Email,
		r.Name,
		r.LoyaltyTier,
		r.Address,
		r.City,
		r.State,
		r.Phone,
		utcPtr(r.UpdatedAt),
		utcPtr(r.EffectiveDate),
		utcPtr(r.EndDate),
		boolToUInt8(r.CurrentFlag),
		boolToUInt8(r.IsDeleted),
	}
}
