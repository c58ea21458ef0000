package snapshot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse/testing"
	"github.com/malbeclabs/dimlake/reconciler/pkg/scd2"
	laketesting "github.com/malbeclabs/dimlake/utils/pkg/testing"
)

var sharedDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	log := laketesting.NewLogger()
	var err error
	sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared ClickHouse DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testClient(t *testing.T) clickhouse.Client {
	return clickhousetesting.NewTestClient(t, sharedDB)
}

func tp(t time.Time) *time.Time {
	return &t
}

// testRecords returns a small snapshot with history, a deletion and a null
// timestamp.
func testRecords() []scd2.DimensionRecord {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 123456000, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	return []scd2.DimensionRecord{
		{
			Key:           "C-1",
			Attributes:    scd2.Attributes{Email: "a@x.io", Name: "Ann", LoyaltyTier: "gold", Address: "1 Main", City: "Austin", State: "TX", Phone: "555"},
			UpdatedAt:     tp(t1),
			EffectiveDate: tp(t0),
			EndDate:       tp(t1),
		},
		{
			Key:           "C-1",
			Attributes:    scd2.Attributes{Email: "a@x.io", Name: "Ann B", LoyaltyTier: "gold", Address: "1 Main", City: "Austin", State: "TX", Phone: "555"},
			UpdatedAt:     tp(t1),
			EffectiveDate: tp(t1),
			CurrentFlag:   true,
		},
		{
			Key:           "C-2",
			Attributes:    scd2.Attributes{Email: "b@x.io", Name: "Bob, Jr"},
			UpdatedAt:     tp(t1),
			EffectiveDate: tp(t0),
			EndDate:       tp(t1),
			IsDeleted:     true,
		},
		{
			Key:         "C-3",
			Attributes:  scd2.Attributes{Name: "Cy"},
			CurrentFlag: true,
		},
	}
}
