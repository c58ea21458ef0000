package reconciler

import (
	"context"
	"os"
	"testing"

	"github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/dimlake/reconciler/pkg/clickhouse/testing"
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
