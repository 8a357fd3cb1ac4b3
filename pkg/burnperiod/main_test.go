package burnperiod

import (
	"context"
	"os"
	"testing"

	"github.com/d1c-labs/settler/pkg/logger"
	"github.com/d1c-labs/settler/pkg/postgres/postgrestest"
)

var (
	sharedDB *postgrestest.DB
)

func TestMain(m *testing.M) {
	log := logger.NewTest()
	var err error
	sharedDB, err = postgrestest.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
