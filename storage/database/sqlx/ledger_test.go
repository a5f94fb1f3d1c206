package sqlxrepos

import (
	"testing"

	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/storage/database/dbtest"
	"github.com/trezcool/proctor/tests"
)

func TestLedgerRepository(t *testing.T) {
	dbtest.RunLedgerRepositoryTests(t, func() proctor.Repository {
		return NewLedgerRepository(testutil.PrepareDB(t))
	})
}
