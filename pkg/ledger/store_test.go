package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/d1c-labs/settler/pkg/fees"
	"github.com/d1c-labs/settler/pkg/logger"
	"github.com/d1c-labs/settler/pkg/postgres/postgrestest"
)

// testPK creates a deterministic public key string from an integer identifier
func testPK(n int) string {
	bytes := make([]byte, 32)
	for i := range bytes {
		bytes[i] = byte(n + i)
	}
	return solana.PublicKeyFromBytes(bytes).String()
}

func testSig(n int) string {
	bytes := make([]byte, 64)
	for i := range bytes {
		bytes[i] = byte(n + i)
	}
	return solana.SignatureFromBytes(bytes).String()
}

func testStore(t *testing.T, excludeFrom string) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := postgrestest.NewPool(t, sharedDB)

	_, err := pool.Exec(t.Context(),
		`TRUNCATE transfers, colleges RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	store, err := NewStore(StoreConfig{
		Logger:             logger.NewTest(),
		Pool:               pool,
		ExcludeFromAddress: excludeFrom,
	})
	require.NoError(t, err)
	return store, pool
}

type seedTransfer struct {
	sig         string
	from        string
	to          string
	amount      uint64
	collegeID   *int64
	harvested   bool
	distributed bool
	occurredAt  time.Time
}

func seed(t *testing.T, pool *pgxpool.Pool, transfers ...seedTransfer) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(transfers))
	for _, tr := range transfers {
		var id int64
		err := pool.QueryRow(t.Context(), `
			INSERT INTO transfers
				(signature, from_address, to_address, amount, linked_college_id,
				 fee_harvested, fee_distributed, occurred_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)
			RETURNING id`,
			tr.sig, tr.from, tr.to, fees.DecimalFromBaseUnits(tr.amount),
			tr.collegeID, tr.harvested, tr.distributed, tr.occurredAt,
		).Scan(&id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func seedCollege(t *testing.T, pool *pgxpool.Pool, name, wallet string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(t.Context(),
		`INSERT INTO colleges (name, wallet_address) VALUES ($1, $2) RETURNING id`,
		name, wallet,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestSettler_Ledger_NewStore(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			store, err := NewStore(StoreConfig{})
			require.Error(t, err)
			require.Nil(t, store)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing pool", func(t *testing.T) {
			t.Parallel()
			store, err := NewStore(StoreConfig{
				Logger: logger.NewTest(),
			})
			require.Error(t, err)
			require.Nil(t, store)
			require.Contains(t, err.Error(), "postgres pool is required")
		})
	})
}

func TestSettler_Ledger_ListUnharvested(t *testing.T) {
	ctx := context.Background()
	store, pool := testStore(t, "")

	collegeID := seedCollege(t, pool, "Test College", testPK(200))
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed(t, pool,
		seedTransfer{sig: testSig(1), from: testPK(1), to: testPK(2), amount: 5 * fees.OneToken, occurredAt: base.Add(time.Hour)},
		seedTransfer{sig: testSig(2), from: testPK(3), to: testPK(4), amount: 3 * fees.OneToken, collegeID: &collegeID, occurredAt: base},
		seedTransfer{sig: testSig(3), from: testPK(5), to: testPK(6), amount: fees.OneToken, harvested: true, occurredAt: base.Add(2 * time.Hour)},
	)

	transfers, err := store.ListUnharvested(ctx, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	// Oldest first; harvested row excluded.
	require.Equal(t, testSig(2), transfers[0].Signature)
	require.Equal(t, testPK(200), transfers[0].CollegeWallet)
	require.Equal(t, 3*fees.OneToken, transfers[0].Amount)
	require.Equal(t, testSig(1), transfers[1].Signature)
	require.Empty(t, transfers[1].CollegeWallet)

	t.Run("honors limit", func(t *testing.T) {
		transfers, err := store.ListUnharvested(ctx, 1)
		require.NoError(t, err)
		require.Len(t, transfers, 1)
		require.Equal(t, testSig(2), transfers[0].Signature)
	})
}

func TestSettler_Ledger_ListHarvestedUndistributed(t *testing.T) {
	ctx := context.Background()
	custody := testPK(100)
	store, pool := testStore(t, custody)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed(t, pool,
		seedTransfer{sig: testSig(10), from: testPK(1), to: testPK(2), amount: fees.OneToken, harvested: true, occurredAt: base},
		seedTransfer{sig: testSig(11), from: custody, to: testPK(4), amount: fees.OneToken, harvested: true, occurredAt: base.Add(time.Minute)},
		seedTransfer{sig: testSig(12), from: testPK(5), to: testPK(6), amount: fees.OneToken, occurredAt: base.Add(2 * time.Minute)},
		seedTransfer{sig: testSig(13), from: testPK(7), to: testPK(8), amount: fees.OneToken, harvested: true, distributed: true, occurredAt: base.Add(3 * time.Minute)},
	)

	transfers, err := store.ListHarvestedUndistributed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, testSig(10), transfers[0].Signature)

	t.Run("exclusion disabled returns custody-originated rows", func(t *testing.T) {
		unfiltered, err := NewStore(StoreConfig{
			Logger: logger.NewTest(),
			Pool:   pool,
		})
		require.NoError(t, err)

		transfers, err := unfiltered.ListHarvestedUndistributed(ctx, 0)
		require.NoError(t, err)
		require.Len(t, transfers, 2)
		require.Equal(t, testSig(10), transfers[0].Signature)
		require.Equal(t, testSig(11), transfers[1].Signature)
	})
}

func TestSettler_Ledger_Counts(t *testing.T) {
	ctx := context.Background()
	custody := testPK(100)
	store, pool := testStore(t, custody)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed(t, pool,
		seedTransfer{sig: testSig(20), from: testPK(1), to: testPK(2), amount: fees.OneToken, occurredAt: base},
		seedTransfer{sig: testSig(21), from: custody, to: testPK(4), amount: fees.OneToken, occurredAt: base},
		seedTransfer{sig: testSig(22), from: testPK(5), to: testPK(6), amount: fees.OneToken, harvested: true, occurredAt: base},
		seedTransfer{sig: testSig(23), from: testPK(7), to: testPK(8), amount: fees.OneToken, harvested: true, distributed: true, occurredAt: base},
	)

	unharvested, err := store.CountUnharvested(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, unharvested)

	undistributed, err := store.CountHarvestedUndistributed(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, undistributed)
}

func TestSettler_Ledger_MarkHarvested(t *testing.T) {
	ctx := context.Background()
	store, pool := testStore(t, "")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ids := seed(t, pool,
		seedTransfer{sig: testSig(30), from: testPK(1), to: testPK(2), amount: fees.OneToken, occurredAt: base},
		seedTransfer{sig: testSig(31), from: testPK(3), to: testPK(4), amount: fees.OneToken, occurredAt: base},
	)

	updated, err := store.MarkHarvested(ctx, ids)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated)

	t.Run("re-marking is a no-op", func(t *testing.T) {
		updated, err := store.MarkHarvested(ctx, ids)
		require.NoError(t, err)
		require.EqualValues(t, 0, updated)
	})

	t.Run("empty batch", func(t *testing.T) {
		updated, err := store.MarkHarvested(ctx, nil)
		require.NoError(t, err)
		require.EqualValues(t, 0, updated)
	})
}

func TestSettler_Ledger_MarkDistributed(t *testing.T) {
	ctx := context.Background()
	store, pool := testStore(t, "")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ids := seed(t, pool,
		seedTransfer{sig: testSig(40), from: testPK(1), to: testPK(2), amount: fees.OneToken, harvested: true, occurredAt: base},
		seedTransfer{sig: testSig(41), from: testPK(3), to: testPK(4), amount: fees.OneToken, occurredAt: base},
	)

	// Only the harvested row is eligible.
	updated, err := store.MarkDistributed(ctx, ids)
	require.NoError(t, err)
	require.EqualValues(t, 1, updated)

	transfers, err := store.ListHarvestedUndistributed(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, transfers)

	t.Run("re-marking is a no-op", func(t *testing.T) {
		updated, err := store.MarkDistributed(ctx, ids)
		require.NoError(t, err)
		require.EqualValues(t, 0, updated)
	})
}

func TestSettler_Ledger_MarkRefunded(t *testing.T) {
	ctx := context.Background()
	store, pool := testStore(t, "")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ids := seed(t, pool,
		seedTransfer{sig: testSig(50), from: testPK(1), to: testPK(2), amount: fees.OneToken, occurredAt: base},
	)

	require.NoError(t, store.MarkRefunded(ctx, ids[0]))

	var harvested, distributed bool
	err := pool.QueryRow(ctx,
		`SELECT fee_harvested, fee_distributed FROM transfers WHERE id = $1`, ids[0],
	).Scan(&harvested, &distributed)
	require.NoError(t, err)
	require.True(t, harvested)
	require.True(t, distributed)
}

func TestSettler_Ledger_MarkHarvestedByRecipient(t *testing.T) {
	ctx := context.Background()
	store, pool := testStore(t, "")

	recipient := testPK(60)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed(t, pool,
		seedTransfer{sig: testSig(60), from: testPK(1), to: recipient, amount: fees.OneToken, occurredAt: base},
		seedTransfer{sig: testSig(61), from: testPK(3), to: recipient, amount: fees.OneToken, occurredAt: base},
		seedTransfer{sig: testSig(62), from: testPK(5), to: testPK(6), amount: fees.OneToken, occurredAt: base},
		seedTransfer{sig: testSig(63), from: testPK(7), to: recipient, amount: fees.OneToken, harvested: true, occurredAt: base},
	)

	updated, err := store.MarkHarvestedByRecipient(ctx, []string{recipient})
	require.NoError(t, err)
	require.EqualValues(t, 2, updated)

	remaining, err := store.ListUnharvested(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, testSig(62), remaining[0].Signature)
}
