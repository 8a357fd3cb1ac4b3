package wallets

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/d1c-labs/settler/pkg/logger"
	"github.com/d1c-labs/settler/pkg/postgres/postgrestest"
)

func testPK(n int) string {
	bytes := make([]byte, 32)
	for i := range bytes {
		bytes[i] = byte(n + i)
	}
	return solana.PublicKeyFromBytes(bytes).String()
}

func testStore(t *testing.T) *Store {
	t.Helper()
	pool := postgrestest.NewPool(t, sharedDB)

	_, err := pool.Exec(t.Context(), `TRUNCATE wallets RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	store, err := NewStore(StoreConfig{
		Logger: logger.NewTest(),
		Pool:   pool,
	})
	require.NoError(t, err)
	return store
}

func TestSettler_Wallets_NewStore(t *testing.T) {
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
		store, err := NewStore(StoreConfig{Logger: logger.NewTest()})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "postgres pool is required")
	})
}

func TestSettler_Wallets_RoleLookup(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	custody := testPK(1)
	community := testPK(2)

	t.Run("unconfigured roles return ErrNotConfigured", func(t *testing.T) {
		_, err := store.CustodyWallet(ctx)
		require.ErrorIs(t, err, ErrNotConfigured)

		_, err = store.CommunityWallet(ctx)
		require.ErrorIs(t, err, ErrNotConfigured)
	})

	require.NoError(t, store.Put(ctx, Wallet{Role: RoleCustody, Address: custody}))
	require.NoError(t, store.Put(ctx, Wallet{Role: RoleCommunity, Address: community}))

	got, err := store.CustodyWallet(ctx)
	require.NoError(t, err)
	require.Equal(t, custody, got)

	got, err = store.CommunityWallet(ctx)
	require.NoError(t, err)
	require.Equal(t, community, got)
}

func TestSettler_Wallets_FeeExempt(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	exemptA := testPK(10)
	exemptB := testPK(11)
	plain := testPK(12)

	require.NoError(t, store.Put(ctx, Wallet{Role: RoleCustody, Address: exemptA, FeeExempt: true}))
	require.NoError(t, store.Put(ctx, Wallet{Role: RoleCommunity, Address: exemptB, FeeExempt: true}))
	require.NoError(t, store.Put(ctx, Wallet{Role: RoleCommunity, Address: plain}))

	exempt, err := store.FeeExemptAddresses(ctx)
	require.NoError(t, err)
	require.Len(t, exempt, 2)
	require.True(t, exempt[exemptA])
	require.True(t, exempt[exemptB])
	require.False(t, exempt[plain])

	t.Run("single-address lookup", func(t *testing.T) {
		got, err := store.IsFeeExempt(ctx, exemptA)
		require.NoError(t, err)
		require.True(t, got)

		got, err = store.IsFeeExempt(ctx, plain)
		require.NoError(t, err)
		require.False(t, got)

		got, err = store.IsFeeExempt(ctx, testPK(99))
		require.NoError(t, err)
		require.False(t, got)
	})

	t.Run("upsert flips the flag", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, Wallet{Role: RoleCustody, Address: exemptA, FeeExempt: false}))
		got, err := store.IsFeeExempt(ctx, exemptA)
		require.NoError(t, err)
		require.False(t, got)
	})
}
