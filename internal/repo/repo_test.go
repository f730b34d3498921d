package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pairengine/internal/errs"
	"pairengine/internal/repo"
	"pairengine/internal/testutil"
)

func newMember(t *testing.T, store *repo.Store, ref string) int64 {
	t.Helper()
	id, err := store.InsertMember(context.Background(), repo.Member{ExternalRef: ref, Active: true, JoinedAt: time.Now()})
	require.NoError(t, err)
	return id
}

func TestLockedReadsCreateTheirRow(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	user := newMember(t, store, "u1")

	err := store.WithTx(ctx, func(tx *repo.Tx) error {
		seq, err := tx.LockVolumeCursor(ctx, user)
		require.NoError(t, err)
		require.Zero(t, seq)

		w, err := tx.GetWallet(ctx, user, true)
		require.NoError(t, err)
		require.True(t, w.IncomeBalance.IsZero())

		pool, err := tx.GetFundPool(ctx, "car", true)
		require.NoError(t, err)
		require.True(t, pool.Balance.IsZero())
		return nil
	})
	require.NoError(t, err)

	users, err := store.ListWalletUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{user}, users)

	pools, err := store.ListFundPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)

	require.NoError(t, store.AdvanceVolumeCursor(ctx, user, 7))
	require.NoError(t, store.WithTx(ctx, func(tx *repo.Tx) error {
		seq, err := tx.LockVolumeCursor(ctx, user)
		require.Equal(t, int64(7), seq)
		return err
	}))
}

func TestPVPendingMarker(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	user := newMember(t, store, "u1")

	candidates := func() []int64 {
		ids, err := store.ListMatchCandidates(ctx)
		require.NoError(t, err)
		return ids
	}
	require.Empty(t, candidates())

	now := time.Now()
	seq, err := store.InsertPVEntry(ctx, repo.PVEntry{
		UserID: user, Side: repo.SideLeft, PackageCode: "SILVER", Amount: decimal.NewFromInt(50),
		OrderRef: "o1", SourceUserID: user, OccurredAt: now, RecordedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, []int64{user}, candidates())

	require.NoError(t, store.MarkPVPending(ctx, user, seq-1))
	require.NoError(t, store.ClearPVPending(ctx, user, seq-1))
	require.Equal(t, []int64{user}, candidates(), "an older mark never lowers the pending seq")

	require.NoError(t, store.ClearPVPending(ctx, user, seq))
	require.Empty(t, candidates())

	require.NoError(t, store.SaveAccumulator(ctx, repo.Accumulator{
		UserID: user, PackageCode: "GOLD", Left: decimal.NewFromInt(5), Right: decimal.NewFromInt(5), NeedsMatch: true,
	}))
	require.Equal(t, []int64{user}, candidates())
}

func TestFundDistributionClaim(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)

	_, err := store.GetFundDistribution(ctx, "car", "2024-03")
	require.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, store.WithTx(ctx, func(tx *repo.Tx) error {
		claimed, err := tx.RecordFundDistribution(ctx, "car", "2024-03", decimal.NewFromInt(30), 2)
		require.True(t, claimed)
		return err
	}))
	got, err := store.GetFundDistribution(ctx, "car", "2024-03")
	require.NoError(t, err)
	require.Equal(t, 2, got.Members)
	require.True(t, got.Amount.Equal(decimal.NewFromInt(30)))
}
