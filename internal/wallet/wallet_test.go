package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pairengine/internal/errs"
	"pairengine/internal/repo"
	"pairengine/internal/testutil"
)

func seedMember(t *testing.T, store *repo.Store) int64 {
	t.Helper()
	id, err := store.InsertMember(context.Background(), repo.Member{ExternalRef: "m1", Active: true})
	require.NoError(t, err)
	return id
}

func TestCreditRoundsHalfUpAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	svc := NewService(store, testutil.Logger())
	user := seedMember(t, store)

	post := func(ref, amount string) bool {
		var ok bool
		require.NoError(t, store.WithTx(ctx, func(tx *repo.Tx) error {
			var err error
			ok, err = Credit(ctx, tx, Posting{UserID: user, Account: repo.AccountIncome, Amount: decimal.RequireFromString(amount), Kind: "level", Reference: ref})
			return err
		}))
		return ok
	}

	require.True(t, post("r1", "0.125"))
	require.True(t, post("r2", "1.004"))
	require.False(t, post("r1", "0.125"))
	require.False(t, post("r3", "0.001"))

	w, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	require.Equal(t, "1.13", w.IncomeBalance.StringFixed(2))

	history, err := svc.History(ctx, user, repo.AccountIncome, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "r2", history[0].Reference)
	require.True(t, history[0].BalanceAfter.Equal(decimal.RequireFromString("1.13")))

	mismatches, err := svc.Reconcile(ctx, user)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestDebitRefusesOverdraw(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	svc := NewService(store, testutil.Logger())
	user := seedMember(t, store)

	require.NoError(t, store.WithTx(ctx, func(tx *repo.Tx) error {
		_, err := Credit(ctx, tx, Posting{UserID: user, Account: repo.AccountMain, Amount: decimal.NewFromInt(10), Kind: "topup", Reference: "t1"})
		return err
	}))

	err := svc.Debit(ctx, Posting{UserID: user, Account: repo.AccountMain, Amount: decimal.NewFromInt(11), Kind: "withdrawal", Reference: "w1"})
	require.True(t, errors.Is(err, errs.ErrInsufficientBalance))

	require.NoError(t, svc.Debit(ctx, Posting{UserID: user, Account: repo.AccountMain, Amount: decimal.NewFromInt(4), Kind: "withdrawal", Reference: "w2"}))

	w, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	require.True(t, w.MainBalance.Equal(decimal.NewFromInt(6)))

	mismatches, err := svc.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}
