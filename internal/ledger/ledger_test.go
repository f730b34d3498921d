package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pairengine/internal/errs"
	"pairengine/internal/repo"
	"pairengine/internal/settings"
	"pairengine/internal/testutil"
	"pairengine/internal/tree"
)

type chain struct {
	root, left, leaf *repo.Member
}

func newLedger(t *testing.T) (*Ledger, *repo.Store, chain) {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewStore(t)
	cfgStore := settings.NewStore(store, testutil.Logger())
	_, err := cfgStore.EnsureDefaults(ctx)
	require.NoError(t, err)

	ix := tree.New(store, testutil.Retry(), testutil.Logger())
	root, err := ix.Register(ctx, tree.Registration{ExternalRef: "root"})
	require.NoError(t, err)
	left, err := ix.Register(ctx, tree.Registration{ExternalRef: "left", SponsorID: &root.ID, ParentID: &root.ID, Side: repo.SideLeft})
	require.NoError(t, err)
	leaf, err := ix.Register(ctx, tree.Registration{ExternalRef: "leaf", SponsorID: &left.ID, ParentID: &left.ID, Side: repo.SideRight})
	require.NoError(t, err)

	return New(store, cfgStore, time.UTC, testutil.Retry(), testutil.Logger()), store, chain{root, left, leaf}
}

func TestRecordPurchasePropagatesVolume(t *testing.T) {
	ctx := context.Background()
	l, store, c := newLedger(t)
	at := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)

	receipt, err := l.RecordPurchase(ctx, Event{
		OrderRef: "o1", UserID: c.leaf.ID, PackageCode: "SILVER", Kind: "Purchase",
		BV: decimal.NewFromInt(80), OccurredAt: at,
	})
	require.NoError(t, err)
	require.False(t, receipt.Replayed)
	require.Equal(t, 2, receipt.PVEntries)
	require.True(t, receipt.BVPosted)
	require.True(t, receipt.Purchase.PV.Equal(decimal.NewFromInt(50)), "pv defaults to the package pv")
	require.Equal(t, CategoryProduct, receipt.Purchase.Category)

	leftPV, err := l.ListPV(ctx, c.left.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, leftPV, 1)
	require.Equal(t, repo.SideRight, leftPV[0].Side)
	require.Equal(t, 1, leftPV[0].SessionIndex)
	require.NotEmpty(t, leftPV[0].WindowID)

	rootPV, err := l.ListPV(ctx, c.root.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rootPV, 1)
	require.Equal(t, repo.SideLeft, rootPV[0].Side)

	leafPV, err := l.ListPV(ctx, c.leaf.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, leafPV, "a buyer's own volume never reaches their legs")

	member, err := store.GetMember(ctx, c.leaf.ID)
	require.NoError(t, err)
	require.Equal(t, "SILVER", member.PackageCode)

	bv, err := l.ListBV(ctx, c.leaf.ID, 0)
	require.NoError(t, err)
	require.Len(t, bv, 1)
	require.True(t, bv[0].Amount.Equal(decimal.NewFromInt(80)))
}

func TestRecordPurchaseReplay(t *testing.T) {
	ctx := context.Background()
	l, _, c := newLedger(t)
	ev := Event{OrderRef: "o1", UserID: c.leaf.ID, PackageCode: "GOLD", Kind: KindPurchase}

	_, err := l.RecordPurchase(ctx, ev)
	require.NoError(t, err)

	again, err := l.RecordPurchase(ctx, ev)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, 2, again.PVEntries)

	rootPV, err := l.ListPV(ctx, c.root.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rootPV, 1, "replay appends nothing")

	ev.BV = decimal.NewFromInt(1)
	_, err = l.RecordPurchase(ctx, ev)
	require.True(t, errors.Is(err, errs.ErrIdempotencyViolation))
}

func TestRepurchaseUsesMemberPackage(t *testing.T) {
	ctx := context.Background()
	l, _, c := newLedger(t)

	_, err := l.RecordPurchase(ctx, Event{OrderRef: "join", UserID: c.leaf.ID, PackageCode: "RUBY", Kind: KindPurchase})
	require.NoError(t, err)

	receipt, err := l.RecordPurchase(ctx, Event{
		OrderRef: "re1", UserID: c.leaf.ID, Kind: KindRepurchase,
		PV: decimal.NewFromInt(10), BV: decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	require.Equal(t, "RUBY", receipt.Purchase.PackageCode)
	require.Equal(t, CategoryRepurchase, receipt.Purchase.Category)
	require.Equal(t, 2, receipt.PVEntries)

	_, err = l.RecordPurchase(ctx, Event{OrderRef: "re2", UserID: c.root.ID, Kind: KindRepurchase, PV: decimal.NewFromInt(5)})
	require.True(t, errors.Is(err, errs.ErrInvalidEvent), "root holds no package")
}

func TestRecordPurchaseRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	l, _, c := newLedger(t)

	cases := map[string]Event{
		"no order ref":     {UserID: c.leaf.ID, PackageCode: "SILVER", Kind: KindPurchase},
		"unknown member":   {OrderRef: "x1", UserID: 999, PackageCode: "SILVER", Kind: KindPurchase},
		"unknown package":  {OrderRef: "x2", UserID: c.leaf.ID, PackageCode: "PLATINUM", Kind: KindPurchase},
		"unknown kind":     {OrderRef: "x3", UserID: c.leaf.ID, PackageCode: "SILVER", Kind: "refund"},
		"negative volume":  {OrderRef: "x4", UserID: c.leaf.ID, PackageCode: "SILVER", Kind: KindPurchase, BV: decimal.NewFromInt(-1)},
		"unknown category": {OrderRef: "x5", UserID: c.leaf.ID, Kind: KindRepurchase, Category: "gift"},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.RecordPurchase(ctx, ev)
			require.True(t, errors.Is(err, errs.ErrInvalidEvent), "%v", err)
		})
	}
}
