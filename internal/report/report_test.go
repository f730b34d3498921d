package report

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pairengine/internal/calendar"
	"pairengine/internal/commission"
	"pairengine/internal/engine"
	"pairengine/internal/errs"
	"pairengine/internal/repo"
	"pairengine/internal/settings"
	"pairengine/internal/testutil"
)

type memCache struct {
	data map[string][]byte
	hits int
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (c *memCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	c.hits++
	return true, json.Unmarshal(raw, dest)
}

func (c *memCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	return nil
}

func (c *memCache) DeleteMatching(_ context.Context, pattern string) (int, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	n := 0
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
			n++
		}
	}
	return n, nil
}

func setup(t *testing.T) (*repo.Store, int64, calendar.Slot) {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewStore(t)

	cfg := settings.Defaults()
	for i := range cfg.Packages {
		if cfg.Packages[i].Code == "SILVER" {
			cfg.Packages[i].Capping = 1
		}
	}
	cal, err := calendar.New(time.UTC, cfg.Windows)
	require.NoError(t, err)
	slot, err := cal.Slot("2024-03-01", 1)
	require.NoError(t, err)

	user, err := store.InsertMember(ctx, repo.Member{ExternalRef: "u1", Active: true})
	require.NoError(t, err)
	at := slot.End.Add(-time.Minute)
	for i, side := range []repo.Side{repo.SideLeft, repo.SideRight} {
		_, err := store.InsertPVEntry(ctx, repo.PVEntry{
			UserID: user, Side: side, PackageCode: "SILVER", Amount: decimal.NewFromInt(100),
			OrderRef: []string{"o1", "o2"}[i], SourceUserID: user, WindowID: slot.ID,
			OccurredAt: at, RecordedAt: at,
		})
		require.NoError(t, err)
	}

	dist := commission.New(store, testutil.Retry(), nil, testutil.Logger())
	eng := engine.New(store, dist, engine.Options{Workers: 1, Retry: testutil.Retry()}, nil, testutil.Logger())
	_, err = eng.Run(ctx, slot, &cfg)
	require.NoError(t, err)
	return store, user, slot
}

func complete(t *testing.T, store *repo.Store, slot calendar.Slot) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureWindow(ctx, repo.SessionWindow{
		ID: slot.ID, BusinessDate: slot.Date, Index: slot.Index, StartsAt: slot.Start, EndsAt: slot.End,
	}))
	now := time.Now().UnixMilli()
	ok, err := store.AcquireWindow(ctx, slot.ID, "test", now, now+60000, 1, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.CompleteWindow(ctx, slot.ID, "test"))
}

func TestSessionSummary(t *testing.T) {
	store, user, slot := setup(t)
	svc := NewService(store, nil, 0, testutil.Logger())

	sum, err := svc.SessionSummary(context.Background(), user, slot.ID)
	require.NoError(t, err)
	require.Equal(t, statusNotRun, sum.Status)
	require.Len(t, sum.Packages, 1)

	pkg := sum.Packages[0]
	require.Equal(t, "SILVER", pkg.Package)
	require.Equal(t, 1, pkg.Green)
	require.Equal(t, 1, pkg.Red)
	require.True(t, pkg.PVLeft.Equal(decimal.NewFromInt(100)))
	require.True(t, pkg.PVRight.Equal(decimal.NewFromInt(100)))
	require.True(t, pkg.CarryLeft.IsZero())
	require.True(t, sum.Income.Equal(pkg.Income))
	require.True(t, sum.Income.IsPositive())
}

func TestSessionSummaryCachesCompletedWindows(t *testing.T) {
	ctx := context.Background()
	store, user, slot := setup(t)
	cache := newMemCache()
	svc := NewService(store, cache, time.Minute, testutil.Logger())

	_, err := svc.SessionSummary(ctx, user, slot.ID)
	require.NoError(t, err)
	require.Empty(t, cache.data, "running windows are not cached")

	complete(t, store, slot)
	first, err := svc.SessionSummary(ctx, user, slot.ID)
	require.NoError(t, err)
	require.Len(t, cache.data, 1)

	second, err := svc.SessionSummary(ctx, user, slot.ID)
	require.NoError(t, err)
	require.Equal(t, 1, cache.hits)
	require.Equal(t, first.Packages[0].Green, second.Packages[0].Green)

	require.NoError(t, svc.InvalidateWindow(ctx, slot.ID))
	require.Empty(t, cache.data)
}

func TestSessionSummaryRejectsUnknownInput(t *testing.T) {
	ctx := context.Background()
	store, user, _ := setup(t)
	svc := NewService(store, nil, 0, testutil.Logger())

	_, err := svc.SessionSummary(ctx, user, "2024-03-01/9")
	require.True(t, errors.Is(err, errs.ErrUnknownWindow))
	_, err = svc.SessionSummary(ctx, 999, "2024-03-01/1")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestWindowList(t *testing.T) {
	ctx := context.Background()
	store, _, slot := setup(t)
	svc := NewService(store, nil, 0, testutil.Logger())

	complete(t, store, slot)
	windows, err := svc.WindowList(ctx, slot.Date)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, slot.ID, windows[0].ID)
	require.Equal(t, repo.WindowCompleted, windows[0].Status)
	require.NotNil(t, windows[0].CompletedAt)

	_, err = svc.WindowList(ctx, "yesterday")
	require.True(t, errors.Is(err, errs.ErrUnknownWindow))
}
