package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pairengine/internal/cache"
	"pairengine/internal/commission"
	"pairengine/internal/engine"
	"pairengine/internal/errs"
	"pairengine/internal/repo"
	"pairengine/internal/settings"
	"pairengine/internal/testutil"
)

var now = time.Date(2024, 3, 2, 8, 20, 0, 0, time.UTC)

type denyLocker struct{}

func (denyLocker) Acquire(context.Context, string, time.Duration) (cache.Lock, bool, error) {
	return nil, false, nil
}

type countingLock struct {
	mu       sync.Mutex
	extends  int
	released bool
}

func (l *countingLock) Extend(context.Context, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	return true, nil
}

func (l *countingLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
}

func (l *countingLock) state() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends, l.released
}

type grantLocker struct {
	lock *countingLock
}

func (g grantLocker) Acquire(context.Context, string, time.Duration) (cache.Lock, bool, error) {
	return g.lock, true, nil
}

type recordingCache struct {
	windows []string
}

func (c *recordingCache) InvalidateWindow(_ context.Context, windowID string) error {
	c.windows = append(c.windows, windowID)
	return nil
}

func newScheduler(t *testing.T, locker Locker, cache Invalidator) (*Scheduler, *repo.Store) {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewStore(t)
	cfgStore := settings.NewStore(store, testutil.Logger())
	_, err := cfgStore.EnsureDefaults(ctx)
	require.NoError(t, err)

	dist := commission.New(store, testutil.Retry(), nil, testutil.Logger())
	eng := engine.New(store, dist, engine.Options{Workers: 2, Retry: testutil.Retry()}, nil, testutil.Logger())
	s := New(store, cfgStore, eng, dist, locker, cache, Options{Location: time.UTC, LeaseTTL: time.Minute, RunTimeout: time.Minute, InstanceID: "test"}, nil, testutil.Logger())
	s.now = func() time.Time { return now }
	return s, store
}

func addPV(t *testing.T, store *repo.Store, user int64, side repo.Side, ref string, at time.Time) {
	t.Helper()
	_, err := store.InsertPVEntry(context.Background(), repo.PVEntry{
		UserID: user, Side: side, PackageCode: "SILVER", Amount: decimal.NewFromInt(50),
		OrderRef: ref, SourceUserID: user, OccurredAt: at, RecordedAt: at,
	})
	require.NoError(t, err)
}

func TestTickRunsClosedWindowsOnce(t *testing.T) {
	ctx := context.Background()
	cache := &recordingCache{}
	s, store := newScheduler(t, nil, cache)

	user, err := store.InsertMember(ctx, repo.Member{ExternalRef: "u1", Active: true})
	require.NoError(t, err)
	addPV(t, store, user, repo.SideLeft, "o1", time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC))
	addPV(t, store, user, repo.SideRight, "o2", time.Date(2024, 3, 2, 7, 5, 0, 0, time.UTC))

	res, err := s.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, res.Runs, 9)
	require.Equal(t, "2024-03-01/1", res.Runs[0].WindowID)
	require.Equal(t, "2024-03-02/1", res.Runs[8].WindowID)
	require.Equal(t, 1, res.Runs[8].Match.Green)
	require.Len(t, cache.windows, 9)

	windows, err := s.Windows(ctx, "2024-03-02")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, repo.WindowCompleted, windows[0].Status)
	require.EqualValues(t, 1, windows[0].ConfigVersion)

	again, err := s.Tick(ctx, now)
	require.NoError(t, err)
	require.Empty(t, again.Runs)
}

func TestStopSkipsTicksUntilStarted(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, nil, nil)

	require.NoError(t, s.Stop(ctx))
	enabled, err := s.Enabled(ctx)
	require.NoError(t, err)
	require.False(t, enabled)

	res, err := s.Tick(ctx, now)
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Empty(t, res.Runs)

	require.NoError(t, s.Start(ctx))
	res, err = s.Tick(ctx, now)
	require.NoError(t, err)
	require.NotEmpty(t, res.Runs)
}

func TestRunNowIsIdempotentOnCompletedWindow(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, nil, nil)

	user, err := store.InsertMember(ctx, repo.Member{ExternalRef: "u1", Active: true})
	require.NoError(t, err)
	addPV(t, store, user, repo.SideLeft, "o1", time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC))
	addPV(t, store, user, repo.SideRight, "o2", time.Date(2024, 3, 2, 7, 5, 0, 0, time.UTC))

	first, err := s.RunNow(ctx, "2024-03-02/1")
	require.NoError(t, err)
	require.True(t, first.Completed)
	require.Equal(t, 1, first.Match.Green)

	pairs, err := store.CountPairsByWindow(ctx, "2024-03-02/1")
	require.NoError(t, err)
	commissions, err := store.CountCommissions(ctx)
	require.NoError(t, err)

	again, err := s.RunNow(ctx, "2024-03-02/1")
	require.NoError(t, err)
	require.True(t, again.Completed)
	require.Zero(t, again.Match.Green+again.Match.Red+again.Match.Promoted)

	pairsAfter, err := store.CountPairsByWindow(ctx, "2024-03-02/1")
	require.NoError(t, err)
	commissionsAfter, err := store.CountCommissions(ctx)
	require.NoError(t, err)
	require.Equal(t, pairs, pairsAfter)
	require.Equal(t, commissions, commissionsAfter)
}

func TestRunNowRejections(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, nil, nil)

	_, err := s.RunNow(ctx, "2024-03-02/2")
	require.True(t, errors.Is(err, errs.ErrUnknownWindow), "window still open")
	_, err = s.RunNow(ctx, "bogus")
	require.True(t, errors.Is(err, errs.ErrUnknownWindow))

	// Another owner holds a live lease.
	_, err = s.RunNow(ctx, "2024-03-02/1")
	require.NoError(t, err)
	ok, err := store.AcquireWindow(ctx, "2024-03-02/1", "other", now.UnixMilli(), now.Add(time.Hour).UnixMilli(), 1, true)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.RunNow(ctx, "2024-03-02/1")
	require.True(t, errors.Is(err, errs.ErrAlreadyRunning))
}

func TestLockerDeniesConcurrentRun(t *testing.T) {
	ctx := context.Background()
	s, _ := newScheduler(t, denyLocker{}, nil)

	_, err := s.RunNow(ctx, "2024-03-02/1")
	require.True(t, errors.Is(err, errs.ErrAlreadyRunning))
}

func TestFailedWindowBlocksLaterWindowsAndResumes(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, nil, nil)

	user, err := store.InsertMember(ctx, repo.Member{ExternalRef: "u1", Active: true})
	require.NoError(t, err)
	// A corrupt side makes this member fail in every run of 2024-03-01/1.
	addPV(t, store, user, repo.Side("X"), "bad", time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC))

	res, err := s.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, res.Runs, 1)
	require.False(t, res.Runs[0].Completed)
	require.Equal(t, 1, res.Runs[0].Match.Failed)

	w, err := store.GetWindow(ctx, "2024-03-01/1")
	require.NoError(t, err)
	require.Equal(t, repo.WindowRunning, w.Status)
	require.NotEmpty(t, w.LastError)
	require.Zero(t, w.LeaseUntilMS)

	_, err = store.GetWindow(ctx, "2024-03-01/2")
	require.True(t, errors.Is(err, errs.ErrNotFound), "later windows are not reached")

	res, err = s.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, res.Runs, 1)

	w, err = store.GetWindow(ctx, "2024-03-01/1")
	require.NoError(t, err)
	require.Equal(t, 2, w.Attempts)
	_, err = store.GetWindow(ctx, "2024-03-01/2")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestTickResumesOlderUnfinishedWindow(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, nil, nil)

	user, err := store.InsertMember(ctx, repo.Member{ExternalRef: "u1", Active: true})
	require.NoError(t, err)
	addPV(t, store, user, repo.Side("X"), "bad", time.Date(2024, 2, 20, 6, 30, 0, 0, time.UTC))

	forced, err := s.RunNow(ctx, "2024-02-20/1")
	require.NoError(t, err)
	require.False(t, forced.Completed)

	res, err := s.Tick(ctx, now)
	require.NoError(t, err)
	require.Len(t, res.Runs, 1, "the old window is retried before any recent one")
	require.Equal(t, "2024-02-20/1", res.Runs[0].WindowID)

	w, err := store.GetWindow(ctx, "2024-02-20/1")
	require.NoError(t, err)
	require.Equal(t, 2, w.Attempts)
	_, err = store.GetWindow(ctx, "2024-03-01/1")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestLockIsHeldForTheRun(t *testing.T) {
	ctx := context.Background()
	lock := &countingLock{}
	s, _ := newScheduler(t, grantLocker{lock: lock}, nil)

	res, err := s.RunNow(ctx, "2024-03-02/1")
	require.NoError(t, err)
	require.True(t, res.Completed)
	_, released := lock.state()
	require.True(t, released)
}

func TestRenewLeaseExtendsLock(t *testing.T) {
	ctx := context.Background()
	s, store := newScheduler(t, nil, nil)
	s.opts.LeaseTTL = 30 * time.Millisecond

	const id = "2024-03-02/1"
	require.NoError(t, store.EnsureWindow(ctx, repo.SessionWindow{
		ID: id, BusinessDate: "2024-03-02", Index: 1,
		StartsAt: time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC), EndsAt: time.Date(2024, 3, 2, 8, 15, 0, 0, time.UTC),
	}))
	ok, err := store.AcquireWindow(ctx, id, "me", now.UnixMilli(), now.UnixMilli()+1, 1, true)
	require.NoError(t, err)
	require.True(t, ok)

	lock := &countingLock{}
	stop := s.renewLease(ctx, id, "me", lock, s.logger)
	require.Eventually(t, func() bool {
		n, _ := lock.state()
		return n >= 2
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	w, err := store.GetWindow(ctx, id)
	require.NoError(t, err)
	require.Greater(t, w.LeaseUntilMS, now.UnixMilli()+1, "the stored lease moves with the lock")
}
