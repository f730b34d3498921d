// Package session drives the eight daily session windows: one lease-gated
// engine run per closed window, in window order, resumable after failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pairengine/internal/cache"
	"pairengine/internal/calendar"
	"pairengine/internal/commission"
	"pairengine/internal/engine"
	"pairengine/internal/errs"
	"pairengine/internal/metrics"
	"pairengine/internal/repo"
	"pairengine/internal/settings"
)

// Locker is an optional cross-process lock taken in addition to the stored
// lease. A held lock is extended together with the lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock cache.Lock, ok bool, err error)
}

// Invalidator drops cached read models of a window after it ran.
type Invalidator interface {
	InvalidateWindow(ctx context.Context, windowID string) error
}

// ConfigSource serves current and point-in-time business parameters.
type ConfigSource interface {
	Current(ctx context.Context) (*settings.BusinessConfig, error)
	At(ctx context.Context, version int64) (*settings.BusinessConfig, error)
}

// Options tunes the scheduler.
type Options struct {
	Location   *time.Location
	LeaseTTL   time.Duration
	RunTimeout time.Duration
	InstanceID string
}

// Scheduler fires engine runs for session windows.
type Scheduler struct {
	repo     *repo.Store
	settings ConfigSource
	engine   *engine.Engine
	dist     *commission.Distributor
	locker   Locker
	cache    Invalidator
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a scheduler. locker, cache and m may be nil.
func New(r *repo.Store, cfg ConfigSource, eng *engine.Engine, dist *commission.Distributor, locker Locker, cache Invalidator, opts Options, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	return &Scheduler{
		repo:     r,
		settings: cfg,
		engine:   eng,
		dist:     dist,
		locker:   locker,
		cache:    cache,
		opts:     opts,
		metrics:  m,
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// Result describes one window run.
type Result struct {
	WindowID      string              `json:"window_id"`
	ConfigVersion int64               `json:"config_version"`
	Completed     bool                `json:"completed"`
	Match         *engine.RunReport   `json:"match"`
	BV            commission.BVReport `json:"bv"`
	Expired       int64               `json:"expired"`
	Error         string              `json:"error,omitempty"`
}

// TickResult lists the windows a tick ran.
type TickResult struct {
	Stopped bool     `json:"stopped"`
	Runs    []Result `json:"runs"`
}

// Calendar builds the calendar of the current configuration.
func (s *Scheduler) Calendar(ctx context.Context) (*calendar.Calendar, *settings.BusinessConfig, error) {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cal, err := calendar.New(s.opts.Location, cfg.Windows)
	if err != nil {
		return nil, nil, err
	}
	return cal, cfg, nil
}

// Tick runs every closed, not yet completed window of today and yesterday in
// window order, preceded by any older stored window that never completed. It
// stops at the first window that does not complete, so a later window never
// runs ahead of an earlier one.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickResult, error) {
	enabled, err := s.repo.EngineEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		s.logger.Debug("engine stopped, tick skipped")
		return &TickResult{Stopped: true}, nil
	}

	cal, cfg, err := s.Calendar(ctx)
	if err != nil {
		return nil, err
	}

	nowMS := s.now().UnixMilli()
	stuck, err := s.repo.CountStuckWindows(ctx, nowMS)
	if err != nil {
		return nil, err
	}
	s.metrics.SetStuckWindows(stuck)

	slots, err := s.pendingSlots(ctx, cal, now)
	if err != nil {
		return nil, err
	}

	res := &TickResult{}
	for _, slot := range slots {
		if err := s.ensure(ctx, slot); err != nil {
			return res, err
		}
		w, err := s.repo.GetWindow(ctx, slot.ID)
		if err != nil {
			return res, err
		}
		if w.Status == repo.WindowCompleted {
			continue
		}
		if w.Status == repo.WindowRunning && w.LeaseUntilMS >= nowMS {
			s.logger.Debug("window lease held elsewhere", "window_id", slot.ID, "owner", w.Owner)
			return res, nil
		}

		run, err := s.runWindow(ctx, slot, w, cfg, false)
		if err != nil {
			if errors.Is(err, errs.ErrAlreadyRunning) {
				return res, nil
			}
			return res, err
		}
		res.Runs = append(res.Runs, *run)
		if !run.Completed {
			s.logger.Warn("window left for resume", "window_id", slot.ID, "error", run.Error)
			return res, nil
		}
	}
	return res, nil
}

// pendingSlots is ClosedWindows plus stored windows older than its look-back
// that a failed forced run left behind.
func (s *Scheduler) pendingSlots(ctx context.Context, cal *calendar.Calendar, now time.Time) ([]calendar.Slot, error) {
	recent := cal.ClosedWindows(now)
	lookback := now.In(s.opts.Location).AddDate(0, 0, -1).Format(time.DateOnly)
	stale, err := s.repo.ListUnfinishedBefore(ctx, lookback)
	if err != nil {
		return nil, err
	}
	slots := make([]calendar.Slot, 0, len(stale)+len(recent))
	for _, w := range stale {
		slots = append(slots, calendar.Slot{ID: w.ID, Date: w.BusinessDate, Index: w.Index, Start: w.StartsAt, End: w.EndsAt})
	}
	return append(slots, recent...), nil
}

// RunNow forces a run of a closed window, completed or not. Already consumed
// volume and posted commissions are never repeated.
func (s *Scheduler) RunNow(ctx context.Context, windowID string) (*Result, error) {
	cal, cfg, err := s.Calendar(ctx)
	if err != nil {
		return nil, err
	}
	slot, err := cal.Parse(windowID)
	if err != nil {
		return nil, err
	}
	if slot.End.After(s.now()) {
		return nil, fmt.Errorf("%w: %s has not closed yet", errs.ErrUnknownWindow, windowID)
	}
	if err := s.ensure(ctx, slot); err != nil {
		return nil, err
	}
	w, err := s.repo.GetWindow(ctx, slot.ID)
	if err != nil {
		return nil, err
	}
	return s.runWindow(ctx, slot, w, cfg, true)
}

// Start enables scheduled ticks.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.repo.SetEngineEnabled(ctx, true); err != nil {
		return err
	}
	s.logger.Info("engine started")
	return nil
}

// Stop disables scheduled ticks. An in-flight run is not interrupted.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.repo.SetEngineEnabled(ctx, false); err != nil {
		return err
	}
	s.logger.Info("engine stopped")
	return nil
}

// Enabled reports the persisted start/stop flag.
func (s *Scheduler) Enabled(ctx context.Context) (bool, error) {
	return s.repo.EngineEnabled(ctx)
}

// Windows lists stored windows of a business date.
func (s *Scheduler) Windows(ctx context.Context, date string) ([]repo.SessionWindow, error) {
	return s.repo.ListWindows(ctx, date)
}

func (s *Scheduler) ensure(ctx context.Context, slot calendar.Slot) error {
	return s.repo.EnsureWindow(ctx, repo.SessionWindow{
		ID:           slot.ID,
		BusinessDate: slot.Date,
		Index:        slot.Index,
		StartsAt:     slot.Start,
		EndsAt:       slot.End,
	})
}

func (s *Scheduler) runWindow(ctx context.Context, slot calendar.Slot, w *repo.SessionWindow, current *settings.BusinessConfig, force bool) (*Result, error) {
	// A window keeps the parameters of its first attempt.
	cfg := current
	if w.ConfigVersion > 0 && w.ConfigVersion != current.Version {
		pinned, err := s.settings.At(ctx, w.ConfigVersion)
		if err != nil {
			return nil, fmt.Errorf("load config version %d: %w", w.ConfigVersion, err)
		}
		cfg = pinned
	}

	var lock cache.Lock
	if s.locker != nil {
		l, ok, err := s.locker.Acquire(ctx, "window:"+slot.ID, s.opts.LeaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyRunning, slot.ID)
		}
		lock = l
		defer lock.Release()
	}

	owner := s.opts.InstanceID + "/" + uuid.NewString()
	nowMS := s.now().UnixMilli()
	acquired, err := s.repo.AcquireWindow(ctx, slot.ID, owner, nowMS, nowMS+s.opts.LeaseTTL.Milliseconds(), cfg.Version, force)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyRunning, slot.ID)
	}

	started := time.Now()
	log := s.logger.With("window_id", slot.ID, "owner", owner, "config_version", cfg.Version)
	log.Info("window run started", "forced", force)

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()
	stopRenew := s.renewLease(runCtx, slot.ID, owner, lock, log)

	res := &Result{WindowID: slot.ID, ConfigVersion: cfg.Version}
	runErr := s.execute(runCtx, slot, cfg, res)
	stopRenew()

	if runErr == nil && runCtx.Err() != nil {
		runErr = fmt.Errorf("run timed out: %w", runCtx.Err())
	}

	status := "completed"
	if runErr != nil {
		status = "failed"
		res.Error = runErr.Error()
		if err := s.repo.ReleaseWindow(ctx, slot.ID, owner, truncate(res.Error, 500)); err != nil {
			log.Error("release window failed", "error", err)
		}
		s.metrics.IncError("session")
		log.Error("window run incomplete", "error", runErr, "duration", time.Since(started))
	} else {
		if err := s.repo.CompleteWindow(ctx, slot.ID, owner); err != nil {
			return nil, err
		}
		res.Completed = true
		log.Info("window run completed", "duration", time.Since(started))
	}
	s.metrics.ObserveRun(status, time.Since(started))

	if s.cache != nil {
		if err := s.cache.InvalidateWindow(ctx, slot.ID); err != nil {
			log.Warn("summary cache invalidation failed", "error", err)
		}
	}
	return res, nil
}

func (s *Scheduler) execute(ctx context.Context, slot calendar.Slot, cfg *settings.BusinessConfig, res *Result) error {
	expired, err := s.engine.ExpireRedPairs(ctx, cfg, slot.End.In(s.opts.Location))
	if err != nil {
		return fmt.Errorf("expire red pairs: %w", err)
	}
	res.Expired = expired

	report, err := s.engine.Run(ctx, slot, cfg)
	if err != nil {
		return fmt.Errorf("match pairs: %w", err)
	}
	res.Match = report

	bv, err := s.dist.DistributeBV(ctx, cfg, slot.ID, slot.End)
	res.BV = bv
	if err != nil {
		return fmt.Errorf("distribute bv: %w", err)
	}

	var problems []string
	if !report.Complete() {
		problems = append(problems, fmt.Sprintf("%d members failed matching", report.Failed))
		if report.Interrupted {
			problems = append(problems, "matching interrupted")
		}
	}
	if bv.Failed > 0 {
		problems = append(problems, fmt.Sprintf("%d bv entries failed", bv.Failed))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// renewLease keeps the stored lease, and the lock when one is held, alive
// while a long run is in flight.
func (s *Scheduler) renewLease(ctx context.Context, id, owner string, lock cache.Lock, log *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := time.Now().Add(s.opts.LeaseTTL).UnixMilli()
				ok, err := s.repo.RenewLease(ctx, id, owner, until)
				if err != nil {
					log.Warn("lease renewal failed", "error", err)
					continue
				}
				if !ok {
					log.Error("lease lost during run")
					return
				}
				if lock != nil {
					held, err := lock.Extend(ctx, s.opts.LeaseTTL)
					if err != nil {
						log.Warn("lock renewal failed", "error", err)
					} else if !held {
						log.Warn("window lock expired during run; the stored lease still gates the window")
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
