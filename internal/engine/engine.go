// Package engine converts folded leg volume into pairs for one session window,
// applying per-package capping and FIFO promotion of red pairs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pairengine/internal/calendar"
	"pairengine/internal/commission"
	"pairengine/internal/errs"
	"pairengine/internal/metrics"
	"pairengine/internal/repo"
	"pairengine/internal/settings"
)

const pvPage = 1000

// Options tunes a matching engine.
type Options struct {
	Workers int
	Retry   repo.RetryPolicy
}

// Engine matches pairs.
type Engine struct {
	repo    *repo.Store
	dist    *commission.Distributor
	opts    Options
	locks   *keyedMutex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds the engine. m may be nil.
func New(r *repo.Store, dist *commission.Distributor, opts Options, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Engine{
		repo:    r,
		dist:    dist,
		opts:    opts,
		locks:   newKeyedMutex(),
		metrics: m,
		logger:  logger.With("component", "engine"),
	}
}

// UserError is a member whose matching failed in a run.
type UserError struct {
	UserID int64  `json:"user_id"`
	Error  string `json:"error"`
}

// RunReport aggregates one matching pass.
type RunReport struct {
	WindowID     string            `json:"window_id"`
	Users        int               `json:"users"`
	Failed       int               `json:"failed"`
	Green        int               `json:"green"`
	Red          int               `json:"red"`
	Promoted     int               `json:"promoted"`
	Interrupted  bool              `json:"interrupted"`
	Errors       []UserError       `json:"errors,omitempty"`
	ConfigErrors map[string]string `json:"config_errors,omitempty"`
}

// Complete reports whether every candidate was processed.
func (r *RunReport) Complete() bool {
	return r.Failed == 0 && !r.Interrupted
}

type userResult struct {
	green, red, promoted int
	configErrs           []*errs.ConfigError
}

// Run matches every candidate member for the window using cfg for the whole
// pass. Members are dispatched in ascending id; each member is one
// transaction, so a failed or interrupted run can be resumed.
func (e *Engine) Run(ctx context.Context, slot calendar.Slot, cfg *settings.BusinessConfig) (*RunReport, error) {
	candidates, err := e.repo.ListMatchCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	report := &RunReport{WindowID: slot.ID}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, id := range candidates {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		g.Go(func() error {
			res, err := e.matchUser(ctx, slot, cfg, id)

			mu.Lock()
			defer mu.Unlock()
			report.Users++
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, UserError{UserID: id, Error: err.Error()})
				e.metrics.IncError("engine")
				e.logger.Error("member matching failed", "window_id", slot.ID, "user_id", id, "error", err)
				return nil
			}
			report.Green += res.green
			report.Red += res.red
			report.Promoted += res.promoted
			for _, ce := range res.configErrs {
				if report.ConfigErrors == nil {
					report.ConfigErrors = make(map[string]string)
				}
				report.ConfigErrors[ce.Package] = ce.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].UserID < report.Errors[j].UserID })
	e.metrics.AddPairs(repo.PairGreen, report.Green)
	e.metrics.AddPairs(repo.PairRed, report.Red)
	e.metrics.AddPairs("promoted", report.Promoted)
	for pkg, msg := range report.ConfigErrors {
		e.metrics.IncError("config")
		e.logger.Warn("package skipped", "window_id", slot.ID, "package", pkg, "error", msg)
	}
	e.logger.Info("matching pass finished",
		"window_id", slot.ID,
		"users", report.Users,
		"failed", report.Failed,
		"green", report.Green,
		"red", report.Red,
		"promoted", report.Promoted,
		"interrupted", report.Interrupted,
	)
	return report, nil
}

func (e *Engine) matchUser(ctx context.Context, slot calendar.Slot, cfg *settings.BusinessConfig, userID int64) (userResult, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	var res userResult
	policy := e.opts.Retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		e.metrics.IncRetry()
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	err := e.repo.WithTxRetry(ctx, policy, func(tx *repo.Tx) error {
		res = userResult{}
		return e.matchUserTx(ctx, tx, slot, cfg, userID, &res)
	})
	return res, err
}

func (e *Engine) matchUserTx(ctx context.Context, tx *repo.Tx, slot calendar.Slot, cfg *settings.BusinessConfig, userID int64, res *userResult) error {
	member, err := tx.GetMember(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()

	cursor, err := tx.LockVolumeCursor(ctx, userID)
	if err != nil {
		return err
	}

	accs := map[string]*repo.Accumulator{}
	current, err := tx.ListAccumulators(ctx, userID)
	if err != nil {
		return err
	}
	for i := range current {
		accs[current[i].PackageCode] = &current[i]
	}
	dirty := map[string]bool{}

	// Fold unconsumed volume recorded before the window closed.
	last := cursor
fold:
	for {
		page, err := tx.ListPVAfter(ctx, userID, last, pvPage)
		if err != nil {
			return err
		}
		for _, pv := range page {
			if !pv.RecordedAt.Before(slot.End) {
				break fold
			}
			acc := accs[pv.PackageCode]
			if acc == nil {
				acc = &repo.Accumulator{UserID: userID, PackageCode: pv.PackageCode}
				accs[pv.PackageCode] = acc
			}
			switch pv.Side {
			case repo.SideLeft:
				acc.Left = acc.Left.Add(pv.Amount)
			case repo.SideRight:
				acc.Right = acc.Right.Add(pv.Amount)
			default:
				return fmt.Errorf("pv entry %d: invalid side %q", pv.Seq, pv.Side)
			}
			dirty[pv.PackageCode] = true
			last = pv.Seq
		}
		if len(page) < pvPage {
			break
		}
	}
	if last > cursor {
		if err := tx.AdvanceVolumeCursor(ctx, userID, last); err != nil {
			return err
		}
	}
	if err := tx.ClearPVPending(ctx, userID, last); err != nil {
		return err
	}

	redCodes, err := tx.ListRedPackages(ctx, userID)
	if err != nil {
		return err
	}
	codes := make([]string, 0, len(accs)+len(redCodes))
	seen := map[string]bool{}
	for code := range accs {
		seen[code] = true
		codes = append(codes, code)
	}
	for _, code := range redCodes {
		if !seen[code] {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	for _, code := range codes {
		acc := accs[code]
		pkg, ok := cfg.Package(code)
		if !ok {
			res.configErrs = append(res.configErrs, &errs.ConfigError{Package: code, Field: "code", Reason: "is not configured"})
			holdBack(acc, dirty)
			continue
		}
		if err := pkg.CheckMatchable(); err != nil {
			var ce *errs.ConfigError
			if errors.As(err, &ce) {
				res.configErrs = append(res.configErrs, ce)
				holdBack(acc, dirty)
				continue
			}
			return err
		}
		if acc != nil && acc.NeedsMatch {
			acc.NeedsMatch = false
			dirty[code] = true
		}

		greens, err := tx.CountGreenInWindow(ctx, userID, code, slot.ID)
		if err != nil {
			return err
		}

		// Oldest red pairs from earlier windows take the headroom first.
		if member.Active && greens < pkg.Capping {
			reds, err := tx.ListRedBefore(ctx, userID, code, slot.ID, pkg.Capping-greens)
			if err != nil {
				return err
			}
			for _, p := range reds {
				released, err := tx.ReleasePair(ctx, p.ID, slot.ID, pkg.PairIncome, now)
				if err != nil {
					return err
				}
				if !released {
					continue
				}
				p.State = repo.PairGreen
				p.Amount = pkg.PairIncome
				p.ReleasedWindowID = &slot.ID
				p.ReleasedAt = &now
				if err := e.credit(ctx, tx, p, pkg); err != nil {
					return err
				}
				greens++
				res.promoted++
			}
		}

		if acc == nil {
			continue
		}
		n := matchable(acc.Left, acc.Right, pkg.PV)
		for i := int64(0); i < n; i++ {
			acc.Left = acc.Left.Sub(pkg.PV)
			acc.Right = acc.Right.Sub(pkg.PV)
			dirty[code] = true

			p := repo.Pair{
				UserID:      userID,
				PackageCode: code,
				WindowID:    slot.ID,
				State:       repo.PairRed,
				Amount:      pkg.PairIncome,
				CreatedAt:   now,
			}
			if member.Active && greens < pkg.Capping {
				p.State = repo.PairGreen
				p.ReleasedWindowID = &slot.ID
				p.ReleasedAt = &now
			}
			id, err := tx.InsertPair(ctx, p)
			if err != nil {
				return err
			}
			p.ID = id
			if p.State == repo.PairGreen {
				if err := e.credit(ctx, tx, p, pkg); err != nil {
					return err
				}
				greens++
				res.green++
			} else {
				res.red++
			}
		}
	}

	for code := range dirty {
		if err := tx.SaveAccumulator(ctx, *accs[code]); err != nil {
			return err
		}
	}
	return nil
}

// holdBack keeps a skipped package's volume visible to later runs. Volume
// with an empty leg waits for new PV, which marks the member anyway.
func holdBack(acc *repo.Accumulator, dirty map[string]bool) {
	if acc == nil || acc.NeedsMatch || !acc.Left.IsPositive() || !acc.Right.IsPositive() {
		return
	}
	acc.NeedsMatch = true
	dirty[acc.PackageCode] = true
}

func (e *Engine) credit(ctx context.Context, tx *repo.Tx, p repo.Pair, pkg settings.Package) error {
	if _, err := e.dist.CreditPair(ctx, tx, p, pkg); err != nil {
		if errors.Is(err, errs.ErrIdempotencyViolation) {
			e.logger.Error("pair income skipped", "pair_id", p.ID, "user_id", p.UserID, "error", err)
			e.metrics.IncError("commission")
			return nil
		}
		return err
	}
	return nil
}

// matchable is floor(min(left, right) / pv).
func matchable(left, right, pv decimal.Decimal) int64 {
	if !pv.IsPositive() {
		return 0
	}
	return decimal.Min(left, right).Div(pv).Floor().IntPart()
}

// ExpireRedPairs moves red pairs created on business dates before
// now minus RedPairExpiryDays to the capped terminal state.
func (e *Engine) ExpireRedPairs(ctx context.Context, cfg *settings.BusinessConfig, now time.Time) (int64, error) {
	if cfg.RedPairExpiryDays <= 0 {
		return 0, nil
	}
	n, err := e.repo.CapRedPairs(ctx, now.AddDate(0, 0, -cfg.RedPairExpiryDays), time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.AddPairs(repo.PairCapped, int(n))
		e.logger.Info("red pairs expired", "count", n, "expiry_days", cfg.RedPairExpiryDays)
	}
	return n, nil
}
