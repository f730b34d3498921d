// Package report builds read models of session windows for dashboards.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pairengine/internal/calendar"
	"pairengine/internal/errs"
	"pairengine/internal/repo"
)

// Cache stores rendered summaries. *cache.Redis satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	DeleteMatching(ctx context.Context, pattern string) (int, error)
}

// PackageSummary is one package's activity in a window.
type PackageSummary struct {
	Package    string          `json:"package"`
	Green      int             `json:"green"`
	Red        int             `json:"red"`
	Promoted   int             `json:"promoted"`
	Capped     int             `json:"capped"`
	Income     decimal.Decimal `json:"income"`
	PVLeft     decimal.Decimal `json:"pv_left"`
	PVRight    decimal.Decimal `json:"pv_right"`
	CarryLeft  decimal.Decimal `json:"carry_left"`
	CarryRight decimal.Decimal `json:"carry_right"`
}

// Summary is a member's view of one session window.
type Summary struct {
	UserID   int64            `json:"user_id"`
	WindowID string           `json:"window_id"`
	Status   string           `json:"status"`
	Packages []PackageSummary `json:"packages"`
	Income   decimal.Decimal  `json:"income"`
}

// Window is the public view of a stored session window.
type Window struct {
	ID            string     `json:"id"`
	Date          string     `json:"date"`
	Index         int        `json:"index"`
	StartsAt      time.Time  `json:"starts_at"`
	EndsAt        time.Time  `json:"ends_at"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	ConfigVersion int64      `json:"config_version"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Service serves summaries, optionally through a cache.
type Service struct {
	repo   *repo.Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewService builds the report service. cache may be nil; ttl <= 0 disables caching.
func NewService(r *repo.Store, cache Cache, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{repo: r, cache: cache, ttl: ttl, logger: logger.With("component", "report")}
}

// statusNotRun marks a window no tick has reached yet.
const statusNotRun = "not_run"

func summaryKey(windowID string, userID int64) string {
	return fmt.Sprintf("summary:%s:%d", windowID, userID)
}

// SessionSummary returns pairs per package, PV folded by the window and the
// member's current carried volume.
func (s *Service) SessionSummary(ctx context.Context, userID int64, windowID string) (*Summary, error) {
	if _, _, err := calendar.ParseID(windowID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetMember(ctx, userID); err != nil {
		return nil, err
	}

	key := summaryKey(windowID, userID)
	if s.cached() {
		var sum Summary
		ok, err := s.cache.GetJSON(ctx, key, &sum)
		if err != nil {
			s.logger.Warn("summary cache read failed", "key", key, "error", err)
		} else if ok {
			return &sum, nil
		}
	}

	sum, err := s.build(ctx, userID, windowID)
	if err != nil {
		return nil, err
	}

	// Only finished windows are stable enough to cache.
	if s.cached() && sum.Status == repo.WindowCompleted {
		if err := s.cache.SetJSON(ctx, key, sum, s.ttl); err != nil {
			s.logger.Warn("summary cache write failed", "key", key, "error", err)
		}
	}
	return sum, nil
}

func (s *Service) cached() bool {
	return s.cache != nil && s.ttl > 0
}

func (s *Service) build(ctx context.Context, userID int64, windowID string) (*Summary, error) {
	sum := &Summary{UserID: userID, WindowID: windowID, Status: statusNotRun}
	w, err := s.repo.GetWindow(ctx, windowID)
	switch {
	case err == nil:
		sum.Status = w.Status
	case errors.Is(err, errs.ErrNotFound):
	default:
		return nil, err
	}

	byPkg := map[string]*PackageSummary{}
	get := func(code string) *PackageSummary {
		p := byPkg[code]
		if p == nil {
			p = &PackageSummary{Package: code}
			byPkg[code] = p
		}
		return p
	}

	pairs, err := s.repo.ListPairsForWindow(ctx, userID, windowID)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		ps := get(p.PackageCode)
		released := p.ReleasedWindowID != nil && *p.ReleasedWindowID == windowID
		switch {
		case p.State == repo.PairGreen && released && p.WindowID == windowID:
			ps.Green++
		case p.State == repo.PairGreen && released:
			ps.Promoted++
		case p.WindowID != windowID:
			continue
		case p.State == repo.PairRed:
			ps.Red++
		case p.State == repo.PairCapped:
			ps.Capped++
		case p.State == repo.PairGreen:
			// Created red here, released in a later window.
			ps.Red++
		}
		if p.State == repo.PairGreen && released {
			ps.Income = ps.Income.Add(p.Amount)
			sum.Income = sum.Income.Add(p.Amount)
		}
	}

	pv, err := s.repo.ListPVByWindow(ctx, userID, windowID)
	if err != nil {
		return nil, err
	}
	for _, e := range pv {
		ps := get(e.PackageCode)
		if e.Side == repo.SideLeft {
			ps.PVLeft = ps.PVLeft.Add(e.Amount)
		} else {
			ps.PVRight = ps.PVRight.Add(e.Amount)
		}
	}

	accs, err := s.repo.ListAccumulators(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range accs {
		if a.Left.IsZero() && a.Right.IsZero() && byPkg[a.PackageCode] == nil {
			continue
		}
		ps := get(a.PackageCode)
		ps.CarryLeft = a.Left
		ps.CarryRight = a.Right
	}

	sum.Packages = make([]PackageSummary, 0, len(byPkg))
	for _, p := range byPkg {
		sum.Packages = append(sum.Packages, *p)
	}
	sort.Slice(sum.Packages, func(i, j int) bool { return sum.Packages[i].Package < sum.Packages[j].Package })
	return sum, nil
}

// InvalidateWindow drops cached summaries of a window.
func (s *Service) InvalidateWindow(ctx context.Context, windowID string) error {
	if s.cache == nil {
		return nil
	}
	n, err := s.cache.DeleteMatching(ctx, fmt.Sprintf("summary:%s:*", windowID))
	if err != nil {
		return fmt.Errorf("invalidate window %s: %w", windowID, err)
	}
	if n > 0 {
		s.logger.Debug("summaries invalidated", "window_id", windowID, "keys", n)
	}
	return nil
}

// WindowList returns the stored windows of a business date.
func (s *Service) WindowList(ctx context.Context, date string) ([]Window, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("%w: date %q", errs.ErrUnknownWindow, date)
	}
	rows, err := s.repo.ListWindows(ctx, date)
	if err != nil {
		return nil, err
	}
	res := make([]Window, 0, len(rows))
	for _, w := range rows {
		res = append(res, Window{
			ID:            w.ID,
			Date:          w.BusinessDate,
			Index:         w.Index,
			StartsAt:      w.StartsAt,
			EndsAt:        w.EndsAt,
			Status:        w.Status,
			Attempts:      w.Attempts,
			ConfigVersion: w.ConfigVersion,
			CompletedAt:   w.CompletedAt,
			LastError:     w.LastError,
		})
	}
	return res, nil
}
