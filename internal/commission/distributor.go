// Package commission turns green pairs and repurchase BV into idempotent
// commission postings and wallet credits.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"pairengine/internal/errs"
	"pairengine/internal/ledger"
	"pairengine/internal/metrics"
	"pairengine/internal/repo"
	"pairengine/internal/settings"
	"pairengine/internal/tree"
	"pairengine/internal/wallet"
)

const batchSize = 500

// Distributor posts commissions.
type Distributor struct {
	repo    *repo.Store
	retry   repo.RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a distributor. m may be nil.
func New(r *repo.Store, retry repo.RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Distributor {
	return &Distributor{repo: r, retry: retry, metrics: m, logger: logger.With("component", "commission")}
}

// PairSource is the idempotency source for a pair's income.
func PairSource(pairID int64) string {
	return "pair:" + strconv.FormatInt(pairID, 10)
}

// BVSource is the idempotency source for a BV posting.
func BVSource(seq int64) string {
	return "bv:" + strconv.FormatInt(seq, 10)
}

// FundSource is the idempotency source for a pool payout period.
func FundSource(pool, period string) string {
	return "fund:" + pool + ":" + period
}

// post stores the entry and credits the income wallet. A replay with the same
// amount returns false; a replay with a different amount is an IdempotencyError.
func (d *Distributor) post(ctx context.Context, tx *repo.Tx, e repo.CommissionEntry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	inserted, existing, err := tx.InsertCommission(ctx, e)
	if err != nil {
		return false, err
	}
	if !inserted {
		if existing.Amount.Equal(e.Amount) {
			return false, nil
		}
		return false, &errs.IdempotencyError{
			Key:    fmt.Sprintf("%s/%d/%s", e.SourceEvent, e.UserID, e.Type),
			Detail: fmt.Sprintf("stored amount %s, new amount %s", existing.Amount, e.Amount),
		}
	}
	if _, err := wallet.Credit(ctx, tx, wallet.Posting{
		UserID:    e.UserID,
		Account:   repo.AccountIncome,
		Amount:    e.Amount,
		Kind:      e.Type,
		Reference: e.Type + ":" + e.SourceEvent,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// postIsolated posts an entry, logging and skipping an idempotency violation
// so the remaining postings of the same event still go through.
func (d *Distributor) postIsolated(ctx context.Context, tx *repo.Tx, e repo.CommissionEntry, posted *[]repo.CommissionEntry) error {
	ok, err := d.post(ctx, tx, e)
	if err != nil {
		if errors.Is(err, errs.ErrIdempotencyViolation) {
			d.logger.Error("commission skipped", "user_id", e.UserID, "type", e.Type, "source_event", e.SourceEvent, "error", err)
			d.metrics.IncError("commission")
			return nil
		}
		return err
	}
	if ok {
		*posted = append(*posted, e)
	}
	return nil
}

func (d *Distributor) observe(posted []repo.CommissionEntry) {
	for _, e := range posted {
		d.metrics.ObservePosting(e.Type, e.Amount)
	}
}

// CreditPair posts a green pair's income inside the engine transaction.
func (d *Distributor) CreditPair(ctx context.Context, tx *repo.Tx, pair repo.Pair, pkg settings.Package) (bool, error) {
	windowID := pair.WindowID
	if pair.ReleasedWindowID != nil {
		windowID = *pair.ReleasedWindowID
	}
	ok, err := d.post(ctx, tx, repo.CommissionEntry{
		UserID:      pair.UserID,
		Type:        repo.CommissionPair,
		SourceEvent: PairSource(pair.ID),
		Amount:      pkg.PairIncome,
		WindowID:    windowID,
	})
	if err != nil {
		return false, fmt.Errorf("credit pair %d: %w", pair.ID, err)
	}
	if ok {
		d.metrics.ObservePosting(repo.CommissionPair, pkg.PairIncome)
	}
	return ok, nil
}

// BVReport summarises one BV distribution pass.
type BVReport struct {
	Processed int
	Failed    int
	Postings  int
}

// DistributeBV processes undistributed BV entries recorded before cutoff in
// ascending sequence, each in its own transaction. A failing entry is logged
// and left for the next pass.
func (d *Distributor) DistributeBV(ctx context.Context, cfg *settings.BusinessConfig, windowID string, cutoff time.Time) (BVReport, error) {
	var report BVReport
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := d.repo.ListUndistributedBV(ctx, after, batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			return report, nil
		}
		for _, e := range batch {
			if !e.RecordedAt.Before(cutoff) {
				return report, nil
			}
			after = e.Seq
			n, err := d.distributeOne(ctx, cfg, windowID, e.Seq)
			if err != nil {
				report.Failed++
				d.metrics.IncError("commission")
				d.logger.Error("bv distribution failed", "bv_seq", e.Seq, "user_id", e.UserID, "error", err)
				continue
			}
			report.Processed++
			report.Postings += n
		}
	}
}

func (d *Distributor) distributeOne(ctx context.Context, cfg *settings.BusinessConfig, windowID string, seq int64) (int, error) {
	var posted []repo.CommissionEntry
	err := d.repo.WithTxRetry(ctx, d.retry, func(tx *repo.Tx) error {
		posted = posted[:0]
		e, err := tx.GetBVEntry(ctx, seq, true)
		if err != nil {
			return err
		}
		if e.DistributedAt != nil {
			return nil
		}
		if e.Category == ledger.CategoryRepurchase {
			if err := d.distributeRepurchase(ctx, tx, cfg, windowID, e, &posted); err != nil {
				return err
			}
		}
		return tx.MarkBVDistributed(ctx, e.Seq, time.Now())
	})
	if err != nil {
		return 0, err
	}
	d.observe(posted)
	return len(posted), nil
}

func (d *Distributor) distributeRepurchase(ctx context.Context, tx *repo.Tx, cfg *settings.BusinessConfig, windowID string, e *repo.BVEntry, posted *[]repo.CommissionEntry) error {
	source := BVSource(e.Seq)

	origin, err := tx.GetMember(ctx, e.UserID)
	if err != nil {
		return err
	}
	if err := refreshRank(ctx, tx, cfg, origin); err != nil {
		return err
	}

	ancestors, err := tree.Ancestors(ctx, tx, e.UserID, 0)
	if err != nil {
		return err
	}

	// Level income over the first LevelCount ancestors.
	for _, a := range ancestors {
		if a.Level > settings.LevelCount {
			break
		}
		pct := cfg.LevelPercents[a.Level-1]
		if !pct.IsPositive() {
			continue
		}
		m, err := tx.GetMember(ctx, a.ID)
		if err != nil {
			return err
		}
		if !m.Active {
			continue
		}
		if err := d.postIsolated(ctx, tx, repo.CommissionEntry{
			UserID:      a.ID,
			Type:        repo.CommissionLevel,
			SourceEvent: source,
			Amount:      settings.Percent(e.Amount, pct),
			Level:       a.Level,
			WindowID:    windowID,
		}, posted); err != nil {
			return err
		}
	}

	// Royalty goes to the originator when ranked, else the nearest ranked upline.
	beneficiary := origin
	if !origin.Active || cfg.RankLevel(origin.Rank) == 0 {
		beneficiary = nil
		for _, a := range ancestors {
			m, err := tx.GetMember(ctx, a.ID)
			if err != nil {
				return err
			}
			if err := refreshRank(ctx, tx, cfg, m); err != nil {
				return err
			}
			if m.Active && cfg.RankLevel(m.Rank) > 0 {
				beneficiary = m
				break
			}
		}
	}
	if beneficiary != nil {
		rank, _ := cfg.Rank(cfg.RankLevel(beneficiary.Rank))
		line, err := tx.RoyaltyLine(ctx, beneficiary.ID)
		if err != nil {
			return err
		}
		line = line.Add(e.Amount)
		if err := tx.SaveRoyaltyLine(ctx, beneficiary.ID, line); err != nil {
			return err
		}
		pct := RoyaltyPercent(cfg.Royalty, rank, line)
		if pct.IsPositive() {
			if err := d.postIsolated(ctx, tx, repo.CommissionEntry{
				UserID:      beneficiary.ID,
				Type:        repo.CommissionRoyalty,
				SourceEvent: source,
				Amount:      settings.Percent(e.Amount, pct),
				Rank:        rank.Name,
				WindowID:    windowID,
			}, posted); err != nil {
				return err
			}
		}
	}

	// Star bonus for a ranked originator.
	if origin.Active {
		if rank, ok := cfg.Rank(cfg.RankLevel(origin.Rank)); ok && rank.StarBonusPercent.IsPositive() {
			if err := d.postIsolated(ctx, tx, repo.CommissionEntry{
				UserID:      origin.ID,
				Type:        repo.CommissionStar,
				SourceEvent: source,
				Amount:      settings.Percent(e.Amount, rank.StarBonusPercent),
				Rank:        rank.Name,
				WindowID:    windowID,
			}, posted); err != nil {
				return err
			}
		}
	}

	for _, pool := range cfg.FundPools {
		if !pool.Percent.IsPositive() {
			continue
		}
		if _, err := tx.AddFundContribution(ctx, e.Seq, pool.Name, settings.Percent(e.Amount, pool.Percent)); err != nil {
			return err
		}
	}
	return nil
}

// RoyaltyPercent applies the flat initial rate while the continuous line
// total is within the threshold and the rank tier rate above it.
func RoyaltyPercent(r settings.Royalty, rank settings.Rank, lineTotal decimal.Decimal) decimal.Decimal {
	if lineTotal.LessThanOrEqual(r.Threshold) {
		return r.InitialPercent
	}
	return rank.RoyaltyPercent
}

// refreshRank promotes m to the highest rank its counts qualify for. Ranks never drop.
func refreshRank(ctx context.Context, tx *repo.Tx, cfg *settings.BusinessConfig, m *repo.Member) error {
	qualified := cfg.QualifiedRank(m.DirectCount, m.TeamCount)
	if qualified <= cfg.RankLevel(m.Rank) {
		return nil
	}
	rank, _ := cfg.Rank(qualified)
	if err := tx.SetMemberRank(ctx, m.ID, rank.Name); err != nil {
		return err
	}
	m.Rank = rank.Name
	return nil
}

// FundPayout describes one pool distribution.
type FundPayout struct {
	Pool      string          `json:"pool"`
	Period    string          `json:"period"`
	Members   int             `json:"members"`
	Share     decimal.Decimal `json:"share"`
	Total     decimal.Decimal `json:"total"`
	Remaining decimal.Decimal `json:"remaining"`
	Replayed  bool            `json:"replayed"`
}

// DistributeFundPool splits a pool balance equally among active members at or
// above the pool's minimum rank. Each (pool, period) pays out once; the
// sub-unit remainder stays in the pool.
func (d *Distributor) DistributeFundPool(ctx context.Context, cfg *settings.BusinessConfig, poolName, period string) (*FundPayout, error) {
	pool, ok := cfg.FundPool(poolName)
	if !ok {
		return nil, fmt.Errorf("fund pool %q: %w", poolName, errs.ErrNotFound)
	}
	if period == "" {
		return nil, fmt.Errorf("%w: period is required", errs.ErrInvalidEvent)
	}
	minLevel := cfg.RankLevel(pool.MinRank)

	var payout *FundPayout
	var posted []repo.CommissionEntry
	err := d.repo.WithTxRetry(ctx, d.retry, func(tx *repo.Tx) error {
		posted = posted[:0]
		payout = &FundPayout{Pool: pool.Name, Period: period}

		balance, err := tx.GetFundPool(ctx, pool.Name, true)
		if err != nil {
			return err
		}
		payout.Remaining = balance.Balance

		// A paid-out period replays whatever the pool or ranks look like now.
		prior, err := tx.GetFundDistribution(ctx, pool.Name, period)
		switch {
		case err == nil:
			payout.Replayed = true
			payout.Members = prior.Members
			payout.Total = prior.Amount
			if prior.Members > 0 {
				payout.Share = prior.Amount.Div(decimal.NewFromInt(int64(prior.Members))).Truncate(wallet.Places)
			}
			return nil
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}

		ranked, err := tx.ListRankedMembers(ctx)
		if err != nil {
			return err
		}
		var eligible []repo.Member
		for _, m := range ranked {
			if level := cfg.RankLevel(m.Rank); level > 0 && level >= minLevel {
				eligible = append(eligible, m)
			}
		}
		payout.Members = len(eligible)
		if len(eligible) == 0 || !balance.Balance.IsPositive() {
			return nil
		}

		share := balance.Balance.Div(decimal.NewFromInt(int64(len(eligible)))).Truncate(wallet.Places)
		total := share.Mul(decimal.NewFromInt(int64(len(eligible))))
		claimed, err := tx.RecordFundDistribution(ctx, pool.Name, period, total, len(eligible))
		if err != nil {
			return err
		}
		if !claimed {
			payout.Replayed = true
			return nil
		}
		payout.Share = share
		payout.Total = total
		payout.Remaining = balance.Balance.Sub(total)
		if !share.IsPositive() {
			return nil
		}

		source := FundSource(pool.Name, period)
		for _, m := range eligible {
			if err := d.postIsolated(ctx, tx, repo.CommissionEntry{
				UserID:      m.ID,
				Type:        repo.CommissionFund,
				SourceEvent: source,
				Amount:      share,
				Rank:        m.Rank,
			}, &posted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("distribute fund pool %s: %w", pool.Name, err)
	}
	d.observe(posted)
	d.logger.Info("fund pool distributed", "pool", pool.Name, "period", period, "members", payout.Members, "share", payout.Share.String(), "replayed", payout.Replayed)
	return payout, nil
}
