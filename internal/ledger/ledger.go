// Package ledger records inbound purchases as append-only PV and BV entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pairengine/internal/calendar"
	"pairengine/internal/errs"
	"pairengine/internal/repo"
	"pairengine/internal/settings"
	"pairengine/internal/tree"
)

// Purchase kinds.
const (
	KindPurchase   = "purchase"
	KindRepurchase = "repurchase"
)

// BV categories.
const (
	CategoryRepurchase = "repurchase"
	CategoryProduct    = "product"
	CategoryService    = "service"
)

// Event is an inbound purchase or repurchase.
type Event struct {
	OrderRef    string          `json:"order_ref"`
	UserID      int64           `json:"user_id"`
	PackageCode string          `json:"package_code"`
	Kind        string          `json:"kind"`
	PV          decimal.Decimal `json:"pv"`
	BV          decimal.Decimal `json:"bv"`
	Category    string          `json:"category"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Receipt describes what a purchase produced.
type Receipt struct {
	Purchase  repo.Purchase `json:"purchase"`
	PVEntries int           `json:"pv_entries"`
	BVPosted  bool          `json:"bv_posted"`
	Replayed  bool          `json:"replayed"`
}

// ConfigSource yields the business parameters in force.
type ConfigSource interface {
	Current(ctx context.Context) (*settings.BusinessConfig, error)
}

// Ledger appends volume entries.
type Ledger struct {
	repo     *repo.Store
	settings ConfigSource
	loc      *time.Location
	retry    repo.RetryPolicy
	logger   *slog.Logger
}

// New builds the ledger.
func New(r *repo.Store, cfg ConfigSource, loc *time.Location, retry repo.RetryPolicy, logger *slog.Logger) *Ledger {
	return &Ledger{repo: r, settings: cfg, loc: loc, retry: retry, logger: logger.With("component", "ledger")}
}

// RecordPurchase stores the purchase and its PV/BV entries in one transaction.
// Replaying an order reference returns the original receipt; a replay with a
// different payload is an idempotency violation.
func (l *Ledger) RecordPurchase(ctx context.Context, ev Event) (*Receipt, error) {
	cfg, err := l.settings.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := normalize(&ev, cfg); err != nil {
		return nil, err
	}
	cal, err := calendar.New(l.loc, cfg.Windows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := repo.Purchase{
		OrderRef:    ev.OrderRef,
		UserID:      ev.UserID,
		PackageCode: ev.PackageCode,
		Kind:        ev.Kind,
		PV:          ev.PV,
		BV:          ev.BV,
		Category:    ev.Category,
		OccurredAt:  ev.OccurredAt,
		RecordedAt:  now,
	}

	var receipt *Receipt
	err = l.repo.WithTxRetry(ctx, l.retry, func(tx *repo.Tx) error {
		receipt = nil
		member, err := tx.GetMember(ctx, ev.UserID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("%w: member %d does not exist", errs.ErrInvalidEvent, ev.UserID)
			}
			return err
		}
		if p.PackageCode == "" && p.PV.IsPositive() {
			p.PackageCode = member.PackageCode
			if p.PackageCode == "" {
				return fmt.Errorf("%w: member %d holds no package to carry PV", errs.ErrInvalidEvent, ev.UserID)
			}
		}

		inserted, err := tx.InsertPurchase(ctx, p)
		if err != nil {
			return err
		}
		if !inserted {
			receipt, err = replay(ctx, tx, p)
			return err
		}

		if p.Kind == KindPurchase && member.PackageCode != p.PackageCode {
			if err := tx.SetMemberPackage(ctx, member.ID, p.PackageCode); err != nil {
				return err
			}
		}

		receipt = &Receipt{Purchase: p}
		if p.PV.IsPositive() {
			entries, err := tree.Propagate(ctx, tx, tree.Volume{
				OrderRef:     p.OrderRef,
				SourceUserID: p.UserID,
				PackageCode:  p.PackageCode,
				Amount:       p.PV,
				SessionIndex: cal.IndexAt(p.OccurredAt),
				WindowID:     cal.NextClose(p.RecordedAt).ID,
				OccurredAt:   p.OccurredAt,
				RecordedAt:   p.RecordedAt,
			})
			if err != nil {
				return err
			}
			receipt.PVEntries = len(entries)
		}
		if p.BV.IsPositive() {
			if _, err := tx.InsertBVEntry(ctx, repo.BVEntry{
				UserID:     p.UserID,
				Amount:     p.BV,
				Category:   p.Category,
				OrderRef:   p.OrderRef,
				OccurredAt: p.OccurredAt,
				RecordedAt: p.RecordedAt,
			}); err != nil {
				return err
			}
			receipt.BVPosted = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record purchase %s: %w", ev.OrderRef, err)
	}

	if receipt.Replayed {
		l.logger.Debug("purchase replayed", "order_ref", ev.OrderRef)
	} else {
		l.logger.Info("purchase recorded", "order_ref", ev.OrderRef, "user_id", ev.UserID, "pv_entries", receipt.PVEntries, "bv_posted", receipt.BVPosted)
	}
	return receipt, nil
}

func replay(ctx context.Context, tx *repo.Tx, p repo.Purchase) (*Receipt, error) {
	stored, err := tx.GetPurchase(ctx, p.OrderRef)
	if err != nil {
		return nil, err
	}
	if stored.UserID != p.UserID || stored.PackageCode != p.PackageCode || stored.Kind != p.Kind ||
		!stored.PV.Equal(p.PV) || !stored.BV.Equal(p.BV) || stored.Category != p.Category {
		return nil, &errs.IdempotencyError{Key: "purchase:" + p.OrderRef, Detail: "order reference reused with a different payload"}
	}
	entries, err := tx.ListPVByOrder(ctx, p.OrderRef)
	if err != nil {
		return nil, err
	}
	return &Receipt{Purchase: *stored, PVEntries: len(entries), BVPosted: stored.BV.IsPositive(), Replayed: true}, nil
}

func normalize(ev *Event, cfg *settings.BusinessConfig) error {
	ev.OrderRef = strings.TrimSpace(ev.OrderRef)
	ev.Kind = strings.ToLower(strings.TrimSpace(ev.Kind))
	ev.Category = strings.ToLower(strings.TrimSpace(ev.Category))
	ev.PackageCode = strings.TrimSpace(ev.PackageCode)

	if ev.OrderRef == "" {
		return fmt.Errorf("%w: order_ref is required", errs.ErrInvalidEvent)
	}
	if ev.UserID <= 0 {
		return fmt.Errorf("%w: user_id is required", errs.ErrInvalidEvent)
	}
	if ev.PV.IsNegative() || ev.BV.IsNegative() {
		return fmt.Errorf("%w: volume must not be negative", errs.ErrInvalidEvent)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	switch ev.Kind {
	case KindPurchase:
		pkg, ok := cfg.Package(ev.PackageCode)
		if !ok {
			return fmt.Errorf("%w: unknown package %q", errs.ErrInvalidEvent, ev.PackageCode)
		}
		if !pkg.Active {
			return fmt.Errorf("%w: package %q is not active", errs.ErrInvalidEvent, ev.PackageCode)
		}
		if ev.PV.IsZero() {
			ev.PV = pkg.PV
		}
		if ev.Category == "" {
			ev.Category = CategoryProduct
		}
	case KindRepurchase:
		if ev.PackageCode != "" {
			if _, ok := cfg.Package(ev.PackageCode); !ok {
				return fmt.Errorf("%w: unknown package %q", errs.ErrInvalidEvent, ev.PackageCode)
			}
		}
		if ev.Category == "" {
			ev.Category = CategoryRepurchase
		}
	default:
		return fmt.Errorf("%w: kind must be purchase or repurchase", errs.ErrInvalidEvent)
	}

	switch ev.Category {
	case CategoryRepurchase, CategoryProduct, CategoryService:
	default:
		return fmt.Errorf("%w: unknown category %q", errs.ErrInvalidEvent, ev.Category)
	}
	return nil
}

// ListPV returns the PV credited to a member after a sequence number.
func (l *Ledger) ListPV(ctx context.Context, userID, afterSeq int64, limit int) ([]repo.PVEntry, error) {
	if _, err := l.repo.GetMember(ctx, userID); err != nil {
		return nil, err
	}
	return l.repo.ListPVAfter(ctx, userID, afterSeq, limit)
}

// ListBV returns the BV a member originated.
func (l *Ledger) ListBV(ctx context.Context, userID int64, limit int) ([]repo.BVEntry, error) {
	if _, err := l.repo.GetMember(ctx, userID); err != nil {
		return nil, err
	}
	return l.repo.ListBVByUser(ctx, userID, limit)
}
