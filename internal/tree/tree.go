// Package tree maintains the binary placement tree: registration, ancestor
// walks, and propagation of purchased volume into the upline's legs.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pairengine/internal/errs"
	"pairengine/internal/repo"
)

// maxDepth guards ancestor walks against corrupt placement data.
const maxDepth = 1 << 20

// Ancestor is one upline member relative to a starting member.
type Ancestor struct {
	ID int64
	// Side is the leg of ID that contains the starting member.
	Side  repo.Side
	Level int
}

// PlacementReader is satisfied by both *repo.Store and *repo.Tx.
type PlacementReader interface {
	Placement(ctx context.Context, id int64) (int64, repo.Side, bool, error)
}

// Ancestors walks up the placement tree iteratively. A limit of 0 walks to the root.
func Ancestors(ctx context.Context, r PlacementReader, id int64, limit int) ([]Ancestor, error) {
	var res []Ancestor
	cur := id
	for level := 1; ; level++ {
		if level > maxDepth {
			return nil, fmt.Errorf("ancestors of %d: placement deeper than %d, possible cycle", id, maxDepth)
		}
		parent, side, ok, err := r.Placement(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		res = append(res, Ancestor{ID: parent, Side: side, Level: level})
		if limit > 0 && level >= limit {
			break
		}
		cur = parent
	}
	return res, nil
}

// Registration carries the placement of a new member.
type Registration struct {
	ExternalRef string
	SponsorID   *int64
	ParentID    *int64
	Side        repo.Side
	PackageCode string
	JoinedAt    time.Time
}

// Index owns placement writes.
type Index struct {
	repo   *repo.Store
	retry  repo.RetryPolicy
	logger *slog.Logger
}

// New builds the tree index.
func New(r *repo.Store, retry repo.RetryPolicy, logger *slog.Logger) *Index {
	return &Index{repo: r, retry: retry, logger: logger.With("component", "tree")}
}

// Register places a new member under its parent. Registering the same external
// reference twice returns the existing member.
func (ix *Index) Register(ctx context.Context, reg Registration) (*repo.Member, error) {
	reg.ExternalRef = strings.TrimSpace(reg.ExternalRef)
	if reg.ExternalRef == "" {
		return nil, fmt.Errorf("%w: external reference is required", errs.ErrInvalidPlacement)
	}
	if reg.JoinedAt.IsZero() {
		reg.JoinedAt = time.Now()
	}

	var member *repo.Member
	err := ix.repo.WithTxRetry(ctx, ix.retry, func(tx *repo.Tx) error {
		existing, err := tx.GetMemberByRef(ctx, reg.ExternalRef)
		if err == nil {
			member = existing
			return nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}

		if err := ix.checkPlacement(ctx, tx, reg); err != nil {
			return err
		}

		id, err := tx.InsertMember(ctx, repo.Member{
			ExternalRef: reg.ExternalRef,
			SponsorID:   reg.SponsorID,
			ParentID:    reg.ParentID,
			Side:        reg.Side,
			PackageCode: reg.PackageCode,
			Active:      true,
			JoinedAt:    reg.JoinedAt,
		})
		if err != nil {
			return err
		}

		if reg.SponsorID != nil {
			if err := tx.IncrementDirectCount(ctx, *reg.SponsorID); err != nil {
				return err
			}
		}
		ancestors, err := Ancestors(ctx, tx, id, 0)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			if err := tx.IncrementTeamCount(ctx, a.ID); err != nil {
				return err
			}
		}

		member, err = tx.GetMember(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register member: %w", err)
	}
	ix.logger.Info("member registered", "user_id", member.ID, "external_ref", member.ExternalRef)
	return member, nil
}

func (ix *Index) checkPlacement(ctx context.Context, tx *repo.Tx, reg Registration) error {
	if reg.SponsorID != nil {
		if _, err := tx.GetMember(ctx, *reg.SponsorID); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("%w: sponsor %d does not exist", errs.ErrInvalidPlacement, *reg.SponsorID)
			}
			return err
		}
	}

	if reg.ParentID == nil {
		roots, err := tx.CountRoots(ctx)
		if err != nil {
			return err
		}
		if roots > 0 {
			return fmt.Errorf("%w: tree already has a root, parent is required", errs.ErrInvalidPlacement)
		}
		if reg.Side != "" {
			return fmt.Errorf("%w: root cannot have a side", errs.ErrInvalidPlacement)
		}
		return nil
	}

	if !reg.Side.Valid() {
		return fmt.Errorf("%w: side must be L or R", errs.ErrInvalidPlacement)
	}
	if _, err := tx.GetMember(ctx, *reg.ParentID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%w: parent %d does not exist", errs.ErrInvalidPlacement, *reg.ParentID)
		}
		return err
	}
	if _, taken, err := tx.ChildAt(ctx, *reg.ParentID, reg.Side); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("%w: parent %d side %s is occupied", errs.ErrInvalidPlacement, *reg.ParentID, reg.Side)
	}
	return nil
}

// Deactivate marks a member inactive. Members are never deleted; inactive
// members keep their place and volume but earn nothing.
func (ix *Index) Deactivate(ctx context.Context, userID int64) error {
	if err := ix.repo.SetMemberActive(ctx, userID, false); err != nil {
		return err
	}
	ix.logger.Info("member deactivated", "user_id", userID)
	return nil
}

// Activate reverses Deactivate.
func (ix *Index) Activate(ctx context.Context, userID int64) error {
	return ix.repo.SetMemberActive(ctx, userID, true)
}

// Volume is one purchase's PV to be credited up the tree.
type Volume struct {
	OrderRef     string
	SourceUserID int64
	PackageCode  string
	Amount       decimal.Decimal
	SessionIndex int
	WindowID     string
	OccurredAt   time.Time
	RecordedAt   time.Time
}

// Propagate appends one PV ledger entry per ancestor of the purchaser, on the
// leg that contains the purchaser. It must run inside the purchase transaction.
func Propagate(ctx context.Context, tx *repo.Tx, v Volume) ([]repo.PVEntry, error) {
	ancestors, err := Ancestors(ctx, tx, v.SourceUserID, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]repo.PVEntry, 0, len(ancestors))
	for _, a := range ancestors {
		e := repo.PVEntry{
			UserID:       a.ID,
			Side:         a.Side,
			PackageCode:  v.PackageCode,
			Amount:       v.Amount,
			OrderRef:     v.OrderRef,
			SourceUserID: v.SourceUserID,
			SessionIndex: v.SessionIndex,
			WindowID:     v.WindowID,
			OccurredAt:   v.OccurredAt,
			RecordedAt:   v.RecordedAt,
		}
		seq, err := tx.InsertPVEntry(ctx, e)
		if err != nil {
			return nil, err
		}
		e.Seq = seq
		entries = append(entries, e)
	}
	return entries, nil
}
