package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairengine/internal/errs"
)

const memberColumns = `id, external_ref, sponsor_id, parent_id, side, package_code, rank, direct_count, team_count, active, joined_at, updated_at`

func scanMember(row interface{ Scan(...any) error }) (*Member, error) {
	var m Member
	var sponsor, parent sql.NullInt64
	var side string
	if err := row.Scan(&m.ID, &m.ExternalRef, &sponsor, &parent, &side, &m.PackageCode, &m.Rank, &m.DirectCount, &m.TeamCount, &m.Active, &m.JoinedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if sponsor.Valid {
		m.SponsorID = &sponsor.Int64
	}
	if parent.Valid {
		m.ParentID = &parent.Int64
	}
	m.Side = Side(side)
	return &m, nil
}

// InsertMember stores a new member and returns its registration id.
func (q *Queries) InsertMember(ctx context.Context, m Member) (int64, error) {
	const stmt = `
INSERT INTO members (external_ref, sponsor_id, parent_id, side, package_code, rank, active, joined_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`
	now := time.Now().UTC()
	var id int64
	err := q.queryRow(ctx, stmt,
		m.ExternalRef,
		m.SponsorID,
		m.ParentID,
		string(m.Side),
		m.PackageCode,
		m.Rank,
		m.Active,
		m.JoinedAt.UTC(),
		now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert member: %w", err)
	}
	return id, nil
}

// GetMember returns a member by registration id.
func (q *Queries) GetMember(ctx context.Context, id int64) (*Member, error) {
	row := q.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?;`, id)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member %d: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// GetMemberByRef returns a member by the external registration reference.
func (q *Queries) GetMemberByRef(ctx context.Context, ref string) (*Member, error) {
	row := q.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE external_ref = ?;`, ref)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member %q: %w", ref, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get member by ref: %w", err)
	}
	return m, nil
}

// ChildAt returns the member placed on the given side of parentID, if any.
func (q *Queries) ChildAt(ctx context.Context, parentID int64, side Side) (int64, bool, error) {
	var id int64
	err := q.queryRow(ctx, `SELECT id FROM members WHERE parent_id = ? AND side = ?;`, parentID, string(side)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("child at: %w", err)
	}
	return id, true, nil
}

// CountRoots returns how many members have no placement parent.
func (q *Queries) CountRoots(ctx context.Context) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM members WHERE parent_id IS NULL;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count roots: %w", err)
	}
	return n, nil
}

// Placement returns the placement parent and the side the member sits on.
func (q *Queries) Placement(ctx context.Context, id int64) (parentID int64, side Side, ok bool, err error) {
	var parent sql.NullInt64
	var s string
	err = q.queryRow(ctx, `SELECT parent_id, side FROM members WHERE id = ?;`, id).Scan(&parent, &s)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", false, fmt.Errorf("member %d: %w", id, errs.ErrNotFound)
		}
		return 0, "", false, fmt.Errorf("placement: %w", err)
	}
	if !parent.Valid {
		return 0, "", false, nil
	}
	return parent.Int64, Side(s), true, nil
}

// IncrementDirectCount bumps the sponsor's direct referral count.
func (q *Queries) IncrementDirectCount(ctx context.Context, sponsorID int64) error {
	_, err := q.exec(ctx, `UPDATE members SET direct_count = direct_count + 1, updated_at = ? WHERE id = ?;`, time.Now().UTC(), sponsorID)
	if err != nil {
		return fmt.Errorf("increment direct count: %w", err)
	}
	return nil
}

// IncrementTeamCount bumps the downline size of one ancestor.
func (q *Queries) IncrementTeamCount(ctx context.Context, id int64) error {
	_, err := q.exec(ctx, `UPDATE members SET team_count = team_count + 1, updated_at = ? WHERE id = ?;`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment team count: %w", err)
	}
	return nil
}

// SetMemberPackage records the member's current package.
func (q *Queries) SetMemberPackage(ctx context.Context, id int64, code string) error {
	_, err := q.exec(ctx, `UPDATE members SET package_code = ?, updated_at = ? WHERE id = ?;`, code, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set member package: %w", err)
	}
	return nil
}

// SetMemberRank records a rank promotion.
func (q *Queries) SetMemberRank(ctx context.Context, id int64, rank string) error {
	_, err := q.exec(ctx, `UPDATE members SET rank = ?, updated_at = ? WHERE id = ?;`, rank, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set member rank: %w", err)
	}
	return nil
}

// SetMemberActive flips the active flag; members are never deleted.
func (q *Queries) SetMemberActive(ctx context.Context, id int64, active bool) error {
	ct, err := q.exec(ctx, `UPDATE members SET active = ?, updated_at = ? WHERE id = ?;`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set member active: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("member %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

// ListRankedMembers returns active members holding any rank, ascending id.
func (q *Queries) ListRankedMembers(ctx context.Context) ([]Member, error) {
	rows, err := q.query(ctx, `SELECT `+memberColumns+` FROM members WHERE active = ? AND rank <> '' ORDER BY id ASC;`, true)
	if err != nil {
		return nil, fmt.Errorf("list ranked members: %w", err)
	}
	defer rows.Close()

	var res []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		res = append(res, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return res, nil
}
