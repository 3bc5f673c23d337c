package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// InviteCode gates registration when invites are required.
type InviteCode struct {
	Code      string `db:"code" json:"code"`
	MaxUses   int    `db:"max_uses" json:"max_uses"`
	UsedCount int    `db:"used_count" json:"used_count"`
	Enabled   bool   `db:"enabled" json:"enabled"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Exhausted reports whether the code has no uses left.
func (c *InviteCode) Exhausted() bool {
	return c.UsedCount >= c.MaxUses
}

// CreateInvite inserts a new invite code.
func CreateInvite(ctx context.Context, q sqlx.ExtContext, c *InviteCode) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO invite_codes (code, max_uses, used_count, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		c.Code, c.MaxUses, c.UsedCount, c.Enabled, c.CreatedAt)
	return err
}

// InviteByCode fetches an invite code row.
func InviteByCode(ctx context.Context, q sqlx.ExtContext, code string) (*InviteCode, error) {
	var c InviteCode
	err := sqlx.GetContext(ctx, q, &c, q.Rebind(`
		SELECT code, max_uses, used_count, enabled, created_at
		FROM invite_codes WHERE code = ?`), code)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListInvites returns invite codes newest first.
func ListInvites(ctx context.Context, q sqlx.ExtContext, offset, limit int) ([]InviteCode, error) {
	codes := []InviteCode{}
	err := sqlx.SelectContext(ctx, q, &codes, q.Rebind(`
		SELECT code, max_uses, used_count, enabled, created_at
		FROM invite_codes
		ORDER BY created_at DESC, code
		LIMIT ? OFFSET ?`), limit, offset)
	return codes, err
}

// UpdateInvite saves mutable invite fields.
func UpdateInvite(ctx context.Context, q sqlx.ExtContext, c *InviteCode) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE invite_codes SET max_uses = ?, enabled = ? WHERE code = ?`),
		c.MaxUses, c.Enabled, c.Code)
	return err
}

// ConsumeInvite burns one use of the code.
func ConsumeInvite(ctx context.Context, q sqlx.ExtContext, code string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE invite_codes SET used_count = used_count + 1 WHERE code = ?`), code)
	return err
}

// DeleteInvite removes a code. Missing codes report ErrNotFound.
func DeleteInvite(ctx context.Context, q sqlx.ExtContext, code string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM invite_codes WHERE code = ?`), code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountInvites returns total and still-usable invite counts.
func CountInvites(ctx context.Context, q sqlx.ExtContext) (total, active int64, err error) {
	if err = sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM invite_codes`); err != nil {
		return 0, 0, err
	}
	err = sqlx.GetContext(ctx, q, &active, q.Rebind(`
		SELECT COUNT(*) FROM invite_codes WHERE enabled = ? AND used_count < max_uses`), true)
	return total, active, err
}
