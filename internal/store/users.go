package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// User is an account row. PasswordHash never leaves the server.
type User struct {
	ID           int64   `db:"id" json:"id"`
	Username     string  `db:"username" json:"username"`
	Email        *string `db:"email" json:"email"`
	PasswordHash string  `db:"password_hash" json:"-"`
	UserLevel    int     `db:"user_level" json:"user_level"`
	UniqueID     *string `db:"unique_id" json:"unique_id"`
	ExpiresAt    *int64  `db:"expires_at" json:"expires_at"`
	IsAdmin      bool    `db:"is_admin" json:"is_admin"`
	IsActive     bool    `db:"is_active" json:"is_active"`
	CreatedAt    int64   `db:"created_at" json:"created_at"`
}

const userCols = `id, username, email, password_hash, user_level, unique_id, expires_at, is_admin, is_active, created_at`

// CreateUser inserts a new account and returns its generated id. The
// public unique id is assigned afterwards with SetUserUniqueID because it
// is derived from the row id.
func CreateUser(ctx context.Context, q sqlx.ExtContext, u *User) error {
	err := sqlx.GetContext(ctx, q, &u.ID, q.Rebind(`
		INSERT INTO users (username, email, password_hash, user_level, is_admin, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		u.Username, u.Email, u.PasswordHash, u.UserLevel, u.IsAdmin, u.IsActive, u.CreatedAt)
	return err
}

// SetUserUniqueID assigns the public account identifier (USER-00042 style).
func SetUserUniqueID(ctx context.Context, q sqlx.ExtContext, id int64, uniqueID string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE users SET unique_id = ? WHERE id = ?`), uniqueID, id)
	return err
}

// UserByID fetches a user row by primary key.
func UserByID(ctx context.Context, q sqlx.ExtContext, id int64) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, q, &u, q.Rebind(`SELECT `+userCols+` FROM users WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UserByUsername fetches a user row by login name.
func UserByUsername(ctx context.Context, q sqlx.ExtContext, username string) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, q, &u, q.Rebind(`SELECT `+userCols+` FROM users WHERE username = ?`), username)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UserByEmail fetches a user row by email address.
func UserByEmail(ctx context.Context, q sqlx.ExtContext, email string) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, q, &u, q.Rebind(`SELECT `+userCols+` FROM users WHERE email = ?`), email)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UserByUniqueID fetches a user row by its public identifier.
func UserByUniqueID(ctx context.Context, q sqlx.ExtContext, uniqueID string) (*User, error) {
	var u User
	err := sqlx.GetContext(ctx, q, &u, q.Rebind(`SELECT `+userCols+` FROM users WHERE unique_id = ?`), uniqueID)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CountUsers returns the total number of accounts.
func CountUsers(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// CountActiveUsers returns the number of accounts with is_active set.
func CountActiveUsers(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`SELECT COUNT(*) FROM users WHERE is_active = ?`), true)
	return n, err
}

// CountAdminUsers returns the number of accounts holding admin rights,
// either via the flag or the admin level.
func CountAdminUsers(ctx context.Context, q sqlx.ExtContext) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`SELECT COUNT(*) FROM users WHERE is_admin = ? OR user_level = 99`), true)
	return n, err
}

// UserLevelCounts returns how many accounts sit at each membership level.
func UserLevelCounts(ctx context.Context, q sqlx.ExtContext) (map[int]int64, error) {
	rows, err := q.QueryxContext(ctx, `SELECT user_level, COUNT(*) FROM users GROUP BY user_level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[int]int64)
	for rows.Next() {
		var level int
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

// ListUsers returns accounts ordered by creation time descending.
func ListUsers(ctx context.Context, q sqlx.ExtContext, offset, limit int) ([]User, error) {
	users := []User{}
	err := sqlx.SelectContext(ctx, q, &users, q.Rebind(`
		SELECT `+userCols+` FROM users
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`), limit, offset)
	return users, err
}

// SetUserActive flips the is_active flag.
func SetUserActive(ctx context.Context, q sqlx.ExtContext, id int64, active bool) error {
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE users SET is_active = ? WHERE id = ?`), active, id)
	return err
}

// SetUserAdmin flips the is_admin flag.
func SetUserAdmin(ctx context.Context, q sqlx.ExtContext, id int64, admin bool) error {
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE users SET is_admin = ? WHERE id = ?`), admin, id)
	return err
}

// SetUserLevel updates the membership level and, when provided, the
// membership expiry.
func SetUserLevel(ctx context.Context, q sqlx.ExtContext, id int64, level int, expiresAt *int64) error {
	if expiresAt != nil {
		_, err := q.ExecContext(ctx, q.Rebind(`UPDATE users SET user_level = ?, expires_at = ? WHERE id = ?`), level, *expiresAt, id)
		return err
	}
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE users SET user_level = ? WHERE id = ?`), level, id)
	return err
}

// DeleteUserData removes every row belonging to a user across all data
// tables, child tables first, and finally the account itself. It returns
// per-table deletion counts. Callers run it inside a transaction.
func DeleteUserData(ctx context.Context, q sqlx.ExtContext, userID int64) (map[string]int64, error) {
	counts := make(map[string]int64)

	// Blocks hang off messages, which hang off conversations; delete
	// leaves before parents so FK constraints hold on both engines.
	blockQ := q.Rebind(`
		DELETE FROM message_blocks WHERE message_id IN
			(SELECT id FROM sync_messages WHERE user_id = ?)`)
	res, err := q.ExecContext(ctx, blockQ, userID)
	if err != nil {
		return nil, err
	}
	counts["message_blocks"], _ = res.RowsAffected()

	byUser := []struct {
		name  string
		table string
	}{
		{"messages", "sync_messages"},
		{"conversations", "conversations"},
		{"providers", "providers"},
		{"sync_scopes", "sync_scopes"},
		{"sync_operations", "sync_operations"},
		{"sync_cursors", "sync_cursors"},
		{"backups", "data_backups"},
		{"memory_searches", "memory_search_history"},
		{"memories", "memory_store"},
		{"trigger_logs", "trigger_execution_logs"},
		{"triggers", "cloud_triggers"},
		{"quotas", "user_quota"},
		{"usage_logs", "quota_usage_log"},
	}
	for _, t := range byUser {
		res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM `+t.table+` WHERE user_id = ?`), userID)
		if err != nil {
			return nil, err
		}
		counts[t.name], _ = res.RowsAffected()
	}

	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM users WHERE id = ?`), userID); err != nil {
		return nil, err
	}
	return counts, nil
}
