package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Backup is a user-uploaded snapshot of client data. BackupData can run
// to megabytes, so list queries leave it out and only the detail and
// restore paths load it.
type Backup struct {
	ID          int64   `db:"id" json:"id"`
	UserID      int64   `db:"user_id" json:"user_id"`
	BackupName  string  `db:"backup_name" json:"backup_name"`
	Description *string `db:"description" json:"description"`
	BackupType  string  `db:"backup_type" json:"backup_type"`
	BackupData  string  `db:"backup_data" json:"-"`
	FileSize    int64   `db:"file_size" json:"file_size"`
	CreatedAt   int64   `db:"created_at" json:"created_at"`
}

// BackupStats summarizes one user's backups.
type BackupStats struct {
	Total     int64  `db:"total"`
	TotalSize int64  `db:"total_size"`
	Oldest    *int64 `db:"oldest"`
	Newest    *int64 `db:"newest"`
}

// BackupUserUsage is one row of the admin per-user usage ranking.
type BackupUserUsage struct {
	UserID    int64 `db:"user_id"`
	Count     int64 `db:"cnt"`
	TotalSize int64 `db:"total_size"`
}

// InsertBackup writes a new backup and fills in its generated id.
func InsertBackup(ctx context.Context, q sqlx.ExtContext, b *Backup) error {
	return sqlx.GetContext(ctx, q, &b.ID, q.Rebind(`
		INSERT INTO data_backups (user_id, backup_name, description, backup_type, backup_data, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		b.UserID, b.BackupName, b.Description, b.BackupType, b.BackupData, b.FileSize, b.CreatedAt)
}

// ListBackups returns the user's backups newest first, without payloads.
func ListBackups(ctx context.Context, q sqlx.ExtContext, userID int64, offset, limit int) ([]Backup, error) {
	backups := []Backup{}
	err := sqlx.SelectContext(ctx, q, &backups, q.Rebind(`
		SELECT id, user_id, backup_name, description, backup_type, '' AS backup_data, file_size, created_at
		FROM data_backups
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`), userID, limit, offset)
	return backups, err
}

// BackupByID fetches one backup with its payload, scoped to the user.
func BackupByID(ctx context.Context, q sqlx.ExtContext, userID, id int64) (*Backup, error) {
	var b Backup
	err := sqlx.GetContext(ctx, q, &b, q.Rebind(`
		SELECT id, user_id, backup_name, description, backup_type, backup_data, file_size, created_at
		FROM data_backups WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// DeleteBackup removes one of the user's backups.
func DeleteBackup(ctx context.Context, q sqlx.ExtContext, userID, id int64) error {
	res, err := q.ExecContext(ctx, q.Rebind(`
		DELETE FROM data_backups WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBackupByID removes a backup regardless of owner, for admin use.
func DeleteBackupByID(ctx context.Context, q sqlx.ExtContext, id int64) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM data_backups WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserBackupStats aggregates one user's backup usage.
func UserBackupStats(ctx context.Context, q sqlx.ExtContext, userID int64) (*BackupStats, error) {
	var s BackupStats
	err := sqlx.GetContext(ctx, q, &s, q.Rebind(`
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(file_size), 0) AS total_size,
		       MIN(created_at) AS oldest,
		       MAX(created_at) AS newest
		FROM data_backups WHERE user_id = ?`), userID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GlobalBackupStats aggregates backup usage across all users.
func GlobalBackupStats(ctx context.Context, q sqlx.ExtContext) (total, totalSize, users int64, err error) {
	var s struct {
		Total     int64 `db:"total"`
		TotalSize int64 `db:"total_size"`
		Users     int64 `db:"users"`
	}
	err = sqlx.GetContext(ctx, q, &s, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(file_size), 0) AS total_size,
		       COUNT(DISTINCT user_id) AS users
		FROM data_backups`)
	return s.Total, s.TotalSize, s.Users, err
}

// TopBackupUsers ranks users by total backup bytes, largest first.
func TopBackupUsers(ctx context.Context, q sqlx.ExtContext, limit int) ([]BackupUserUsage, error) {
	rows := []BackupUserUsage{}
	err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(`
		SELECT user_id, COUNT(*) AS cnt, COALESCE(SUM(file_size), 0) AS total_size
		FROM data_backups
		GROUP BY user_id
		ORDER BY total_size DESC
		LIMIT ?`), limit)
	return rows, err
}

// ListBackupsForUser returns every backup summary for one user, for the
// admin view.
func ListBackupsForUser(ctx context.Context, q sqlx.ExtContext, userID int64) ([]Backup, error) {
	backups := []Backup{}
	err := sqlx.SelectContext(ctx, q, &backups, q.Rebind(`
		SELECT id, user_id, backup_name, description, backup_type, '' AS backup_data, file_size, created_at
		FROM data_backups
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`), userID)
	return backups, err
}

// CountBackups returns how many backups the user holds.
func CountBackups(ctx context.Context, q sqlx.ExtContext, userID int64) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`
		SELECT COUNT(*) FROM data_backups WHERE user_id = ?`), userID)
	return n, err
}
