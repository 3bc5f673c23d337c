package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Operation is the idempotency record for one applied push operation.
// ResultData caches the response payload so a retried op_id can be
// answered without re-executing.
type Operation struct {
	OpID          string  `db:"op_id" json:"op_id"`
	UserID        int64   `db:"user_id" json:"user_id"`
	DeviceID      *string `db:"device_id" json:"device_id"`
	OperationType string  `db:"operation_type" json:"operation_type"`
	OperationData *string `db:"operation_data" json:"-"`
	ResultData    *string `db:"result_data" json:"-"`
	CreatedAt     int64   `db:"created_at" json:"created_at"`
}

// OperationByID fetches an applied operation, scoped to the user so one
// account cannot replay another's op_ids.
func OperationByID(ctx context.Context, q sqlx.ExtContext, userID int64, opID string) (*Operation, error) {
	var op Operation
	err := sqlx.GetContext(ctx, q, &op, q.Rebind(`
		SELECT op_id, user_id, device_id, operation_type, operation_data, result_data, created_at
		FROM sync_operations WHERE op_id = ? AND user_id = ?`), opID, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &op, nil
}

// InsertOperation records a successfully applied operation.
func InsertOperation(ctx context.Context, q sqlx.ExtContext, op *Operation) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO sync_operations (op_id, user_id, device_id, operation_type, operation_data, result_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		op.OpID, op.UserID, op.DeviceID, op.OperationType, op.OperationData, op.ResultData, op.CreatedAt)
	return err
}

// DeleteOperationsBefore drops idempotency records older than the cutoff.
func DeleteOperationsBefore(ctx context.Context, q sqlx.ExtContext, cutoff int64) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM sync_operations WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Cursor tracks where a device has pulled up to, one row per
// (user, device).
type Cursor struct {
	ID                  int64  `db:"id" json:"id"`
	UserID              int64  `db:"user_id" json:"user_id"`
	DeviceID            string `db:"device_id" json:"device_id"`
	ConversationsCursor int64  `db:"conversations_cursor" json:"conversations_cursor"`
	MessagesCursor      int64  `db:"messages_cursor" json:"messages_cursor"`
	ProvidersCursor     int64  `db:"providers_cursor" json:"providers_cursor"`
	UpdatedAt           int64  `db:"updated_at" json:"updated_at"`
}

// UpsertCursor records the cursors handed to a device on pull.
func UpsertCursor(ctx context.Context, q sqlx.ExtContext, c *Cursor) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO sync_cursors (user_id, device_id, conversations_cursor, messages_cursor, providers_cursor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			conversations_cursor = EXCLUDED.conversations_cursor,
			messages_cursor      = EXCLUDED.messages_cursor,
			providers_cursor     = EXCLUDED.providers_cursor,
			updated_at           = EXCLUDED.updated_at`),
		c.UserID, c.DeviceID, c.ConversationsCursor, c.MessagesCursor, c.ProvidersCursor, c.UpdatedAt)
	return err
}

// CursorForDevice fetches the stored cursors for a device.
func CursorForDevice(ctx context.Context, q sqlx.ExtContext, userID int64, deviceID string) (*Cursor, error) {
	var c Cursor
	err := sqlx.GetContext(ctx, q, &c, q.Rebind(`
		SELECT id, user_id, device_id, conversations_cursor, messages_cursor, providers_cursor, updated_at
		FROM sync_cursors WHERE user_id = ? AND device_id = ?`), userID, deviceID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}
