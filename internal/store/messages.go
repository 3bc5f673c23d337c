package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Message is a single chat message. Assistant regeneration keeps the old
// row around as a tombstone pointing at its replacement via ReplacedBy.
type Message struct {
	ID             string  `db:"id" json:"id"`
	ConversationID string  `db:"conversation_id" json:"conversation_id"`
	UserID         int64   `db:"user_id" json:"-"`
	Role           string  `db:"role" json:"role"`
	Content        string  `db:"content" json:"content"`
	Status         string  `db:"status" json:"status"`
	ReplacedBy     *string `db:"replaced_by" json:"replaced_by"`
	ConflictOf     *string `db:"conflict_of" json:"conflict_of"`
	DeletedAt      *int64  `db:"deleted_at" json:"deleted_at"`
	PurgeAt        *int64  `db:"purge_at" json:"purge_at"`
	CreatedAt      int64   `db:"created_at" json:"created_at"`
}

// MessageBlock is one structured segment of a message (text, reasoning,
// tool call and so on). Data holds the block payload as raw JSON text.
type MessageBlock struct {
	ID        string `db:"id" json:"id"`
	MessageID string `db:"message_id" json:"message_id"`
	BlockType string `db:"type" json:"type"`
	Status    string `db:"status" json:"status"`
	Data      string `db:"data" json:"-"`
	SortOrder int    `db:"sort_order" json:"sort_order"`
	DeletedAt *int64 `db:"deleted_at" json:"-"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

const msgCols = `id, conversation_id, user_id, role, content, status,
	replaced_by, conflict_of, deleted_at, purge_at, created_at`

const blockCols = `id, message_id, type, status, data,
	sort_order, deleted_at, created_at`

// MessageByID fetches a message the user owns.
func MessageByID(ctx context.Context, q sqlx.ExtContext, userID int64, id string) (*Message, error) {
	var m Message
	err := sqlx.GetContext(ctx, q, &m, q.Rebind(`
		SELECT `+msgCols+` FROM sync_messages WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// MessageCreatedAt returns the creation timestamp of a message looked up
// by id alone. Fork uses it to fix the copy cutoff; ownership of the
// copied rows is enforced on the parent conversation instead.
func MessageCreatedAt(ctx context.Context, q sqlx.ExtContext, id string) (int64, error) {
	var ts int64
	err := sqlx.GetContext(ctx, q, &ts, q.Rebind(`
		SELECT created_at FROM sync_messages WHERE id = ?`), id)
	if err != nil {
		return 0, notFound(err)
	}
	return ts, nil
}

// InsertMessage writes a new message row.
func InsertMessage(ctx context.Context, q sqlx.ExtContext, m *Message) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO sync_messages (`+msgCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, m.UserID, m.Role, m.Content, m.Status,
		m.ReplacedBy, m.ConflictOf, m.DeletedAt, m.PurgeAt, m.CreatedAt)
	return err
}

// InsertBlock writes a new message block row.
func InsertBlock(ctx context.Context, q sqlx.ExtContext, b *MessageBlock) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO message_blocks (`+blockCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.MessageID, b.BlockType, b.Status, b.Data,
		b.SortOrder, b.DeletedAt, b.CreatedAt)
	return err
}

// ListMessagesSince returns messages created strictly after the cursor,
// ordered by (created_at, id).
func ListMessagesSince(ctx context.Context, q sqlx.ExtContext, userID int64, since int64, limit int) ([]Message, error) {
	msgs := []Message{}
	err := sqlx.SelectContext(ctx, q, &msgs, q.Rebind(`
		SELECT `+msgCols+` FROM sync_messages
		WHERE user_id = ? AND created_at > ?
		ORDER BY created_at, id
		LIMIT ?`), userID, since, limit)
	return msgs, err
}

// BlocksForMessages fetches blocks for a batch of messages in one query,
// ordered for grouping by message then sort position.
func BlocksForMessages(ctx context.Context, q sqlx.ExtContext, messageIDs []string) ([]MessageBlock, error) {
	blocks := []MessageBlock{}
	if len(messageIDs) == 0 {
		return blocks, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+blockCols+` FROM message_blocks
		WHERE message_id IN (?)
		ORDER BY message_id, sort_order, id`, messageIDs)
	if err != nil {
		return nil, err
	}
	err = sqlx.SelectContext(ctx, q, &blocks, q.Rebind(query), args...)
	return blocks, err
}

// BlocksForMessage fetches the blocks of a single message in sort order.
func BlocksForMessage(ctx context.Context, q sqlx.ExtContext, messageID string) ([]MessageBlock, error) {
	blocks := []MessageBlock{}
	err := sqlx.SelectContext(ctx, q, &blocks, q.Rebind(`
		SELECT `+blockCols+` FROM message_blocks
		WHERE message_id = ?
		ORDER BY sort_order, id`), messageID)
	return blocks, err
}

// MarkMessageDeleted soft-deletes a single message.
func MarkMessageDeleted(ctx context.Context, q sqlx.ExtContext, userID int64, id string, deletedAt, purgeAt int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE sync_messages SET deleted_at = ?, purge_at = ?
		WHERE id = ? AND user_id = ?`), deletedAt, purgeAt, id, userID)
	return err
}

// RestoreMessage clears the soft-delete markers on a single message.
func RestoreMessage(ctx context.Context, q sqlx.ExtContext, userID int64, id string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE sync_messages SET deleted_at = NULL, purge_at = NULL
		WHERE id = ? AND user_id = ?`), id, userID)
	return err
}

// MarkConversationMessagesDeleted soft-deletes every message in a
// conversation, used when the conversation itself is deleted.
func MarkConversationMessagesDeleted(ctx context.Context, q sqlx.ExtContext, conversationID string, deletedAt, purgeAt int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE sync_messages SET deleted_at = ?, purge_at = ?
		WHERE conversation_id = ?`), deletedAt, purgeAt, conversationID)
	return err
}

// RestoreConversationMessages clears the soft-delete markers on every
// message in a conversation.
func RestoreConversationMessages(ctx context.Context, q sqlx.ExtContext, conversationID string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE sync_messages SET deleted_at = NULL, purge_at = NULL
		WHERE conversation_id = ?`), conversationID)
	return err
}

// SetMessageReplaced tombstones a regenerated message and points it at
// its replacement.
func SetMessageReplaced(ctx context.Context, q sqlx.ExtContext, id, newID string, deletedAt, purgeAt int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE sync_messages SET deleted_at = ?, purge_at = ?, replaced_by = ?
		WHERE id = ?`), deletedAt, purgeAt, newID, id)
	return err
}

// ListConversationMessagesUpTo returns the live messages of a
// conversation created at or before the cutoff, oldest first. Fork uses
// it to copy history up to the fork point.
func ListConversationMessagesUpTo(ctx context.Context, q sqlx.ExtContext, conversationID string, cutoff int64) ([]Message, error) {
	msgs := []Message{}
	err := sqlx.SelectContext(ctx, q, &msgs, q.Rebind(`
		SELECT `+msgCols+` FROM sync_messages
		WHERE conversation_id = ? AND created_at <= ? AND deleted_at IS NULL
		ORDER BY created_at, id`), conversationID, cutoff)
	return msgs, err
}

// ListRecycleMessages returns soft-deleted messages still inside the
// recycle-bin window.
func ListRecycleMessages(ctx context.Context, q sqlx.ExtContext, userID int64, now int64) ([]Message, error) {
	msgs := []Message{}
	err := sqlx.SelectContext(ctx, q, &msgs, q.Rebind(`
		SELECT `+msgCols+` FROM sync_messages
		WHERE user_id = ? AND deleted_at IS NOT NULL AND purge_at > ?
		ORDER BY deleted_at DESC, id`), userID, now)
	return msgs, err
}

// CountExpiredBlocks counts blocks that the next purge pass will remove,
// either because their message expired or its whole conversation did.
func CountExpiredBlocks(ctx context.Context, q sqlx.ExtContext, now int64) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`
		SELECT COUNT(*) FROM message_blocks b
		JOIN sync_messages m ON m.id = b.message_id
		LEFT JOIN conversations c ON c.id = m.conversation_id
		WHERE (m.purge_at IS NOT NULL AND m.purge_at <= ?)
		   OR (c.purge_at IS NOT NULL AND c.purge_at <= ?)`), now, now)
	return n, err
}

// PurgeExpiredMessages hard-deletes messages whose recycle-bin window has
// lapsed. Runs after PurgeExpiredConversations so it only sees messages
// whose conversation survived.
func PurgeExpiredMessages(ctx context.Context, q sqlx.ExtContext, now int64) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		DELETE FROM sync_messages WHERE purge_at IS NOT NULL AND purge_at <= ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountMessages returns the user's live message count.
func CountMessages(ctx context.Context, q sqlx.ExtContext, userID int64) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`
		SELECT COUNT(*) FROM sync_messages WHERE user_id = ? AND deleted_at IS NULL`), userID)
	return n, err
}
