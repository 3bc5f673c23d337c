package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Conversation is a synced chat session. IDs are chosen by the client so
// devices can create conversations offline.
type Conversation struct {
	ID                   string  `db:"id" json:"id"`
	UserID               int64   `db:"user_id" json:"-"`
	Title                string  `db:"title" json:"title"`
	DisplayName          string  `db:"display_name" json:"display_name"`
	AvatarURL            *string `db:"avatar_url" json:"avatar_url"`
	CharacterImage       *string `db:"character_image" json:"character_image"`
	SelfAddress          *string `db:"self_address" json:"self_address"`
	AddressUser          *string `db:"address_user" json:"address_user"`
	VoiceFile            *string `db:"voice_file" json:"voice_file"`
	PersonaPrompt        string  `db:"persona_prompt" json:"persona_prompt"`
	DefaultProvider      *string `db:"default_provider" json:"default_provider"`
	SessionProvider      *string `db:"session_provider" json:"session_provider"`
	IsPinned             bool    `db:"is_pinned" json:"is_pinned"`
	IsFavorite           bool    `db:"is_favorite" json:"is_favorite"`
	IsMuted              bool    `db:"is_muted" json:"is_muted"`
	NotificationSound    bool    `db:"notification_sound" json:"notification_sound"`
	LastMessage          *string `db:"last_message" json:"last_message"`
	LastMessageTime      *int64  `db:"last_message_time" json:"last_message_time"`
	UnreadCount          int     `db:"unread_count" json:"unread_count"`
	ParentConversationID *string `db:"parent_conversation_id" json:"parent_conversation_id"`
	ForkFromMessageID    *string `db:"fork_from_message_id" json:"fork_from_message_id"`
	ConflictOf           *string `db:"conflict_of" json:"conflict_of"`
	DeletedAt            *int64  `db:"deleted_at" json:"deleted_at"`
	PurgeAt              *int64  `db:"purge_at" json:"purge_at"`
	CreatedAt            int64   `db:"created_at" json:"created_at"`
	UpdatedAt            int64   `db:"updated_at" json:"updated_at"`
}

const convCols = `id, user_id, title, display_name, avatar_url, character_image,
	self_address, address_user, voice_file, persona_prompt, default_provider,
	session_provider, is_pinned, is_favorite, is_muted, notification_sound,
	last_message, last_message_time, unread_count, parent_conversation_id,
	fork_from_message_id, conflict_of, deleted_at, purge_at, created_at, updated_at`

// ConversationByID fetches a conversation the user owns.
func ConversationByID(ctx context.Context, q sqlx.ExtContext, userID int64, id string) (*Conversation, error) {
	var c Conversation
	err := sqlx.GetContext(ctx, q, &c, q.Rebind(`
		SELECT `+convCols+` FROM conversations WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// InsertConversation writes a new conversation row.
func InsertConversation(ctx context.Context, q sqlx.ExtContext, c *Conversation) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO conversations (`+convCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.UserID, c.Title, c.DisplayName, c.AvatarURL, c.CharacterImage,
		c.SelfAddress, c.AddressUser, c.VoiceFile, c.PersonaPrompt, c.DefaultProvider,
		c.SessionProvider, c.IsPinned, c.IsFavorite, c.IsMuted, c.NotificationSound,
		c.LastMessage, c.LastMessageTime, c.UnreadCount, c.ParentConversationID,
		c.ForkFromMessageID, c.ConflictOf, c.DeletedAt, c.PurgeAt, c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateConversation writes back every mutable column. Callers load the
// row, apply the fields present in the client payload and save the result,
// which keeps absent fields untouched.
func UpdateConversation(ctx context.Context, q sqlx.ExtContext, c *Conversation) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE conversations SET
			title = ?, display_name = ?, avatar_url = ?, character_image = ?,
			self_address = ?, address_user = ?, voice_file = ?, persona_prompt = ?,
			default_provider = ?, session_provider = ?, is_pinned = ?, is_favorite = ?,
			is_muted = ?, notification_sound = ?, last_message = ?, last_message_time = ?,
			unread_count = ?, conflict_of = ?, deleted_at = ?, purge_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		c.Title, c.DisplayName, c.AvatarURL, c.CharacterImage,
		c.SelfAddress, c.AddressUser, c.VoiceFile, c.PersonaPrompt,
		c.DefaultProvider, c.SessionProvider, c.IsPinned, c.IsFavorite,
		c.IsMuted, c.NotificationSound, c.LastMessage, c.LastMessageTime,
		c.UnreadCount, c.ConflictOf, c.DeletedAt, c.PurgeAt, c.UpdatedAt,
		c.ID, c.UserID)
	return err
}

// TouchConversation refreshes the denormalized last-message summary after
// a message write.
func TouchConversation(ctx context.Context, q sqlx.ExtContext, id string, lastMessage string, now int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE conversations SET last_message = ?, last_message_time = ?, updated_at = ?
		WHERE id = ?`), lastMessage, now, now, id)
	return err
}

// ListConversationsSince returns conversations changed strictly after the
// cursor, ordered by (updated_at, id) so pagination is deterministic when
// many rows share a timestamp.
func ListConversationsSince(ctx context.Context, q sqlx.ExtContext, userID int64, since int64, limit int) ([]Conversation, error) {
	convs := []Conversation{}
	err := sqlx.SelectContext(ctx, q, &convs, q.Rebind(`
		SELECT `+convCols+` FROM conversations
		WHERE user_id = ? AND updated_at > ?
		ORDER BY updated_at, id
		LIMIT ?`), userID, since, limit)
	return convs, err
}

// MarkConversationDeleted soft-deletes a conversation.
func MarkConversationDeleted(ctx context.Context, q sqlx.ExtContext, userID int64, id string, deletedAt, purgeAt int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE conversations SET deleted_at = ?, purge_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`), deletedAt, purgeAt, deletedAt, id, userID)
	return err
}

// RestoreConversation clears the soft-delete markers.
func RestoreConversation(ctx context.Context, q sqlx.ExtContext, userID int64, id string, now int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE conversations SET deleted_at = NULL, purge_at = NULL, updated_at = ?
		WHERE id = ? AND user_id = ?`), now, id, userID)
	return err
}

// ListRecycleConversations returns soft-deleted conversations that have
// not yet reached their purge deadline.
func ListRecycleConversations(ctx context.Context, q sqlx.ExtContext, userID int64, now int64) ([]Conversation, error) {
	convs := []Conversation{}
	err := sqlx.SelectContext(ctx, q, &convs, q.Rebind(`
		SELECT `+convCols+` FROM conversations
		WHERE user_id = ? AND deleted_at IS NOT NULL AND purge_at > ?
		ORDER BY deleted_at DESC, id`), userID, now)
	return convs, err
}

// PurgeExpiredConversations hard-deletes conversations whose recycle-bin
// window has lapsed. Messages and blocks underneath go with them via FK
// cascade.
func PurgeExpiredConversations(ctx context.Context, q sqlx.ExtContext, now int64) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		DELETE FROM conversations WHERE purge_at IS NOT NULL AND purge_at <= ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountConversations returns the user's live conversation count.
func CountConversations(ctx context.Context, q sqlx.ExtContext, userID int64) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`
		SELECT COUNT(*) FROM conversations WHERE user_id = ? AND deleted_at IS NULL`), userID)
	return n, err
}
