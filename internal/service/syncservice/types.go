package syncservice

import (
	"encoding/json"
	"fmt"

	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

// Operation is one client write inside a push batch. Data carries the
// verb-specific payload exactly as the client sent it; it is re-encoded
// for the idempotency record.
type Operation struct {
	OpID     string         `json:"op_id"`
	DeviceID string         `json:"device_id"`
	OpType   string         `json:"op_type"` // upsert_conversation, append_message, delete, restore, regen, fork, upsert_provider
	Data     map[string]any `json:"data"`
}

// PushRequest is the body of a push call.
type PushRequest struct {
	Operations []Operation `json:"operations"`
}

// PushResponse acknowledges a batch. Each results entry carries op_id,
// status (success, duplicate, error) and either the operation result or
// an error string; entries are maps so duplicates can echo a null result
// without growing an error key.
type PushResponse struct {
	Results    []map[string]any `json:"results"`
	ServerTime int64            `json:"server_time"`
}

// PullOptions selects what a device wants to catch up on. Cursors are
// exclusive lower bounds in unix milliseconds, one per record class.
type PullOptions struct {
	DeviceID           string
	ConversationsSince int64
	MessagesSince      int64
	ProvidersSince     int64
	IncludeDeleted     bool
	Limit              int
}

// PullCursors echoes the positions a device should pull from next. They
// advance over every row the page touched, including tombstones the
// include_deleted filter dropped.
type PullCursors struct {
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
	Providers     int64 `json:"providers"`
}

// PullResponse is the incremental changeset for one device.
type PullResponse struct {
	Conversations []store.Conversation `json:"conversations"`
	Messages      []MessageOut         `json:"messages"`
	Providers     []ProviderOut        `json:"providers"`
	Cursors       PullCursors          `json:"cursors"`
	ServerTime    int64                `json:"server_time"`
}

// RecycleBinResponse lists soft-deleted records still inside their
// retention window. Messages come without blocks here; a restore pull
// fetches them in full.
type RecycleBinResponse struct {
	Conversations []store.Conversation `json:"conversations"`
	Messages      []store.Message      `json:"messages"`
	Providers     []ProviderOut        `json:"providers"`
	ServerTime    int64                `json:"server_time"`
}

// PurgeCounts reports how many rows a purge pass removed per class.
type PurgeCounts struct {
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
	Providers     int64 `json:"providers"`
	Blocks        int64 `json:"blocks"`
}

// MessageOut is a message with its content blocks attached.
type MessageOut struct {
	store.Message
	Blocks []BlockOut `json:"blocks"`
}

// BlockOut is the wire form of a content block. Data is the stored JSON
// object; unparseable rows degrade to {}.
type BlockOut struct {
	ID        string          `json:"id"`
	MessageID string          `json:"message_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	SortOrder int             `json:"sort_order"`
	CreatedAt int64           `json:"created_at"`
}

// ProviderOut is the wire form of a provider config. APIKeys is only
// populated when the providers.keys scope is enabled; the pointer keeps
// an empty credential list distinguishable from "not requested".
type ProviderOut struct {
	ID            string          `json:"id"`
	DisplayName   string          `json:"display_name"`
	APIBaseURL    string          `json:"api_base_url"`
	Enabled       bool            `json:"enabled"`
	Capabilities  json.RawMessage `json:"capabilities"`
	CustomConfig  json.RawMessage `json:"custom_config"`
	ModelType     *string         `json:"model_type"`
	VisibleModels json.RawMessage `json:"visible_models"`
	HiddenModels  json.RawMessage `json:"hidden_models"`
	ConflictOf    *string         `json:"conflict_of"`
	DeletedAt     *int64          `json:"deleted_at"`
	PurgeAt       *int64          `json:"purge_at"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
	APIKeys       *[]string       `json:"api_keys,omitempty"`
}

func blockOut(b store.MessageBlock) BlockOut {
	return BlockOut{
		ID:        b.ID,
		MessageID: b.MessageID,
		Type:      b.BlockType,
		Status:    b.Status,
		Data:      syncx.RawObject(b.Data),
		SortOrder: b.SortOrder,
		CreatedAt: b.CreatedAt,
	}
}

func providerOut(p store.Provider) ProviderOut {
	return ProviderOut{
		ID:            p.ID,
		DisplayName:   p.DisplayName,
		APIBaseURL:    p.APIBaseURL,
		Enabled:       p.Enabled,
		Capabilities:  syncx.RawArray(p.Capabilities),
		CustomConfig:  syncx.RawObject(p.CustomConfig),
		ModelType:     p.ModelType,
		VisibleModels: syncx.RawArray(p.VisibleModels),
		HiddenModels:  syncx.RawArray(p.HiddenModels),
		ConflictOf:    p.ConflictOf,
		DeletedAt:     p.DeletedAt,
		PurgeAt:       p.PurgeAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// ValidationError marks a client mistake in an otherwise well-formed
// request; handlers map it to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
