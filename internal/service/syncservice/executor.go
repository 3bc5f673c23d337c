package syncservice

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

// applyOperation runs a single push verb inside the batch transaction
// and returns the result payload recorded for idempotent replays.
func (s *Service) applyOperation(ctx context.Context, q sqlx.ExtContext, userID int64, op Operation, ts int64) (map[string]any, error) {
	data := op.Data

	switch op.OpType {
	case "upsert_conversation":
		return s.upsertConversation(ctx, q, userID, data, ts)
	case "append_message":
		return s.appendMessage(ctx, q, userID, data, ts)
	case "delete":
		return s.softDelete(ctx, q, userID, data, ts)
	case "restore":
		return s.restore(ctx, q, userID, data, ts)
	case "regen":
		return s.regenReplace(ctx, q, userID, data, ts)
	case "fork":
		return s.forkConversation(ctx, q, userID, data, ts)
	case "upsert_provider":
		return s.upsertProvider(ctx, q, userID, data, ts)
	}
	return nil, invalidf("unknown operation type: %s", op.OpType)
}

// applyConversationFields copies the client-settable conversation fields
// that are present in data. Create-only fields (parent and fork linkage)
// are handled by the callers.
func applyConversationFields(c *store.Conversation, data map[string]any) {
	if v, ok := syncx.Str(data, "title"); ok {
		c.Title = v
	}
	if v, ok := syncx.Str(data, "display_name"); ok {
		c.DisplayName = v
	}
	if v, ok := syncx.StrPtr(data, "avatar_url"); ok {
		c.AvatarURL = v
	}
	if v, ok := syncx.StrPtr(data, "character_image"); ok {
		c.CharacterImage = v
	}
	if v, ok := syncx.StrPtr(data, "self_address"); ok {
		c.SelfAddress = v
	}
	if v, ok := syncx.StrPtr(data, "address_user"); ok {
		c.AddressUser = v
	}
	if v, ok := syncx.StrPtr(data, "voice_file"); ok {
		c.VoiceFile = v
	}
	if v, ok := syncx.Str(data, "persona_prompt"); ok {
		c.PersonaPrompt = v
	}
	if v, ok := syncx.StrPtr(data, "default_provider"); ok {
		c.DefaultProvider = v
	}
	if v, ok := syncx.StrPtr(data, "session_provider"); ok {
		c.SessionProvider = v
	}
	if v, ok := syncx.Bool(data, "is_pinned"); ok {
		c.IsPinned = v
	}
	if v, ok := syncx.Bool(data, "is_favorite"); ok {
		c.IsFavorite = v
	}
	if v, ok := syncx.Bool(data, "is_muted"); ok {
		c.IsMuted = v
	}
	if v, ok := syncx.Bool(data, "notification_sound"); ok {
		c.NotificationSound = v
	}
	if v, ok := syncx.StrPtr(data, "last_message"); ok {
		c.LastMessage = v
	}
	if v, ok := syncx.Int64Ptr(data, "last_message_time"); ok {
		c.LastMessageTime = v
	}
	if v, ok := syncx.Int(data, "unread_count"); ok {
		c.UnreadCount = v
	}
}

func (s *Service) upsertConversation(ctx context.Context, q sqlx.ExtContext, userID int64, data map[string]any, ts int64) (map[string]any, error) {
	convID, _ := syncx.Str(data, "id")
	if convID == "" {
		return nil, invalidf("missing conversation id")
	}

	conv, err := store.ConversationByID(ctx, q, userID, convID)
	switch {
	case err == nil:
		applyConversationFields(conv, data)
		conv.UpdatedAt = ts
		if err := store.UpdateConversation(ctx, q, conv); err != nil {
			return nil, err
		}
		return map[string]any{"id": convID, "action": "updated"}, nil

	case errors.Is(err, store.ErrNotFound):
		conv := &store.Conversation{
			ID:                convID,
			UserID:            userID,
			NotificationSound: true,
			CreatedAt:         ts,
			UpdatedAt:         ts,
		}
		applyConversationFields(conv, data)
		conv.ParentConversationID, _ = syncx.StrPtr(data, "parent_conversation_id")
		conv.ForkFromMessageID, _ = syncx.StrPtr(data, "fork_from_message_id")
		if err := store.InsertConversation(ctx, q, conv); err != nil {
			return nil, err
		}
		return map[string]any{"id": convID, "action": "created"}, nil

	default:
		return nil, err
	}
}

func (s *Service) appendMessage(ctx context.Context, q sqlx.ExtContext, userID int64, data map[string]any, ts int64) (map[string]any, error) {
	msgID, _ := syncx.Str(data, "id")
	convID, _ := syncx.Str(data, "conversation_id")
	if msgID == "" || convID == "" {
		return nil, invalidf("missing message or conversation id")
	}
	role, _ := syncx.Str(data, "role")
	if role == "" {
		return nil, invalidf("missing message role")
	}

	if _, err := store.ConversationByID(ctx, q, userID, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalidf("conversation not found: %s", convID)
		}
		return nil, err
	}

	content, _ := syncx.Str(data, "content")
	status := "sent"
	if v, ok := syncx.Str(data, "status"); ok {
		status = v
	}

	msg := &store.Message{
		ID:             msgID,
		ConversationID: convID,
		UserID:         userID,
		Role:           role,
		Content:        content,
		Status:         status,
		CreatedAt:      ts,
	}
	if err := store.InsertMessage(ctx, q, msg); err != nil {
		return nil, err
	}
	if err := insertBlocks(ctx, q, msgID, syncx.Maps(data, "blocks"), ts); err != nil {
		return nil, err
	}

	// The conversation summary tracks the newest message.
	if err := store.TouchConversation(ctx, q, convID, syncx.Truncate(content, 100), ts); err != nil {
		return nil, err
	}

	return map[string]any{"id": msgID, "action": "created"}, nil
}

// insertBlocks writes the content blocks attached to a pushed message.
// sort_order defaults to the block's position in the list.
func insertBlocks(ctx context.Context, q sqlx.ExtContext, msgID string, blocks []map[string]any, ts int64) error {
	for i, b := range blocks {
		id, _ := syncx.Str(b, "id")
		if id == "" {
			return invalidf("missing block id")
		}
		typ, _ := syncx.Str(b, "type")
		status := "success"
		if v, ok := syncx.Str(b, "status"); ok {
			status = v
		}
		blockData := "{}"
		if v, ok := syncx.JSONText(b, "data"); ok {
			blockData = v
		}
		sort := i
		if v, ok := syncx.Int(b, "sort_order"); ok {
			sort = v
		}

		blk := &store.MessageBlock{
			ID:        id,
			MessageID: msgID,
			BlockType: typ,
			Status:    status,
			Data:      blockData,
			SortOrder: sort,
			CreatedAt: ts,
		}
		if err := store.InsertBlock(ctx, q, blk); err != nil {
			return err
		}
	}
	return nil
}

// targetErr folds a store lookup failure into the per-op error shape.
func targetErr(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return invalidf("object not found: %s/%s", kind, id)
	}
	return err
}

func (s *Service) softDelete(ctx context.Context, q sqlx.ExtContext, userID int64, data map[string]any, ts int64) (map[string]any, error) {
	targetType, _ := syncx.Str(data, "type")
	targetID, _ := syncx.Str(data, "id")
	purgeAt := ts + s.recycleMs()

	switch targetType {
	case "conversation":
		if _, err := store.ConversationByID(ctx, q, userID, targetID); err != nil {
			return nil, targetErr(targetType, targetID, err)
		}
		if err := store.MarkConversationDeleted(ctx, q, userID, targetID, ts, purgeAt); err != nil {
			return nil, err
		}
		// Messages ride along with their conversation.
		if err := store.MarkConversationMessagesDeleted(ctx, q, targetID, ts, purgeAt); err != nil {
			return nil, err
		}
	case "message":
		if _, err := store.MessageByID(ctx, q, userID, targetID); err != nil {
			return nil, targetErr(targetType, targetID, err)
		}
		if err := store.MarkMessageDeleted(ctx, q, userID, targetID, ts, purgeAt); err != nil {
			return nil, err
		}
	case "provider":
		if _, err := store.ProviderByID(ctx, q, userID, targetID); err != nil {
			return nil, targetErr(targetType, targetID, err)
		}
		if err := store.MarkProviderDeleted(ctx, q, userID, targetID, ts, purgeAt); err != nil {
			return nil, err
		}
	default:
		return nil, invalidf("unknown delete type: %s", targetType)
	}

	return map[string]any{"id": targetID, "type": targetType, "action": "deleted", "purge_at": purgeAt}, nil
}

func (s *Service) restore(ctx context.Context, q sqlx.ExtContext, userID int64, data map[string]any, ts int64) (map[string]any, error) {
	targetType, _ := syncx.Str(data, "type")
	targetID, _ := syncx.Str(data, "id")

	switch targetType {
	case "conversation":
		if _, err := store.ConversationByID(ctx, q, userID, targetID); err != nil {
			return nil, targetErr(targetType, targetID, err)
		}
		if err := store.RestoreConversation(ctx, q, userID, targetID, ts); err != nil {
			return nil, err
		}
		if err := store.RestoreConversationMessages(ctx, q, targetID); err != nil {
			return nil, err
		}
	case "message":
		if _, err := store.MessageByID(ctx, q, userID, targetID); err != nil {
			return nil, targetErr(targetType, targetID, err)
		}
		if err := store.RestoreMessage(ctx, q, userID, targetID); err != nil {
			return nil, err
		}
	case "provider":
		if _, err := store.ProviderByID(ctx, q, userID, targetID); err != nil {
			return nil, targetErr(targetType, targetID, err)
		}
		if err := store.RestoreProvider(ctx, q, userID, targetID, ts); err != nil {
			return nil, err
		}
	default:
		return nil, invalidf("unknown restore type: %s", targetType)
	}

	return map[string]any{"id": targetID, "type": targetType, "action": "restored"}, nil
}

func (s *Service) regenReplace(ctx context.Context, q sqlx.ExtContext, userID int64, data map[string]any, ts int64) (map[string]any, error) {
	oldID, _ := syncx.Str(data, "old_message_id")
	newData, hasNew := data["new_message"].(map[string]any)
	if oldID == "" || !hasNew {
		return nil, invalidf("missing old_message_id or new_message")
	}
	newID, _ := syncx.Str(newData, "id")
	if newID == "" {
		return nil, invalidf("missing new message id")
	}

	old, err := store.MessageByID(ctx, q, userID, oldID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalidf("old message not found: %s", oldID)
		}
		return nil, err
	}
	if old.Role != "assistant" {
		return nil, invalidf("only assistant messages can be regenerated")
	}

	// Old message becomes a tombstone pointing at its replacement.
	if err := store.SetMessageReplaced(ctx, q, oldID, newID, ts, ts+s.recycleMs()); err != nil {
		return nil, err
	}

	content, _ := syncx.Str(newData, "content")
	status := "sent"
	if v, ok := syncx.Str(newData, "status"); ok {
		status = v
	}
	msg := &store.Message{
		ID:             newID,
		ConversationID: old.ConversationID,
		UserID:         userID,
		Role:           "assistant",
		Content:        content,
		Status:         status,
		CreatedAt:      ts,
	}
	if err := store.InsertMessage(ctx, q, msg); err != nil {
		return nil, err
	}
	if err := insertBlocks(ctx, q, newID, syncx.Maps(newData, "blocks"), ts); err != nil {
		return nil, err
	}
	if err := store.TouchConversation(ctx, q, old.ConversationID, syncx.Truncate(content, 100), ts); err != nil {
		return nil, err
	}

	return map[string]any{
		"old_message_id": oldID,
		"new_message_id": newID,
		"action":         "replaced",
	}, nil
}

func (s *Service) forkConversation(ctx context.Context, q sqlx.ExtContext, userID int64, data map[string]any, ts int64) (map[string]any, error) {
	parentID, _ := syncx.Str(data, "parent_conversation_id")
	forkFromID, _ := syncx.Str(data, "fork_from_message_id")
	newConvID, _ := syncx.Str(data, "new_conversation_id")
	if parentID == "" || newConvID == "" {
		return nil, invalidf("missing parent or new conversation id")
	}

	parent, err := store.ConversationByID(ctx, q, userID, parentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalidf("parent conversation not found: %s", parentID)
		}
		return nil, err
	}

	title := parent.Title + " (fork)"
	if v, ok := syncx.Str(data, "title"); ok {
		title = v
	}
	var forkFrom *string
	if forkFromID != "" {
		forkFrom = &forkFromID
	}

	// The fork inherits the character setup but starts unpinned and
	// unfavorited with a fresh summary.
	child := &store.Conversation{
		ID:                   newConvID,
		UserID:               userID,
		Title:                title,
		DisplayName:          parent.DisplayName,
		AvatarURL:            parent.AvatarURL,
		CharacterImage:       parent.CharacterImage,
		SelfAddress:          parent.SelfAddress,
		AddressUser:          parent.AddressUser,
		VoiceFile:            parent.VoiceFile,
		PersonaPrompt:        parent.PersonaPrompt,
		DefaultProvider:      parent.DefaultProvider,
		SessionProvider:      parent.SessionProvider,
		IsMuted:              parent.IsMuted,
		NotificationSound:    parent.NotificationSound,
		ParentConversationID: &parentID,
		ForkFromMessageID:    forkFrom,
		CreatedAt:            ts,
		UpdatedAt:            ts,
	}
	if err := store.InsertConversation(ctx, q, child); err != nil {
		return nil, err
	}

	copyMessages := true
	if v, ok := syncx.Bool(data, "copy_messages"); ok {
		copyMessages = v
	}
	if copyMessages && forkFromID != "" {
		if err := s.copyForkHistory(ctx, q, userID, parentID, forkFromID, newConvID); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"new_conversation_id":    newConvID,
		"parent_conversation_id": parentID,
		"fork_from_message_id":   forkFrom,
		"action":                 "forked",
	}, nil
}

// copyForkHistory duplicates the parent's live messages up to the fork
// point into the new conversation. Copies keep their original
// timestamps so the transcript reads the same; ids get a fork suffix to
// stay unique. A fork point that no longer exists copies nothing.
func (s *Service) copyForkHistory(ctx context.Context, q sqlx.ExtContext, userID int64, parentID, forkFromID, newConvID string) error {
	cutoff, err := store.MessageCreatedAt(ctx, q, forkFromID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	msgs, err := store.ListConversationMessagesUpTo(ctx, q, parentID, cutoff)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	blocks, err := store.BlocksForMessages(ctx, q, ids)
	if err != nil {
		return err
	}
	blocksByMsg := make(map[string][]store.MessageBlock, len(msgs))
	for _, b := range blocks {
		blocksByMsg[b.MessageID] = append(blocksByMsg[b.MessageID], b)
	}

	suffix := "_fork_" + syncx.Truncate(newConvID, 8)
	for _, m := range msgs {
		copyID := m.ID + suffix
		cp := &store.Message{
			ID:             copyID,
			ConversationID: newConvID,
			UserID:         userID,
			Role:           m.Role,
			Content:        m.Content,
			Status:         m.Status,
			CreatedAt:      m.CreatedAt,
		}
		if err := store.InsertMessage(ctx, q, cp); err != nil {
			return err
		}
		for _, b := range blocksByMsg[m.ID] {
			nb := &store.MessageBlock{
				ID:        b.ID + suffix,
				MessageID: copyID,
				BlockType: b.BlockType,
				Status:    b.Status,
				Data:      b.Data,
				SortOrder: b.SortOrder,
				CreatedAt: b.CreatedAt,
			}
			if err := store.InsertBlock(ctx, q, nb); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyProviderFields copies the client-settable provider fields that
// are present in data. JSON-typed fields are re-encoded for storage;
// credentials are sealed by the callers.
func applyProviderFields(p *store.Provider, data map[string]any) {
	if v, ok := syncx.Str(data, "display_name"); ok {
		p.DisplayName = v
	}
	if v, ok := syncx.Str(data, "api_base_url"); ok {
		p.APIBaseURL = v
	}
	if v, ok := syncx.Bool(data, "enabled"); ok {
		p.Enabled = v
	}
	if v, ok := syncx.StrPtr(data, "model_type"); ok {
		p.ModelType = v
	}
	if v, ok := syncx.JSONText(data, "capabilities"); ok {
		p.Capabilities = v
	}
	if v, ok := syncx.JSONText(data, "custom_config"); ok {
		p.CustomConfig = v
	}
	if v, ok := syncx.JSONText(data, "visible_models"); ok {
		p.VisibleModels = v
	}
	if v, ok := syncx.JSONText(data, "hidden_models"); ok {
		p.HiddenModels = v
	}
}

func (s *Service) upsertProvider(ctx context.Context, q sqlx.ExtContext, userID int64, data map[string]any, ts int64) (map[string]any, error) {
	provID, _ := syncx.Str(data, "id")
	if provID == "" {
		return nil, invalidf("missing provider id")
	}

	prov, err := store.ProviderByID(ctx, q, userID, provID)
	switch {
	case err == nil:
		applyProviderFields(prov, data)
		if keys, ok := syncx.StringSlice(data, "api_keys"); ok {
			sealed, err := s.Sealer.Seal(keys)
			if err != nil {
				return nil, err
			}
			prov.APIKeysEncrypted = sealed
		}
		prov.UpdatedAt = ts
		if err := store.UpdateProvider(ctx, q, prov); err != nil {
			return nil, err
		}
		return map[string]any{"id": provID, "action": "updated"}, nil

	case errors.Is(err, store.ErrNotFound):
		keys, _ := syncx.StringSlice(data, "api_keys")
		sealed, err := s.Sealer.Seal(keys)
		if err != nil {
			return nil, err
		}
		prov := &store.Provider{
			ID:               provID,
			UserID:           userID,
			Enabled:          true,
			Capabilities:     "[]",
			CustomConfig:     "{}",
			VisibleModels:    "[]",
			HiddenModels:     "[]",
			APIKeysEncrypted: sealed,
			CreatedAt:        ts,
			UpdatedAt:        ts,
		}
		applyProviderFields(prov, data)
		if err := store.InsertProvider(ctx, q, prov); err != nil {
			return nil, err
		}
		return map[string]any{"id": provID, "action": "created"}, nil

	default:
		return nil, err
	}
}
