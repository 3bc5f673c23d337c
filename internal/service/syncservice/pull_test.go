package syncservice_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nebulachat/sync-api/internal/service/syncservice"
	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

func TestPull_ScopeGating(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")

	pushOps(t, svc, u.ID,
		op("op-1", "upsert_conversation", map[string]any{"id": "c1", "title": "Chat"}),
		op("op-2", "append_message", map[string]any{
			"id": "m1", "conversation_id": "c1", "role": "user", "content": "hi",
			"blocks": []map[string]any{{"id": "b1", "type": "text", "data": map[string]any{"text": "hi"}}},
		}),
		op("op-3", "upsert_provider", map[string]any{
			"id": "p1", "display_name": "OpenAI", "api_keys": []string{"sk-1"},
		}),
	)

	// Default scopes carry chat history but not providers.
	resp, err := svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	if len(resp.Conversations) != 1 || len(resp.Messages) != 1 {
		t.Fatalf("pull = %d convs, %d msgs", len(resp.Conversations), len(resp.Messages))
	}
	if len(resp.Providers) != 0 {
		t.Errorf("providers pulled without providers.config scope")
	}
	if len(resp.Messages[0].Blocks) != 1 || resp.Messages[0].Blocks[0].ID != "b1" {
		t.Errorf("blocks = %+v", resp.Messages[0].Blocks)
	}
	if resp.ServerTime == 0 {
		t.Error("server_time missing")
	}

	// providers.config without providers.keys returns configs sans keys.
	_, err = svc.UpdateScopes(ctx, u.ID, []string{"providers.config"})
	require.NoError(t, err)
	resp, err = svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	if len(resp.Conversations) != 0 || len(resp.Messages) != 0 {
		t.Errorf("chat classes pulled without chat.history scope")
	}
	if len(resp.Providers) != 1 {
		t.Fatalf("providers = %d, want 1", len(resp.Providers))
	}
	raw, err := json.Marshal(resp.Providers[0])
	require.NoError(t, err)
	if strings.Contains(string(raw), "api_keys") {
		t.Errorf("api_keys leaked without providers.keys scope: %s", raw)
	}

	// Adding providers.keys includes decrypted credentials.
	_, err = svc.UpdateScopes(ctx, u.ID, []string{"providers.config", "providers.keys"})
	require.NoError(t, err)
	resp, err = svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	p := resp.Providers[0]
	if p.APIKeys == nil || len(*p.APIKeys) != 1 || (*p.APIKeys)[0] != "sk-1" {
		t.Errorf("APIKeys = %v", p.APIKeys)
	}
}

func TestPull_CorruptCredentialBlobDegrades(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")

	prov := &store.Provider{
		ID: "p1", UserID: u.ID, DisplayName: "Broken", APIBaseURL: "https://x",
		Enabled: true, Capabilities: "[]", CustomConfig: "{}",
		VisibleModels: "[]", HiddenModels: "[]",
		APIKeysEncrypted: `{"v":1,"cipher":"AES-256-GCM","ciphertext":"!!!!"}`,
		CreatedAt:        1000, UpdatedAt: 1000,
	}
	require.NoError(t, store.InsertProvider(ctx, q, prov))
	_, err := svc.UpdateScopes(ctx, u.ID, []string{"providers.config", "providers.keys"})
	require.NoError(t, err)

	resp, err := svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	if len(resp.Providers) != 1 {
		t.Fatalf("providers = %d", len(resp.Providers))
	}
	keys := resp.Providers[0].APIKeys
	if keys == nil || len(*keys) != 0 {
		t.Errorf("APIKeys = %v, want empty list", keys)
	}
}

func TestPull_IncludeDeletedFilter(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")

	pushOps(t, svc, u.ID,
		op("op-1", "upsert_conversation", map[string]any{"id": "c1", "title": "Chat"}),
		op("op-2", "append_message", map[string]any{"id": "m1", "conversation_id": "c1", "role": "user", "content": "hi"}),
		op("op-3", "append_message", map[string]any{"id": "m2", "conversation_id": "c1", "role": "assistant", "content": "yo"}),
	)
	pushOps(t, svc, u.ID, op("op-del", "delete", map[string]any{"type": "message", "id": "m1"}))

	resp, err := svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	if len(resp.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(resp.Messages))
	}
	var tombstone *syncservice.MessageOut
	for i := range resp.Messages {
		if resp.Messages[i].ID == "m1" {
			tombstone = &resp.Messages[i]
		}
	}
	if tombstone == nil || tombstone.DeletedAt == nil {
		t.Fatalf("tombstone missing: %+v", resp.Messages)
	}

	resp, err = svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: false})
	require.NoError(t, err)
	if len(resp.Messages) != 1 || resp.Messages[0].ID != "m2" {
		t.Errorf("messages = %+v", resp.Messages)
	}
	// The cursor still advances over the dropped tombstone.
	if resp.Cursors.Messages < resp.Messages[0].CreatedAt {
		t.Errorf("cursor = %d, behind newest message %d", resp.Cursors.Messages, resp.Messages[0].CreatedAt)
	}
}

func TestPull_CursorsAndLimit(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")

	for i, ts := range []int64{1000, 2000, 3000} {
		c := &store.Conversation{
			ID:     string(rune('a' + i)),
			UserID: u.ID, Title: "Conv",
			CreatedAt: ts, UpdatedAt: ts,
		}
		require.NoError(t, store.InsertConversation(ctx, q, c))
	}

	resp, err := svc.Pull(ctx, u.ID, syncservice.PullOptions{
		DeviceID: "phone", Limit: 2, IncludeDeleted: true,
	})
	require.NoError(t, err)
	if len(resp.Conversations) != 2 || resp.Conversations[1].UpdatedAt != 2000 {
		t.Fatalf("page 1 = %+v", resp.Conversations)
	}
	if resp.Cursors.Conversations != 2000 {
		t.Errorf("echoed cursor = %d, want 2000", resp.Cursors.Conversations)
	}

	cur, err := store.CursorForDevice(ctx, q, u.ID, "phone")
	require.NoError(t, err)
	if cur.ConversationsCursor != 2000 {
		t.Errorf("stored cursor = %d, want 2000", cur.ConversationsCursor)
	}

	resp, err = svc.Pull(ctx, u.ID, syncservice.PullOptions{
		DeviceID: "phone", Limit: 2, IncludeDeleted: true,
		ConversationsSince: cur.ConversationsCursor,
	})
	require.NoError(t, err)
	if len(resp.Conversations) != 1 || resp.Conversations[0].UpdatedAt != 3000 {
		t.Fatalf("page 2 = %+v", resp.Conversations)
	}
	if resp.Cursors.Conversations != 3000 {
		t.Errorf("echoed cursor = %d, want 3000", resp.Cursors.Conversations)
	}

	cur, err = store.CursorForDevice(ctx, q, u.ID, "phone")
	require.NoError(t, err)
	if cur.ConversationsCursor != 3000 {
		t.Errorf("stored cursor = %d, want 3000", cur.ConversationsCursor)
	}

	// A pull without a device id leaves no cursor row behind.
	_, err = svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	if _, err := store.CursorForDevice(ctx, q, u.ID, ""); err == nil {
		t.Error("anonymous pull recorded a cursor")
	}
}

func TestPull_UserIsolation(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	alice := seedSyncUser(t, q, "alice")
	bob := seedSyncUser(t, q, "bob")

	pushOps(t, svc, alice.ID, op("op-1", "upsert_conversation", map[string]any{"id": "c1", "title": "Private"}))

	resp, err := svc.Pull(ctx, bob.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	if len(resp.Conversations) != 0 {
		t.Errorf("bob pulled alice's conversations: %+v", resp.Conversations)
	}

	// Bob cannot touch alice's rows by id either.
	pushed := pushOps(t, svc, bob.ID, op("op-2", "delete", map[string]any{"type": "conversation", "id": "c1"}))
	if pushed.Results[0]["status"] != "error" {
		t.Errorf("cross-user delete = %v", pushed.Results[0])
	}
}

func TestPurgeExpired(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")
	now := syncx.NowMs()

	// An expired conversation with a message and block underneath.
	past := now - 10
	expiredConv := &store.Conversation{ID: "c-old", UserID: u.ID, Title: "Old", CreatedAt: 1, UpdatedAt: 1, DeletedAt: &past, PurgeAt: &past}
	require.NoError(t, store.InsertConversation(ctx, q, expiredConv))
	require.NoError(t, store.InsertMessage(ctx, q, &store.Message{
		ID: "m-old", ConversationID: "c-old", UserID: u.ID, Role: "user",
		Content: "bye", Status: "sent", DeletedAt: &past, PurgeAt: &past, CreatedAt: 1,
	}))
	require.NoError(t, store.InsertBlock(ctx, q, &store.MessageBlock{
		ID: "b-old", MessageID: "m-old", BlockType: "text", Status: "success", Data: "{}", CreatedAt: 1,
	}))

	// A live conversation holding one expired message.
	require.NoError(t, store.InsertConversation(ctx, q, &store.Conversation{
		ID: "c-live", UserID: u.ID, Title: "Live", CreatedAt: 1, UpdatedAt: 1,
	}))
	require.NoError(t, store.InsertMessage(ctx, q, &store.Message{
		ID: "m-solo", ConversationID: "c-live", UserID: u.ID, Role: "user",
		Content: "gone", Status: "sent", DeletedAt: &past, PurgeAt: &past, CreatedAt: 2,
	}))

	require.NoError(t, store.InsertProvider(ctx, q, &store.Provider{
		ID: "p-old", UserID: u.ID, DisplayName: "Old", APIBaseURL: "https://x",
		Capabilities: "[]", CustomConfig: "{}", VisibleModels: "[]", HiddenModels: "[]",
		APIKeysEncrypted: "[]", DeletedAt: &past, PurgeAt: &past, CreatedAt: 1, UpdatedAt: 1,
	}))

	// Still-restorable rows must survive.
	future := now + (24 * time.Hour).Milliseconds()
	require.NoError(t, store.InsertConversation(ctx, q, &store.Conversation{
		ID: "c-binned", UserID: u.ID, Title: "Binned", CreatedAt: 1, UpdatedAt: 1, DeletedAt: &past, PurgeAt: &future,
	}))

	counts, ts, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	if ts == 0 {
		t.Error("server_time missing")
	}
	if counts.Conversations != 1 || counts.Messages != 1 || counts.Providers != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if counts.Blocks != 1 {
		t.Errorf("blocks = %d, want 1", counts.Blocks)
	}

	if _, err := store.ConversationByID(ctx, q, u.ID, "c-old"); err == nil {
		t.Error("expired conversation survived")
	}
	if _, err := store.MessageByID(ctx, q, u.ID, "m-old"); err == nil {
		t.Error("cascaded message survived")
	}
	if _, err := store.MessageByID(ctx, q, u.ID, "m-solo"); err == nil {
		t.Error("expired message survived")
	}
	if _, err := store.ProviderByID(ctx, q, u.ID, "p-old"); err == nil {
		t.Error("expired provider survived")
	}
	if _, err := store.ConversationByID(ctx, q, u.ID, "c-binned"); err != nil {
		t.Errorf("restorable conversation purged: %v", err)
	}
}

func TestTruncateOperations(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")

	pushOps(t, svc, u.ID, op("op-1", "upsert_conversation", map[string]any{"id": "c1", "title": "Chat"}))

	n, err := svc.TruncateOperations(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	if n != 0 {
		t.Errorf("fresh ops truncated: %d", n)
	}

	n, err = svc.TruncateOperations(ctx, -time.Second)
	require.NoError(t, err)
	if n != 1 {
		t.Errorf("truncated = %d, want 1", n)
	}
	if _, err := store.OperationByID(ctx, q, u.ID, "op-1"); err == nil {
		t.Error("operation record survived truncation")
	}
}
