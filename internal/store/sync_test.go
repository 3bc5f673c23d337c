package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebulachat/sync-api/internal/store"
)

func strp(s string) *string { return &s }

func TestConversations_ScopedLookup(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	alice := seedUser(t, q, "alice")
	bob := seedUser(t, q, "bob")

	c := &store.Conversation{
		ID: "conv-1", UserID: alice.ID, Title: "hello",
		NotificationSound: true, CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, store.InsertConversation(ctx, q, c))

	got, err := store.ConversationByID(ctx, q, alice.ID, "conv-1")
	require.NoError(t, err)
	if got.Title != "hello" {
		t.Errorf("Title = %q, want hello", got.Title)
	}

	if _, err := store.ConversationByID(ctx, q, bob.ID, "conv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-user lookup err = %v, want ErrNotFound", err)
	}
}

func TestConversations_UpdateKeepsCreateOnlyFields(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	c := &store.Conversation{
		ID: "conv-1", UserID: u.ID, Title: "a",
		ParentConversationID: strp("parent-1"), ForkFromMessageID: strp("msg-9"),
		NotificationSound: true, CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, store.InsertConversation(ctx, q, c))

	c.Title = "b"
	c.IsPinned = true
	c.UpdatedAt = 200
	require.NoError(t, store.UpdateConversation(ctx, q, c))

	got, err := store.ConversationByID(ctx, q, u.ID, "conv-1")
	require.NoError(t, err)
	if got.Title != "b" || !got.IsPinned || got.UpdatedAt != 200 {
		t.Errorf("got = %+v", got)
	}
	if got.ParentConversationID == nil || *got.ParentConversationID != "parent-1" {
		t.Errorf("ParentConversationID = %v, want parent-1", got.ParentConversationID)
	}
	if got.CreatedAt != 100 {
		t.Errorf("CreatedAt = %d, want 100", got.CreatedAt)
	}
}

func TestConversations_ListSinceOrdering(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	// Two rows share updated_at 200 to exercise the id tie-break.
	for _, c := range []store.Conversation{
		{ID: "c-a", UserID: u.ID, CreatedAt: 100, UpdatedAt: 100, NotificationSound: true},
		{ID: "c-c", UserID: u.ID, CreatedAt: 100, UpdatedAt: 200, NotificationSound: true},
		{ID: "c-b", UserID: u.ID, CreatedAt: 100, UpdatedAt: 200, NotificationSound: true},
		{ID: "c-d", UserID: u.ID, CreatedAt: 100, UpdatedAt: 300, NotificationSound: true},
	} {
		conv := c
		require.NoError(t, store.InsertConversation(ctx, q, &conv))
	}

	got, err := store.ListConversationsSince(ctx, q, u.ID, 100, 10)
	require.NoError(t, err)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	want := []string{"c-b", "c-c", "c-d"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	limited, err := store.ListConversationsSince(ctx, q, u.ID, 100, 2)
	require.NoError(t, err)
	if len(limited) != 2 || limited[1].ID != "c-c" {
		t.Errorf("limited = %v", limited)
	}
}

func TestMessages_BlocksBatch(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	conv := &store.Conversation{ID: "c1", UserID: u.ID, NotificationSound: true, CreatedAt: 100, UpdatedAt: 100}
	require.NoError(t, store.InsertConversation(ctx, q, conv))

	for _, m := range []store.Message{
		{ID: "m1", ConversationID: "c1", UserID: u.ID, Role: "user", Content: "hi", Status: "sent", CreatedAt: 110},
		{ID: "m2", ConversationID: "c1", UserID: u.ID, Role: "assistant", Content: "hello", Status: "sent", CreatedAt: 120},
	} {
		msg := m
		require.NoError(t, store.InsertMessage(ctx, q, &msg))
	}
	for _, b := range []store.MessageBlock{
		{ID: "b2", MessageID: "m2", BlockType: "mainText", Status: "success", Data: `{"text":"hello"}`, SortOrder: 1, CreatedAt: 120},
		{ID: "b1", MessageID: "m2", BlockType: "thinking", Status: "success", Data: `{"text":"..."}`, SortOrder: 0, CreatedAt: 120},
	} {
		blk := b
		require.NoError(t, store.InsertBlock(ctx, q, &blk))
	}

	blocks, err := store.BlocksForMessages(ctx, q, []string{"m1", "m2"})
	require.NoError(t, err)
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if blocks[0].ID != "b1" || blocks[1].ID != "b2" {
		t.Errorf("block order = %s,%s, want b1,b2", blocks[0].ID, blocks[1].ID)
	}

	none, err := store.BlocksForMessages(ctx, q, nil)
	require.NoError(t, err)
	if len(none) != 0 {
		t.Errorf("blocks for no messages = %v", none)
	}

	msgs, err := store.ListMessagesSince(ctx, q, u.ID, 110, 10)
	require.NoError(t, err)
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestRecycle_DeleteRestoreCascade(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	conv := &store.Conversation{ID: "c1", UserID: u.ID, NotificationSound: true, CreatedAt: 100, UpdatedAt: 100}
	require.NoError(t, store.InsertConversation(ctx, q, conv))
	msg := &store.Message{ID: "m1", ConversationID: "c1", UserID: u.ID, Role: "user", Status: "sent", CreatedAt: 100}
	require.NoError(t, store.InsertMessage(ctx, q, msg))

	require.NoError(t, store.MarkConversationDeleted(ctx, q, u.ID, "c1", 500, 500+7*24*3600*1000))
	require.NoError(t, store.MarkConversationMessagesDeleted(ctx, q, "c1", 500, 500+7*24*3600*1000))

	convs, err := store.ListRecycleConversations(ctx, q, u.ID, 600)
	require.NoError(t, err)
	if len(convs) != 1 || convs[0].ID != "c1" {
		t.Fatalf("recycle convs = %v", convs)
	}
	msgs, err := store.ListRecycleMessages(ctx, q, u.ID, 600)
	require.NoError(t, err)
	if len(msgs) != 1 || msgs[0].DeletedAt == nil {
		t.Fatalf("recycle msgs = %v", msgs)
	}

	require.NoError(t, store.RestoreConversation(ctx, q, u.ID, "c1", 700))
	require.NoError(t, store.RestoreConversationMessages(ctx, q, "c1"))

	got, err := store.MessageByID(ctx, q, u.ID, "m1")
	require.NoError(t, err)
	if got.DeletedAt != nil || got.PurgeAt != nil {
		t.Errorf("message not restored: %+v", got)
	}
}

func TestRecycle_PurgeExpired(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	// c1 expires at 1000 with a message and block underneath, c2 stays.
	for _, c := range []store.Conversation{
		{ID: "c1", UserID: u.ID, NotificationSound: true, CreatedAt: 100, UpdatedAt: 100},
		{ID: "c2", UserID: u.ID, NotificationSound: true, CreatedAt: 100, UpdatedAt: 100},
	} {
		conv := c
		require.NoError(t, store.InsertConversation(ctx, q, &conv))
	}
	require.NoError(t, store.InsertMessage(ctx, q, &store.Message{
		ID: "m1", ConversationID: "c1", UserID: u.ID, Role: "user", Status: "sent", CreatedAt: 100,
	}))
	require.NoError(t, store.InsertBlock(ctx, q, &store.MessageBlock{
		ID: "b1", MessageID: "m1", BlockType: "mainText", Status: "success", Data: "{}", CreatedAt: 100,
	}))
	require.NoError(t, store.MarkConversationDeleted(ctx, q, u.ID, "c1", 500, 1000))
	require.NoError(t, store.MarkConversationMessagesDeleted(ctx, q, "c1", 500, 1000))

	blocks, err := store.CountExpiredBlocks(ctx, q, 1000)
	require.NoError(t, err)
	if blocks != 1 {
		t.Errorf("expired blocks = %d, want 1", blocks)
	}

	nConv, err := store.PurgeExpiredConversations(ctx, q, 1000)
	require.NoError(t, err)
	if nConv != 1 {
		t.Errorf("purged conversations = %d, want 1", nConv)
	}
	nMsg, err := store.PurgeExpiredMessages(ctx, q, 1000)
	require.NoError(t, err)
	if nMsg != 0 {
		t.Errorf("purged messages = %d, want 0 after conversation cascade", nMsg)
	}

	// Cascade must have removed the message and its block.
	if _, err := store.MessageByID(ctx, q, u.ID, "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("message survived purge: %v", err)
	}
	left, err := store.BlocksForMessages(ctx, q, []string{"m1"})
	require.NoError(t, err)
	if len(left) != 0 {
		t.Errorf("blocks survived purge: %v", left)
	}
	if _, err := store.ConversationByID(ctx, q, u.ID, "c2"); err != nil {
		t.Errorf("unexpired conversation lost: %v", err)
	}
}

func TestMessages_ReplaceTombstone(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	conv := &store.Conversation{ID: "c1", UserID: u.ID, NotificationSound: true, CreatedAt: 100, UpdatedAt: 100}
	require.NoError(t, store.InsertConversation(ctx, q, conv))
	require.NoError(t, store.InsertMessage(ctx, q, &store.Message{
		ID: "m-old", ConversationID: "c1", UserID: u.ID, Role: "assistant", Status: "sent", CreatedAt: 100,
	}))

	require.NoError(t, store.SetMessageReplaced(ctx, q, "m-old", "m-new", 200, 800))

	got, err := store.MessageByID(ctx, q, u.ID, "m-old")
	require.NoError(t, err)
	if got.ReplacedBy == nil || *got.ReplacedBy != "m-new" {
		t.Errorf("ReplacedBy = %v, want m-new", got.ReplacedBy)
	}
	if got.DeletedAt == nil || *got.DeletedAt != 200 {
		t.Errorf("DeletedAt = %v, want 200", got.DeletedAt)
	}
}

func TestMessages_ForkCopyWindow(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	conv := &store.Conversation{ID: "c1", UserID: u.ID, NotificationSound: true, CreatedAt: 100, UpdatedAt: 100}
	require.NoError(t, store.InsertConversation(ctx, q, conv))
	for _, m := range []store.Message{
		{ID: "m1", ConversationID: "c1", UserID: u.ID, Role: "user", Status: "sent", CreatedAt: 100},
		{ID: "m2", ConversationID: "c1", UserID: u.ID, Role: "assistant", Status: "sent", CreatedAt: 200},
		{ID: "m3", ConversationID: "c1", UserID: u.ID, Role: "user", Status: "sent", CreatedAt: 300},
	} {
		msg := m
		require.NoError(t, store.InsertMessage(ctx, q, &msg))
	}
	require.NoError(t, store.MarkMessageDeleted(ctx, q, u.ID, "m1", 400, 900))

	msgs, err := store.ListConversationMessagesUpTo(ctx, q, "c1", 200)
	require.NoError(t, err)
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("window = %v, want just m2 (m1 deleted, m3 after cutoff)", msgs)
	}
}

func TestProviders_CRUD(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	p := &store.Provider{
		ID: "p1", UserID: u.ID, DisplayName: "OpenAI", APIBaseURL: "https://api.openai.com/v1",
		APIKeysEncrypted: "[]", Enabled: true, Capabilities: "[]", CustomConfig: "{}",
		VisibleModels: "[]", HiddenModels: "[]", CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, store.InsertProvider(ctx, q, p))

	p.DisplayName = "OpenAI (dev)"
	p.Enabled = false
	p.UpdatedAt = 200
	require.NoError(t, store.UpdateProvider(ctx, q, p))

	got, err := store.ProviderByID(ctx, q, u.ID, "p1")
	require.NoError(t, err)
	if got.DisplayName != "OpenAI (dev)" || got.Enabled {
		t.Errorf("got = %+v", got)
	}

	since, err := store.ListProvidersSince(ctx, q, u.ID, 100, 10)
	require.NoError(t, err)
	if len(since) != 1 {
		t.Errorf("since = %v", since)
	}

	require.NoError(t, store.MarkProviderDeleted(ctx, q, u.ID, "p1", 300, 900))
	bin, err := store.ListRecycleProviders(ctx, q, u.ID, 400)
	require.NoError(t, err)
	if len(bin) != 1 {
		t.Fatalf("recycle providers = %v", bin)
	}

	n, err := store.PurgeExpiredProviders(ctx, q, 900)
	require.NoError(t, err)
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}
