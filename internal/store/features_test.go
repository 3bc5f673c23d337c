package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebulachat/sync-api/internal/store"
)

func intp(n int) *int       { return &n }
func int64p(n int64) *int64 { return &n }
func boolp(b bool) *bool    { return &b }

func TestBackups_Lifecycle(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	first := &store.Backup{UserID: u.ID, BackupName: "old", BackupType: "manual", BackupData: `{"v":1}`, FileSize: 7, CreatedAt: 100}
	require.NoError(t, store.InsertBackup(ctx, q, first))
	second := &store.Backup{UserID: u.ID, BackupName: "new", BackupType: "auto", BackupData: `{"v":2}`, FileSize: 9, CreatedAt: 200}
	require.NoError(t, store.InsertBackup(ctx, q, second))
	if first.ID == 0 || second.ID == first.ID {
		t.Fatalf("ids = %d, %d", first.ID, second.ID)
	}

	list, err := store.ListBackups(ctx, q, u.ID, 0, 10)
	require.NoError(t, err)
	if len(list) != 2 || list[0].BackupName != "new" {
		t.Errorf("list = %v", list)
	}
	if list[0].BackupData != "" {
		t.Error("list query loaded backup payloads")
	}

	detail, err := store.BackupByID(ctx, q, u.ID, second.ID)
	require.NoError(t, err)
	if detail.BackupData != `{"v":2}` {
		t.Errorf("BackupData = %q", detail.BackupData)
	}

	stats, err := store.UserBackupStats(ctx, q, u.ID)
	require.NoError(t, err)
	if stats.Total != 2 || stats.TotalSize != 16 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Oldest == nil || *stats.Oldest != 100 || stats.Newest == nil || *stats.Newest != 200 {
		t.Errorf("oldest/newest = %v/%v", stats.Oldest, stats.Newest)
	}

	require.NoError(t, store.DeleteBackup(ctx, q, u.ID, first.ID))
	if err := store.DeleteBackup(ctx, q, u.ID, first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}

	other := seedUser(t, q, "bob")
	if _, err := store.BackupByID(ctx, q, other.ID, second.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-user read err = %v, want ErrNotFound", err)
	}
}

func TestBackups_GlobalStats(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	alice := seedUser(t, q, "alice")
	bob := seedUser(t, q, "bob")

	require.NoError(t, store.InsertBackup(ctx, q, &store.Backup{UserID: alice.ID, BackupName: "a", BackupType: "manual", BackupData: "x", FileSize: 100, CreatedAt: 1}))
	require.NoError(t, store.InsertBackup(ctx, q, &store.Backup{UserID: bob.ID, BackupName: "b", BackupType: "manual", BackupData: "x", FileSize: 50, CreatedAt: 2}))

	total, size, users, err := store.GlobalBackupStats(ctx, q)
	require.NoError(t, err)
	if total != 2 || size != 150 || users != 2 {
		t.Errorf("total=%d size=%d users=%d", total, size, users)
	}

	top, err := store.TopBackupUsers(ctx, q, 10)
	require.NoError(t, err)
	if len(top) != 2 || top[0].UserID != alice.ID {
		t.Errorf("top = %v", top)
	}
}

func TestMemories_ListAndSearch(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	seed := []store.Memory{
		{UserID: u.ID, MemoryType: "fact", MemoryKey: "birthday", MemoryContent: "born in April", ImportanceScore: 9, CreatedAt: 100, UpdatedAt: 100},
		{UserID: u.ID, MemoryType: "preference", MemoryKey: "coffee", MemoryContent: "prefers espresso", ImportanceScore: 5, CreatedAt: 100, UpdatedAt: 200},
		{UserID: u.ID, ContactID: strp("ct-1"), MemoryType: "fact", MemoryKey: "address", MemoryContent: "moved to Lisbon", ImportanceScore: 5, CreatedAt: 100, UpdatedAt: 100},
	}
	for i := range seed {
		require.NoError(t, store.InsertMemory(ctx, q, &seed[i]))
	}

	all, err := store.ListMemories(ctx, q, u.ID, store.MemoryFilter{}, 0, 10)
	require.NoError(t, err)
	if len(all) != 3 || all[0].MemoryKey != "birthday" {
		t.Fatalf("order = %v", all)
	}
	// Equal importance sorts by recency.
	if all[1].MemoryKey != "coffee" {
		t.Errorf("all[1] = %s, want coffee", all[1].MemoryKey)
	}

	facts, err := store.ListMemories(ctx, q, u.ID, store.MemoryFilter{MemoryType: strp("fact")}, 0, 10)
	require.NoError(t, err)
	if len(facts) != 2 {
		t.Errorf("facts = %v", facts)
	}

	important, err := store.ListMemories(ctx, q, u.ID, store.MemoryFilter{MinImportance: intp(6)}, 0, 10)
	require.NoError(t, err)
	if len(important) != 1 {
		t.Errorf("important = %v", important)
	}

	hits, err := store.SearchMemoriesKeyword(ctx, q, u.ID, store.MemoryFilter{}, "%espresso%", 10)
	require.NoError(t, err)
	if len(hits) != 1 || hits[0].MemoryKey != "coffee" {
		t.Errorf("hits = %v", hits)
	}

	require.NoError(t, store.TouchMemoryAccess(ctx, q, seed[2].ID, 500))
	got, err := store.MemoryByID(ctx, q, u.ID, seed[2].ID)
	require.NoError(t, err)
	if got.AccessCount != 1 || got.LastAccessedAt == nil || *got.LastAccessedAt != 500 {
		t.Errorf("got = %+v", got)
	}

	byType, err := store.MemoryTypeCounts(ctx, q, u.ID)
	require.NoError(t, err)
	if byType["fact"] != 2 || byType["preference"] != 1 {
		t.Errorf("byType = %v", byType)
	}
	byContact, err := store.MemoryContactCounts(ctx, q, u.ID)
	require.NoError(t, err)
	if len(byContact) != 1 || byContact["ct-1"] != 1 {
		t.Errorf("byContact = %v", byContact)
	}

	size, err := store.MemoryContentSize(ctx, q, u.ID)
	require.NoError(t, err)
	if size == 0 {
		t.Error("content size = 0")
	}
}

func TestMemories_EmbeddingSubset(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	withVec := store.Memory{UserID: u.ID, MemoryType: "fact", MemoryKey: "k1", MemoryContent: "c1",
		EmbeddingVector: strp("[1,0]"), ImportanceScore: 5, CreatedAt: 1, UpdatedAt: 1}
	without := store.Memory{UserID: u.ID, MemoryType: "fact", MemoryKey: "k2", MemoryContent: "c2",
		ImportanceScore: 5, CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, store.InsertMemory(ctx, q, &withVec))
	require.NoError(t, store.InsertMemory(ctx, q, &without))

	got, err := store.MemoriesWithEmbedding(ctx, q, u.ID, store.MemoryFilter{})
	require.NoError(t, err)
	if len(got) != 1 || got[0].MemoryKey != "k1" {
		t.Errorf("got = %v", got)
	}
}

func TestTriggers_Lifecycle(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	tr := &store.Trigger{
		UserID: u.ID, TriggerName: "daily backup", TriggerType: "schedule",
		TriggerConfig: `{"cron":"0 9 * * *"}`, ActionConfig: `{"action_type":"backup"}`,
		IsActive: true, CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, store.InsertTrigger(ctx, q, tr))
	if tr.ID == 0 {
		t.Fatal("InsertTrigger did not assign an id")
	}

	inactive, err := store.ListTriggers(ctx, q, u.ID, store.TriggerFilter{IsActive: boolp(false)}, 0, 10)
	require.NoError(t, err)
	if len(inactive) != 0 {
		t.Errorf("inactive = %v", inactive)
	}

	tr.IsActive = false
	tr.UpdatedAt = 200
	require.NoError(t, store.UpdateTrigger(ctx, q, tr))
	got, err := store.TriggerByID(ctx, q, u.ID, tr.ID)
	require.NoError(t, err)
	if got.IsActive {
		t.Error("IsActive = true after update")
	}

	log := &store.TriggerLog{TriggerID: tr.ID, UserID: u.ID, Status: "success", ExecutionTimeMs: 12, ExecutedAt: 300}
	require.NoError(t, store.InsertTriggerLog(ctx, q, log))
	require.NoError(t, store.InsertTriggerLog(ctx, q, &store.TriggerLog{
		TriggerID: tr.ID, UserID: u.ID, Status: "failed", ErrorMessage: strp("boom"), ExecutedAt: 400,
	}))

	logs, err := store.ListTriggerLogs(ctx, q, tr.ID, 0, 10)
	require.NoError(t, err)
	if len(logs) != 2 || logs[0].Status != "failed" {
		t.Errorf("logs = %v", logs)
	}

	stats, err := store.UserTriggerStats(ctx, q, u.ID)
	require.NoError(t, err)
	if stats.Total != 1 || stats.Active != 0 || stats.Executions != 2 || stats.Successful != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	require.NoError(t, store.SetTriggerFired(ctx, q, tr.ID, 500))
	got, err = store.TriggerByID(ctx, q, u.ID, tr.ID)
	require.NoError(t, err)
	if got.LastTriggeredAt == nil || *got.LastTriggeredAt != 500 {
		t.Errorf("LastTriggeredAt = %v, want 500", got.LastTriggeredAt)
	}

	// Deleting the trigger sweeps its logs via FK cascade.
	require.NoError(t, store.DeleteTrigger(ctx, q, u.ID, tr.ID))
	logs, err = store.ListTriggerLogs(ctx, q, tr.ID, 0, 10)
	require.NoError(t, err)
	if len(logs) != 0 {
		t.Errorf("logs survived trigger delete: %v", logs)
	}
}

func TestKeyPool_PickAndQuota(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, q, "alice")

	exhausted := &store.PoolKey{Provider: "openai", APIKeyEncrypted: "enc-a", QuotaTotal: 100, QuotaUsed: 100, IsActive: true, CreatedAt: 1}
	inactive := &store.PoolKey{Provider: "openai", APIKeyEncrypted: "enc-b", QuotaTotal: 100, IsActive: false, CreatedAt: 2}
	usable := &store.PoolKey{Provider: "openai", APIKeyEncrypted: "enc-c", QuotaTotal: 100, IsActive: true, CreatedAt: 3}
	for _, k := range []*store.PoolKey{exhausted, inactive, usable} {
		require.NoError(t, store.InsertPoolKey(ctx, q, k))
	}

	picked, err := store.ActivePoolKey(ctx, q, "openai")
	require.NoError(t, err)
	if picked.ID != usable.ID {
		t.Errorf("picked = %d, want %d", picked.ID, usable.ID)
	}

	if _, err := store.ActivePoolKey(ctx, q, "gemini"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for empty provider", err)
	}

	providers, err := store.DistinctPoolProviders(ctx, q)
	require.NoError(t, err)
	if len(providers) != 1 || providers[0] != "openai" {
		t.Errorf("providers = %v", providers)
	}

	quota := &store.Quota{UserID: u.ID, Provider: "openai", QuotaTotal: 1000, IsActive: true, CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, store.InsertQuota(ctx, q, quota))
	require.NoError(t, store.AddQuotaUsage(ctx, q, u.ID, "openai", 250, 2))

	got, err := store.QuotaByUserProvider(ctx, q, u.ID, "openai")
	require.NoError(t, err)
	if got.QuotaUsed != 250 || got.Remaining() != 750 {
		t.Errorf("quota = %+v", got)
	}

	require.NoError(t, store.InsertUsageLog(ctx, q, &store.UsageLog{
		UserID: u.ID, Provider: "openai", TokensUsed: 250, ModelUsed: strp("gpt-4o"), CreatedAt: 2,
	}))
	logs, err := store.ListUsageLogs(ctx, q, int64p(u.ID), nil, 10)
	require.NoError(t, err)
	if len(logs) != 1 || logs[0].TokensUsed != 250 {
		t.Errorf("logs = %v", logs)
	}
}
