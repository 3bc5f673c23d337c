package syncservice_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/nebulachat/sync-api/internal/db"
	"github.com/nebulachat/sync-api/internal/envelope"
	"github.com/nebulachat/sync-api/internal/service/syncservice"
	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

func newTestService(t *testing.T) (*syncservice.Service, *sqlx.DB) {
	t.Helper()
	ctx := context.Background()

	sqlDB, dialect, err := db.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(sqlDB, dialect); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	sealer, err := envelope.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	return syncservice.New(sqlDB, sealer, 7*24*time.Hour), sqlDB
}

func seedSyncUser(t *testing.T, q *sqlx.DB, username string) *store.User {
	t.Helper()
	u := &store.User{
		Username:     username,
		PasswordHash: "hash",
		IsActive:     true,
		CreatedAt:    syncx.NowMs(),
	}
	require.NoError(t, store.CreateUser(context.Background(), q, u))
	return u
}

func op(id, typ string, data map[string]any) syncservice.Operation {
	return syncservice.Operation{OpID: id, DeviceID: "dev-1", OpType: typ, Data: data}
}

func pushOps(t *testing.T, svc *syncservice.Service, userID int64, ops ...syncservice.Operation) *syncservice.PushResponse {
	t.Helper()
	resp, err := svc.Push(context.Background(), userID, syncservice.PushRequest{Operations: ops})
	require.NoError(t, err)
	if len(resp.Results) != len(ops) {
		t.Fatalf("got %d results for %d operations", len(resp.Results), len(ops))
	}
	return resp
}

// wantStatus asserts the per-op status and returns the result payload.
func wantStatus(t *testing.T, entry map[string]any, status string) map[string]any {
	t.Helper()
	if entry["status"] != status {
		t.Fatalf("status = %v (error: %v), want %s", entry["status"], entry["error"], status)
	}
	result, _ := entry["result"].(map[string]any)
	return result
}

func TestScopes_DefaultsAndUpdate(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")

	got, err := svc.GetScopes(ctx, u.ID)
	require.NoError(t, err)
	scopes, ok := got["enabled_scopes"].([]string)
	if !ok || len(scopes) != 2 || scopes[0] != "chat.history" || scopes[1] != "characters.cards" {
		t.Errorf("default scopes = %v", got["enabled_scopes"])
	}
	if _, ok := got["user_id"]; ok {
		t.Error("default scope response should not carry user_id")
	}

	updated, err := svc.UpdateScopes(ctx, u.ID, []string{"providers.config", "providers.keys"})
	require.NoError(t, err)
	if updated["user_id"] != u.ID {
		t.Errorf("user_id = %v, want %d", updated["user_id"], u.ID)
	}

	got, err = svc.GetScopes(ctx, u.ID)
	require.NoError(t, err)
	scopes, _ = got["enabled_scopes"].([]string)
	if len(scopes) != 2 || scopes[0] != "providers.config" {
		t.Errorf("scopes after update = %v", scopes)
	}
}

func TestScopes_RejectsUnknownName(t *testing.T) {
	svc, q := newTestService(t)
	u := seedSyncUser(t, q, "alice")

	_, err := svc.UpdateScopes(context.Background(), u.ID, []string{"chat.history", "everything.else"})
	var verr *syncservice.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Message != "invalid scope: everything.else" {
		t.Errorf("message = %q", verr.Message)
	}
}

func TestScopes_EmptyListSyncsNothing(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	u := seedSyncUser(t, q, "alice")

	pushOps(t, svc, u.ID,
		op("op-c1", "upsert_conversation", map[string]any{"id": "c1", "title": "Hi"}))

	_, err := svc.UpdateScopes(ctx, u.ID, []string{})
	require.NoError(t, err)

	pulled, err := svc.Pull(ctx, u.ID, syncservice.PullOptions{IncludeDeleted: true})
	require.NoError(t, err)
	if len(pulled.Conversations) != 0 || len(pulled.Messages) != 0 || len(pulled.Providers) != 0 {
		t.Errorf("empty scope set still pulled data: %+v", pulled)
	}
}
