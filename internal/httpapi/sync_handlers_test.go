package httpapi_test

import (
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func pushPayload(ops ...map[string]any) map[string]any {
	return map[string]any{"operations": ops}
}

func TestSyncScopesOverHTTP(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 0, false)

	w := doJSON(t, h, "GET", "/api/sync/scopes", nil, u.ID)
	wantStatus(t, w, 200)
	m := decodeMap(t, w)
	require.ElementsMatch(t, []any{"chat.history", "characters.cards"}, m["enabled_scopes"])

	w = doJSON(t, h, "PUT", "/api/sync/scopes", map[string]any{
		"enabled_scopes": []string{"providers.config"},
	}, u.ID)
	wantStatus(t, w, 200)

	w = doJSON(t, h, "PUT", "/api/sync/scopes", map[string]any{
		"enabled_scopes": []string{"bogus.scope"},
	}, u.ID)
	wantDetail(t, w, 400, "invalid scope: bogus.scope")
}

func TestSyncPushPullOverHTTP(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 0, false)

	w := doJSON(t, h, "POST", "/api/sync/push", pushPayload(
		map[string]any{
			"op_id": "op-1", "device_id": "phone", "op_type": "upsert_conversation",
			"data": map[string]any{"id": "c1", "title": "Hello"},
		},
		map[string]any{
			"op_id": "op-2", "device_id": "phone", "op_type": "append_message",
			"data": map[string]any{
				"id": "m1", "conversation_id": "c1", "role": "user",
				"blocks": []map[string]any{{"id": "b1", "type": "text", "data": map[string]any{"text": "hi"}}},
			},
		},
	), u.ID)
	wantStatus(t, w, 200)

	m := decodeMap(t, w)
	results, _ := m["results"].([]any)
	require.Len(t, results, 2)
	for i, res := range results {
		entry, _ := res.(map[string]any)
		if entry["status"] != "success" {
			t.Errorf("result[%d] = %v", i, entry)
		}
	}
	if _, ok := m["server_time"].(float64); !ok {
		t.Errorf("server_time missing: %v", m)
	}

	w = doJSON(t, h, "GET", "/api/sync/pull?limit=10", nil, u.ID)
	wantStatus(t, w, 200)
	m = decodeMap(t, w)
	convs, _ := m["conversations"].([]any)
	msgs, _ := m["messages"].([]any)
	require.Len(t, convs, 1)
	require.Len(t, msgs, 1)

	// Replay of the same op id is deduplicated, not re-applied
	w = doJSON(t, h, "POST", "/api/sync/push", pushPayload(
		map[string]any{
			"op_id": "op-1", "device_id": "phone", "op_type": "upsert_conversation",
			"data": map[string]any{"id": "c1", "title": "Hello again"},
		},
	), u.ID)
	wantStatus(t, w, 200)
	m = decodeMap(t, w)
	results, _ = m["results"].([]any)
	require.Len(t, results, 1)
	entry, _ := results[0].(map[string]any)
	if entry["status"] != "duplicate" {
		t.Errorf("replayed op status = %v, want duplicate", entry["status"])
	}
}

func TestSyncPullUsesDeviceHeader(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 0, false)

	doJSON(t, h, "POST", "/api/sync/push", pushPayload(
		map[string]any{
			"op_id": "op-1", "device_id": "phone", "op_type": "upsert_conversation",
			"data": map[string]any{"id": "c1", "title": "Hello"},
		},
	), u.ID)

	// A device id in the header moves that device's cursor
	req := httptest.NewRequest("GET", "/api/sync/pull", nil)
	req.Header.Set("X-Debug-Sub", strconv.FormatInt(u.ID, 10))
	req.Header.Set("X-Device-Id", "tablet")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	wantStatus(t, w, 200)

	var first struct {
		Conversations []json.RawMessage `json:"conversations"`
		ServerTime    int64             `json:"server_time"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Conversations, 1)
}

func TestSyncPullIncludesDeletedByDefault(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 0, false)

	doJSON(t, h, "POST", "/api/sync/push", pushPayload(
		map[string]any{
			"op_id": "op-1", "device_id": "phone", "op_type": "upsert_conversation",
			"data": map[string]any{"id": "c1", "title": "Hello"},
		},
		map[string]any{
			"op_id": "op-2", "device_id": "phone", "op_type": "delete",
			"data": map[string]any{"type": "conversation", "id": "c1"},
		},
	), u.ID)

	// Tombstones flow to clients unless explicitly excluded
	w := doJSON(t, h, "GET", "/api/sync/pull", nil, u.ID)
	wantStatus(t, w, 200)
	m := decodeMap(t, w)
	convs, _ := m["conversations"].([]any)
	require.Len(t, convs, 1)
	entry, _ := convs[0].(map[string]any)
	if entry["deleted_at"] == nil {
		t.Errorf("default pull dropped the tombstone: %v", entry)
	}

	w = doJSON(t, h, "GET", "/api/sync/pull?include_deleted=false", nil, u.ID)
	wantStatus(t, w, 200)
	m = decodeMap(t, w)
	convs, _ = m["conversations"].([]any)
	require.Len(t, convs, 0)
}

func TestSyncRecycleBin(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 0, false)

	doJSON(t, h, "POST", "/api/sync/push", pushPayload(
		map[string]any{
			"op_id": "op-1", "device_id": "phone", "op_type": "upsert_conversation",
			"data": map[string]any{"id": "c1", "title": "Hello"},
		},
		map[string]any{
			"op_id": "op-2", "device_id": "phone", "op_type": "delete",
			"data": map[string]any{"type": "conversation", "id": "c1"},
		},
	), u.ID)

	w := doJSON(t, h, "GET", "/api/sync/recycle-bin", nil, u.ID)
	wantStatus(t, w, 200)
	m := decodeMap(t, w)
	convs, _ := m["conversations"].([]any)
	require.Len(t, convs, 1)
	entry, _ := convs[0].(map[string]any)
	if entry["deleted_at"] == nil || entry["purge_at"] == nil {
		t.Errorf("recycle bin entry missing tombstone fields: %v", entry)
	}
}

func TestPurgeExpiredRequiresAdminKey(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 0, false)

	w := doJSON(t, h, "POST", "/api/sync/purge-expired", nil, u.ID)
	wantDetail(t, w, 403, "invalid admin key")

	w = doJSON(t, h, "POST", "/api/sync/purge-expired?admin_key=wrong", nil, u.ID)
	wantDetail(t, w, 403, "invalid admin key")

	w = doJSON(t, h, "POST", "/api/sync/purge-expired?admin_key="+testPurgeKey, nil, u.ID)
	wantStatus(t, w, 200)
	m := decodeMap(t, w)
	if _, ok := m["purged"].(map[string]any); !ok {
		t.Errorf("purged counts missing: %v", m)
	}
}
