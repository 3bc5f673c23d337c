package httpapi_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// seedPoolKey provisions an upstream key through the admin API so it is
// sealed with the server's envelope key.
func seedPoolKey(t *testing.T, h http.Handler, adminID int64, provider, apiKey string, quota int64) int64 {
	t.Helper()
	w := doJSON(t, h, "POST", "/api/keys/admin/pool", map[string]any{
		"provider": provider, "api_key": apiKey, "quota_total": quota,
	}, adminID)
	wantStatus(t, w, 201)
	pool := decodeMap(t, w)["key_pool"].(map[string]any)
	return int64(pool["id"].(float64))
}

func assignQuota(t *testing.T, h http.Handler, adminID, userID int64, provider string, total int64) {
	t.Helper()
	w := doJSON(t, h, "POST", "/api/keys/admin/assign", map[string]any{
		"user_id": userID, "provider": provider, "quota_total": total,
	}, adminID)
	wantStatus(t, w, 200)
}

func TestKeyRequestFlow(t *testing.T) {
	h, sqlDB := newTestServer(t)
	basic := seedUser(t, sqlDB, "basic", 1, false)
	u := seedUser(t, sqlDB, "alice", 2, false)
	admin := seedUser(t, sqlDB, "root", 99, true)

	w := doJSON(t, h, "POST", "/api/keys/request", map[string]any{"provider": "openai"}, basic.ID)
	wantDetail(t, w, 403, "this feature requires level 2 or higher, current level: 1")

	w = doJSON(t, h, "POST", "/api/keys/request", map[string]any{}, u.ID)
	wantDetail(t, w, 400, "provider is required")

	w = doJSON(t, h, "POST", "/api/keys/request", map[string]any{"provider": "openai"}, u.ID)
	wantDetail(t, w, 404, "no quota assigned for openai")

	assignQuota(t, h, admin.ID, u.ID, "openai", 1000)

	// Quota alone is not enough: the pool must hold a key
	w = doJSON(t, h, "POST", "/api/keys/request", map[string]any{"provider": "openai"}, u.ID)
	wantDetail(t, w, 503, "openai is temporarily unavailable")

	seedPoolKey(t, h, admin.ID, "openai", "sk-test-123", 50000)

	w = doJSON(t, h, "POST", "/api/keys/request", map[string]any{"provider": "openai"}, u.ID)
	wantStatus(t, w, 200)
	issued := decodeMap(t, w)
	if issued["api_key"] != "sk-test-123" {
		t.Errorf("api_key = %v, want the decrypted pool key", issued["api_key"])
	}
	require.EqualValues(t, 1000, issued["quota_remaining"])

	w = doJSON(t, h, "GET", "/api/keys/providers", nil, u.ID)
	wantStatus(t, w, 200)
	providers := decodeMap(t, w)["providers"].([]any)
	require.Len(t, providers, 1)
	p := providers[0].(map[string]any)
	if p["provider"] != "openai" {
		t.Errorf("provider = %v", p["provider"])
	}
	require.EqualValues(t, 1000, p["quota_remaining"])
}

func TestKeyQuotaExhaustion(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 2, false)
	admin := seedUser(t, sqlDB, "root", 99, true)

	assignQuota(t, h, admin.ID, u.ID, "openai", 100)
	seedPoolKey(t, h, admin.ID, "openai", "sk-test-123", 50000)

	w := doJSON(t, h, "POST", "/api/keys/usage/report", map[string]any{
		"provider": "openai", "tokens_used": 100,
	}, u.ID)
	wantStatus(t, w, 200)
	require.EqualValues(t, 0, decodeMap(t, w)["quota_remaining"])

	w = doJSON(t, h, "POST", "/api/keys/request", map[string]any{"provider": "openai"}, u.ID)
	wantDetail(t, w, 403, "openai quota exhausted")

	// Drained providers drop out of the listing
	w = doJSON(t, h, "GET", "/api/keys/providers", nil, u.ID)
	wantStatus(t, w, 200)
	require.Len(t, decodeMap(t, w)["providers"].([]any), 0)
}

func TestUsageReporting(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 2, false)
	admin := seedUser(t, sqlDB, "root", 99, true)

	w := doJSON(t, h, "POST", "/api/keys/usage/report", map[string]any{
		"provider": "openai", "tokens_used": 0,
	}, u.ID)
	wantDetail(t, w, 400, "provider and a positive tokens_used are required")

	w = doJSON(t, h, "POST", "/api/keys/usage/report", map[string]any{
		"provider": "anthropic", "tokens_used": 10,
	}, u.ID)
	wantDetail(t, w, 404, "no quota assigned for anthropic")

	assignQuota(t, h, admin.ID, u.ID, "anthropic", 1000)

	w = doJSON(t, h, "POST", "/api/keys/usage/report", map[string]any{
		"provider": "anthropic", "tokens_used": 300, "model_used": "claude-3-haiku",
	}, u.ID)
	wantStatus(t, w, 200)
	require.EqualValues(t, 700, decodeMap(t, w)["quota_remaining"])

	w = doJSON(t, h, "POST", "/api/keys/usage/report", map[string]any{
		"provider": "anthropic", "tokens_used": 200,
	}, u.ID)
	wantStatus(t, w, 200)
	require.EqualValues(t, 500, decodeMap(t, w)["quota_remaining"])

	w = doJSON(t, h, "GET", "/api/keys/quota", nil, u.ID)
	wantStatus(t, w, 200)
	mine := decodeMap(t, w)
	require.EqualValues(t, 2, mine["user_level"])
	quotas := mine["quotas"].([]any)
	require.Len(t, quotas, 1)
	require.EqualValues(t, 500, quotas[0].(map[string]any)["quota_used"])

	w = doJSON(t, h, "GET", "/api/keys/admin/usage?unique_id="+*u.UniqueID, nil, admin.ID)
	wantStatus(t, w, 200)
	usage := decodeMap(t, w)
	require.EqualValues(t, 2, usage["count"])
	require.EqualValues(t, 500, usage["total_tokens_used"])
	logs := usage["logs"].([]any)
	require.Len(t, logs, 2)

	w = doJSON(t, h, "GET", "/api/keys/admin/usage?unique_id=USER-99999", nil, admin.ID)
	wantDetail(t, w, 404, "user not found")
}

func TestAdminPoolKeyCRUD(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 2, false)
	admin := seedUser(t, sqlDB, "root", 99, true)

	w := doJSON(t, h, "POST", "/api/keys/admin/pool", map[string]any{
		"provider": "openai", "api_key": "sk-1", "quota_total": 100,
	}, u.ID)
	wantDetail(t, w, 403, "admin privileges required")

	w = doJSON(t, h, "POST", "/api/keys/admin/pool", map[string]any{
		"provider": "openai", "quota_total": 100,
	}, admin.ID)
	wantDetail(t, w, 400, "provider and api_key are required")

	w = doJSON(t, h, "POST", "/api/keys/admin/pool", map[string]any{
		"provider": "openai", "api_key": "sk-1",
	}, admin.ID)
	wantDetail(t, w, 400, "quota_total must be positive")

	id := seedPoolKey(t, h, admin.ID, "openai", "sk-1", 100)
	seedPoolKey(t, h, admin.ID, "anthropic", "sk-2", 200)

	w = doJSON(t, h, "GET", "/api/keys/admin/pool", nil, admin.ID)
	wantStatus(t, w, 200)
	keys := decodeMap(t, w)["keys"].([]any)
	require.Len(t, keys, 2)
	if _, leaked := keys[0].(map[string]any)["api_key_encrypted"]; leaked {
		t.Error("listing should not expose sealed key material")
	}

	w = doJSON(t, h, "GET", "/api/keys/admin/pool?provider=openai", nil, admin.ID)
	require.Len(t, decodeMap(t, w)["keys"].([]any), 1)

	// Rotating the key reseals it; the next request hands out the new value
	w = doJSON(t, h, "PUT", fmt.Sprintf("/api/keys/admin/pool/%d", id), map[string]any{
		"api_key": "sk-1-rotated",
	}, admin.ID)
	wantStatus(t, w, 200)

	assignQuota(t, h, admin.ID, u.ID, "openai", 1000)
	w = doJSON(t, h, "POST", "/api/keys/request", map[string]any{"provider": "openai"}, u.ID)
	wantStatus(t, w, 200)
	if got := decodeMap(t, w)["api_key"]; got != "sk-1-rotated" {
		t.Errorf("api_key = %v, want sk-1-rotated", got)
	}

	w = doJSON(t, h, "PUT", fmt.Sprintf("/api/keys/admin/pool/%d", id), map[string]any{
		"is_active": false,
	}, admin.ID)
	wantStatus(t, w, 200)

	w = doJSON(t, h, "POST", "/api/keys/request", map[string]any{"provider": "openai"}, u.ID)
	wantDetail(t, w, 503, "openai is temporarily unavailable")

	w = doJSON(t, h, "DELETE", fmt.Sprintf("/api/keys/admin/pool/%d", id), nil, admin.ID)
	wantStatus(t, w, 200)
	w = doJSON(t, h, "DELETE", fmt.Sprintf("/api/keys/admin/pool/%d", id), nil, admin.ID)
	wantDetail(t, w, 404, "key not found")
}

func TestAdminAssignQuota(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 2, false)
	admin := seedUser(t, sqlDB, "root", 99, true)

	w := doJSON(t, h, "POST", "/api/keys/admin/assign", map[string]any{
		"provider": "openai", "quota_total": 100,
	}, admin.ID)
	wantDetail(t, w, 400, "user_id and provider are required")

	w = doJSON(t, h, "POST", "/api/keys/admin/assign", map[string]any{
		"user_id": 9999, "provider": "openai", "quota_total": 100,
	}, admin.ID)
	wantDetail(t, w, 404, "user not found")

	w = doJSON(t, h, "POST", "/api/keys/admin/assign", map[string]any{
		"user_id": u.ID, "provider": "openai", "quota_total": 100,
	}, admin.ID)
	wantStatus(t, w, 200)
	created := decodeMap(t, w)
	if created["status"] != "created" {
		t.Errorf("status = %v, want created", created["status"])
	}
	quota := created["quota"].(map[string]any)
	if quota["quota_reset_at"] == nil {
		t.Error("monthly reset should be stamped by default")
	}

	// Reassigning replaces the allowance in place
	w = doJSON(t, h, "POST", "/api/keys/admin/assign", map[string]any{
		"user_id": u.ID, "provider": "openai", "quota_total": 500, "reset_monthly": false,
	}, admin.ID)
	wantStatus(t, w, 200)
	updated := decodeMap(t, w)
	if updated["status"] != "updated" {
		t.Errorf("status = %v, want updated", updated["status"])
	}
	require.EqualValues(t, 500, updated["quota"].(map[string]any)["quota_total"])
}

func TestAdminKeyOverview(t *testing.T) {
	h, sqlDB := newTestServer(t)
	u := seedUser(t, sqlDB, "alice", 2, false)
	admin := seedUser(t, sqlDB, "root", 99, true)

	seedPoolKey(t, h, admin.ID, "openai", "sk-1", 100)
	seedPoolKey(t, h, admin.ID, "openai", "sk-2", 200)
	assignQuota(t, h, admin.ID, u.ID, "openai", 1000)

	w := doJSON(t, h, "POST", "/api/keys/usage/report", map[string]any{
		"provider": "openai", "tokens_used": 40,
	}, u.ID)
	wantStatus(t, w, 200)

	w = doJSON(t, h, "GET", "/api/keys/admin/overview", nil, admin.ID)
	wantStatus(t, w, 200)
	overview := decodeMap(t, w)

	pool := overview["key_pool_stats"].(map[string]any)["openai"].(map[string]any)
	require.EqualValues(t, 2, pool["total_keys"])
	require.EqualValues(t, 300, pool["total_quota"])

	users := overview["user_quota_stats"].(map[string]any)["openai"].(map[string]any)
	require.EqualValues(t, 1, users["total_users"])
	require.EqualValues(t, 1000, users["allocated_quota"])
	require.EqualValues(t, 40, users["used_quota"])
}
