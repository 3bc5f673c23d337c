package httpapi

import (
	"net/http"

	"github.com/nebulachat/sync-api/internal/syncx"
)

// ServerInfo describes the server's capabilities and limits so clients
// can configure themselves before logging in.
type ServerInfo struct {
	APIVersion     string        `json:"api_version"`
	ServerTime     int64         `json:"server_time"`
	Scopes         []string      `json:"scopes"`
	DefaultScopes  []string      `json:"default_scopes"`
	RecycleBinDays int           `json:"recycle_bin_days"`
	RateLimit      RateLimitInfo `json:"rate_limit"`
	Hints          SyncHints     `json:"hints"`
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommended_batch"` // safe push batch size
	BackoffMsOn429   int `json:"backoff_ms_on_429"` // default backoff if Retry-After missing
}

// Info handles GET /api/info. Unauthenticated, for capability discovery.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ServerInfo{
		APIVersion:     "2.0",
		ServerTime:     syncx.NowMs(),
		Scopes:         syncx.AllScopes(),
		DefaultScopes:  syncx.DefaultScopes(),
		RecycleBinDays: s.Cfg.RecycleBinDays,
		RateLimit: RateLimitInfo{
			WindowSeconds: s.Cfg.RateLimitWindow,
			MaxRequests:   s.Cfg.RateLimitRequests,
			Burst:         s.Cfg.RateLimitBurst,
		},
		Hints: SyncHints{
			RecommendedBatch: 200,
			BackoffMsOn429:   1500,
		},
	})
}
