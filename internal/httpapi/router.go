package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/auth"
	"github.com/nebulachat/sync-api/internal/config"
	"github.com/nebulachat/sync-api/internal/metrics"
	"github.com/nebulachat/sync-api/internal/service/syncservice"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB   *sqlx.DB
	Sync *syncservice.Service
	Cfg  config.Config
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// decodeBody decodes a JSON request body into v, answering 400 on
// malformed input. Returns false when the response has been written.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseSkip parses a skip/offset query param
func parseSkip(q string) int {
	if q == "" {
		return 0
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseBool parses a boolean query param, falling back to def when the
// param is absent or unparseable.
func parseBool(q string, def bool) bool {
	if q == "" {
		return def
	}
	b, err := strconv.ParseBool(q)
	if err != nil {
		return def
	}
	return b
}

// parseID parses a numeric id URL parameter
func parseID(r *http.Request, name string) (int64, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Routes creates the HTTP router with all API endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)
	r.Use(metrics.HTTPMiddleware)

	// Health check, capability discovery and metrics (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Get("/api/info", s.Info)
	r.Handle("/metrics", promhttp.Handler())

	// Registration and login are open; profile requires a token
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.Register)
		r.Post("/login", s.Login)
		r.Post("/bootstrap-admin", s.BootstrapAdmin)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.DB, jwt))
			r.Get("/me", s.Me)
		})
	})

	// Everything else requires authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, jwt))
		r.Use(DeviceMiddleware)
		r.Use(RateLimitMiddleware(RateLimitInfo{
			WindowSeconds: s.Cfg.RateLimitWindow,
			MaxRequests:   s.Cfg.RateLimitRequests,
			Burst:         s.Cfg.RateLimitBurst,
		}))

		r.Route("/api/sync", func(r chi.Router) {
			r.Get("/scopes", s.GetScopes)
			r.Put("/scopes", s.UpdateScopes)
			r.Get("/pull", s.Pull)
			r.Post("/push", s.Push)
			r.Get("/recycle-bin", s.RecycleBin)
			r.Post("/purge-expired", s.PurgeExpired)
		})

		r.Route("/api/backup", func(r chi.Router) {
			r.Post("/create", s.CreateBackup)
			r.Get("/list", s.ListBackups)
			r.Get("/stats/my", s.MyBackupStats)
			r.Get("/admin/overview", s.AdminBackupOverview)
			r.Get("/admin/user/{unique_id}", s.AdminUserBackups)
			r.Delete("/admin/backup/{id}", s.AdminDeleteBackup)
			r.Get("/{id}", s.GetBackup)
			r.Post("/{id}/restore", s.RestoreBackup)
			r.Delete("/{id}", s.DeleteBackup)
		})

		r.Route("/api/memory", func(r chi.Router) {
			r.Post("/create", s.CreateMemory)
			r.Get("/list", s.ListMemories)
			r.Post("/search", s.SearchMemories)
			r.Get("/stats/my", s.MyMemoryStats)
			r.Get("/admin/overview", s.AdminMemoryOverview)
			r.Get("/{id}", s.GetMemory)
			r.Put("/{id}", s.UpdateMemory)
			r.Delete("/{id}", s.DeleteMemory)
		})

		r.Route("/api/trigger", func(r chi.Router) {
			r.Post("/create", s.CreateTrigger)
			r.Get("/list", s.ListTriggers)
			r.Get("/stats/my", s.MyTriggerStats)
			r.Get("/admin/overview", s.AdminTriggerOverview)
			r.Get("/admin/user/{unique_id}", s.AdminUserTriggers)
			r.Get("/{id}", s.GetTrigger)
			r.Put("/{id}", s.UpdateTrigger)
			r.Delete("/{id}", s.DeleteTrigger)
			r.Post("/{id}/toggle", s.ToggleTrigger)
			r.Post("/{id}/fire", s.FireTrigger)
			r.Get("/{id}/logs", s.TriggerLogs)
		})

		r.Route("/api/keys", func(r chi.Router) {
			r.Get("/providers", s.KeyProviders)
			r.Post("/request", s.RequestKey)
			r.Get("/quota", s.MyQuotas)
			r.Post("/usage/report", s.ReportUsage)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/pool", s.AdminCreatePoolKey)
				r.Get("/pool", s.AdminListPoolKeys)
				r.Put("/pool/{id}", s.AdminUpdatePoolKey)
				r.Delete("/pool/{id}", s.AdminDeletePoolKey)
				r.Post("/assign", s.AdminAssignQuota)
				r.Get("/usage", s.AdminUsage)
				r.Get("/overview", s.AdminKeyOverview)
			})
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/invites", s.CreateInvite)
			r.Get("/invites", s.ListInvites)
			r.Patch("/invites/{code}", s.UpdateInvite)
			r.Delete("/invites/{code}", s.DeleteInvite)
			r.Get("/users", s.ListUsers)
			r.Get("/users/{id}", s.GetUserDetail)
			r.Patch("/users/{id}", s.UpdateUser)
			r.Post("/users/{unique_id}/level", s.SetUserLevel)
			r.Delete("/users/{id}", s.DeleteUser)
			r.Get("/stats", s.AdminStats)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
