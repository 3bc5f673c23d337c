package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

// backupCreateReq is the body for backup creation. Size is computed
// server-side from the payload bytes.
type backupCreateReq struct {
	BackupName  string  `json:"backup_name"`
	BackupData  string  `json:"backup_data"`
	Description *string `json:"description"`
	BackupType  string  `json:"backup_type"` // manual | auto
}

// backupDetail is the full backup including its payload; the list and
// create responses leave the payload out.
type backupDetail struct {
	ID          int64   `json:"id"`
	BackupName  string  `json:"backup_name"`
	Description *string `json:"description"`
	BackupType  string  `json:"backup_type"`
	BackupData  string  `json:"backup_data"`
	FileSize    int64   `json:"file_size"`
	CreatedAt   int64   `json:"created_at"`
}

// CreateBackup handles POST /api/backup/create
func (s *Server) CreateBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelBasic, true)
	if !ok {
		return
	}

	var req backupCreateReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BackupName == "" || req.BackupData == "" {
		writeError(w, r, http.StatusBadRequest, "backup_name and backup_data are required")
		return
	}
	if req.BackupType == "" {
		req.BackupType = "manual"
	}

	b := &store.Backup{
		UserID:      u.ID,
		BackupName:  req.BackupName,
		Description: req.Description,
		BackupType:  req.BackupType,
		BackupData:  req.BackupData,
		FileSize:    int64(len(req.BackupData)),
		CreatedAt:   syncx.NowMs(),
	}
	if err := store.InsertBackup(ctx, s.DB, b); err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Int64("backupId", b.ID).
		Int64("size", b.FileSize).Msg("backup created")
	writeJSON(w, http.StatusCreated, b)
}

// ListBackups handles GET /api/backup/list
func (s *Server) ListBackups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelBasic, false)
	if !ok {
		return
	}

	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)

	backups, err := store.ListBackups(ctx, s.DB, u.ID, skip, limit)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

// GetBackup handles GET /api/backup/{id}
func (s *Server) GetBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelBasic, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid backup id")
		return
	}

	b, err := store.BackupByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "backup")
		return
	}
	writeJSON(w, http.StatusOK, backupDetail{
		ID:          b.ID,
		BackupName:  b.BackupName,
		Description: b.Description,
		BackupType:  b.BackupType,
		BackupData:  b.BackupData,
		FileSize:    b.FileSize,
		CreatedAt:   b.CreatedAt,
	})
}

// RestoreBackup handles POST /api/backup/{id}/restore. The server only
// hands the payload back; the client applies it locally.
func (s *Server) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelBasic, true)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid backup id")
		return
	}

	b, err := store.BackupByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "backup")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Int64("backupId", b.ID).Msg("backup restored")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          b.ID,
		"backup_name": b.BackupName,
		"backup_data": b.BackupData,
		"created_at":  b.CreatedAt,
	})
}

// DeleteBackup handles DELETE /api/backup/{id}
func (s *Server) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelBasic, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid backup id")
		return
	}

	if err := store.DeleteBackup(ctx, s.DB, u.ID, id); err != nil {
		serviceError(w, r, err, "backup")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MyBackupStats handles GET /api/backup/stats/my
func (s *Server) MyBackupStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelBasic, false)
	if !ok {
		return
	}

	st, err := store.UserBackupStats(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_backups": st.Total,
		"total_size":    st.TotalSize,
		"oldest_backup": st.Oldest,
		"newest_backup": st.Newest,
	})
}

// AdminBackupOverview handles GET /api/backup/admin/overview
func (s *Server) AdminBackupOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := s.gateAdmin(w, r); !ok {
		return
	}

	total, totalSize, users, err := store.GlobalBackupStats(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	top, err := store.TopBackupUsers(ctx, s.DB, 10)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	topUsers := make([]map[string]any, 0, len(top))
	for _, t := range top {
		tu, err := store.UserByID(ctx, s.DB, t.UserID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		topUsers = append(topUsers, map[string]any{
			"unique_id":    tu.UniqueID,
			"username":     tu.Username,
			"backup_count": t.Count,
			"total_size":   t.TotalSize,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_backups":      total,
		"total_size_bytes":   totalSize,
		"users_with_backups": users,
		"top_users":          topUsers,
	})
}

// AdminUserBackups handles GET /api/backup/admin/user/{unique_id}
func (s *Server) AdminUserBackups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := s.gateAdmin(w, r); !ok {
		return
	}

	target, err := store.UserByUniqueID(ctx, s.DB, chi.URLParam(r, "unique_id"))
	if err != nil {
		serviceError(w, r, err, "user")
		return
	}

	backups, err := store.ListBackupsForUser(ctx, s.DB, target.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

// AdminDeleteBackup handles DELETE /api/backup/admin/backup/{id}
func (s *Server) AdminDeleteBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	admin, ok := s.gateAdmin(w, r)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid backup id")
		return
	}

	if err := store.DeleteBackupByID(ctx, s.DB, id); err != nil {
		serviceError(w, r, err, "backup")
		return
	}

	log.Ctx(ctx).Info().Int64("adminId", admin.ID).Int64("backupId", id).Msg("backup deleted by admin")
	w.WriteHeader(http.StatusNoContent)
}
