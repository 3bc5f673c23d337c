package store

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Memory is one entry of the cloud memory store. EmbeddingVector holds an
// optional JSON float array used for semantic search; Metadata is free
// JSON attached by the client.
type Memory struct {
	ID              int64   `db:"id" json:"id"`
	UserID          int64   `db:"user_id" json:"user_id"`
	ContactID       *string `db:"contact_id" json:"contact_id"`
	MemoryType      string  `db:"memory_type" json:"memory_type"`
	MemoryKey       string  `db:"memory_key" json:"memory_key"`
	MemoryContent   string  `db:"memory_content" json:"memory_content"`
	EmbeddingVector *string `db:"embedding_vector" json:"-"`
	Metadata        *string `db:"metadata" json:"-"`
	ImportanceScore int     `db:"importance_score" json:"importance_score"`
	AccessCount     int64   `db:"access_count" json:"access_count"`
	LastAccessedAt  *int64  `db:"last_accessed_at" json:"last_accessed_at"`
	CreatedAt       int64   `db:"created_at" json:"created_at"`
	UpdatedAt       int64   `db:"updated_at" json:"updated_at"`
}

// MemoryFilter narrows memory listings and searches.
type MemoryFilter struct {
	MemoryType    *string
	ContactID     *string
	MinImportance *int
}

// SearchRecord is one row of the memory search history.
type SearchRecord struct {
	ID           int64  `db:"id" json:"id"`
	UserID       int64  `db:"user_id" json:"user_id"`
	SearchQuery  string `db:"search_query" json:"search_query"`
	SearchType   string `db:"search_type" json:"search_type"`
	ResultsCount int    `db:"results_count" json:"results_count"`
	SearchTimeMs int64  `db:"search_time_ms" json:"search_time_ms"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
}

const memoryCols = `id, user_id, contact_id, memory_type, memory_key, memory_content,
	embedding_vector, metadata, importance_score, access_count, last_accessed_at,
	created_at, updated_at`

func memoryFilterSQL(f MemoryFilter) (string, []any) {
	var where []string
	var args []any
	if f.MemoryType != nil {
		where = append(where, `memory_type = ?`)
		args = append(args, *f.MemoryType)
	}
	if f.ContactID != nil {
		where = append(where, `contact_id = ?`)
		args = append(args, *f.ContactID)
	}
	if f.MinImportance != nil {
		where = append(where, `importance_score >= ?`)
		args = append(args, *f.MinImportance)
	}
	if len(where) == 0 {
		return ``, nil
	}
	return ` AND ` + strings.Join(where, ` AND `), args
}

// InsertMemory writes a new memory and fills in its generated id.
func InsertMemory(ctx context.Context, q sqlx.ExtContext, m *Memory) error {
	return sqlx.GetContext(ctx, q, &m.ID, q.Rebind(`
		INSERT INTO memory_store (user_id, contact_id, memory_type, memory_key, memory_content,
			embedding_vector, metadata, importance_score, access_count, last_accessed_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		m.UserID, m.ContactID, m.MemoryType, m.MemoryKey, m.MemoryContent,
		m.EmbeddingVector, m.Metadata, m.ImportanceScore, m.AccessCount, m.LastAccessedAt,
		m.CreatedAt, m.UpdatedAt)
}

// MemoryByID fetches a memory the user owns.
func MemoryByID(ctx context.Context, q sqlx.ExtContext, userID, id int64) (*Memory, error) {
	var m Memory
	err := sqlx.GetContext(ctx, q, &m, q.Rebind(`
		SELECT `+memoryCols+` FROM memory_store WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListMemories returns the user's memories ordered by importance then
// recency, with optional filters.
func ListMemories(ctx context.Context, q sqlx.ExtContext, userID int64, f MemoryFilter, offset, limit int) ([]Memory, error) {
	filter, filterArgs := memoryFilterSQL(f)
	args := append([]any{userID}, filterArgs...)
	args = append(args, limit, offset)
	memories := []Memory{}
	err := sqlx.SelectContext(ctx, q, &memories, q.Rebind(`
		SELECT `+memoryCols+` FROM memory_store
		WHERE user_id = ?`+filter+`
		ORDER BY importance_score DESC, updated_at DESC
		LIMIT ? OFFSET ?`), args...)
	return memories, err
}

// UpdateMemory writes back every mutable column.
func UpdateMemory(ctx context.Context, q sqlx.ExtContext, m *Memory) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE memory_store SET
			contact_id = ?, memory_type = ?, memory_key = ?, memory_content = ?,
			embedding_vector = ?, metadata = ?, importance_score = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		m.ContactID, m.MemoryType, m.MemoryKey, m.MemoryContent,
		m.EmbeddingVector, m.Metadata, m.ImportanceScore, m.UpdatedAt,
		m.ID, m.UserID)
	return err
}

// TouchMemoryAccess bumps the access counter after a read.
func TouchMemoryAccess(ctx context.Context, q sqlx.ExtContext, id int64, now int64) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE memory_store SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?`), now, id)
	return err
}

// DeleteMemory removes one of the user's memories.
func DeleteMemory(ctx context.Context, q sqlx.ExtContext, userID, id int64) error {
	res, err := q.ExecContext(ctx, q.Rebind(`
		DELETE FROM memory_store WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchMemoriesKeyword matches the pattern against memory keys and
// content, most important and most used first.
func SearchMemoriesKeyword(ctx context.Context, q sqlx.ExtContext, userID int64, f MemoryFilter, pattern string, limit int) ([]Memory, error) {
	filter, filterArgs := memoryFilterSQL(f)
	args := append([]any{userID, pattern, pattern}, filterArgs...)
	args = append(args, limit)
	memories := []Memory{}
	err := sqlx.SelectContext(ctx, q, &memories, q.Rebind(`
		SELECT `+memoryCols+` FROM memory_store
		WHERE user_id = ? AND (memory_key LIKE ? OR memory_content LIKE ?)`+filter+`
		ORDER BY importance_score DESC, access_count DESC
		LIMIT ?`), args...)
	return memories, err
}

// MemoriesWithEmbedding returns the user's memories that carry an
// embedding vector, for in-process semantic scoring.
func MemoriesWithEmbedding(ctx context.Context, q sqlx.ExtContext, userID int64, f MemoryFilter) ([]Memory, error) {
	filter, filterArgs := memoryFilterSQL(f)
	args := append([]any{userID}, filterArgs...)
	memories := []Memory{}
	err := sqlx.SelectContext(ctx, q, &memories, q.Rebind(`
		SELECT `+memoryCols+` FROM memory_store
		WHERE user_id = ? AND embedding_vector IS NOT NULL`+filter), args...)
	return memories, err
}

// InsertSearchRecord appends one memory search to the history.
func InsertSearchRecord(ctx context.Context, q sqlx.ExtContext, r *SearchRecord) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO memory_search_history (user_id, search_query, search_type, results_count, search_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		r.UserID, r.SearchQuery, r.SearchType, r.ResultsCount, r.SearchTimeMs, r.CreatedAt)
	return err
}

// CountMemories returns the user's memory count.
func CountMemories(ctx context.Context, q sqlx.ExtContext, userID int64) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`
		SELECT COUNT(*) FROM memory_store WHERE user_id = ?`), userID)
	return n, err
}

// MemoryTypeCounts groups the user's memories by type.
func MemoryTypeCounts(ctx context.Context, q sqlx.ExtContext, userID int64) (map[string]int64, error) {
	return memoryGroupCounts(ctx, q, userID, `memory_type`)
}

// MemoryContactCounts groups the user's memories by contact, skipping
// entries not tied to a contact.
func MemoryContactCounts(ctx context.Context, q sqlx.ExtContext, userID int64) (map[string]int64, error) {
	return memoryGroupCounts(ctx, q, userID, `contact_id`)
}

func memoryGroupCounts(ctx context.Context, q sqlx.ExtContext, userID int64, col string) (map[string]int64, error) {
	rows, err := q.QueryxContext(ctx, q.Rebind(`
		SELECT `+col+`, COUNT(*) FROM memory_store
		WHERE user_id = ? AND `+col+` IS NOT NULL
		GROUP BY `+col), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// MemoryContentSize sums the stored content length in bytes for a user.
func MemoryContentSize(ctx context.Context, q sqlx.ExtContext, userID int64) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`
		SELECT COALESCE(SUM(LENGTH(memory_content)), 0) FROM memory_store WHERE user_id = ?`), userID)
	return n, err
}

// MostAccessedMemories returns the user's most read memories.
func MostAccessedMemories(ctx context.Context, q sqlx.ExtContext, userID int64, limit int) ([]Memory, error) {
	memories := []Memory{}
	err := sqlx.SelectContext(ctx, q, &memories, q.Rebind(`
		SELECT `+memoryCols+` FROM memory_store
		WHERE user_id = ?
		ORDER BY access_count DESC, id
		LIMIT ?`), userID, limit)
	return memories, err
}

// GlobalMemoryStats aggregates the memory store across all users.
func GlobalMemoryStats(ctx context.Context, q sqlx.ExtContext) (total, users, size int64, byType map[string]int64, err error) {
	var s struct {
		Total int64 `db:"total"`
		Users int64 `db:"users"`
		Size  int64 `db:"size"`
	}
	err = sqlx.GetContext(ctx, q, &s, `
		SELECT COUNT(*) AS total,
		       COUNT(DISTINCT user_id) AS users,
		       COALESCE(SUM(LENGTH(memory_content)), 0) AS size
		FROM memory_store`)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	rows, err := q.QueryxContext(ctx, `SELECT memory_type, COUNT(*) FROM memory_store GROUP BY memory_type`)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	defer rows.Close()
	byType = make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return 0, 0, 0, nil, err
		}
		byType[t] = n
	}
	return s.Total, s.Users, s.Size, byType, rows.Err()
}
