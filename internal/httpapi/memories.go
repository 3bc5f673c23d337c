package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/sync-api/internal/store"
	"github.com/nebulachat/sync-api/internal/syncx"
)

var validMemoryTypes = []string{"conversation", "fact", "preference", "custom"}

type memoryCreateReq struct {
	MemoryType      string          `json:"memory_type"`
	MemoryKey       string          `json:"memory_key"`
	MemoryContent   string          `json:"memory_content"`
	ContactID       *string         `json:"contact_id"`
	EmbeddingVector []float64       `json:"embedding_vector"`
	Metadata        json.RawMessage `json:"metadata"`
	ImportanceScore int             `json:"importance_score"`
}

type memoryUpdateReq struct {
	MemoryContent   *string         `json:"memory_content"`
	EmbeddingVector *[]float64      `json:"embedding_vector"`
	Metadata        json.RawMessage `json:"metadata"`
	ImportanceScore *int            `json:"importance_score"`
}

type memorySearchReq struct {
	Query          string    `json:"query"`
	SearchType     string    `json:"search_type"`
	MemoryType     *string   `json:"memory_type"`
	ContactID      *string   `json:"contact_id"`
	MinImportance  *int      `json:"min_importance"`
	Limit          int       `json:"limit"`
	QueryEmbedding []float64 `json:"query_embedding"`
}

// memoryOut is the wire form of a memory: metadata comes back as the
// stored JSON object, the embedding vector stays server-side.
type memoryOut struct {
	store.Memory
	Metadata json.RawMessage `json:"metadata"`
}

func newMemoryOut(m store.Memory) memoryOut {
	meta := json.RawMessage("{}")
	if m.Metadata != nil {
		meta = syncx.RawObject(*m.Metadata)
	}
	return memoryOut{Memory: m, Metadata: meta}
}

func newMemoryOuts(memories []store.Memory) []memoryOut {
	out := make([]memoryOut, 0, len(memories))
	for _, m := range memories {
		out = append(out, newMemoryOut(m))
	}
	return out
}

// cosineSimilarity scores two vectors; mismatched lengths and zero
// magnitudes score 0 rather than erroring.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func marshalVector(vec []float64) (*string, error) {
	if vec == nil {
		return nil, nil
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

// CreateMemory handles POST /api/memory/create
func (s *Server) CreateMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelProfessional, true)
	if !ok {
		return
	}

	var req memoryCreateReq
	if !decodeBody(w, r, &req) {
		return
	}
	valid := false
	for _, t := range validMemoryTypes {
		if req.MemoryType == t {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, r, http.StatusBadRequest,
			"invalid memory type, supported: "+strings.Join(validMemoryTypes, ", "))
		return
	}
	if req.MemoryKey == "" || req.MemoryContent == "" {
		writeError(w, r, http.StatusBadRequest, "memory_key and memory_content are required")
		return
	}
	if req.ImportanceScore == 0 {
		req.ImportanceScore = 5
	}
	if req.ImportanceScore < 1 || req.ImportanceScore > 10 {
		writeError(w, r, http.StatusBadRequest, "importance_score must be between 1 and 10")
		return
	}

	embedding, err := marshalVector(req.EmbeddingVector)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	var metadata *string
	if len(req.Metadata) > 0 {
		meta := string(req.Metadata)
		metadata = &meta
	}

	now := syncx.NowMs()
	m := &store.Memory{
		UserID:          u.ID,
		ContactID:       req.ContactID,
		MemoryType:      req.MemoryType,
		MemoryKey:       req.MemoryKey,
		MemoryContent:   req.MemoryContent,
		EmbeddingVector: embedding,
		Metadata:        metadata,
		ImportanceScore: req.ImportanceScore,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.InsertMemory(ctx, s.DB, m); err != nil {
		serviceError(w, r, err, "")
		return
	}

	log.Ctx(ctx).Info().Int64("userId", u.ID).Int64("memoryId", m.ID).
		Str("type", m.MemoryType).Msg("memory created")
	writeJSON(w, http.StatusCreated, newMemoryOut(*m))
}

func memoryFilterFromQuery(r *http.Request) store.MemoryFilter {
	q := r.URL.Query()
	var f store.MemoryFilter
	if v := q.Get("memory_type"); v != "" {
		f.MemoryType = &v
	}
	if v := q.Get("contact_id"); v != "" {
		f.ContactID = &v
	}
	if n := parseLimit(q.Get("min_importance"), 0, 10); n > 0 {
		f.MinImportance = &n
	}
	return f
}

// ListMemories handles GET /api/memory/list
func (s *Server) ListMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelProfessional, false)
	if !ok {
		return
	}

	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)

	memories, err := store.ListMemories(ctx, s.DB, u.ID, memoryFilterFromQuery(r), skip, limit)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, newMemoryOuts(memories))
}

// GetMemory handles GET /api/memory/{id} and counts the access.
func (s *Server) GetMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelProfessional, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid memory id")
		return
	}

	m, err := store.MemoryByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "memory")
		return
	}

	now := syncx.NowMs()
	if err := store.TouchMemoryAccess(ctx, s.DB, m.ID, now); err != nil {
		serviceError(w, r, err, "")
		return
	}
	m.AccessCount++
	m.LastAccessedAt = &now

	writeJSON(w, http.StatusOK, newMemoryOut(*m))
}

// UpdateMemory handles PUT /api/memory/{id}. Absent fields keep their
// stored values.
func (s *Server) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelProfessional, true)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid memory id")
		return
	}

	var req memoryUpdateReq
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := store.MemoryByID(ctx, s.DB, u.ID, id)
	if err != nil {
		serviceError(w, r, err, "memory")
		return
	}

	if req.MemoryContent != nil {
		m.MemoryContent = *req.MemoryContent
	}
	if req.EmbeddingVector != nil {
		embedding, err := marshalVector(*req.EmbeddingVector)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		m.EmbeddingVector = embedding
	}
	if len(req.Metadata) > 0 {
		meta := string(req.Metadata)
		m.Metadata = &meta
	}
	if req.ImportanceScore != nil {
		if *req.ImportanceScore < 1 || *req.ImportanceScore > 10 {
			writeError(w, r, http.StatusBadRequest, "importance_score must be between 1 and 10")
			return
		}
		m.ImportanceScore = *req.ImportanceScore
	}
	m.UpdatedAt = syncx.NowMs()

	if err := store.UpdateMemory(ctx, s.DB, m); err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, newMemoryOut(*m))
}

// DeleteMemory handles DELETE /api/memory/{id}
func (s *Server) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelProfessional, false)
	if !ok {
		return
	}
	id, ok := parseID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid memory id")
		return
	}

	if err := store.DeleteMemory(ctx, s.DB, u.ID, id); err != nil {
		serviceError(w, r, err, "memory")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchMemories handles POST /api/memory/search. Keyword search runs in
// the store; semantic search scores stored vectors in process, which is
// fine at personal-collection sizes.
func (s *Server) SearchMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelProfessional, false)
	if !ok {
		return
	}

	var req memorySearchReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, "query is required")
		return
	}
	if req.SearchType == "" {
		req.SearchType = "keyword"
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Limit > 100 {
		req.Limit = 100
	}

	f := store.MemoryFilter{
		MemoryType:    req.MemoryType,
		ContactID:     req.ContactID,
		MinImportance: req.MinImportance,
	}

	start := time.Now()
	var memories []store.Memory

	switch req.SearchType {
	case "keyword":
		pattern := "%" + req.Query + "%"
		found, err := store.SearchMemoriesKeyword(ctx, s.DB, u.ID, f, pattern, req.Limit)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		memories = found

	case "semantic":
		if len(req.QueryEmbedding) == 0 {
			writeError(w, r, http.StatusBadRequest, "semantic search requires query_embedding")
			return
		}
		candidates, err := store.MemoriesWithEmbedding(ctx, s.DB, u.ID, f)
		if err != nil {
			serviceError(w, r, err, "")
			return
		}
		type scored struct {
			memory store.Memory
			score  float64
		}
		ranked := make([]scored, 0, len(candidates))
		for _, m := range candidates {
			if m.EmbeddingVector == nil {
				continue
			}
			var vec []float64
			if err := json.Unmarshal([]byte(*m.EmbeddingVector), &vec); err != nil {
				continue
			}
			ranked = append(ranked, scored{memory: m, score: cosineSimilarity(req.QueryEmbedding, vec)})
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		for i := 0; i < len(ranked) && i < req.Limit; i++ {
			memories = append(memories, ranked[i].memory)
		}

	default:
		writeError(w, r, http.StatusBadRequest, "invalid search type, supported: keyword, semantic")
		return
	}

	elapsed := time.Since(start).Milliseconds()

	// History write is best effort; the search result stands either way.
	rec := &store.SearchRecord{
		UserID:       u.ID,
		SearchQuery:  req.Query,
		SearchType:   req.SearchType,
		ResultsCount: len(memories),
		SearchTimeMs: elapsed,
		CreatedAt:    syncx.NowMs(),
	}
	if err := store.InsertSearchRecord(ctx, s.DB, rec); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("failed to record memory search")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"memories":       newMemoryOuts(memories),
		"total_results":  len(memories),
		"search_time_ms": elapsed,
	})
}

// MyMemoryStats handles GET /api/memory/stats/my
func (s *Server) MyMemoryStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, ok := s.gate(w, r, levelProfessional, false)
	if !ok {
		return
	}

	total, err := store.CountMemories(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	byType, err := store.MemoryTypeCounts(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	byContact, err := store.MemoryContactCounts(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	size, err := store.MemoryContentSize(ctx, s.DB, u.ID)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	mostAccessed, err := store.MostAccessedMemories(ctx, s.DB, u.ID, 5)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_memories":     total,
		"by_type":            byType,
		"by_contact":         byContact,
		"total_storage_size": size,
		"most_accessed":      newMemoryOuts(mostAccessed),
	})
}

// AdminMemoryOverview handles GET /api/memory/admin/overview
func (s *Server) AdminMemoryOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := s.gateAdmin(w, r); !ok {
		return
	}

	total, users, size, byType, err := store.GlobalMemoryStats(ctx, s.DB)
	if err != nil {
		serviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_memories":      total,
		"users_with_memories": users,
		"total_storage_bytes": size,
		"by_type":             byType,
	})
}
