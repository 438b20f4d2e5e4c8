package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/cli"
	"github.com/hyperjump/lexsub/internal/corpus"
	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/models"
	"github.com/hyperjump/lexsub/internal/ranking"
	"github.com/hyperjump/lexsub/internal/storage"
	"github.com/hyperjump/lexsub/internal/vocab"
)

const (
	defaultRunsLimit  = 20
	defaultVocabLimit = 10
)

// substituteRequest carries one instance, either as a corpus line or as JSON.
// K and MinScore trim the served list; they do not change ranking.
type substituteRequest struct {
	Line     string           `json:"line,omitempty"`
	Instance *models.Instance `json:"instance,omitempty"`
	K        int              `json:"k,omitempty"`
	MinScore *float32         `json:"min_score,omitempty"`
}

type substituteResponse struct {
	Result   models.RankedList `json:"result"`
	Sentence string            `json:"sentence"`
	Cached   bool              `json:"cached"`
}

// trim applies the request's K and MinScore to a copy of list.
func (req *substituteRequest) trim(list models.RankedList) models.RankedList {
	if req.MinScore != nil {
		list.Candidates = ranking.FilterByMinScore(list.Candidates, *req.MinScore)
	}
	if req.K > 0 {
		list.Candidates = ranking.TopN(list.Candidates, req.K)
	}
	return list
}

func (s *Server) handleSubstitutes(w http.ResponseWriter, r *http.Request) {
	var req substituteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.K < 0 {
		s.respondError(w, http.StatusBadRequest, "k must be non-negative")
		return
	}
	inst, err := requestInstance(&req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	sentence := corpus.Sentence(inst)

	st := s.acquire()
	defer st.release()
	cacheKey := substituteCacheKey(st.gen, inst)
	if cached, ok := s.cache.Get(cacheKey); ok {
		s.respondJSON(w, http.StatusOK, substituteResponse{
			Result:   req.trim(cached.(models.RankedList)),
			Sentence: sentence,
			Cached:   true,
		})
		return
	}

	s.logger.Debug("substitute request", zap.String("key", inst.Key().String()))
	list, err := st.driver.Process(r.Context(), inst)
	switch {
	case errors.Is(err, models.ErrNoContextOverlap):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("substitution failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list.Candidates == nil {
		list.Candidates = []models.Candidate{}
	}
	s.cache.SetDefault(cacheKey, list)
	s.respondJSON(w, http.StatusOK, substituteResponse{Result: req.trim(list), Sentence: sentence})
}

// substituteCacheKey keys a cached list by serving generation and instance.
func substituteCacheKey(gen uint64, inst *models.Instance) string {
	data, _ := json.Marshal(inst)
	return fmt.Sprintf("subst:%d:%s", gen, data)
}

// requestInstance builds a validated, folded instance from a request.
func requestInstance(req *substituteRequest) (*models.Instance, error) {
	if req.Line != "" {
		instances, stats, err := corpus.Parse(strings.NewReader(req.Line), corpus.WithSource("request"))
		if err != nil {
			return nil, err
		}
		if len(stats.Malformed) > 0 {
			return nil, stats.Malformed[0]
		}
		if len(instances) != 1 {
			return nil, errors.New("line must hold exactly one instance")
		}
		return &instances[0], nil
	}
	if req.Instance == nil {
		return nil, errors.New("line or instance is required")
	}
	inst := *req.Instance
	inst.TargetWord = models.FoldWord(inst.TargetWord)
	inst.Context = make([]models.ContextToken, len(req.Instance.Context))
	for i, tok := range req.Instance.Context {
		inst.Context[i] = models.ContextToken{Word: models.FoldWord(tok.Word), Category: tok.Category}
	}
	if inst.InstanceID == "" {
		inst.InstanceID = "1"
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return &inst, nil
}

type vocabularyResponse struct {
	Query   string        `json:"query"`
	Matches []vocab.Match `json:"matches"`
}

func (s *Server) handleVocabulary(w http.ResponseWriter, r *http.Request) {
	st := s.acquire()
	defer st.release()
	idx := st.vocab
	if idx == nil {
		s.respondError(w, http.StatusNotImplemented, "vocabulary index not enabled")
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := intParam(q.Get("limit"), defaultVocabLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	opts := &vocab.SearchOptions{Category: models.Category(q.Get("category"))}
	if v := q.Get("fuzzy"); v != "" {
		if opts.Fuzzy, err = strconv.ParseBool(v); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid fuzzy")
			return
		}
	}
	if v := q.Get("fuzziness"); v != "" {
		if opts.Fuzziness, err = strconv.Atoi(v); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid fuzziness")
			return
		}
	}
	matches, err := idx.Search(r.Context(), query, limit, opts)
	if err != nil {
		s.logger.Error("vocabulary search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if matches == nil {
		matches = []vocab.Match{}
	}
	s.respondJSON(w, http.StatusOK, vocabularyResponse{Query: query, Matches: matches})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.respondError(w, http.StatusNotImplemented, "run storage not enabled")
		return
	}
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := intParam(q.Get("limit"), defaultRunsLimit)
	if err != nil || limit < 1 {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	runs, err := s.storage.ListRuns(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.storage.CountRuns(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*models.RunInfo{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "total": total})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.respondError(w, http.StatusNotImplemented, "run storage not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	info, err := s.storage.GetRun(r.Context(), id)
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	report, err := s.storage.LoadReport(r.Context(), id)
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"run": info, "report": cli.ToJSON(report)})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.respondError(w, http.StatusNotImplemented, "run storage not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete run request", zap.String("id", id))
	if err := s.storage.DeleteRun(r.Context(), id); err != nil {
		s.respondStorageError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.acquire()
	defer st.release()
	driver, table, idx := st.driver, st.table, st.vocab
	resp := map[string]interface{}{
		"table": map[string]interface{}{
			"words":      table.Len(),
			"dimensions": table.Dim(),
			"normalized": table.Normalized(),
			"categories": categoriesOrEmpty(table.Categories()),
		},
		"top_k":          driver.TopK(),
		"cached_results": s.cache.ItemCount(),
		"vocabulary":     idx != nil,
	}
	if s.storage != nil {
		runs, err := s.storage.CountRuns(r.Context())
		if err != nil {
			s.logger.Error("status: count runs failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["runs"] = runs
	}

	cfg := s.config
	configInfo := map[string]interface{}{
		"source":         cfg.Pipeline.Source,
		"tie_break":      cfg.Pipeline.TieBreak,
		"include_target": cfg.Pipeline.IncludeTargetOrDefault(),
		"full_window":    cfg.Pipeline.FullWindowOrDefault(),
		"workers":        cfg.Pipeline.Workers,
		"corpus_path":    cfg.Data.CorpusPath,
		"database_path":  cfg.Storage.DatabasePath,
	}
	paths := []storage.PathUsage{
		{Label: "database", Path: cfg.Storage.DatabasePath},
		{Label: "snapshot", Path: cfg.Storage.SnapshotPath},
		{Label: "embeddings", Path: cfg.Data.EmbeddingsPath},
		{Label: "corpus", Path: cfg.Data.CorpusPath},
	}
	if diskBytes, err := storage.MeasurePaths(paths); err == nil {
		resp["disk_usage_bytes"] = diskBytes
		resp["disk_usage"] = paths
	}
	resp["config"] = configInfo
	s.respondJSON(w, http.StatusOK, resp)
}

func categoriesOrEmpty(c []embedding.CategoryCount) []embedding.CategoryCount {
	if c == nil {
		return []embedding.CategoryCount{}
	}
	return c
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) respondStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrRunNotFound) {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("storage request failed", zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
