// Package chi exposes the retrieval engine over HTTP. Handlers are thin
// glue: decode the request, call the service, encode the result. All
// scoring and pagination decisions live in the service layer.
package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	chirouter "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/llm"
	"github.com/harborml/chunkdex/internal/search"
	"github.com/harborml/chunkdex/internal/tags"
)

// Models bundles the optional model collaborators. Any of them may be nil;
// the corresponding behavior degrades (no query embedding, no external
// rerank, no TOC routing).
type Models struct {
	Embedder llm.EmbeddingModel
	Reranker llm.RerankModel
	Chat     llm.ChatModel
}

// Defaults carries the configured fallbacks applied when a request leaves
// a knob unset.
type Defaults struct {
	PageSize            int
	SimilarityThreshold float64
	VectorWeight        float64
	Top                 int
	TagTopN             int
	TagSmoothing        int
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server hosts the HTTP API over the dealer and tag service.
type Server struct {
	dealer        *search.Dealer
	tags          *tags.Service
	store         docstore.Connection
	models        Models
	defaults      Defaults
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	dealer *search.Dealer,
	tagSvc *tags.Service,
	store docstore.Connection,
	models Models,
	defaults Defaults,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dealer:   dealer,
		tags:     tagSvc,
		store:    store,
		models:   models,
		defaults: defaults,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidQuery, http.StatusBadRequest, "invalid_query"),
		sentinelHandler(domain.ErrInvalidFilter, http.StatusBadRequest, "invalid_filter"),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, "not_found"),
		sentinelHandler(domain.ErrUnknownEmbeddingDim, http.StatusUnprocessableEntity, "unknown_embedding_dim"),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, "embedding_provider_error"),
		sentinelHandler(domain.ErrChatProviderError, http.StatusBadGateway, "chat_provider_error"),
	}
	return s
}

// Routes mounts the API onto a router.
func (s *Server) Routes(r chirouter.Router) {
	r.Post("/api/v1/retrieval", s.Retrieval)
	r.Post("/api/v1/retrieval/toc", s.RetrievalByTOC)
	r.Post("/api/v1/tags/query", s.TagQuery)
	r.Get("/api/v1/chunks", s.ListChunks)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

type retrievalRequest struct {
	Question  string   `json:"question"`
	TenantIDs []string `json:"tenant_ids"`
	KBIDs     []string `json:"kb_ids"`
	DocIDs    []string `json:"doc_ids"`

	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Top      int `json:"top_k"`

	SimilarityThreshold *float64 `json:"similarity_threshold"`
	VectorWeight        *float64 `json:"vector_weight"`

	Highlight   bool               `json:"highlight"`
	Rerank      bool               `json:"rerank"`
	RankFeature map[string]float64 `json:"rank_feature"`
}

type retrievalResponse struct {
	Total   int             `json:"total"`
	Chunks  []chunk.Record  `json:"chunks"`
	DocAggs []search.DocAgg `json:"doc_aggs"`
	Usage   map[string]int  `json:"usage,omitempty"`
}

// Retrieval handles POST /api/v1/retrieval.
func (s *Server) Retrieval(w http.ResponseWriter, r *http.Request) {
	var req retrievalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if len(req.TenantIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_query", "tenant_ids is required")
		return
	}

	sreq := &search.RetrievalRequest{
		Question:            req.Question,
		TenantIDs:           req.TenantIDs,
		KBIDs:               req.KBIDs,
		DocIDs:              req.DocIDs,
		Page:                req.Page,
		PageSize:            valueOr(req.PageSize, s.defaults.PageSize),
		Top:                 valueOr(req.Top, s.defaults.Top),
		SimilarityThreshold: derefOr(req.SimilarityThreshold, s.defaults.SimilarityThreshold),
		VectorWeight:        derefOr(req.VectorWeight, s.defaults.VectorWeight),
		Embedder:            s.models.Embedder,
		Highlight:           req.Highlight,
		RankFeature:         req.RankFeature,
	}
	if req.Rerank {
		if s.models.Reranker == nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "no rerank model is configured")
			return
		}
		sreq.RerankModel = s.models.Reranker
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	res, err := s.dealer.Retrieval(ctx, sreq)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	setUsageHeaders(w, usage)
	writeJSON(w, http.StatusOK, retrievalResponse{
		Total:   res.Total,
		Chunks:  res.Chunks,
		DocAggs: res.DocAggs,
		Usage:   usageMap(usage),
	})
}

type tocRetrievalRequest struct {
	Question  string            `json:"question"`
	TenantIDs []string          `json:"tenant_ids"`
	KBIDs     []string          `json:"kb_ids"`
	TOC       []search.TOCEntry `json:"toc"`
	TopN      int               `json:"topn"`
}

// RetrievalByTOC handles POST /api/v1/retrieval/toc.
func (s *Server) RetrievalByTOC(w http.ResponseWriter, r *http.Request) {
	var req tocRetrievalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if s.models.Chat == nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "no chat model is configured")
		return
	}
	if len(req.TenantIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_query", "tenant_ids is required")
		return
	}

	indexes := make([]string, 0, len(req.TenantIDs))
	for _, t := range req.TenantIDs {
		indexes = append(indexes, chunk.IndexName(t))
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	records, err := s.dealer.RetrievalByTOC(ctx, req.Question, req.TOC, s.models.Chat, indexes, req.KBIDs, req.TopN)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if records == nil {
		records = []chunk.Record{}
	}

	setUsageHeaders(w, usage)
	writeJSON(w, http.StatusOK, retrievalResponse{
		Total:  len(records),
		Chunks: records,
		Usage:  usageMap(usage),
	})
}

type tagQueryRequest struct {
	Question  string   `json:"question"`
	TenantID  string   `json:"tenant_id"`
	KBIDs     []string `json:"kb_ids"`
	TopN      int      `json:"topn"`
	Smoothing int      `json:"smoothing"`
}

// TagQuery handles POST /api/v1/tags/query.
func (s *Server) TagQuery(w http.ResponseWriter, r *http.Request) {
	var req tagQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_query", "tenant_id is required")
		return
	}

	smoothing := float64(valueOr(req.Smoothing, s.defaults.TagSmoothing))
	topN := valueOr(req.TopN, s.defaults.TagTopN)

	allTags, err := s.tags.AllTagsInPortion(r.Context(), req.TenantID, req.KBIDs, smoothing)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	scores, err := s.tags.TagQuery(r.Context(), req.Question, req.TenantID, req.KBIDs, allTags, topN, smoothing)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tags": scores})
}

// ListChunks handles GET /api/v1/chunks.
func (s *Server) ListChunks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_query", "tenant_id is required")
		return
	}
	docID := q.Get("doc_id")

	var kbIDs []string
	if v := q.Get("kb_ids"); v != "" {
		kbIDs = strings.Split(v, ",")
	}

	maxCount := 0
	if v := q.Get("max_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "max_count must be a non-negative integer")
			return
		}
		maxCount = n
	}

	var fields []string
	if v := q.Get("fields"); v != "" {
		fields = strings.Split(v, ",")
	}

	rows, err := s.dealer.ChunkList(r.Context(), docID, tenantID, kbIDs, maxCount, fields)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":  len(rows),
		"chunks": rows,
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	if err := s.store.Health(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		checks["store"] = err.Error()
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func setUsageHeaders(w http.ResponseWriter, usage *domain.Usage) {
	if usage == nil {
		return
	}
	if usage.EmbeddingTokens > 0 {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(usage.EmbeddingTokens))
	}
	if usage.RerankTokens > 0 {
		w.Header().Set("X-Rerank-Tokens", strconv.Itoa(usage.RerankTokens))
	}
	if usage.ChatTokens > 0 {
		w.Header().Set("X-Chat-Tokens", strconv.Itoa(usage.ChatTokens))
	}
}

func usageMap(usage *domain.Usage) map[string]int {
	if usage == nil || usage.Total() == 0 {
		return nil
	}
	out := map[string]int{}
	if usage.EmbeddingTokens > 0 {
		out["embedding_tokens"] = usage.EmbeddingTokens
	}
	if usage.RerankTokens > 0 {
		out["rerank_tokens"] = usage.RerankTokens
	}
	if usage.ChatTokens > 0 {
		out["chat_tokens"] = usage.ChatTokens
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client without
// exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrInvalidQuery,
		domain.ErrInvalidFilter,
		domain.ErrNotFound,
		domain.ErrUnknownEmbeddingDim,
		domain.ErrEmbeddingProviderError,
		domain.ErrChatProviderError,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func valueOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func derefOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
