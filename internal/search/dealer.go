// Package search orchestrates hybrid retrieval: query construction, the
// document-store call, reranking, similarity thresholding, pagination and
// per-document aggregation.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
	"github.com/harborml/chunkdex/internal/domain/search/mode"
	"github.com/harborml/chunkdex/internal/domain/search/query"
	"github.com/harborml/chunkdex/internal/domain/search/result"
	"github.com/harborml/chunkdex/internal/llm"
	"github.com/harborml/chunkdex/internal/metrics"
	"github.com/harborml/chunkdex/internal/nlp/termweight"
	"github.com/harborml/chunkdex/internal/rank"
)

// Retrieval defaults.
const (
	DefaultPageSize            = 10
	DefaultSimilarityThreshold = 0.2
	DefaultVectorWeight        = 0.3
	DefaultTop                 = 1024

	// rerankWindow is the base over-fetch size: the engine always retrieves
	// more candidates than one page so reranking can reorder across page
	// boundaries.
	rerankWindow = 64

	// queryKeywordLimit caps how many extracted keywords feed the match leg.
	queryKeywordLimit = 30

	listPageSize = 128
)

// DefaultRankFeature is the ranking bonus applied when callers pass none.
var DefaultRankFeature = map[string]float64{chunk.FieldPageRank: 10}

// Dealer is the hybrid retrieval orchestrator.
type Dealer struct {
	store  docstore.Connection
	ranker *rank.Service
	tw     *termweight.Dealer
	logger *zap.Logger
}

// NewDealer creates a search dealer over a document store.
func NewDealer(store docstore.Connection, ranker *rank.Service, tw *termweight.Dealer, logger *zap.Logger) *Dealer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dealer{store: store, ranker: ranker, tw: tw, logger: logger}
}

// Request is one raw search call: question-driven hybrid retrieval when a
// question is present, a filtered listing scan otherwise.
type Request struct {
	Question string
	DocIDs   []string
	Filters  filter.Filters

	Page     int
	PageSize int
	TopK     int

	// MinSimilarity is handed to the store's vector leg as a candidate floor.
	MinSimilarity float64
	// VectorWeight is the alpha of the store's hybrid fusion.
	VectorWeight float64

	Fields    []string
	Highlight bool
}

// Search executes one store query and maps the hits into the rerank-stage
// result shape. Question requests run through the backend-agnostic query
// envelope in hybrid mode (fulltext when no embedding model is supplied),
// so parameter validation fires before any store call; the query embedding
// is computed concurrently with keyword extraction since both can be slow
// independently. Requests without a question fall back to a plain filtered
// listing scan.
func (d *Dealer) Search(
	ctx context.Context,
	req *Request,
	indexes, kbIDs []string,
	embedder llm.EmbeddingModel,
) (*result.SearchResult, error) {
	filters := d.scopeFilters(req)
	offset := offsetOf(req.Page, req.PageSize)
	limit := pageSizeOf(req.PageSize)

	if req.Question == "" {
		// Listing mode: positional scan, no scoring.
		res, err := d.store.Search(ctx, &docstore.Request{
			SelectFields: req.Fields,
			Filters:      filters,
			Offset:       offset,
			Limit:        limit,
			TopK:         req.TopK,
			OrderBy: []docstore.Order{
				{Field: chunk.FieldPageNum},
				{Field: chunk.FieldTop},
				{Field: chunk.FieldCreateTimestamp, Desc: true},
			},
		}, indexes, kbIDs)
		if err != nil {
			return nil, err
		}
		return &result.SearchResult{
			Total:     res.Total,
			IDs:       res.IDs,
			Fields:    res.Fields,
			Highlight: res.Highlights,
			Scores:    res.Scores,
		}, nil
	}

	type embedded struct {
		vec    []float32
		tokens int
		err    error
	}
	var embCh chan embedded
	if embedder != nil {
		embCh = make(chan embedded, 1)
		go func() {
			vec, n, err := embedder.EncodeQueries(ctx, req.Question)
			embCh <- embedded{vec, n, err}
		}()
	}

	keywords := d.queryKeywords(req.Question)
	tokens := d.tw.WeightMap(keywords, false)

	var vec []float32
	searchMode := mode.Fulltext
	if embCh != nil {
		emb := <-embCh
		if emb.err != nil {
			return nil, emb.err
		}
		domain.UsageFromContext(ctx).AddEmbeddingTokens(emb.tokens)
		vec = emb.vec
		searchMode = mode.Hybrid
	}

	topK := req.TopK
	if topK <= 0 {
		topK = offset + limit
	}

	opts := []query.Option{
		query.WithTokens(tokens),
		query.WithWindow(offset, limit),
		query.WithMinSimilarity(req.MinSimilarity),
		query.WithAggregations(chunk.FieldDocName),
	}
	if len(req.Fields) > 0 {
		opts = append(opts, query.WithFields(req.Fields...))
	}
	if req.Highlight {
		opts = append(opts, query.WithHighlight(chunk.FieldContentTokens))
	}

	q, err := query.New(vec, req.Question, topK, filters, searchMode,
		vectorWeightOf(req.VectorWeight), opts...)
	if err != nil {
		return nil, err
	}

	res, err := d.store.Query(ctx, &q, indexes, kbIDs)
	if err != nil {
		return nil, err
	}

	sres := &result.SearchResult{
		Total:       res.Total,
		IDs:         res.IDs,
		QueryVector: vec,
		Fields:      res.Fields,
		Highlight:   res.Highlights,
		Keywords:    keywords,
		Scores:      res.Scores,
	}
	sres.Aggregations = res.Aggregations[chunk.FieldDocName]
	return sres, nil
}

// RetrievalRequest is the primary entry point's parameter set.
type RetrievalRequest struct {
	Question  string
	TenantIDs []string
	KBIDs     []string
	DocIDs    []string

	Page     int
	PageSize int

	SimilarityThreshold float64
	VectorWeight        float64
	Top                 int

	Embedder    llm.EmbeddingModel
	RerankModel llm.RerankModel

	Highlight   bool
	RankFeature map[string]float64
}

// DocAgg is one per-document facet bucket.
type DocAgg struct {
	DocName string `json:"doc_name"`
	DocID   string `json:"doc_id"`
	Count   int64  `json:"count"`
}

// RetrievalResult is the ranked page plus document facets. Total counts
// every threshold survivor, not just the returned page.
type RetrievalResult struct {
	Total   int            `json:"total"`
	Chunks  []chunk.Record `json:"chunks"`
	DocAggs []DocAgg       `json:"doc_aggs"`
}

// Retrieval runs the full pipeline: over-fetch, rerank, threshold, sort,
// paginate, aggregate.
func (d *Dealer) Retrieval(ctx context.Context, req *RetrievalRequest) (*RetrievalResult, error) {
	start := time.Now()
	res, err := d.retrieval(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	mode := d.rerankMode(req)
	metrics.RetrievalRequestsTotal.WithLabelValues(mode, status).Inc()
	metrics.RetrievalDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	return res, err
}

func (d *Dealer) rerankMode(req *RetrievalRequest) string {
	switch {
	case req.RerankModel != nil:
		return "model"
	case d.store.SupportsPrenormalizedFusion():
		return "prenormalized"
	default:
		return "inhouse"
	}
}

func (d *Dealer) retrieval(ctx context.Context, req *RetrievalRequest) (*RetrievalResult, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: retrieval requires a question", domain.ErrInvalidQuery)
	}
	pageSize := pageSizeOf(req.PageSize)
	page := req.Page
	if page < 1 {
		page = 1
	}
	threshold := req.SimilarityThreshold
	vtWeight := vectorWeightOf(req.VectorWeight)
	top := req.Top
	if top <= 0 {
		top = DefaultTop
	}
	rankFeature := req.RankFeature
	if rankFeature == nil {
		rankFeature = DefaultRankFeature
	}

	limit := RerankLimit(pageSize)
	indexes := make([]string, 0, len(req.TenantIDs))
	for _, t := range req.TenantIDs {
		indexes = append(indexes, chunk.IndexName(t))
	}

	// Map the user page onto the over-fetch window that contains it:
	// window n holds pages (n-1)*limit/pageSize+1 .. n*limit/pageSize, so
	// the store cursor advances once the page walks past the current window.
	internalPage := (pageSize*page + limit - 1) / limit
	if internalPage < 1 {
		internalPage = 1
	}

	sres, err := d.Search(ctx, &Request{
		Question:     req.Question,
		DocIDs:       req.DocIDs,
		Page:         internalPage,
		PageSize:     limit,
		TopK:         top,
		VectorWeight: vtWeight,
		Highlight:    req.Highlight,
	}, indexes, req.KBIDs, req.Embedder)
	if err != nil {
		return nil, err
	}
	metrics.RetrievalCandidatesTotal.WithLabelValues(d.rerankMode(req)).Observe(float64(len(sres.IDs)))

	scores, err := d.rerank(ctx, req, sres, vtWeight, rankFeature)
	if err != nil {
		return nil, err
	}

	// Stable descending sort; ties keep original candidate order.
	order := make([]int, len(sres.IDs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores.Fused[order[a]] > scores.Fused[order[b]]
	})

	survivors := order[:0]
	for _, i := range order {
		if scores.Fused[i] >= threshold {
			survivors = append(survivors, i)
		}
	}
	if len(survivors) == 0 {
		return &RetrievalResult{Total: 0, Chunks: []chunk.Record{}, DocAggs: []DocAgg{}}, nil
	}

	out := &RetrievalResult{
		Total:   len(survivors),
		DocAggs: docAggs(sres, survivors),
	}

	// (page-1) % maxPages positions the page inside its over-fetch window.
	// Pages past the window's survivor count come back short or empty
	// rather than erroring.
	maxPages := limit / pageSize
	if maxPages < 1 {
		maxPages = 1
	}
	begin := ((page - 1) % maxPages) * pageSize
	for i := begin; i < len(survivors) && i < begin+pageSize; i++ {
		out.Chunks = append(out.Chunks, d.buildRecord(sres, scores, survivors[i]))
	}
	if out.Chunks == nil {
		out.Chunks = []chunk.Record{}
	}
	return out, nil
}

// rerank picks one of three scoring strategies: the external model, the
// backend's own prenormalized fused scores, or the in-house combiner.
func (d *Dealer) rerank(
	ctx context.Context,
	req *RetrievalRequest,
	sres *result.SearchResult,
	vtWeight float64,
	rankFeature map[string]float64,
) (rank.Scores, error) {
	tkWeight := 1 - vtWeight
	switch {
	case req.RerankModel != nil && !sres.Empty():
		return d.ranker.RerankByModel(
			ctx, req.RerankModel, sres, req.Question, tkWeight, vtWeight,
			chunk.FieldContentTokens, rankFeature)
	case d.store.SupportsPrenormalizedFusion():
		sc := rank.Scores{
			Fused:  make([]float64, len(sres.IDs)),
			Token:  make([]float64, len(sres.IDs)),
			Vector: make([]float64, len(sres.IDs)),
		}
		for i, id := range sres.IDs {
			s := sres.Scores[id]
			sc.Fused[i], sc.Token[i], sc.Vector[i] = s, s, s
		}
		return sc, nil
	default:
		return d.ranker.Rerank(
			sres, req.Question, tkWeight, vtWeight,
			chunk.FieldContentTokens, rankFeature)
	}
}

// buildRecord assembles one output chunk, attaching similarity scores, the
// stored embedding (zero-vector fallback sized to the query's dimension)
// and the cleaned highlight snippet.
func (d *Dealer) buildRecord(sres *result.SearchResult, scores rank.Scores, i int) chunk.Record {
	id := sres.IDs[i]
	fields := sres.Fields[id]

	rec := chunk.FromFields(id, fields)
	rec.Similarity = scores.Fused[i]
	rec.TermSimilarity = scores.Token[i]
	rec.VectorSimilarity = scores.Vector[i]

	// The query embedding's dimension sizes the zero-vector fallback for
	// chunks stored without one. Without a query embedding the stored
	// vector is used as-is when present, else left empty.
	if dim := len(sres.QueryVector); dim > 0 {
		rec.Vector = decodeVector(fields[chunk.VectorField(dim)], dim)
	} else if _, name, ok := findVectorField(fields); ok {
		rec.Vector = decodeVector(fields[name], 0)
	}

	if h, ok := sres.Highlight[id]; ok {
		rec.Highlight = collapseSpaces(h)
	}
	return rec
}

// docAggs counts threshold survivors per document name, descending.
func docAggs(sres *result.SearchResult, survivors []int) []DocAgg {
	counts := map[string]*DocAgg{}
	var order []string
	for _, i := range survivors {
		fields := sres.Fields[sres.IDs[i]]
		name := chunk.String(fields[chunk.FieldDocName])
		if name == "" {
			continue
		}
		agg, ok := counts[name]
		if !ok {
			agg = &DocAgg{DocName: name, DocID: chunk.String(fields[chunk.FieldDocID])}
			counts[name] = agg
			order = append(order, name)
		}
		agg.Count++
	}

	out := make([]DocAgg, 0, len(order))
	for _, name := range order {
		out = append(out, *counts[name])
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Count > out[b].Count })
	return out
}

// RerankLimit is the over-fetch window: always at least a few pages wide
// so reranking can move candidates across page boundaries.
func RerankLimit(pageSize int) int {
	w := int(math.Ceil(float64(rerankWindow)/float64(pageSize))) * pageSize
	if w < 30 {
		return 30
	}
	return w
}

// queryKeywords tokenizes and merges the question into match keywords.
func (d *Dealer) queryKeywords(question string) []string {
	tokens := d.tw.PreTokenize(question, termweight.PreTokenizeOpts{KeepNumbers: true})
	tokens = d.tw.TokenMerge(tokens)
	if len(tokens) > queryKeywordLimit {
		tokens = tokens[:queryKeywordLimit]
	}
	return tokens
}

// scopeFilters builds the store filter tree from the recognized request
// fields: doc scoping, visibility, plus any caller-supplied clauses.
func (d *Dealer) scopeFilters(req *Request) filter.Filters {
	var clauses []filter.Clause
	if len(req.DocIDs) > 0 {
		if c, err := filter.NewClause(chunk.FieldDocID, filter.OpIn, req.DocIDs); err == nil {
			clauses = append(clauses, c)
		}
	}
	if c, err := filter.NewClause(chunk.FieldAvailable, filter.OpNe, 0); err == nil {
		clauses = append(clauses, c)
	}
	f := filter.And(clauses...)
	if !req.Filters.IsEmpty() {
		f = f.WithSub(req.Filters)
	}
	return f
}

func offsetOf(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSizeOf(pageSize)
}

func pageSizeOf(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	return pageSize
}

func vectorWeightOf(w float64) float64 {
	if w <= 0 || w > 1 {
		return DefaultVectorWeight
	}
	return w
}

// decodeVector converts a stored embedding to []float32, zero-filled to
// dim when missing or malformed. dim 0 means "whatever length it has".
func decodeVector(v any, dim int) []float32 {
	fit := func(out []float32) []float32 {
		if dim == 0 || len(out) == dim {
			return out
		}
		return make([]float32, dim)
	}
	switch t := v.(type) {
	case []float32:
		return fit(t)
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return fit(out)
	case []any:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(chunk.Float(f))
		}
		return fit(out)
	}
	if dim > 0 {
		return make([]float32, dim)
	}
	return nil
}

// findVectorField locates the dimension-keyed embedding field of a chunk.
func findVectorField(fields map[string]any) (int, string, bool) {
	for name := range fields {
		if dim, ok := chunk.IsVectorField(name); ok {
			return dim, name, true
		}
	}
	return 0, "", false
}

var spaceCleaner = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(spaceCleaner.Replace(s)), " ")
}
