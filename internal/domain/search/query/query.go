package query

import (
	"fmt"

	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
	"github.com/harborml/chunkdex/internal/domain/search/mode"
)

// Query parameter limits.
const (
	MaxQueryLength = 4096
	DefaultTopK    = 10
	MaxTopK        = 4096
	DefaultAlpha   = 0.5
)

// VectorStoreQuery is the standardized request envelope every backend accepts.
// Validation happens in New, before any store call is made.
type VectorStoreQuery struct {
	vector  []float32
	text    string
	topK    int
	filters filter.Filters
	m       mode.Mode
	alpha   float64

	tokens          map[string]float64
	offset          int
	limit           int
	minSimilarity   float64
	selectFields    []string
	highlightFields []string
	aggFields       []string
}

// Option tunes the execution envelope of a query beyond the core legs.
type Option func(*VectorStoreQuery)

// WithTokens supplies pre-weighted match terms for the fulltext leg,
// overriding the backend's naive tokenization of the query text.
func WithTokens(tokens map[string]float64) Option {
	return func(q *VectorStoreQuery) { q.tokens = tokens }
}

// WithWindow slices the fused candidate list to offset/limit. A zero limit
// falls back to topK.
func WithWindow(offset, limit int) Option {
	return func(q *VectorStoreQuery) {
		if offset > 0 {
			q.offset = offset
		}
		if limit > 0 {
			q.limit = limit
		}
	}
}

// WithMinSimilarity floors the vector leg's candidate similarity.
func WithMinSimilarity(min float64) Option {
	return func(q *VectorStoreQuery) { q.minSimilarity = min }
}

// WithFields restricts the field projection of every hit.
func WithFields(fields ...string) Option {
	return func(q *VectorStoreQuery) { q.selectFields = fields }
}

// WithHighlight marks fields for match highlighting.
func WithHighlight(fields ...string) Option {
	return func(q *VectorStoreQuery) { q.highlightFields = fields }
}

// WithAggregations requests facet buckets over the given fields.
func WithAggregations(fields ...string) Option {
	return func(q *VectorStoreQuery) { q.aggFields = fields }
}

// New validates and normalizes a vector store query.
// Invariants: alpha in [0,1]; for modes other than tag, at least one of
// vector/text must be non-empty. Defaults: mode=default, topK=10, alpha=0.5.
func New(
	vector []float32,
	text string,
	topK int,
	filters filter.Filters,
	m mode.Mode,
	alpha float64,
	opts ...Option,
) (VectorStoreQuery, error) {
	if m == "" {
		m = mode.Default
	}
	if !m.IsValid() {
		return VectorStoreQuery{}, fmt.Errorf("%w: unsupported search mode %q", domain.ErrInvalidQuery, m)
	}
	if alpha < 0 || alpha > 1 {
		return VectorStoreQuery{}, fmt.Errorf("%w: alpha %g outside [0,1]", domain.ErrInvalidQuery, alpha)
	}
	if m.NeedsQueryInput() && len(vector) == 0 && text == "" {
		return VectorStoreQuery{}, fmt.Errorf("%w: mode %q requires a query vector or text", domain.ErrInvalidQuery, m)
	}
	if len(text) > MaxQueryLength {
		return VectorStoreQuery{}, fmt.Errorf("%w: query text too long (max %d chars)", domain.ErrInvalidQuery, MaxQueryLength)
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	q := VectorStoreQuery{
		vector:  vector,
		text:    text,
		topK:    topK,
		filters: filters,
		m:       m,
		alpha:   alpha,
	}
	for _, opt := range opts {
		opt(&q)
	}
	return q, nil
}

// Vector returns the query embedding.
func (q *VectorStoreQuery) Vector() []float32 { return q.vector }

// Text returns the query text.
func (q *VectorStoreQuery) Text() string { return q.text }

// TopK returns the number of candidates to retrieve.
func (q *VectorStoreQuery) TopK() int { return q.topK }

// Filters returns the metadata pre-filter tree.
func (q *VectorStoreQuery) Filters() filter.Filters { return q.filters }

// Mode returns the search strategy.
func (q *VectorStoreQuery) Mode() mode.Mode { return q.m }

// Alpha returns the hybrid vector weight: fused = alpha*vector + (1-alpha)*text.
func (q *VectorStoreQuery) Alpha() float64 { return q.alpha }

// Tokens returns the pre-weighted match terms, nil when none were supplied.
func (q *VectorStoreQuery) Tokens() map[string]float64 { return q.tokens }

// Offset returns the start of the result window.
func (q *VectorStoreQuery) Offset() int { return q.offset }

// Limit returns the result window size, topK when unset.
func (q *VectorStoreQuery) Limit() int {
	if q.limit <= 0 {
		return q.topK
	}
	return q.limit
}

// MinSimilarity returns the vector leg's candidate floor.
func (q *VectorStoreQuery) MinSimilarity() float64 { return q.minSimilarity }

// SelectFields returns the field projection, nil meaning all fields.
func (q *VectorStoreQuery) SelectFields() []string { return q.selectFields }

// HighlightFields returns the fields marked for highlighting.
func (q *VectorStoreQuery) HighlightFields() []string { return q.highlightFields }

// AggFields returns the fields to facet over.
func (q *VectorStoreQuery) AggFields() []string { return q.aggFields }
