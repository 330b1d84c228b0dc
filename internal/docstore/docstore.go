// Package docstore defines the pluggable document-store contract. A
// Connection hides one concrete backend (valkey, postgres) behind a
// standardized request/result shape; the retrieval pipeline never sees
// backend-native types.
package docstore

import (
	"context"

	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
	"github.com/harborml/chunkdex/internal/domain/search/query"
	"github.com/harborml/chunkdex/internal/domain/search/result"
)

// Order is one sort directive of a Search request.
type Order struct {
	Field string
	Desc  bool
}

// Request is the full search envelope: filters, the fulltext and vector
// legs, pagination, aggregation fields and the ranking feature map.
// Backends ignore the legs they cannot serve.
type Request struct {
	SelectFields    []string
	HighlightFields []string
	Filters         filter.Filters

	// Fulltext leg. Tokens carry the query terms with their weights; the
	// raw Text is kept for backends that match on it directly.
	Text   string
	Tokens map[string]float64

	// Vector leg.
	Vector        []float32
	TopK          int
	MinSimilarity float64

	// Alpha is the vector weight in hybrid fusion: alpha*vec + (1-alpha)*text.
	Alpha float64

	OrderBy []Order
	Offset  int
	Limit   int

	// IDs restricts the search to exact chunk ids (paged listing, backfill).
	IDs []string

	AggFields []string
}

// Result is the backend-agnostic search result.
type Result struct {
	Total        int
	IDs          []string
	Scores       map[string]float64
	Fields       map[string]map[string]any
	Highlights   map[string]string
	Aggregations map[string][]result.Bucket
}

// DocIDs returns the distinct document ids of the hits, in hit order.
func (r *Result) DocIDs() []string {
	seen := make(map[string]struct{}, len(r.IDs))
	var out []string
	for _, id := range r.IDs {
		docID := chunk.String(r.Fields[id][chunk.FieldDocID])
		if docID == "" {
			continue
		}
		if _, ok := seen[docID]; ok {
			continue
		}
		seen[docID] = struct{}{}
		out = append(out, docID)
	}
	return out
}

// Connection is one document-store backend.
type Connection interface {
	// Query runs a validated standardized query against the given indexes,
	// scoped to the given knowledge bases.
	Query(ctx context.Context, q *query.VectorStoreQuery, indexes, kbIDs []string) (*Result, error)

	// Search runs a full Request (both legs, aggregations, pagination).
	Search(ctx context.Context, req *Request, indexes, kbIDs []string) (*Result, error)

	// Get fetches one chunk by id, or domain.ErrNotFound.
	Get(ctx context.Context, chunkID string, indexes []string) (map[string]any, error)

	Insert(ctx context.Context, rows []map[string]any, index string) ([]string, error)
	Update(ctx context.Context, cond filter.Filters, values map[string]any, index string) (int, error)
	Delete(ctx context.Context, cond filter.Filters, index string) (int, error)

	CreateIndex(ctx context.Context, index string, vectorDim int) error
	DeleteIndex(ctx context.Context, index string) error
	IndexExists(ctx context.Context, index string) (bool, error)

	// SQL is the raw passthrough for backends with a SQL surface. Others
	// return domain.ErrInvalidQuery.
	SQL(ctx context.Context, sql string, fetchSize int) (*Result, error)

	// SupportsPrenormalizedFusion reports whether the backend fuses and
	// normalizes hybrid scores itself, letting the dealer skip the
	// in-house rerank pass.
	SupportsPrenormalizedFusion() bool

	Health(ctx context.Context) error
}

// FilterTranslator compiles a filter tree into one backend's query syntax.
type FilterTranslator interface {
	Translate(f filter.Filters) (string, error)
}
