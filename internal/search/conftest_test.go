package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
	"github.com/harborml/chunkdex/internal/domain/search/query"
	"github.com/harborml/chunkdex/internal/llm"
	"github.com/harborml/chunkdex/internal/nlp/termweight"
	"github.com/harborml/chunkdex/internal/rank"
)

// stubStore is a canned docstore.Connection for dealer tests.
type stubStore struct {
	prenormalized bool

	searchFn func(req *docstore.Request) (*docstore.Result, error)
	searched []*docstore.Request
	queried  int

	chunks map[string]map[string]any // Get by id
}

func (s *stubStore) Search(
	_ context.Context, req *docstore.Request, _, _ []string,
) (*docstore.Result, error) {
	s.searched = append(s.searched, req)
	if s.searchFn != nil {
		return s.searchFn(req)
	}
	return &docstore.Result{
		Scores: map[string]float64{},
		Fields: map[string]map[string]any{},
	}, nil
}

// Query lowers the standardized envelope into a plain request the same way
// the real backends do, so searchFn hooks see offset/limit/legs.
func (s *stubStore) Query(
	ctx context.Context, q *query.VectorStoreQuery, indexes, kbIDs []string,
) (*docstore.Result, error) {
	s.queried++
	return s.Search(ctx, &docstore.Request{
		Vector:          q.Vector(),
		Text:            q.Text(),
		Tokens:          q.Tokens(),
		Filters:         q.Filters(),
		TopK:            q.TopK(),
		MinSimilarity:   q.MinSimilarity(),
		Alpha:           q.Alpha(),
		Offset:          q.Offset(),
		Limit:           q.Limit(),
		SelectFields:    q.SelectFields(),
		HighlightFields: q.HighlightFields(),
		AggFields:       q.AggFields(),
	}, indexes, kbIDs)
}

func (s *stubStore) Get(_ context.Context, chunkID string, _ []string) (map[string]any, error) {
	if fields, ok := s.chunks[chunkID]; ok {
		return fields, nil
	}
	return nil, fmt.Errorf("chunk %s: %w", chunkID, domain.ErrNotFound)
}

func (s *stubStore) Insert(context.Context, []map[string]any, string) ([]string, error) {
	return nil, errors.New("not implemented")
}
func (s *stubStore) Update(context.Context, filter.Filters, map[string]any, string) (int, error) {
	return 0, errors.New("not implemented")
}
func (s *stubStore) Delete(context.Context, filter.Filters, string) (int, error) {
	return 0, errors.New("not implemented")
}
func (s *stubStore) CreateIndex(context.Context, string, int) error { return nil }
func (s *stubStore) DeleteIndex(context.Context, string) error      { return nil }
func (s *stubStore) IndexExists(context.Context, string) (bool, error) {
	return true, nil
}
func (s *stubStore) SQL(context.Context, string, int) (*docstore.Result, error) {
	return nil, fmt.Errorf("%w: no sql surface", domain.ErrInvalidQuery)
}
func (s *stubStore) SupportsPrenormalizedFusion() bool { return s.prenormalized }
func (s *stubStore) Health(context.Context) error      { return nil }

// stubEmbedder returns a fixed query vector.
type stubEmbedder struct {
	vector []float32
	tokens int
	err    error
	calls  int
}

func (e *stubEmbedder) Encode(_ context.Context, texts []string) ([][]float32, int, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = e.vector
	}
	return out, e.tokens, e.err
}

func (e *stubEmbedder) EncodeQueries(context.Context, string) ([]float32, int, error) {
	e.calls++
	return e.vector, e.tokens, e.err
}

// stubReranker returns fixed similarity scores.
type stubReranker struct {
	scores []float64
	tokens int
	err    error
}

func (r *stubReranker) Similarity(context.Context, string, []string) ([]float64, int, error) {
	return r.scores, r.tokens, r.err
}

// stubChat returns a fixed completion.
type stubChat struct {
	reply  string
	tokens int
	err    error
}

func (c *stubChat) Chat(context.Context, string, []llm.Message) (string, int, error) {
	return c.reply, c.tokens, c.err
}

func testDealer(store *stubStore) *Dealer {
	tw := termweight.NewDealer(termweight.EmptyTables())
	return NewDealer(store, rank.New(tw), tw, nil)
}
