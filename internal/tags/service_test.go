package tags

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
	"github.com/harborml/chunkdex/internal/domain/search/query"
	"github.com/harborml/chunkdex/internal/domain/search/result"
	"github.com/harborml/chunkdex/internal/nlp/termweight"
)

// stubStore implements docstore.Connection with a canned Search reply.
type stubStore struct {
	searches  int
	lastReq   *docstore.Request
	buckets   []result.Bucket
	searchErr error
}

func (s *stubStore) Search(
	_ context.Context, req *docstore.Request, _, _ []string,
) (*docstore.Result, error) {
	s.searches++
	s.lastReq = req
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return &docstore.Result{
		Aggregations: map[string][]result.Bucket{chunk.FieldTagKeywords: s.buckets},
	}, nil
}

func (s *stubStore) Query(context.Context, *query.VectorStoreQuery, []string, []string) (*docstore.Result, error) {
	return nil, errors.New("not implemented")
}
func (s *stubStore) Get(context.Context, string, []string) (map[string]any, error) {
	return nil, errors.New("not implemented")
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
	return nil, errors.New("not implemented")
}
func (s *stubStore) SupportsPrenormalizedFusion() bool { return false }
func (s *stubStore) Health(context.Context) error      { return nil }

func testService(store *stubStore) *Service {
	return New(store, termweight.NewDealer(termweight.EmptyTables()), nil)
}

func TestAllTagsInPortionEmptyKBs(t *testing.T) {
	store := &stubStore{}
	got, err := testService(store).AllTagsInPortion(context.Background(), "t1", nil, DefaultSmoothing)
	if err != nil {
		t.Fatalf("AllTagsInPortion: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty map", got)
	}
	if store.searches != 0 {
		t.Errorf("store searched %d times, want 0", store.searches)
	}
}

func TestAllTagsInPortionSmoothing(t *testing.T) {
	store := &stubStore{buckets: []result.Bucket{
		{Value: "finance", Count: 9},
		{Value: "hr", Count: 4},
	}}
	got, err := testService(store).AllTagsInPortion(context.Background(), "t1", []string{"kb1"}, 1000)
	if err != nil {
		t.Fatalf("AllTagsInPortion: %v", err)
	}
	// total = 13, so finance = (9+1)/(13+1000).
	want := 10.0 / 1013.0
	if math.Abs(got["finance"]-want) > 1e-12 {
		t.Errorf("finance = %g, want %g", got["finance"], want)
	}
	if math.Abs(got["hr"]-5.0/1013.0) > 1e-12 {
		t.Errorf("hr = %g, want %g", got["hr"], 5.0/1013.0)
	}
}

func TestComputeTagScores(t *testing.T) {
	buckets := []result.Bucket{
		{Value: "common", Count: 50},
		{Value: "rare.tag", Count: 5},
	}
	allTags := map[string]float64{
		"common":   0.5,    // globally frequent
		"rare.tag": 0.0001, // globally rare
	}
	scored := computeTagScores(buckets, allTags, 55, 1000, 5)
	if len(scored) != 2 {
		t.Fatalf("got %d tags, want 2", len(scored))
	}
	// A rare tag with fewer matches still outranks a common one.
	if scored[0].tag != "rare_tag" {
		t.Errorf("top tag = %q, want rare_tag", scored[0].tag)
	}
	wantRare := scoreScale * 6.0 / 1055.0 / 0.0001
	if math.Abs(scored[0].score-wantRare) > 1e-9 {
		t.Errorf("rare score = %g, want %g", scored[0].score, wantRare)
	}
}

func TestComputeTagScoresTopN(t *testing.T) {
	buckets := []result.Bucket{
		{Value: "a", Count: 30}, {Value: "b", Count: 20}, {Value: "c", Count: 10},
	}
	scored := computeTagScores(buckets, map[string]float64{}, 60, 1000, 2)
	if len(scored) != 2 {
		t.Fatalf("got %d tags, want top 2", len(scored))
	}
	if scored[0].tag != "a" || scored[1].tag != "b" {
		t.Errorf("kept %v, want a then b", scored)
	}
}

func TestComputeTagScoresUnknownGlobalFreq(t *testing.T) {
	scored := computeTagScores(
		[]result.Bucket{{Value: "unseen", Count: 1}}, map[string]float64{}, 1, 1000, 3)
	if len(scored) != 1 {
		t.Fatalf("got %d tags, want 1", len(scored))
	}
	if math.IsInf(scored[0].score, 1) || math.IsNaN(scored[0].score) {
		t.Errorf("score = %g, want finite (floored global freq)", scored[0].score)
	}
}

func TestTagQuery(t *testing.T) {
	store := &stubStore{buckets: []result.Bucket{{Value: "finance", Count: 8}}}
	got, err := testService(store).TagQuery(
		context.Background(), "quarterly revenue report", "t1", []string{"kb1"},
		map[string]float64{"finance": 0.001}, 3, 1000)
	if err != nil {
		t.Fatalf("TagQuery: %v", err)
	}
	if _, ok := got["finance"]; !ok {
		t.Fatalf("got %v, want finance tag", got)
	}
	if store.lastReq == nil || len(store.lastReq.AggFields) != 1 {
		t.Fatal("search request missing tag aggregation")
	}
	if store.lastReq.Text == "" {
		t.Error("query text should feed the match leg")
	}
}

func TestTagQueryFloorsTinyScores(t *testing.T) {
	// One match against a globally dominant tag scores below the floor.
	store := &stubStore{buckets: []result.Bucket{{Value: "everything", Count: 0}}}
	got, err := testService(store).TagQuery(
		context.Background(), "anything", "t1", []string{"kb1"},
		map[string]float64{"everything": 1e6}, 3, 1000)
	if err != nil {
		t.Fatalf("TagQuery: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want tags under %g dropped", got, MinTagScore)
	}
}

func TestTagContent(t *testing.T) {
	store := &stubStore{buckets: []result.Bucket{{Value: "finance", Count: 5}}}
	row := map[string]any{
		chunk.FieldTitleTokens:   "annual report",
		chunk.FieldContentTokens: "revenue grew strongly",
	}
	ok, err := testService(store).TagContent(
		context.Background(), "t1", []string{"kb1"}, row,
		map[string]float64{"finance": 0.001}, 3, 1000)
	if err != nil {
		t.Fatalf("TagContent: %v", err)
	}
	if !ok {
		t.Fatal("expected a tag match")
	}
	feas, _ := row[chunk.FieldTagFeatures].(map[string]float64)
	if feas == nil {
		t.Fatal("tag_feas not written")
	}
	if feas["finance"] < 1 {
		t.Errorf("finance weight = %g, want >= 1", feas["finance"])
	}
}

func TestTagContentEmptyText(t *testing.T) {
	store := &stubStore{}
	ok, err := testService(store).TagContent(
		context.Background(), "t1", []string{"kb1"}, map[string]any{}, nil, 3, 1000)
	if err != nil {
		t.Fatalf("TagContent: %v", err)
	}
	if ok || store.searches != 0 {
		t.Errorf("empty rows must not hit the store (ok=%v searches=%d)", ok, store.searches)
	}
}

func TestTagContentBatch(t *testing.T) {
	store := &stubStore{buckets: []result.Bucket{{Value: "finance", Count: 5}}}
	rows := []map[string]any{
		{chunk.FieldContentTokens: "revenue up"},
		{chunk.FieldContentTokens: "costs down"},
		{}, // nothing to match
	}
	tagged, err := testService(store).TagContentBatch(
		context.Background(), "t1", []string{"kb1"}, rows,
		map[string]float64{"finance": 0.001}, 3, 1000)
	if err != nil {
		t.Fatalf("TagContentBatch: %v", err)
	}
	if tagged != 2 {
		t.Errorf("tagged = %d, want 2", tagged)
	}
}

func TestTagContentBatchPropagatesError(t *testing.T) {
	store := &stubStore{searchErr: errors.New("store down")}
	_, err := testService(store).TagContentBatch(
		context.Background(), "t1", []string{"kb1"},
		[]map[string]any{{chunk.FieldContentTokens: "text"}}, nil, 3, 1000)
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
}
