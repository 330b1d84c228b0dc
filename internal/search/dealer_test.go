package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
)

// prenormStore builds a store serving 50 hits per request with known fused
// scores: the hit at global position p (request offset + local index) is
// chunk c<p> scoring 1.00 - 0.01*local. Within a window the first 25 belong
// to doc "alpha.pdf", the rest to "beta.pdf".
func prenormStore() *stubStore {
	store := &stubStore{prenormalized: true}
	store.searchFn = func(req *docstore.Request) (*docstore.Result, error) {
		res := &docstore.Result{
			Scores: map[string]float64{},
			Fields: map[string]map[string]any{},
		}
		for i := 1; i <= 50; i++ {
			id := fmt.Sprintf("c%03d", req.Offset+i)
			doc, docID := "alpha.pdf", "da"
			if i > 25 {
				doc, docID = "beta.pdf", "db"
			}
			res.IDs = append(res.IDs, id)
			res.Scores[id] = 1.0 - 0.01*float64(i)
			res.Fields[id] = map[string]any{
				chunk.FieldDocName:       doc,
				chunk.FieldDocID:         docID,
				chunk.FieldContentTokens: "retrieval augmented generation",
			}
		}
		res.Total = len(res.IDs)
		return res, nil
	}
	return store
}

func TestRetrievalTopPageAndDocAggs(t *testing.T) {
	store := prenormStore()
	d := testDealer(store)

	res, err := d.Retrieval(context.Background(), &RetrievalRequest{
		Question:            "what is RAG",
		TenantIDs:           []string{"t1"},
		KBIDs:               []string{"kb1"},
		Page:                1,
		PageSize:            10,
		SimilarityThreshold: 0.2,
	})
	if err != nil {
		t.Fatalf("Retrieval: %v", err)
	}
	if res.Total != 50 {
		t.Errorf("Total = %d, want all 50 threshold survivors", res.Total)
	}
	if len(res.Chunks) != 10 {
		t.Fatalf("page carries %d chunks, want 10", len(res.Chunks))
	}
	for i, rec := range res.Chunks {
		want := fmt.Sprintf("c%03d", i+1)
		if rec.ID != want {
			t.Errorf("chunk[%d] = %s, want %s", i, rec.ID, want)
		}
	}
	// doc_aggs cover every survivor, not just the returned page.
	if len(res.DocAggs) != 2 {
		t.Fatalf("DocAggs = %v, want both documents", res.DocAggs)
	}
	if res.DocAggs[0].Count != 25 || res.DocAggs[1].Count != 25 {
		t.Errorf("DocAggs counts = %v, want 25 each", res.DocAggs)
	}
}

func TestRetrievalOverFetchesRerankWindow(t *testing.T) {
	store := prenormStore()
	d := testDealer(store)
	_, err := d.Retrieval(context.Background(), &RetrievalRequest{
		Question: "what is RAG", TenantIDs: []string{"t1"}, PageSize: 10,
	})
	if err != nil {
		t.Fatalf("Retrieval: %v", err)
	}
	if store.queried != 1 || len(store.searched) != 1 {
		t.Fatalf("store hit %d/%d times, want one standardized query", store.queried, len(store.searched))
	}
	if got := store.searched[0].Limit; got != RerankLimit(10) {
		t.Errorf("store limit = %d, want over-fetch window %d", got, RerankLimit(10))
	}
}

func TestRetrievalTieOrderStable(t *testing.T) {
	store := &stubStore{prenormalized: true}
	store.searchFn = func(*docstore.Request) (*docstore.Result, error) {
		return &docstore.Result{
			IDs:    []string{"first", "second", "third"},
			Scores: map[string]float64{"first": 0.85, "second": 0.85, "third": 0.9},
			Fields: map[string]map[string]any{
				"first": {}, "second": {}, "third": {},
			},
			Total: 3,
		}, nil
	}
	d := testDealer(store)

	res, err := d.Retrieval(context.Background(), &RetrievalRequest{
		Question: "q", TenantIDs: []string{"t1"}, PageSize: 10,
		SimilarityThreshold: 0.2,
	})
	if err != nil {
		t.Fatalf("Retrieval: %v", err)
	}
	var ids []string
	for _, c := range res.Chunks {
		ids = append(ids, c.ID)
	}
	want := []string{"third", "first", "second"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v (ties keep candidate order)", ids, want)
		}
	}
}

func TestRetrievalPageAdvancesOverFetchWindow(t *testing.T) {
	store := prenormStore()
	d := testDealer(store)

	fetch := func(page int) *RetrievalResult {
		t.Helper()
		res, err := d.Retrieval(context.Background(), &RetrievalRequest{
			Question: "q", TenantIDs: []string{"t1"}, Page: page, PageSize: 10,
		})
		if err != nil {
			t.Fatalf("Retrieval page %d: %v", page, err)
		}
		return res
	}

	// RerankLimit(10)=70: pages 1-7 slice the first window, offset 0.
	page2 := fetch(2)
	if got := store.searched[len(store.searched)-1].Offset; got != 0 {
		t.Errorf("page 2 store offset = %d, want 0", got)
	}
	for i, rec := range page2.Chunks {
		if want := fmt.Sprintf("c%03d", 11+i); rec.ID != want {
			t.Errorf("page 2 chunk[%d] = %s, want %s", i, rec.ID, want)
		}
	}

	// Page 8 spills into internal page 2: the store cursor advances and
	// fresh candidates come back.
	page8 := fetch(8)
	if got := store.searched[len(store.searched)-1].Offset; got != 70 {
		t.Errorf("page 8 store offset = %d, want 70", got)
	}
	if len(page8.Chunks) != 10 {
		t.Fatalf("page 8 carries %d chunks, want 10", len(page8.Chunks))
	}
	for i, rec := range page8.Chunks {
		if want := fmt.Sprintf("c%03d", 71+i); rec.ID != want {
			t.Errorf("page 8 chunk[%d] = %s, want %s", i, rec.ID, want)
		}
	}

	page1 := fetch(1)
	for i := range page1.Chunks {
		if page1.Chunks[i].ID == page8.Chunks[i].ID {
			t.Errorf("page 8 repeats page 1 chunk %s", page8.Chunks[i].ID)
		}
	}
}

func TestRetrievalNoSurvivorsIsEmptyNotError(t *testing.T) {
	store := &stubStore{prenormalized: true}
	store.searchFn = func(*docstore.Request) (*docstore.Result, error) {
		return &docstore.Result{
			IDs:    []string{"c1"},
			Scores: map[string]float64{"c1": 0.05},
			Fields: map[string]map[string]any{"c1": {}},
			Total:  1,
		}, nil
	}
	d := testDealer(store)

	res, err := d.Retrieval(context.Background(), &RetrievalRequest{
		Question: "q", TenantIDs: []string{"t1"}, SimilarityThreshold: 0.2,
	})
	if err != nil {
		t.Fatalf("Retrieval: %v", err)
	}
	if res.Total != 0 || len(res.Chunks) != 0 || len(res.DocAggs) != 0 {
		t.Errorf("got %+v, want explicit empty aggregate", res)
	}
}

func TestRetrievalEmptyQuestionIsInvalid(t *testing.T) {
	d := testDealer(&stubStore{})
	_, err := d.Retrieval(context.Background(), &RetrievalRequest{TenantIDs: []string{"t1"}})
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
}

func TestRetrievalInHouseRerank(t *testing.T) {
	store := &stubStore{} // no prenormalized fusion: dealer reranks itself
	store.searchFn = func(*docstore.Request) (*docstore.Result, error) {
		return &docstore.Result{
			IDs: []string{"relevant", "offtopic"},
			Fields: map[string]map[string]any{
				"relevant": {
					chunk.FieldContentTokens: "vector retrieval engine",
					"q_2_vec":                []float32{1, 0},
				},
				"offtopic": {
					chunk.FieldContentTokens: "soup recipe",
					"q_2_vec":                []float32{0, 1},
				},
			},
			Scores: map[string]float64{},
			Total:  2,
		}, nil
	}
	d := testDealer(store)
	emb := &stubEmbedder{vector: []float32{1, 0}, tokens: 7}

	ctx, usage := domain.NewContextWithUsage(context.Background())
	res, err := d.Retrieval(ctx, &RetrievalRequest{
		Question:            "vector retrieval engine",
		TenantIDs:           []string{"t1"},
		Embedder:            emb,
		SimilarityThreshold: 0.2,
	})
	if err != nil {
		t.Fatalf("Retrieval: %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
	if usage.EmbeddingTokens != 7 {
		t.Errorf("embedding tokens = %d, want 7", usage.EmbeddingTokens)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].ID != "relevant" {
		t.Fatalf("chunks = %+v, want only the relevant candidate", res.Chunks)
	}
	if len(res.Chunks[0].Vector) != 2 {
		t.Errorf("vector dim = %d, want query dimension 2", len(res.Chunks[0].Vector))
	}
}

func TestRetrievalModelRerank(t *testing.T) {
	store := &stubStore{}
	store.searchFn = func(*docstore.Request) (*docstore.Result, error) {
		return &docstore.Result{
			IDs: []string{"a", "b"},
			Fields: map[string]map[string]any{
				"a": {chunk.FieldContentTokens: "one"},
				"b": {chunk.FieldContentTokens: "two"},
			},
			Scores: map[string]float64{},
			Total:  2,
		}, nil
	}
	d := testDealer(store)

	res, err := d.Retrieval(context.Background(), &RetrievalRequest{
		Question:            "q",
		TenantIDs:           []string{"t1"},
		RerankModel:         &stubReranker{scores: []float64{0.1, 0.95}},
		SimilarityThreshold: 0.2,
		VectorWeight:        1.0,
	})
	if err != nil {
		t.Fatalf("Retrieval: %v", err)
	}
	if len(res.Chunks) == 0 || res.Chunks[0].ID != "b" {
		t.Fatalf("chunks = %+v, want model-preferred candidate first", res.Chunks)
	}
}

func TestRerankLimit(t *testing.T) {
	tests := []struct{ pageSize, want int }{
		{10, 70},
		{64, 64},
		{7, 70},
		{100, 100},
		{1, 64},
	}
	for _, tt := range tests {
		if got := RerankLimit(tt.pageSize); got != tt.want {
			t.Errorf("RerankLimit(%d) = %d, want %d", tt.pageSize, got, tt.want)
		}
	}
}

func TestSearchListingMode(t *testing.T) {
	store := &stubStore{}
	store.searchFn = func(req *docstore.Request) (*docstore.Result, error) {
		if req.Text != "" || len(req.Vector) > 0 {
			t.Errorf("listing mode must not carry query legs: %+v", req)
		}
		if len(req.OrderBy) == 0 {
			t.Error("listing mode should order by position")
		}
		return &docstore.Result{
			IDs:    []string{"c1"},
			Fields: map[string]map[string]any{"c1": {chunk.FieldDocID: "d1"}},
			Scores: map[string]float64{},
			Total:  1,
		}, nil
	}
	d := testDealer(store)

	sres, err := d.Search(context.Background(), &Request{
		DocIDs: []string{"d1"}, Page: 1, PageSize: 30,
	}, []string{"chunkdex_t1"}, []string{"kb1"}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if sres.Total != 1 || len(sres.IDs) != 1 {
		t.Errorf("sres = %+v, want one listing hit", sres)
	}
}

func TestSearchRejectsOverlongQuestionBeforeStore(t *testing.T) {
	store := &stubStore{}
	d := testDealer(store)

	_, err := d.Search(context.Background(), &Request{
		Question: strings.Repeat("q", 5000),
	}, []string{"chunkdex_t1"}, nil, nil)
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
	if store.queried != 0 || len(store.searched) != 0 {
		t.Errorf("store reached %d/%d times despite invalid query",
			store.queried, len(store.searched))
	}
}

func TestSearchEmbedderErrorPropagates(t *testing.T) {
	d := testDealer(&stubStore{})
	_, err := d.Search(context.Background(), &Request{Question: "q"},
		[]string{"chunkdex_t1"}, nil, &stubEmbedder{err: errors.New("provider down")})
	if err == nil {
		t.Fatal("expected embedder error to propagate")
	}
}
