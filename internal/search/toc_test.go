package search

import (
	"context"
	"testing"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
)

func tocStore() *stubStore {
	store := &stubStore{}
	store.searchFn = func(req *docstore.Request) (*docstore.Result, error) {
		res := &docstore.Result{
			Scores: map[string]float64{},
			Fields: map[string]map[string]any{},
		}
		for _, id := range req.IDs {
			if id == "missing" {
				continue
			}
			res.IDs = append(res.IDs, id)
			res.Fields[id] = map[string]any{
				chunk.FieldContentWithWeight: "chapter text for " + id,
				chunk.FieldDocID:             "d1",
			}
		}
		res.Total = len(res.IDs)
		return res, nil
	}
	return store
}

func TestRetrievalByTOC(t *testing.T) {
	d := testDealer(tocStore())
	chat := &stubChat{
		reply:  `[{"chunk_id":"c2","similarity":0.9},{"chunk_id":"c1","similarity":0.4}]`,
		tokens: 11,
	}
	toc := []TOCEntry{{ChunkID: "c1", Title: "Intro"}, {ChunkID: "c2", Title: "Methods"}}

	ctx, usage := domain.NewContextWithUsage(context.Background())
	records, err := d.RetrievalByTOC(ctx, "how does it work", toc, chat,
		[]string{"chunkdex_t1"}, []string{"kb1"}, 10)
	if err != nil {
		t.Fatalf("RetrievalByTOC: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != "c2" || records[0].Similarity != 0.9 {
		t.Errorf("first record = %+v, want c2 at 0.9", records[0])
	}
	if records[0].Content == "" {
		t.Error("selected chunks should be backfilled from the store")
	}
	if usage.ChatTokens != 11 {
		t.Errorf("chat tokens = %d, want 11", usage.ChatTokens)
	}
}

func TestRetrievalByTOCFencedReply(t *testing.T) {
	d := testDealer(tocStore())
	chat := &stubChat{reply: "```json\n[{\"chunk_id\":\"c1\",\"similarity\":0.5}]\n```"}
	records, err := d.RetrievalByTOC(context.Background(), "q",
		[]TOCEntry{{ChunkID: "c1"}}, chat, []string{"chunkdex_t1"}, nil, 0)
	if err != nil {
		t.Fatalf("RetrievalByTOC: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want fenced JSON parsed", len(records))
	}
}

func TestRetrievalByTOCUnparsableReplyDegrades(t *testing.T) {
	d := testDealer(tocStore())
	chat := &stubChat{reply: "I think chapter two is best."}
	records, err := d.RetrievalByTOC(context.Background(), "q",
		[]TOCEntry{{ChunkID: "c1"}}, chat, []string{"chunkdex_t1"}, nil, 0)
	if err != nil {
		t.Fatalf("unparsable reply must not error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want none", len(records))
	}
}

func TestRetrievalByTOCDropsUnknownIDs(t *testing.T) {
	store := tocStore()
	d := testDealer(store)
	chat := &stubChat{reply: `[{"chunk_id":"hallucinated","similarity":0.99},{"chunk_id":"c1","similarity":0.5}]`}
	records, err := d.RetrievalByTOC(context.Background(), "q",
		[]TOCEntry{{ChunkID: "c1"}}, chat, []string{"chunkdex_t1"}, nil, 0)
	if err != nil {
		t.Fatalf("RetrievalByTOC: %v", err)
	}
	if len(records) != 1 || records[0].ID != "c1" {
		t.Fatalf("records = %+v, want only the offered entry", records)
	}
}

func TestRetrievalByTOCEmptyInputs(t *testing.T) {
	store := &stubStore{}
	d := testDealer(store)
	records, err := d.RetrievalByTOC(context.Background(), "q", nil, &stubChat{},
		[]string{"chunkdex_t1"}, nil, 0)
	if err != nil || records != nil {
		t.Fatalf("empty toc: records=%v err=%v, want nil/nil", records, err)
	}
	if len(store.searched) != 0 {
		t.Error("empty toc must not reach the store")
	}
}
