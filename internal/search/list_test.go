package search

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
)

func TestChunkListTerminatesOnEmptyIDPage(t *testing.T) {
	// Three full pages of ids, then an empty page. The second page yields
	// no usable field maps, which must not end iteration early.
	store := &stubStore{}
	store.searchFn = func(req *docstore.Request) (*docstore.Result, error) {
		page := req.Offset/listPageSize + 1
		res := &docstore.Result{
			Scores: map[string]float64{},
			Fields: map[string]map[string]any{},
		}
		if page > 3 {
			return res, nil
		}
		for i := 0; i < listPageSize; i++ {
			id := fmt.Sprintf("p%d-c%d", page, i)
			res.IDs = append(res.IDs, id)
			if page != 2 {
				res.Fields[id] = map[string]any{chunk.FieldDocID: "d1"}
			}
		}
		res.Total = len(res.IDs)
		return res, nil
	}
	d := testDealer(store)

	rows, err := d.ChunkList(context.Background(), "d1", "t1", []string{"kb1"}, 0, nil)
	if err != nil {
		t.Fatalf("ChunkList: %v", err)
	}
	// Pages 1 and 3 carry fields; page 2's hits are filtered out.
	if len(rows) != 2*listPageSize {
		t.Errorf("got %d rows, want %d", len(rows), 2*listPageSize)
	}
	if len(store.searched) != 4 {
		t.Errorf("store searched %d times, want 4 (terminates on the empty id page)", len(store.searched))
	}
	if id := chunk.String(rows[0][chunk.FieldID]); id != "p1-c0" {
		t.Errorf("first row id = %q, want p1-c0", id)
	}
}

func TestChunkListMaxCount(t *testing.T) {
	store := &stubStore{}
	store.searchFn = func(req *docstore.Request) (*docstore.Result, error) {
		res := &docstore.Result{
			Scores: map[string]float64{},
			Fields: map[string]map[string]any{},
		}
		for i := 0; i < listPageSize; i++ {
			id := fmt.Sprintf("c%d", req.Offset+i)
			res.IDs = append(res.IDs, id)
			res.Fields[id] = map[string]any{}
		}
		return res, nil
	}
	d := testDealer(store)

	rows, err := d.ChunkList(context.Background(), "d1", "t1", nil, 10, nil)
	if err != nil {
		t.Fatalf("ChunkList: %v", err)
	}
	if len(rows) != 10 {
		t.Errorf("got %d rows, want the 10-row cap", len(rows))
	}
	if len(store.searched) != 1 {
		t.Errorf("store searched %d times, want 1", len(store.searched))
	}
}

func TestSQLRetrievalWithoutSQLSurface(t *testing.T) {
	d := testDealer(&stubStore{})
	_, err := d.SQLRetrieval(context.Background(), "SELECT 1", 10)
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery from a sql-less backend", err)
	}
}
