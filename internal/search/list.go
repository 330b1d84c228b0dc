package search

import (
	"context"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
)

// ChunkList pages through every chunk of one document in positional order.
// Iteration terminates when the store reports zero ids for a page, not
// when post-filter field maps come back empty — several consecutive pages
// may legitimately yield no usable fields while ids keep arriving.
func (d *Dealer) ChunkList(
	ctx context.Context,
	docID, tenantID string,
	kbIDs []string,
	maxCount int,
	fields []string,
) ([]map[string]any, error) {
	indexes := []string{chunk.IndexName(tenantID)}
	f := filter.And()
	if docID != "" {
		if c, err := filter.NewClause(chunk.FieldDocID, filter.OpEq, docID); err == nil {
			f = filter.And(c)
		}
	}

	var out []map[string]any
	for page := 1; ; page++ {
		res, err := d.store.Search(ctx, &docstore.Request{
			SelectFields: fields,
			Filters:      f,
			OrderBy: []docstore.Order{
				{Field: chunk.FieldPageNum},
				{Field: chunk.FieldTop},
			},
			Offset: (page - 1) * listPageSize,
			Limit:  listPageSize,
			TopK:   page * listPageSize,
		}, indexes, kbIDs)
		if err != nil {
			return nil, err
		}
		if len(res.IDs) == 0 {
			break
		}
		for _, id := range res.IDs {
			rowFields := res.Fields[id]
			if rowFields == nil {
				continue
			}
			row := make(map[string]any, len(rowFields)+1)
			row[chunk.FieldID] = id
			for k, v := range rowFields {
				row[k] = v
			}
			out = append(out, row)
			if maxCount > 0 && len(out) >= maxCount {
				return out, nil
			}
		}
		if len(res.IDs) < listPageSize {
			break
		}
	}
	return out, nil
}

// SQLRetrieval is the raw passthrough for text-to-SQL generated queries.
// Backends without a SQL surface return ErrInvalidQuery.
func (d *Dealer) SQLRetrieval(ctx context.Context, sql string, fetchSize int) (*docstore.Result, error) {
	return d.store.SQL(ctx, sql, fetchSize)
}
