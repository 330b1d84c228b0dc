package search

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
)

// RetrievalByChildren merges child chunks sharing a mom_id into one
// synthetic aggregate per parent: concatenated token text, mean similarity
// (mean, not max or sum, so documents with many child hits are not
// over-rewarded), content and vector copied from the parent record.
// Chunks without a mom_id pass through unchanged, preserving order.
func (d *Dealer) RetrievalByChildren(
	ctx context.Context, records []chunk.Record, indexes []string,
) ([]chunk.Record, error) {
	groups := map[string][]chunk.Record{}
	var order []string
	out := make([]chunk.Record, 0, len(records))

	for _, rec := range records {
		if rec.MomID == "" {
			out = append(out, rec)
			continue
		}
		if _, ok := groups[rec.MomID]; !ok {
			order = append(order, rec.MomID)
		}
		groups[rec.MomID] = append(groups[rec.MomID], rec)
	}

	for _, momID := range order {
		children := groups[momID]
		merged := children[0]
		merged.ID = momID
		merged.MomID = ""

		var tokens []string
		var simSum, termSum, vecSum float64
		for _, c := range children {
			tokens = append(tokens, c.ContentTokens)
			simSum += c.Similarity
			termSum += c.TermSimilarity
			vecSum += c.VectorSimilarity
		}
		n := float64(len(children))
		merged.ContentTokens = strings.Join(tokens, " ")
		merged.Similarity = simSum / n
		merged.TermSimilarity = termSum / n
		merged.VectorSimilarity = vecSum / n

		parent, err := d.store.Get(ctx, momID, indexes)
		switch {
		case err == nil:
			merged.Content = chunk.String(parent[chunk.FieldContentWithWeight])
			if _, name, ok := findVectorField(parent); ok {
				merged.Vector = decodeVector(parent[name], 0)
			}
		case errors.Is(err, domain.ErrNotFound):
			// Orphaned children: keep the aggregate under a fresh id so it
			// cannot collide with a real chunk.
			merged.ID = uuid.NewString()
			d.logger.Warn("mother chunk missing", zap.String("mom_id", momID))
		default:
			return nil, err
		}

		out = append(out, merged)
	}
	return out, nil
}
