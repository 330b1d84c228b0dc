package valkey

import (
	"context"
	"fmt"
	"strconv"

	"github.com/harborml/chunkdex/internal/domain/chunk"
)

// CreateIndex creates the FT index for one knowledge-base index name with
// the fixed chunk schema. Creating an existing index is not an error.
func (s *Store) CreateIndex(ctx context.Context, index string, vectorDim int) error {
	if index == "" {
		return fmt.Errorf("index name is required")
	}
	if vectorDim <= 0 {
		return fmt.Errorf("vector dimension must be positive")
	}

	args := []string{
		index,
		"ON", "HASH",
		"PREFIX", "1", keyPrefix(index),
		"SCHEMA",
		chunk.FieldDocID, "TAG",
		chunk.FieldKBID, "TAG",
		chunk.FieldDocName, "TAG",
		chunk.FieldImportantKeywords, "TAG",
		chunk.FieldTagKeywords, "TAG", "SEPARATOR", ",",
		chunk.FieldContentTokens, "TEXT",
		chunk.FieldTitleTokens, "TEXT",
		chunk.FieldQuestionTokens, "TEXT",
		chunk.FieldAvailable, "NUMERIC",
		chunk.FieldPageRank, "NUMERIC",
		chunk.VectorField(vectorDim), "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(vectorDim),
		"DISTANCE_METRIC", "COSINE",
	}

	cmd := s.b().Arbitrary("FT.CREATE").Args(args...).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isValkeyErr(err, "index already exists") {
			return nil
		}
		return fmt.Errorf("create index %s: %w", index, err)
	}
	return nil
}

// DeleteIndex removes an FT index. Missing indexes are not an error.
func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	cmd := s.b().Arbitrary("FT.DROPINDEX").Args(index).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isValkeyErr(err, "unknown index name") {
			return nil
		}
		return fmt.Errorf("drop index %s: %w", index, err)
	}
	return nil
}

// IndexExists probes index existence via FT.INFO; "unknown index name" means absent.
func (s *Store) IndexExists(ctx context.Context, index string) (bool, error) {
	cmd := s.b().Arbitrary("FT.INFO").Args(index).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if isValkeyErr(err, "unknown index name") {
			return false, nil
		}
		return false, fmt.Errorf("index info %s: %w", index, err)
	}
	return true, nil
}

// keyPrefix is the hash key prefix for one index: "<index>:".
func keyPrefix(index string) string {
	return index + ":"
}
