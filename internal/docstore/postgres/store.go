// Package postgres implements the docstore Connection over
// postgres+pgvector. Each index name maps to one table with an HNSW
// vector index and a tsvector fulltext column; hybrid queries fuse both
// legs inside SQL with the request alpha, so fused scores come back
// normalized and the dealer can skip its in-house rerank.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
)

// Compile-time check: Store implements docstore.Connection.
var _ docstore.Connection = (*Store)(nil)

// chunkColumns is the fixed column set of an index table, in select order.
var chunkColumns = []string{
	"id",
	chunk.FieldDocID,
	chunk.FieldKBID,
	chunk.FieldDocName,
	chunk.FieldContentTokens,
	chunk.FieldContentWithWeight,
	chunk.FieldTitleTokens,
	chunk.FieldImportantKeywords,
	chunk.FieldQuestionTokens,
	chunk.FieldTagKeywords,
	chunk.FieldTagFeatures,
	chunk.FieldMomID,
	chunk.FieldImgID,
	chunk.FieldPageNum,
	chunk.FieldTop,
	chunk.FieldPosition,
	chunk.FieldAvailable,
	chunk.FieldPageRank,
}

// Config holds connection parameters for a postgres store.
type Config struct {
	DSN string
}

// Store implements docstore.Connection via pgx.
type Store struct {
	pool       *pgxpool.Pool
	translator *Translator
}

// NewStore creates a postgres store from a DSN.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return &Store{pool: pool, translator: NewTranslator()}, nil
}

// SupportsPrenormalizedFusion is true: hybrid scores are fused and
// normalized in SQL (ts_rank with the 0..1 normalization flag).
func (s *Store) SupportsPrenormalizedFusion() bool { return true }

// Health checks connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateIndex creates the table, vector index and fulltext column for one
// index name. Idempotent.
func (s *Store) CreateIndex(ctx context.Context, index string, vectorDim int) error {
	if !identPattern.MatchString(index) {
		return fmt.Errorf("index name %q is not a safe identifier", index)
	}
	if vectorDim <= 0 {
		return fmt.Errorf("vector dimension must be positive")
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL DEFAULT '',
			kb_id TEXT NOT NULL DEFAULT '',
			docnm_kwd TEXT NOT NULL DEFAULT '',
			content_ltks TEXT NOT NULL DEFAULT '',
			content_with_weight TEXT NOT NULL DEFAULT '',
			title_tks TEXT NOT NULL DEFAULT '',
			important_kwd TEXT[] NOT NULL DEFAULT '{}',
			question_tks TEXT NOT NULL DEFAULT '',
			tag_kwd TEXT[] NOT NULL DEFAULT '{}',
			tag_feas JSONB,
			mom_id TEXT NOT NULL DEFAULT '',
			img_id TEXT NOT NULL DEFAULT '',
			page_num_int INT,
			top_int INT,
			position_int JSONB,
			available_int INT NOT NULL DEFAULT 1,
			pagerank_fea REAL NOT NULL DEFAULT 0,
			embedding vector(%d),
			tsv tsvector GENERATED ALWAYS AS (
				to_tsvector('english', content_ltks || ' ' || title_tks || ' ' || question_tks)
			) STORED
		)`, index, vectorDim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
			USING hnsw (embedding vector_cosine_ops)`, index, index),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tsv_idx ON %s USING gin (tsv)`, index, index),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_kb_idx ON %s (kb_id)`, index, index),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s: %w", index, err)
		}
	}
	return nil
}

// DeleteIndex drops the index table. Missing tables are not an error.
func (s *Store) DeleteIndex(ctx context.Context, index string) error {
	if !identPattern.MatchString(index) {
		return fmt.Errorf("index name %q is not a safe identifier", index)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, index)); err != nil {
		return fmt.Errorf("drop index %s: %w", index, err)
	}
	return nil
}

// IndexExists probes table existence via to_regclass.
func (s *Store) IndexExists(ctx context.Context, index string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT to_regclass($1) IS NOT NULL`, index,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("index exists %s: %w", index, err)
	}
	return exists, nil
}

// Insert upserts chunk rows. Rows without an id get one assigned.
func (s *Store) Insert(ctx context.Context, rows []map[string]any, index string) ([]string, error) {
	if !identPattern.MatchString(index) {
		return nil, fmt.Errorf("index name %q is not a safe identifier", index)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id := chunk.String(row[chunk.FieldID])
		if id == "" {
			id = uuid.NewString()
		}

		cols := []string{"id"}
		args := []any{id}
		for _, col := range chunkColumns[1:] {
			if v, ok := row[col]; ok {
				cols = append(cols, col)
				args = append(args, columnValue(col, v))
			}
		}
		if vec, ok := rowVector(row); ok {
			cols = append(cols, "embedding")
			args = append(args, pgvector.NewVector(vec))
		}

		placeholders := make([]string, len(cols))
		updates := make([]string, 0, len(cols)-1)
		for i, col := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			if i > 0 {
				updates = append(updates, fmt.Sprintf("%s = $%d", col, i+1))
			}
		}

		sql := fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
			index,
			strings.Join(cols, ", "),
			strings.Join(placeholders, ", "),
			strings.Join(updates, ", "),
		)
		if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
			return ids, fmt.Errorf("insert chunk %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Update applies new values to every chunk matching the condition.
func (s *Store) Update(
	ctx context.Context, cond filter.Filters, values map[string]any, index string,
) (int, error) {
	if !identPattern.MatchString(index) {
		return 0, fmt.Errorf("index name %q is not a safe identifier", index)
	}

	var sets []string
	var args []any
	for _, col := range chunkColumns[1:] {
		if v, ok := values[col]; ok {
			args = append(args, columnValue(col, v))
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	if vec, ok := rowVector(values); ok {
		args = append(args, pgvector.NewVector(vec))
		sets = append(sets, fmt.Sprintf("embedding = $%d", len(args)))
	}
	if len(sets) == 0 {
		return 0, nil
	}

	pred, predArgs, err := s.translator.TranslateFrom(cond, len(args)+1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}
	args = append(args, predArgs...)

	sql := fmt.Sprintf(`UPDATE %s SET %s`, index, strings.Join(sets, ", "))
	if pred != "" {
		sql += " WHERE " + pred
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("update chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Delete removes every chunk matching the condition.
func (s *Store) Delete(ctx context.Context, cond filter.Filters, index string) (int, error) {
	if !identPattern.MatchString(index) {
		return 0, fmt.Errorf("index name %q is not a safe identifier", index)
	}

	pred, args, err := s.translator.TranslateFrom(cond, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}

	sql := fmt.Sprintf(`DELETE FROM %s`, index)
	if pred != "" {
		sql += " WHERE " + pred
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get fetches one chunk by id across the given indexes.
func (s *Store) Get(ctx context.Context, chunkID string, indexes []string) (map[string]any, error) {
	for _, index := range indexes {
		if !identPattern.MatchString(index) {
			return nil, fmt.Errorf("index name %q is not a safe identifier", index)
		}
		sql := fmt.Sprintf(`SELECT %s, embedding FROM %s WHERE id = $1`,
			strings.Join(chunkColumns, ", "), index)
		rows, err := s.pool.Query(ctx, sql, chunkID)
		if err != nil {
			return nil, fmt.Errorf("get chunk %s: %w", chunkID, err)
		}
		res, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		if len(res.IDs) > 0 {
			return res.Fields[res.IDs[0]], nil
		}
	}
	return nil, fmt.Errorf("chunk %s: %w", chunkID, domain.ErrNotFound)
}

// columnValue converts a request value into the column's storage shape.
func columnValue(col string, v any) any {
	switch col {
	case chunk.FieldImportantKeywords, chunk.FieldTagKeywords:
		return chunk.Strings(v)
	default:
		return v
	}
}

// rowVector finds the dimension-keyed embedding value in a row.
func rowVector(row map[string]any) ([]float32, bool) {
	for name, v := range row {
		if _, ok := chunk.IsVectorField(name); !ok {
			continue
		}
		switch vec := v.(type) {
		case []float32:
			return vec, true
		case []float64:
			out := make([]float32, len(vec))
			for i, f := range vec {
				out[i] = float32(f)
			}
			return out, true
		}
	}
	return nil, false
}
