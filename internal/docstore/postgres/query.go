package postgres

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
	"github.com/harborml/chunkdex/internal/domain/search/mode"
	"github.com/harborml/chunkdex/internal/domain/search/query"
	"github.com/harborml/chunkdex/internal/domain/search/result"
	"github.com/harborml/chunkdex/internal/metrics"
)

// tsConfig is the text search configuration used for both indexing and
// querying. Must match the generated tsv column.
const tsConfig = "english"

// maxSQLRows caps the raw SQL passthrough when no fetch size is given.
const maxSQLRows = 1024

// Query runs a validated standardized query, mapping the mode onto the
// vector and fulltext legs.
func (s *Store) Query(
	ctx context.Context, q *query.VectorStoreQuery, indexes, kbIDs []string,
) (*docstore.Result, error) {
	req := &docstore.Request{
		Filters:         q.Filters(),
		TopK:            q.TopK(),
		Offset:          q.Offset(),
		Limit:           q.Limit(),
		Alpha:           q.Alpha(),
		MinSimilarity:   q.MinSimilarity(),
		SelectFields:    q.SelectFields(),
		HighlightFields: q.HighlightFields(),
		AggFields:       q.AggFields(),
	}

	switch q.Mode() {
	case mode.Semantic:
		req.Vector = q.Vector()
	case mode.Fulltext:
		req.Text = q.Text()
		req.Tokens = q.Tokens()
	case mode.Tag:
		tags := strings.Split(q.Text(), ",")
		clause, err := filter.NewClause(chunk.FieldTagKeywords, filter.OpIn, tags)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
		}
		req.Filters = req.Filters.WithSub(filter.And(clause))
	default: // hybrid, default
		req.Vector = q.Vector()
		req.Text = q.Text()
		req.Tokens = q.Tokens()
	}

	return s.Search(ctx, req, indexes, kbIDs)
}

// Search runs the request against every index table and merges the hits.
// Both legs and the alpha fusion happen inside SQL, so scores arrive
// normalized and already fused.
func (s *Store) Search(
	ctx context.Context, req *docstore.Request, indexes, kbIDs []string,
) (*docstore.Result, error) {
	res, err := s.search(ctx, req, indexes, kbIDs)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StoreQueriesTotal.WithLabelValues("postgres", "search", status).Inc()
	return res, err
}

func (s *Store) search(
	ctx context.Context, req *docstore.Request, indexes, kbIDs []string,
) (*docstore.Result, error) {
	for _, index := range indexes {
		if !identPattern.MatchString(index) {
			return nil, fmt.Errorf("index name %q is not a safe identifier", index)
		}
	}

	if len(req.IDs) > 0 {
		return s.fetchByIDs(ctx, req, indexes)
	}

	scope := scopeFilters(req.Filters, kbIDs)

	topK := req.TopK
	if topK <= 0 {
		topK = req.Offset + req.Limit
	}
	if topK <= 0 {
		topK = query.DefaultTopK
	}

	out := &docstore.Result{
		Scores:     map[string]float64{},
		Fields:     map[string]map[string]any{},
		Highlights: map[string]string{},
	}
	for _, index := range indexes {
		sql, args, err := buildSearchSQL(index, req, scope, topK)
		if err != nil {
			return nil, err
		}
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", index, err)
		}
		sr, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		for _, id := range sr.IDs {
			if _, seen := out.Scores[id]; seen {
				continue
			}
			out.IDs = append(out.IDs, id)
			out.Scores[id] = sr.Scores[id]
			out.Fields[id] = sr.Fields[id]
			if h, ok := sr.Highlights[id]; ok {
				out.Highlights[id] = h
			}
		}
	}

	sort.SliceStable(out.IDs, func(i, j int) bool {
		return out.Scores[out.IDs[i]] > out.Scores[out.IDs[j]]
	})
	out.Total = len(out.IDs)

	if len(req.AggFields) > 0 {
		aggs, err := s.aggregate(ctx, req, scope, indexes)
		if err != nil {
			return nil, err
		}
		out.Aggregations = aggs
	}

	page(req, out)
	return out, nil
}

// buildSearchSQL renders the per-index statement. Hybrid requests get the
// two-CTE shape: a cosine KNN leg and a ts_rank leg joined FULL OUTER and
// fused alpha*vec + (1-alpha)*text. ts_rank uses normalization flag 32, so
// the fused score stays in [0,1].
func buildSearchSQL(
	index string, req *docstore.Request, scope filter.Filters, topK int,
) (string, []any, error) {
	t := NewTranslator()
	pred, args, err := t.TranslateFrom(scope, 1)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}
	where := ""
	if pred != "" {
		where = " WHERE " + pred
	}

	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	cols := "t." + strings.Join(chunkColumns, ", t.")
	hasVec := len(req.Vector) > 0
	hasText := req.Text != "" || len(req.Tokens) > 0

	var sql string
	switch {
	case hasVec && hasText:
		vp := bind(pgvector.NewVector(req.Vector))
		tp := bind(queryText(req))
		ap := bind(req.Alpha)
		sql = fmt.Sprintf(`WITH vec AS (
	SELECT id, 1 - (embedding <=> %[1]s) AS vscore
	FROM %[4]s%[5]s
	ORDER BY embedding <=> %[1]s
	LIMIT %[6]d
), txt AS (
	SELECT id, ts_rank(tsv, plainto_tsquery('%[7]s', %[2]s), 32) AS tscore
	FROM %[4]s%[8]s tsv @@ plainto_tsquery('%[7]s', %[2]s)
	ORDER BY tscore DESC
	LIMIT %[6]d
)
SELECT %[9]s, t.embedding,
	%[3]s * COALESCE(vec.vscore, 0) + (1 - %[3]s) * COALESCE(txt.tscore, 0) AS score%[10]s
FROM vec
FULL OUTER JOIN txt ON vec.id = txt.id
JOIN %[4]s t ON t.id = COALESCE(vec.id, txt.id)
ORDER BY score DESC
LIMIT %[6]d`,
			vp, tp, ap, index, where, topK, tsConfig, whereAnd(where), cols,
			headlineColumn(req, tp))
	case hasVec:
		vp := bind(pgvector.NewVector(req.Vector))
		sql = fmt.Sprintf(`SELECT %s, t.embedding, 1 - (t.embedding <=> %s) AS score
FROM %s t%s
ORDER BY t.embedding <=> %s
LIMIT %d`,
			cols, vp, index, where, vp, topK)
	case hasText:
		tp := bind(queryText(req))
		sql = fmt.Sprintf(`SELECT %s, t.embedding,
	ts_rank(t.tsv, plainto_tsquery('%s', %s), 32) AS score%s
FROM %s t%s t.tsv @@ plainto_tsquery('%s', %s)
ORDER BY score DESC
LIMIT %d`,
			cols, tsConfig, tp, headlineColumn(req, tp), index,
			whereAnd(where), tsConfig, tp, topK)
	default:
		order := "t.id"
		if len(req.OrderBy) > 0 {
			var parts []string
			for _, o := range req.OrderBy {
				if !identPattern.MatchString(o.Field) {
					return "", nil, fmt.Errorf("%w: order field %q is not a safe identifier",
						domain.ErrInvalidQuery, o.Field)
				}
				dir := "ASC"
				if o.Desc {
					dir = "DESC"
				}
				parts = append(parts, "t."+o.Field+" "+dir)
			}
			order = strings.Join(parts, ", ")
		}
		sql = fmt.Sprintf(`SELECT %s, t.embedding, 0::float8 AS score
FROM %s t%s
ORDER BY %s
LIMIT %d`,
			cols, index, where, order, topK)
	}

	if req.MinSimilarity > 0 && (hasVec || hasText) {
		sql = fmt.Sprintf("SELECT * FROM (%s) ranked WHERE score >= %s", sql, bind(req.MinSimilarity))
	}
	return sql, args, nil
}

// queryText picks the fulltext input: the raw text, else the token keys.
func queryText(req *docstore.Request) string {
	if req.Text != "" {
		return req.Text
	}
	keys := make([]string, 0, len(req.Tokens))
	for t := range req.Tokens {
		keys = append(keys, t)
	}
	sort.Strings(keys)
	return strings.Join(keys, " ")
}

// headlineColumn adds a ts_headline projection when highlighting was asked
// for. tp is the placeholder already bound to the query text.
func headlineColumn(req *docstore.Request, tp string) string {
	if len(req.HighlightFields) == 0 {
		return ""
	}
	return fmt.Sprintf(
		",\n\tts_headline('%s', t.%s, plainto_tsquery('%s', %s), 'StartSel=<em>, StopSel=</em>') AS highlight",
		tsConfig, chunk.FieldContentWithWeight, tsConfig, tp)
}

// whereAnd extends a WHERE clause with one more conjunct, starting the
// clause if the predicate was empty.
func whereAnd(where string) string {
	if where == "" {
		return " WHERE"
	}
	return where + " AND"
}

// fetchByIDs resolves an exact id list, preserving request order.
func (s *Store) fetchByIDs(
	ctx context.Context, req *docstore.Request, indexes []string,
) (*docstore.Result, error) {
	out := &docstore.Result{
		Scores:     map[string]float64{},
		Fields:     map[string]map[string]any{},
		Highlights: map[string]string{},
	}
	found := map[string]map[string]any{}
	for _, index := range indexes {
		sql := fmt.Sprintf(`SELECT %s, embedding FROM %s WHERE id = ANY($1)`,
			strings.Join(chunkColumns, ", "), index)
		rows, err := s.pool.Query(ctx, sql, req.IDs)
		if err != nil {
			return nil, fmt.Errorf("fetch by ids: %w", err)
		}
		sr, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		for _, id := range sr.IDs {
			if _, ok := found[id]; !ok {
				found[id] = sr.Fields[id]
			}
		}
	}
	for _, id := range req.IDs {
		fields, ok := found[id]
		if !ok {
			continue
		}
		out.IDs = append(out.IDs, id)
		out.Scores[id] = 0
		out.Fields[id] = fields
	}
	out.Total = len(out.IDs)
	return out, nil
}

// aggregate buckets the requested fields with one GROUP BY per field and
// index, over the filter scope. Array columns are unnested first.
func (s *Store) aggregate(
	ctx context.Context, req *docstore.Request, scope filter.Filters, indexes []string,
) (map[string][]result.Bucket, error) {
	t := NewTranslator()
	out := make(map[string][]result.Bucket, len(req.AggFields))

	for _, field := range req.AggFields {
		if !identPattern.MatchString(field) {
			return nil, fmt.Errorf("%w: aggregation field %q is not a safe identifier",
				domain.ErrInvalidQuery, field)
		}
		counts := map[string]int64{}
		var order []string

		for _, index := range indexes {
			pred, args, err := t.TranslateFrom(scope, 1)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
			}
			where := ""
			if pred != "" {
				where = " WHERE " + pred
			}

			expr := field
			if arrayColumns[field] {
				expr = fmt.Sprintf("unnest(%s)", field)
			}
			sql := fmt.Sprintf(
				`SELECT v, count(*) FROM (SELECT %s AS v FROM %s%s) sub WHERE v <> '' GROUP BY v`,
				expr, index, where)

			rows, err := s.pool.Query(ctx, sql, args...)
			if err != nil {
				return nil, fmt.Errorf("aggregate %s on %s: %w", field, index, err)
			}
			for rows.Next() {
				var v string
				var n int64
				if err := rows.Scan(&v, &n); err != nil {
					rows.Close()
					return nil, fmt.Errorf("aggregate scan: %w", err)
				}
				if _, ok := counts[v]; !ok {
					order = append(order, v)
				}
				counts[v] += n
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("aggregate %s on %s: %w", field, index, err)
			}
		}

		buckets := make([]result.Bucket, 0, len(order))
		for _, v := range order {
			buckets = append(buckets, result.Bucket{Value: v, Count: counts[v]})
		}
		sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].Count > buckets[j].Count })
		out[field] = buckets
	}
	return out, nil
}

// SQL runs a raw statement and maps the rows generically by column name.
func (s *Store) SQL(ctx context.Context, sql string, fetchSize int) (*docstore.Result, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("%w: empty sql statement", domain.ErrInvalidQuery)
	}
	if fetchSize <= 0 {
		fetchSize = maxSQLRows
	}

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		metrics.StoreQueriesTotal.WithLabelValues("postgres", "sql", "error").Inc()
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	defer rows.Close()

	out := &docstore.Result{
		Scores: map[string]float64{},
		Fields: map[string]map[string]any{},
	}
	descs := rows.FieldDescriptions()
	n := 0
	for rows.Next() && n < fetchSize {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("sql row: %w", err)
		}
		fields := make(map[string]any, len(descs))
		for i, d := range descs {
			fields[string(d.Name)] = normalizeValue(string(d.Name), values[i], fields)
		}
		id := chunk.String(fields[chunk.FieldID])
		if id == "" {
			id = strconv.Itoa(n)
		}
		out.IDs = append(out.IDs, id)
		out.Fields[id] = fields
		n++
	}
	if err := rows.Err(); err != nil {
		metrics.StoreQueriesTotal.WithLabelValues("postgres", "sql", "error").Inc()
		return nil, fmt.Errorf("sql rows: %w", err)
	}
	out.Total = len(out.IDs)
	metrics.StoreQueriesTotal.WithLabelValues("postgres", "sql", "success").Inc()
	return out, nil
}

// scopeFilters wraps the request filters in an AND node carrying the
// knowledge-base restriction.
func scopeFilters(f filter.Filters, kbIDs []string) filter.Filters {
	if len(kbIDs) == 0 {
		return f
	}
	clause, err := filter.NewClause(chunk.FieldKBID, filter.OpIn, kbIDs)
	if err != nil {
		return f
	}
	return filter.And(clause).WithSub(f)
}

// page slices the merged result to the requested window and drops the
// field payloads of off-page hits.
func page(req *docstore.Request, res *docstore.Result) {
	if req.Limit <= 0 && req.Offset <= 0 {
		return
	}
	start := req.Offset
	if start > len(res.IDs) {
		start = len(res.IDs)
	}
	end := len(res.IDs)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	keep := make(map[string]struct{}, end-start)
	for _, id := range res.IDs[start:end] {
		keep[id] = struct{}{}
	}
	for id := range res.Fields {
		if _, ok := keep[id]; !ok {
			delete(res.Fields, id)
			delete(res.Scores, id)
			delete(res.Highlights, id)
		}
	}
	res.IDs = res.IDs[start:end]
}

type scanResult struct {
	IDs        []string
	Scores     map[string]float64
	Fields     map[string]map[string]any
	Highlights map[string]string
}

// scanRows maps pgx rows into the standardized result shape. The embedding
// column is re-keyed to its dimension-aware field name.
func scanRows(rows pgx.Rows) (*scanResult, error) {
	defer rows.Close()

	sr := &scanResult{
		Scores:     map[string]float64{},
		Fields:     map[string]map[string]any{},
		Highlights: map[string]string{},
	}
	descs := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		fields := make(map[string]any, len(descs))
		var score float64
		var highlight string
		for i, d := range descs {
			name := string(d.Name)
			switch name {
			case "score":
				score = chunk.Float(values[i])
			case "highlight":
				highlight = chunk.String(values[i])
			default:
				if v := normalizeValue(name, values[i], fields); v != nil {
					fields[name] = v
				}
			}
		}
		id := chunk.String(fields[chunk.FieldID])
		if id == "" {
			continue
		}
		sr.IDs = append(sr.IDs, id)
		sr.Scores[id] = score
		sr.Fields[id] = fields
		if highlight != "" {
			sr.Highlights[id] = highlight
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return sr, nil
}

// normalizeValue converts backend-native values to the shapes the rest of
// the pipeline expects. The embedding lands under its q_<dim>_vec key, so
// callers write it into the sibling fields map and drop the raw column.
func normalizeValue(name string, v any, fields map[string]any) any {
	if v == nil {
		return nil
	}
	if name == "embedding" {
		if vec, ok := v.(pgvector.Vector); ok {
			s := vec.Slice()
			if len(s) > 0 {
				fields[chunk.VectorField(len(s))] = s
			}
		}
		return nil
	}
	return v
}
