package valkey

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/rueidis"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/filter"
	"github.com/harborml/chunkdex/internal/domain/search/mode"
	"github.com/harborml/chunkdex/internal/domain/search/query"
	"github.com/harborml/chunkdex/internal/domain/search/result"
	"github.com/harborml/chunkdex/internal/metrics"
)

// fulltextFields are the TEXT schema fields the text leg matches against.
var fulltextFields = []string{
	chunk.FieldContentTokens,
	chunk.FieldTitleTokens,
	chunk.FieldQuestionTokens,
}

// updateScanLimit caps how many matches an Update/Delete condition may touch
// in one call.
const updateScanLimit = 10000

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

	queryTokens := q.Tokens()
	if len(queryTokens) == 0 {
		queryTokens = uniformTokens(q.Text())
	}

	switch q.Mode() {
	case mode.Semantic:
		req.Vector = q.Vector()
	case mode.Fulltext:
		req.Text = q.Text()
		req.Tokens = queryTokens
	case mode.Tag:
		// Tag search matches the comma-separated tag keywords field.
		tags := strings.Split(q.Text(), ",")
		clause, err := filter.NewClause(chunk.FieldTagKeywords, filter.OpIn, tags)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
		}
		req.Filters = req.Filters.WithSub(filter.And(clause))
	default: // hybrid, default
		req.Vector = q.Vector()
		req.Text = q.Text()
		req.Tokens = queryTokens
	}

	return s.Search(ctx, req, indexes, kbIDs)
}

// Search runs the vector and fulltext legs across all indexes and fuses
// the scores client-side: alpha*vectorSim + (1-alpha)*rawBM25.
func (s *Store) Search(
	ctx context.Context, req *docstore.Request, indexes, kbIDs []string,
) (*docstore.Result, error) {
	res, err := s.search(ctx, req, indexes, kbIDs)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StoreQueriesTotal.WithLabelValues("valkey", "search", status).Inc()
	return res, err
}

func (s *Store) search(
	ctx context.Context, req *docstore.Request, indexes, kbIDs []string,
) (*docstore.Result, error) {
	if len(req.IDs) > 0 {
		return s.fetchByIDs(ctx, req, indexes)
	}

	scope, err := s.scopeFilter(req.Filters, kbIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidFilter, err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = req.Offset + req.Limit
	}
	if topK <= 0 {
		topK = query.DefaultTopK
	}

	merged := newMerger()
	for _, index := range indexes {
		if len(req.Vector) == 0 && len(req.Tokens) == 0 {
			if err := s.searchFilterOnly(ctx, index, req, scope, topK, merged); err != nil {
				return nil, err
			}
			continue
		}

		// The legs are independent round trips; run them concurrently and
		// fuse afterwards, vector hits first so tie order stays stable.
		var wg sync.WaitGroup
		var knnHits, textHits []legHit
		var knnErr, textErr error
		if len(req.Vector) > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				knnHits, knnErr = s.searchKNN(ctx, index, req, scope, topK)
			}()
		}
		if len(req.Tokens) > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				textHits, textErr = s.searchText(ctx, index, req, scope, topK)
			}()
		}
		wg.Wait()
		if knnErr != nil {
			return nil, knnErr
		}
		if textErr != nil {
			return nil, textErr
		}
		for _, h := range knnHits {
			merged.add(h.id, h.score, h.fields)
		}
		for _, h := range textHits {
			merged.add(h.id, h.score, h.fields)
		}
	}

	out := merged.result(req)
	s.highlight(req, out)
	aggregate(req, out)
	page(req, out)
	return out, nil
}

// legHit is one scored candidate coming out of a single search leg.
type legHit struct {
	id     string
	score  float64
	fields map[string]any
}

func (s *Store) searchKNN(
	ctx context.Context, index string, req *docstore.Request,
	scope string, topK int,
) ([]legHit, error) {
	vecField := chunk.VectorField(len(req.Vector))

	knnPart := fmt.Sprintf("[KNN %d @%s $BLOB]", topK, vecField)
	queryStr := "*=>" + knnPart
	if scope != "" {
		queryStr = fmt.Sprintf("(%s)=>%s", scope, knnPart)
	}

	args := []string{index, queryStr}
	args = appendReturnFields(args, req.SelectFields)
	args = append(args, "PARAMS", "2", "BLOB", vectorToBytes(req.Vector), "DIALECT", "2")

	cmd := s.b().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, fmt.Errorf("knn search %s: %w", index, err)
	}

	var hits []legHit
	err = parseSearchReply(raw, false, func(key string, score float64, fields map[string]any) {
		// __vector_score is a cosine distance; convert to similarity.
		sim := score
		if vs, ok := fields["__vector_score"]; ok {
			sim = 1.0 - chunk.Float(vs)
			delete(fields, "__vector_score")
		}
		if sim < req.MinSimilarity {
			return
		}
		hits = append(hits, legHit{chunkID(index, key), req.Alpha * sim, fields})
	})
	return hits, err
}

func (s *Store) searchText(
	ctx context.Context, index string, req *docstore.Request,
	scope string, topK int,
) ([]legHit, error) {
	textPart := fulltextExpr(req.Tokens)
	queryStr := textPart
	if scope != "" {
		queryStr = scope + " " + textPart
	}

	args := []string{index, queryStr}
	args = appendReturnFields(args, req.SelectFields)
	args = append(args, "WITHSCORES", "LIMIT", "0", strconv.Itoa(topK), "DIALECT", "2")

	cmd := s.b().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return nil, fmt.Errorf("text search %s: %w", index, err)
	}

	var hits []legHit
	err = parseSearchReply(raw, true, func(key string, score float64, fields map[string]any) {
		hits = append(hits, legHit{chunkID(index, key), (1 - req.Alpha) * score, fields})
	})
	return hits, err
}

func (s *Store) searchFilterOnly(
	ctx context.Context, index string, req *docstore.Request,
	scope string, topK int, m *merger,
) error {
	queryStr := scope
	if queryStr == "" {
		queryStr = "*"
	}

	args := []string{index, queryStr}
	args = appendReturnFields(args, req.SelectFields)
	args = append(args, "LIMIT", "0", strconv.Itoa(topK), "DIALECT", "2")

	cmd := s.b().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := s.do(ctx, cmd).ToArray()
	if err != nil {
		return fmt.Errorf("filter search %s: %w", index, err)
	}

	return parseSearchReply(raw, false, func(key string, score float64, fields map[string]any) {
		m.add(chunkID(index, key), score, fields)
	})
}

// Get fetches one chunk by id across the given indexes.
func (s *Store) Get(ctx context.Context, chunkID string, indexes []string) (map[string]any, error) {
	for _, index := range indexes {
		fields, err := s.hgetall(ctx, keyPrefix(index)+chunkID)
		if err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			return parseHashFields(fields), nil
		}
	}
	return nil, fmt.Errorf("chunk %s: %w", chunkID, domain.ErrNotFound)
}

// Insert stores chunk rows as hashes. Rows without an id get one assigned.
func (s *Store) Insert(ctx context.Context, rows []map[string]any, index string) ([]string, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id := chunk.String(row[chunk.FieldID])
		if id == "" {
			id = uuid.NewString()
		}

		encoded := encodeRow(row)
		cmd := s.b().Hset().Key(keyPrefix(index) + id).FieldValue()
		for f, v := range encoded {
			cmd = cmd.FieldValue(f, v)
		}
		if err := s.do(ctx, cmd.Build()).Error(); err != nil {
			return ids, fmt.Errorf("insert chunk %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Update applies new field values to every chunk matching the condition.
func (s *Store) Update(
	ctx context.Context, cond filter.Filters, values map[string]any, index string,
) (int, error) {
	ids, err := s.matchIDs(ctx, cond, index)
	if err != nil {
		return 0, err
	}

	encoded := encodeRow(values)
	updated := 0
	for _, id := range ids {
		cmd := s.b().Hset().Key(keyPrefix(index) + id).FieldValue()
		for f, v := range encoded {
			cmd = cmd.FieldValue(f, v)
		}
		if err := s.do(ctx, cmd.Build()).Error(); err != nil {
			return updated, fmt.Errorf("update chunk %s: %w", id, err)
		}
		updated++
	}
	return updated, nil
}

// Delete removes every chunk matching the condition.
func (s *Store) Delete(ctx context.Context, cond filter.Filters, index string) (int, error) {
	ids, err := s.matchIDs(ctx, cond, index)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, keyPrefix(index)+id)
	}
	cmd := s.b().Del().Key(keys...).Build()
	n, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return int(n), nil
}

// SQL is unsupported on the valkey backend.
func (s *Store) SQL(_ context.Context, _ string, _ int) (*docstore.Result, error) {
	return nil, fmt.Errorf("%w: valkey backend has no SQL surface", domain.ErrInvalidQuery)
}

// matchIDs resolves a filter condition to chunk ids. Conditions on the id
// field short-circuit without a search.
func (s *Store) matchIDs(ctx context.Context, cond filter.Filters, index string) ([]string, error) {
	if ids, ok := idFastPath(cond); ok {
		return ids, nil
	}

	res, err := s.search(ctx, &docstore.Request{
		Filters: cond,
		TopK:    updateScanLimit,
		Limit:   updateScanLimit,
	}, []string{index}, nil)
	if err != nil {
		return nil, err
	}
	return res.IDs, nil
}

// idFastPath extracts explicit ids from a single-clause id condition.
func idFastPath(cond filter.Filters) ([]string, bool) {
	clauses := cond.Clauses()
	if len(clauses) != 1 || len(cond.Sub()) != 0 {
		return nil, false
	}
	c := clauses[0]
	if c.Key() != chunk.FieldID {
		return nil, false
	}
	switch c.Op() {
	case filter.OpEq:
		return []string{chunk.String(c.Value())}, true
	case filter.OpIn:
		return c.ListValue(), true
	}
	return nil, false
}

func (s *Store) fetchByIDs(
	ctx context.Context, req *docstore.Request, indexes []string,
) (*docstore.Result, error) {
	out := &docstore.Result{
		Scores:       map[string]float64{},
		Fields:       map[string]map[string]any{},
		Highlights:   map[string]string{},
		Aggregations: map[string][]result.Bucket{},
	}

	for _, id := range req.IDs {
		for _, index := range indexes {
			fields, err := s.hgetall(ctx, keyPrefix(index)+id)
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				continue
			}
			out.IDs = append(out.IDs, id)
			out.Fields[id] = parseHashFields(fields)
			break
		}
	}

	out.Total = len(out.IDs)
	page(req, out)
	return out, nil
}

func (s *Store) hgetall(ctx context.Context, key string) (map[string]string, error) {
	cmd := s.b().Hgetall().Key(key).Build()
	fields, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// scopeFilter combines the metadata filters with the knowledge-base scope.
func (s *Store) scopeFilter(f filter.Filters, kbIDs []string) (string, error) {
	t := NewTranslator()
	expr, err := t.Translate(f)
	if err != nil {
		return "", err
	}
	if len(kbIDs) == 0 {
		return expr, nil
	}
	kbPart := tagListClause(chunk.FieldKBID, kbIDs)
	if expr == "" {
		return kbPart, nil
	}
	return expr + " " + kbPart, nil
}

// fulltextExpr builds the text leg: query terms OR-ed across the TEXT fields.
func fulltextExpr(tokens map[string]float64) string {
	terms := make([]string, 0, len(tokens))
	for t := range tokens {
		terms = append(terms, queryEscaper.Replace(t))
	}
	sort.Strings(terms) // deterministic query string
	return fmt.Sprintf("@%s:(%s)", strings.Join(fulltextFields, "|"), strings.Join(terms, " | "))
}

func uniformTokens(text string) map[string]float64 {
	tokens := map[string]float64{}
	for _, t := range strings.Fields(text) {
		tokens[t] = 1
	}
	return tokens
}

func appendReturnFields(args, fields []string) []string {
	if len(fields) == 0 {
		return args
	}
	args = append(args, "RETURN", strconv.Itoa(len(fields)))
	return append(args, fields...)
}

// chunkID strips the index key prefix from a hash key.
func chunkID(index, key string) string {
	return strings.TrimPrefix(key, keyPrefix(index))
}

// parseSearchReply walks an FT.SEARCH RESP2 reply. withScores selects the
// 3-stride layout ([total, key, score, fields, ...]) over the 2-stride one.
func parseSearchReply(
	raw []rueidis.RedisMessage, withScores bool,
	emit func(key string, score float64, fields map[string]any),
) error {
	if len(raw) == 0 {
		return nil
	}

	total, err := raw[0].AsInt64()
	if err != nil {
		return fmt.Errorf("parse total: %w", err)
	}
	if total == 0 {
		return nil
	}

	stride := 2
	if withScores {
		stride = 3
	}
	for i := 1; i+stride-1 < len(raw); i += stride {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}

		score := 0.0
		fieldsIdx := i + 1
		if withScores {
			scoreStr, err := raw[i+1].ToString()
			if err != nil {
				continue
			}
			if score, err = strconv.ParseFloat(scoreStr, 64); err != nil {
				continue
			}
			fieldsIdx = i + 2
		}

		fieldPairs, err := raw[fieldsIdx].ToArray()
		if err != nil {
			continue
		}

		emit(key, score, parseFieldPairs(fieldPairs))
	}
	return nil
}

func parseFieldPairs(pairs []rueidis.RedisMessage) map[string]any {
	m := make(map[string]string, len(pairs)/2)
	for j := 0; j+1 < len(pairs); j += 2 {
		name, err := pairs[j].ToString()
		if err != nil {
			continue
		}
		value, err := pairs[j+1].ToString()
		if err != nil {
			continue
		}
		m[name] = value
	}
	return parseHashFields(m)
}

// parseHashFields decodes hash string values into the shared field shape:
// vector fields to []float32, keyword fields to []string, features to
// their JSON value, everything else stays a string.
func parseHashFields(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		switch {
		case isVectorFieldName(name):
			out[name] = bytesToVector(value)
		case name == chunk.FieldImportantKeywords || name == chunk.FieldTagKeywords:
			out[name] = splitCSV(value)
		case name == chunk.FieldTagFeatures || name == chunk.FieldPosition:
			var decoded any
			if err := json.Unmarshal([]byte(value), &decoded); err == nil {
				out[name] = decoded
			} else {
				out[name] = value
			}
		default:
			out[name] = value
		}
	}
	return out
}

func isVectorFieldName(name string) bool {
	_, ok := chunk.IsVectorField(name)
	return ok
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// encodeRow renders row values into hash field strings.
func encodeRow(row map[string]any) map[string]string {
	out := make(map[string]string, len(row))
	for name, value := range row {
		if name == chunk.FieldID {
			continue
		}
		switch v := value.(type) {
		case []float32:
			out[name] = vectorToBytes(v)
		case []string:
			out[name] = strings.Join(v, ",")
		case string:
			out[name] = v
		case map[string]float64, map[string]any, []any:
			if data, err := json.Marshal(v); err == nil {
				out[name] = string(data)
			}
		default:
			out[name] = chunk.String(value)
		}
	}
	return out
}

func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}

func bytesToVector(data string) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	buf := []byte(data)
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// --- leg fusion ---

// merger accumulates candidates from both legs, preserving first-seen order.
type merger struct {
	order  []string
	scores map[string]float64
	fields map[string]map[string]any
	seen   map[string]struct{}
}

func newMerger() *merger {
	return &merger{
		scores: map[string]float64{},
		fields: map[string]map[string]any{},
		seen:   map[string]struct{}{},
	}
}

func (m *merger) add(id string, score float64, fields map[string]any) {
	if _, ok := m.seen[id]; !ok {
		m.seen[id] = struct{}{}
		m.order = append(m.order, id)
		m.fields[id] = fields
	} else {
		for k, v := range fields {
			m.fields[id][k] = v
		}
	}
	m.scores[id] += score
}

func (m *merger) result(req *docstore.Request) *docstore.Result {
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	// Stable: equal fused scores keep first-seen order.
	sort.SliceStable(ids, func(i, j int) bool {
		return m.scores[ids[i]] > m.scores[ids[j]]
	})

	return &docstore.Result{
		Total:        len(ids),
		IDs:          ids,
		Scores:       m.scores,
		Fields:       m.fields,
		Highlights:   map[string]string{},
		Aggregations: map[string][]result.Bucket{},
	}
}

// highlight wraps query terms in <em> tags client-side; valkey-search has
// no HIGHLIGHT clause.
func (s *Store) highlight(req *docstore.Request, res *docstore.Result) {
	if len(req.HighlightFields) == 0 || len(req.Tokens) == 0 {
		return
	}
	for _, id := range res.IDs {
		for _, f := range req.HighlightFields {
			text := chunk.String(res.Fields[id][f])
			if text == "" {
				continue
			}
			marked, hit := markTerms(text, req.Tokens)
			if hit {
				res.Highlights[id] = marked
				break
			}
		}
	}
}

func markTerms(text string, tokens map[string]float64) (string, bool) {
	words := strings.Fields(text)
	hit := false
	for i, w := range words {
		if _, ok := tokens[strings.ToLower(strings.Trim(w, `.,;:!?"'()`))]; ok {
			words[i] = "<em>" + w + "</em>"
			hit = true
		}
	}
	return strings.Join(words, " "), hit
}

// aggregate buckets the requested fields over every fused candidate.
func aggregate(req *docstore.Request, res *docstore.Result) {
	for _, field := range req.AggFields {
		counts := map[string]int64{}
		var order []string
		for _, id := range res.IDs {
			for _, v := range chunk.Strings(res.Fields[id][field]) {
				if v == "" {
					continue
				}
				if _, ok := counts[v]; !ok {
					order = append(order, v)
				}
				counts[v]++
			}
		}
		sort.SliceStable(order, func(i, j int) bool {
			return counts[order[i]] > counts[order[j]]
		})
		buckets := make([]result.Bucket, 0, len(order))
		for _, v := range order {
			buckets = append(buckets, result.Bucket{Value: v, Count: counts[v]})
		}
		res.Aggregations[field] = buckets
	}
}

// page applies offset/limit to the fused id list. Fields for off-page ids
// are dropped.
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
	kept := res.IDs[start:end]

	keep := make(map[string]struct{}, len(kept))
	for _, id := range kept {
		keep[id] = struct{}{}
	}
	for id := range res.Fields {
		if _, ok := keep[id]; !ok {
			delete(res.Fields, id)
			delete(res.Scores, id)
			delete(res.Highlights, id)
		}
	}
	res.IDs = kept
}
