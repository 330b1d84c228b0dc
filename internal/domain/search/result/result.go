package result

// Bucket is a single aggregation bucket: a field value and its hit count.
type Bucket struct {
	Value string
	Count int64
}

// SearchResult is the transient aggregate of one raw store query, kept in
// the write-through shape the rerank stage consumes. Created per search
// call, discarded after ranking.
type SearchResult struct {
	Total        int
	IDs          []string
	QueryVector  []float32
	Fields       map[string]map[string]any
	Highlight    map[string]string
	Aggregations []Bucket
	Keywords     []string

	// Scores are the backend's raw fused scores by chunk id. Used directly
	// when the backend normalizes fusion itself.
	Scores map[string]float64
}

// Empty reports whether the result carries no hits.
func (r *SearchResult) Empty() bool { return r == nil || len(r.IDs) == 0 }

// Field returns the named field of a chunk, or nil if absent.
func (r *SearchResult) Field(id, name string) any {
	if f, ok := r.Fields[id]; ok {
		return f[name]
	}
	return nil
}
