package chunk

import (
	"fmt"
	"strconv"
	"strings"
)

// Store field names for chunk records. The retrieval engine reads whatever
// schema the backend defines; these constants are the shared vocabulary.
const (
	FieldID                = "id"
	FieldDocID             = "doc_id"
	FieldDocName           = "docnm_kwd"
	FieldKBID              = "kb_id"
	FieldContentTokens     = "content_ltks"
	FieldContentWithWeight = "content_with_weight"
	FieldTitleTokens       = "title_tks"
	FieldImportantKeywords = "important_kwd"
	FieldQuestionTokens    = "question_tks"
	FieldTagKeywords       = "tag_kwd"
	FieldTagFeatures       = "tag_feas"
	FieldMomID             = "mom_id"
	FieldImgID             = "img_id"
	FieldImageID           = "image_id" // legacy alias tolerated on read
	FieldPageNum           = "page_num_int"
	FieldPosition          = "position_int"
	FieldTop               = "top_int"
	FieldAvailable         = "available_int"
	FieldPageRank          = "pagerank_fea"
	FieldCreateTimestamp   = "create_timestamp_flt"
)

// IndexName returns the per-tenant chunk index name. Tenant ids may carry
// dashes; index names must stay identifier-safe for every backend.
func IndexName(tenantID string) string {
	return "chunkdex_" + strings.ReplaceAll(tenantID, "-", "_")
}

// VectorField returns the dimension-keyed embedding field name, e.g. q_1024_vec.
func VectorField(dim int) string {
	return fmt.Sprintf("q_%d_vec", dim)
}

// IsVectorField reports whether name is a dimension-keyed embedding field
// and returns the dimension.
func IsVectorField(name string) (int, bool) {
	if !strings.HasPrefix(name, "q_") || !strings.HasSuffix(name, "_vec") {
		return 0, false
	}
	dim, err := strconv.Atoi(name[2 : len(name)-4])
	if err != nil || dim <= 0 {
		return 0, false
	}
	return dim, true
}

// Record is an assembled output chunk as returned by retrieval.
type Record struct {
	ID               string    `json:"chunk_id"`
	DocID            string    `json:"doc_id"`
	DocName          string    `json:"docnm_kwd"`
	KBID             string    `json:"kb_id"`
	ContentTokens    string    `json:"content_ltks"`
	Content          string    `json:"content_with_weight"`
	ImportantKwd     []string  `json:"important_kwd"`
	QuestionKwd      []string  `json:"question_kwd"`
	ImageID          string    `json:"image_id"`
	MomID            string    `json:"mom_id,omitempty"`
	Similarity       float64   `json:"similarity"`
	VectorSimilarity float64   `json:"vector_similarity"`
	TermSimilarity   float64   `json:"term_similarity"`
	Vector           []float32 `json:"vector"`
	Positions        [][]int   `json:"positions"`
	Highlight        string    `json:"highlight,omitempty"`
}

// FromFields assembles a Record from a stored field map, tolerating the
// legacy image_id alias and stringified metadata values.
func FromFields(id string, fields map[string]any) Record {
	img := String(fields[FieldImgID])
	if img == "" {
		img = String(fields[FieldImageID])
	}
	return Record{
		ID:            id,
		DocID:         String(fields[FieldDocID]),
		DocName:       String(fields[FieldDocName]),
		KBID:          String(fields[FieldKBID]),
		ContentTokens: String(fields[FieldContentTokens]),
		Content:       String(fields[FieldContentWithWeight]),
		ImportantKwd:  Strings(fields[FieldImportantKeywords]),
		QuestionKwd:   Strings(fields[FieldQuestionTokens]),
		ImageID:       img,
		MomID:         String(fields[FieldMomID]),
		Positions:     Positions(fields[FieldPosition]),
	}
}

// String coerces a stored field value to a string. Stores return either
// native strings or scalar values depending on the backend codec.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	}
	return fmt.Sprint(v)
}

// Strings coerces a stored field value to a string slice. Backends return
// multi-valued keyword fields either as lists or as single strings.
func Strings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, String(item))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return []string{String(v)}
}

// Float coerces a stored field value to a float64, defaulting to 0 for
// anything unparseable. Corrupt metadata must not fail a whole page.
func Float(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return 0
}

// Positions decodes stored positional metadata ([[page, left, right, top,
// bottom], ...]) tolerating both numeric and stringified encodings.
func Positions(v any) [][]int {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([][]int, 0, len(items))
	for _, item := range items {
		row, ok := item.([]any)
		if !ok {
			continue
		}
		pos := make([]int, 0, len(row))
		for _, n := range row {
			pos = append(pos, int(Float(n)))
		}
		out = append(out, pos)
	}
	return out
}
