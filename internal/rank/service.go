// Package rank scores retrieved candidates against a query.
//
// Two interchangeable strategies: a cheap hybrid combining token overlap
// and vector cosine via the term weighting engine, and an expensive path
// that delegates semantic similarity to an external rerank model.
package rank

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/result"
	"github.com/harborml/chunkdex/internal/domain/tagfeature"
	"github.com/harborml/chunkdex/internal/llm"
	"github.com/harborml/chunkdex/internal/nlp/termweight"
)

// Field repetition factors when building a candidate's token list. More
// important fields are repeated so their terms dominate the overlap score.
const (
	titleBoost    = 2
	keywordBoost  = 5
	questionBoost = 6
)

// tagAffinityScale converts the tag cosine (in [0,1]) into the same order
// of magnitude as pagerank bonuses.
const tagAffinityScale = 10.0

// Scores holds the three per-candidate similarity slices, parallel to the
// input candidate order.
type Scores struct {
	Fused  []float64
	Token  []float64
	Vector []float64
}

// Service computes fused relevance scores for retrieved candidates.
type Service struct {
	dealer *termweight.Dealer
}

// New creates a rerank service over the term weighting engine.
func New(dealer *termweight.Dealer) *Service {
	return &Service{dealer: dealer}
}

// Rerank scores every candidate in sres against the query using the cheap
// hybrid path: tkWeight*tokenSim + vtWeight*vectorCosine + rank-feature
// bonus. Slices come back in candidate order; an empty candidate set
// yields three empty slices.
func (s *Service) Rerank(
	sres *result.SearchResult,
	query string,
	tkWeight, vtWeight float64,
	contentField string,
	rankFeature map[string]float64,
) (Scores, error) {
	if sres.Empty() {
		return Scores{Fused: []float64{}, Token: []float64{}, Vector: []float64{}}, nil
	}
	if len(sres.QueryVector) == 0 {
		return Scores{}, fmt.Errorf("rerank: %w: search result carries no query vector", domain.ErrUnknownEmbeddingDim)
	}

	queryTokens := s.queryTokens(sres, query)
	vecField := chunk.VectorField(len(sres.QueryVector))
	bonus := s.rankFeatureScores(rankFeature, sres)

	sc := newScores(len(sres.IDs))
	for i, id := range sres.IDs {
		fields := sres.Fields[id]
		tokens := candidateTokens(fields, contentField)
		sc.Token[i] = s.dealer.TokenSimilarity(queryTokens, tokens)
		sc.Vector[i] = cosine(sres.QueryVector, chunkVector(fields[vecField], len(sres.QueryVector)))
		sc.Fused[i] = tkWeight*sc.Token[i] + vtWeight*sc.Vector[i] + bonus[i]
	}
	return sc, nil
}

// RerankByModel scores candidates with an external rerank model for the
// semantic leg, fused the same way as Rerank. Model token usage is recorded
// on the context's usage collector.
func (s *Service) RerankByModel(
	ctx context.Context,
	model llm.RerankModel,
	sres *result.SearchResult,
	query string,
	tkWeight, vtWeight float64,
	contentField string,
	rankFeature map[string]float64,
) (Scores, error) {
	if sres.Empty() {
		return Scores{Fused: []float64{}, Token: []float64{}, Vector: []float64{}}, nil
	}

	queryTokens := s.queryTokens(sres, query)
	bonus := s.rankFeatureScores(rankFeature, sres)

	texts := make([]string, len(sres.IDs))
	sc := newScores(len(sres.IDs))
	for i, id := range sres.IDs {
		fields := sres.Fields[id]
		tokens := candidateTokens(fields, contentField)
		sc.Token[i] = s.dealer.TokenSimilarity(queryTokens, tokens)
		texts[i] = removeRedundantSpaces(strings.Join(tokens, " "))
	}

	modelSims, tokens, err := model.Similarity(ctx, query, texts)
	if err != nil {
		return Scores{}, fmt.Errorf("rerank model: %w", err)
	}
	domain.UsageFromContext(ctx).AddRerankTokens(tokens)

	for i := range sres.IDs {
		if i < len(modelSims) {
			sc.Vector[i] = modelSims[i]
		}
		sc.Fused[i] = tkWeight*sc.Token[i] + vtWeight*sc.Vector[i] + bonus[i]
	}
	return sc, nil
}

// rankFeatureScores computes the per-candidate ranking bonus: the cosine
// between the candidate's tag-feature vector and the query's tag-affinity
// vector scaled by tagAffinityScale, plus the candidate's raw pagerank
// field. The pagerank term is always added, even with no query affinity.
// Zero-norm denominators contribute 0 rather than NaN.
func (s *Service) rankFeatureScores(queryRfea map[string]float64, sres *result.SearchResult) []float64 {
	out := make([]float64, len(sres.IDs))
	for i, id := range sres.IDs {
		out[i] = chunk.Float(sres.Field(id, chunk.FieldPageRank))
	}

	var qNorm float64
	for t, s := range queryRfea {
		if t == chunk.FieldPageRank {
			continue
		}
		qNorm += s * s
	}
	if qNorm == 0 {
		return out
	}
	qNorm = math.Sqrt(qNorm)

	for i, id := range sres.IDs {
		feats := tagfeature.Parse(sres.Field(id, chunk.FieldTagFeatures))
		if len(feats) == 0 {
			continue
		}
		var dot, dNorm float64
		for t, sc := range feats {
			if qs, ok := queryRfea[t]; ok {
				dot += qs * sc
			}
			dNorm += sc * sc
		}
		if dNorm == 0 {
			continue
		}
		out[i] += tagAffinityScale * dot / math.Sqrt(dNorm) / qNorm
	}
	return out
}

// queryTokens prefers the keywords extracted at search time, falling back
// to pre-tokenizing the raw query.
func (s *Service) queryTokens(sres *result.SearchResult, query string) []string {
	if len(sres.Keywords) > 0 {
		return sres.Keywords
	}
	return s.dealer.PreTokenize(query, termweight.PreTokenizeOpts{KeepNumbers: true})
}

// candidateTokens builds the weighted token list for one candidate:
// content tokens plus boosted title, important-keyword, and question terms.
func candidateTokens(fields map[string]any, contentField string) []string {
	if contentField == "" {
		contentField = chunk.FieldContentTokens
	}
	tokens := strings.Fields(chunk.String(fields[contentField]))

	repeat := func(vals []string, times int) {
		for _, v := range vals {
			for _, part := range strings.Fields(v) {
				for k := 0; k < times; k++ {
					tokens = append(tokens, part)
				}
			}
		}
	}
	repeat(strings.Fields(chunk.String(fields[chunk.FieldTitleTokens])), titleBoost)
	repeat(chunk.Strings(fields[chunk.FieldImportantKeywords]), keywordBoost)
	repeat(chunk.Strings(fields[chunk.FieldQuestionTokens]), questionBoost)
	return tokens
}

// chunkVector decodes a stored embedding, falling back to a zero vector of
// the query's dimension when the field is missing or malformed.
func chunkVector(v any, dim int) []float32 {
	switch t := v.(type) {
	case []float32:
		if len(t) == dim {
			return t
		}
	case []float64:
		if len(t) == dim {
			out := make([]float32, dim)
			for i, f := range t {
				out[i] = float32(f)
			}
			return out
		}
	case []any:
		if len(t) == dim {
			out := make([]float32, dim)
			for i, f := range t {
				out[i] = float32(chunk.Float(f))
			}
			return out
		}
	}
	return make([]float32, dim)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func newScores(n int) Scores {
	return Scores{
		Fused:  make([]float64, n),
		Token:  make([]float64, n),
		Vector: make([]float64, n),
	}
}

var spaceRun = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

// removeRedundantSpaces collapses whitespace runs to single spaces.
func removeRedundantSpaces(s string) string {
	return strings.Join(strings.Fields(spaceRun.Replace(s)), " ")
}
