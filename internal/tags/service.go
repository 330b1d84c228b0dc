// Package tags maintains and queries the aggregated tag-keyword frequency
// view of a knowledge base. Tag scores are a TF-IDF-style tradeoff: a tag
// earns a high score when it matches often locally but is rare globally.
package tags

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain/chunk"
	"github.com/harborml/chunkdex/internal/domain/search/result"
	"github.com/harborml/chunkdex/internal/nlp/termweight"
)

const (
	// DefaultSmoothing is the Laplace constant S: larger values flatten
	// the smoothed frequency distribution and discount rare tags harder.
	DefaultSmoothing = 1000

	// DefaultTopN caps how many tags survive scoring.
	DefaultTopN = 3

	// MinTagScore is the floor below which query tags are discarded.
	MinTagScore = 0.001

	// scoreScale lifts the raw ratio into a range comparable with the
	// fused retrieval score it later contributes to.
	scoreScale = 10.0

	// globalFreqFloor guards the inverse-frequency division for tags
	// missing from the global table.
	globalFreqFloor = 1e-6

	// keywordsTopN caps how many content tokens feed the tag match.
	keywordsTopN = 30
)

// Service scores documents and queries against the tag keyword index.
type Service struct {
	store  docstore.Connection
	dealer *termweight.Dealer
	logger *zap.Logger
}

// New creates a tag service over a document store.
func New(store docstore.Connection, dealer *termweight.Dealer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, dealer: dealer, logger: logger}
}

// AllTags returns the raw tag aggregation buckets over the knowledge bases.
func (s *Service) AllTags(ctx context.Context, tenantID string, kbIDs []string) ([]result.Bucket, error) {
	if len(kbIDs) == 0 {
		return nil, nil
	}
	buckets, _, err := s.tagAggregation(ctx, tenantID, kbIDs, "")
	return buckets, err
}

// AllTagsInPortion converts the aggregated tag counts into smoothed
// relative frequencies (count+1)/(total+S). An empty kb list yields an
// empty map without touching the store.
func (s *Service) AllTagsInPortion(
	ctx context.Context, tenantID string, kbIDs []string, smoothing float64,
) (map[string]float64, error) {
	if len(kbIDs) == 0 {
		return map[string]float64{}, nil
	}
	if smoothing <= 0 {
		smoothing = DefaultSmoothing
	}

	buckets, total, err := s.tagAggregation(ctx, tenantID, kbIDs, "")
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(buckets))
	for _, b := range buckets {
		out[b.Value] = float64(b.Count+1) / (total + smoothing)
	}
	return out, nil
}

// TagContent scores one chunk's own title and content tokens against the
// tag index and writes the winning tags into its tag_feas field. Reports
// whether any tag matched.
func (s *Service) TagContent(
	ctx context.Context,
	tenantID string,
	kbIDs []string,
	row map[string]any,
	allTags map[string]float64,
	topN int,
	smoothing float64,
) (bool, error) {
	if len(kbIDs) == 0 {
		return false, nil
	}

	matchText := strings.TrimSpace(strings.Join([]string{
		chunk.String(row[chunk.FieldTitleTokens]),
		chunk.String(row[chunk.FieldContentTokens]),
		strings.Join(chunk.Strings(row[chunk.FieldImportantKeywords]), " "),
	}, " "))
	if matchText == "" {
		return false, nil
	}

	buckets, cnt, err := s.tagAggregation(ctx, tenantID, kbIDs, matchText)
	if err != nil {
		return false, err
	}
	if len(buckets) == 0 {
		return false, nil
	}

	scored := computeTagScores(buckets, allTags, cnt, smoothing, topN)
	feas := make(map[string]float64, len(scored))
	for _, st := range scored {
		// Document-side tag weights are stored as counts; never below 1.
		feas[st.tag] = math.Max(1, math.Round(st.score))
	}
	row[chunk.FieldTagFeatures] = feas
	return true, nil
}

// TagQuery scores a free-text question against the tag index, returning
// the query's implied tag affinity. Tags scoring under the floor are
// dropped.
func (s *Service) TagQuery(
	ctx context.Context,
	question string,
	tenantID string,
	kbIDs []string,
	allTags map[string]float64,
	topN int,
	smoothing float64,
) (map[string]float64, error) {
	if len(kbIDs) == 0 || strings.TrimSpace(question) == "" {
		return map[string]float64{}, nil
	}

	buckets, cnt, err := s.tagAggregation(ctx, tenantID, kbIDs, question)
	if err != nil {
		return nil, err
	}
	if len(buckets) == 0 {
		return map[string]float64{}, nil
	}

	out := map[string]float64{}
	for _, st := range computeTagScores(buckets, allTags, cnt, smoothing, topN) {
		if st.score < MinTagScore {
			continue
		}
		out[st.tag] = st.score
	}
	return out, nil
}

// tagAggregation runs one aggregation-only search over tag_kwd. A
// non-empty matchText restricts the aggregation to chunks matching it.
// Returns the buckets and the summed match count.
func (s *Service) tagAggregation(
	ctx context.Context, tenantID string, kbIDs []string, matchText string,
) ([]result.Bucket, float64, error) {
	req := &docstore.Request{
		AggFields: []string{chunk.FieldTagKeywords},
	}
	if matchText != "" {
		tokens := s.dealer.PreTokenize(matchText, termweight.PreTokenizeOpts{KeepNumbers: true})
		if len(tokens) > keywordsTopN {
			tokens = tokens[:keywordsTopN]
		}
		req.Text = strings.Join(tokens, " ")
		req.Tokens = s.dealer.WeightMap(tokens, false)
	}

	res, err := s.store.Search(ctx, req, []string{chunk.IndexName(tenantID)}, kbIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("tag aggregation: %w", err)
	}

	buckets := res.Aggregations[chunk.FieldTagKeywords]
	var total float64
	for _, b := range buckets {
		total += float64(b.Count)
	}
	s.logger.Debug("tag aggregation",
		zap.String("tenant", tenantID),
		zap.Int("buckets", len(buckets)))
	return buckets, total, nil
}

type scoredTag struct {
	tag   string
	score float64
}

// computeTagScores turns matched aggregation buckets into scores:
// scale * (match+1)/(cnt+S) / max(eps, globalFreq), keeping the top-N.
// Dots in tag names become underscores for store-schema compatibility.
func computeTagScores(
	buckets []result.Bucket, allTags map[string]float64, cnt, smoothing float64, topN int,
) []scoredTag {
	if smoothing <= 0 {
		smoothing = DefaultSmoothing
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	scored := make([]scoredTag, 0, len(buckets))
	for _, b := range buckets {
		score := scoreScale * float64(b.Count+1) / (cnt + smoothing) /
			math.Max(globalFreqFloor, allTags[b.Value])
		scored = append(scored, scoredTag{
			tag:   strings.ReplaceAll(b.Value, ".", "_"),
			score: score,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > topN {
		scored = scored[:topN]
	}
	return scored
}
