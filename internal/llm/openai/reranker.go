package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/metrics"
)

const rerankSystemPrompt = `You are a relevance scoring assistant. Given a query and a list of text chunks,
score each chunk from 0.0 to 1.0 based on how relevant it is to the query.
Return ONLY a JSON array of objects with "index" and "score" fields. Example:
[{"index": 0, "score": 0.95}, {"index": 1, "score": 0.3}]`

// Chunks longer than this are truncated before scoring to bound prompt size.
const rerankChunkLimit = 500

// Reranker judges text relevance with a chat model. Providers without a
// native rerank endpoint get the same contract this way.
type Reranker struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

// NewReranker creates a chat-judged rerank provider.
func NewReranker(cfg *Config) *Reranker {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Reranker{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// Similarity implements llm.RerankModel. Scores come back in input order;
// entries the model failed to score stay 0.
func (r *Reranker) Similarity(ctx context.Context, query string, texts []string) ([]float64, int, error) {
	if len(texts) == 0 {
		return []float64{}, 0, nil
	}

	var sb strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i, truncate(t, rerankChunkLimit))
	}

	start := time.Now()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rerankSystemPrompt},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Query: %s\n\nChunks:\n%s", query, sb.String()),
			},
		},
		Temperature: r.temperature,
	})

	duration := time.Since(start)

	if err != nil {
		metrics.ModelRequestsTotal.WithLabelValues("rerank", r.model, "error").Inc()
		metrics.ModelErrorsTotal.WithLabelValues("rerank", r.model, "api_error").Inc()
		return nil, 0, parseAPIError("rerank", err)
	}

	metrics.ModelRequestsTotal.WithLabelValues("rerank", r.model, "success").Inc()
	metrics.ModelRequestDuration.WithLabelValues("rerank", r.model).Observe(duration.Seconds())

	totalTokens := resp.Usage.TotalTokens
	if totalTokens > 0 {
		metrics.ModelTokensTotal.WithLabelValues("rerank", r.model).Add(float64(totalTokens))
	}

	scores := make([]float64, len(texts))
	if len(resp.Choices) == 0 {
		return scores, totalTokens, nil
	}

	parsed, ok := parseScores(resp.Choices[0].Message.Content)
	if !ok {
		if r.logger != nil {
			r.logger.Warn("Rerank model returned unparsable scores", zap.String("model", r.model))
		}
		metrics.ModelErrorsTotal.WithLabelValues("rerank", r.model, "bad_scores").Inc()
		return scores, totalTokens, nil
	}
	for _, s := range parsed {
		if s.Index >= 0 && s.Index < len(scores) {
			scores[s.Index] = s.Score
		}
	}
	return scores, totalTokens, nil
}

type indexedScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// parseScores reads the JSON score array, tolerating markdown code fences.
func parseScores(content string) ([]indexedScore, bool) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var scores []indexedScore
	if err := json.Unmarshal([]byte(content), &scores); err != nil {
		return nil, false
	}
	return scores, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
