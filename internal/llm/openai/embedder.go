// Package openai implements the llm contracts over the OpenAI-compatible
// API (OpenAI, Nebius, vLLM and friends).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/domain"
	"github.com/harborml/chunkdex/internal/metrics"
)

// Embedder is an embedding provider using the OpenAI-compatible API.
type Embedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	user       string
	logger     *zap.Logger
}

// Config holds the provider settings shared by all OpenAI-backed models.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	User       string
	Logger     *zap.Logger
}

// NewEmbedder creates an OpenAI-compatible embedding provider.
func NewEmbedder(cfg *Config) *Embedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Embedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		user:       cfg.User,
		logger:     cfg.Logger,
	}
}

// Encode implements llm.EmbeddingModel. Returns one vector per input text
// and the total tokens billed, with transport-level metrics.
func (e *Embedder) Encode(ctx context.Context, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return [][]float32{}, 0, nil
	}

	req := openai.EmbeddingRequest{
		Input:          texts,
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		User:           e.user,
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	start := time.Now()

	resp, err := e.client.CreateEmbeddings(ctx, req)

	duration := time.Since(start)

	if err != nil {
		metrics.ModelRequestsTotal.WithLabelValues("embedding", string(e.model), "error").Inc()
		metrics.ModelErrorsTotal.WithLabelValues("embedding", string(e.model), "api_error").Inc()
		return nil, 0, parseAPIError("embedding", err)
	}

	if len(resp.Data) != len(texts) {
		metrics.ModelRequestsTotal.WithLabelValues("embedding", string(e.model), "error").Inc()
		metrics.ModelErrorsTotal.WithLabelValues("embedding", string(e.model), "short_response").Inc()
		return nil, 0, fmt.Errorf("embedding response has %d vectors for %d inputs: %w",
			len(resp.Data), len(texts), domain.ErrEmbeddingProviderError)
	}

	metrics.ModelRequestsTotal.WithLabelValues("embedding", string(e.model), "success").Inc()
	metrics.ModelRequestDuration.WithLabelValues("embedding", string(e.model)).Observe(duration.Seconds())

	totalTokens := resp.Usage.TotalTokens
	if totalTokens > 0 {
		metrics.ModelTokensTotal.WithLabelValues("embedding", string(e.model)).Add(float64(totalTokens))
	}

	// Providers may return vectors out of order; restore by Index.
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		} else {
			vectors[i] = d.Embedding
		}
	}
	return vectors, totalTokens, nil
}

// EncodeQueries implements llm.EmbeddingModel for a single query string.
func (e *Embedder) EncodeQueries(ctx context.Context, query string) ([]float32, int, error) {
	vecs, tokens, err := e.Encode(ctx, []string{query})
	if err != nil {
		return nil, 0, err
	}
	return vecs[0], tokens, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (e *Embedder) HealthCheck(ctx context.Context) error {
	if _, err := e.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// parseAPIError extracts a human-readable error from the API response.
// Embedding errors wrap domain.ErrEmbeddingProviderError, chat errors wrap
// domain.ErrChatProviderError, both for correct 502 mapping.
func parseAPIError(kind string, err error) error {
	wrap := domain.ErrEmbeddingProviderError
	if kind == "chat" || kind == "rerank" {
		wrap = domain.ErrChatProviderError
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail != "" {
			return fmt.Errorf("%s API error %d: %s: %w",
				kind, reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("%s API error %d: %s: %w",
			kind, reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s API error %d: %s: %w",
			kind, apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("%s request failed: %w", kind, wrap)
}

// extractDetail extracts the "detail" field from a JSON error body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
