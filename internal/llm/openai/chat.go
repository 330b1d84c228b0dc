package openai

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/llm"
	"github.com/harborml/chunkdex/internal/metrics"
)

// Chat is a chat-completion provider using the OpenAI-compatible API.
type Chat struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

// NewChat creates an OpenAI-compatible chat provider.
func NewChat(cfg *Config) *Chat {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Chat{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// Chat implements llm.ChatModel.
func (c *Chat) Chat(ctx context.Context, system string, history []llm.Message) (string, int, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
	})

	duration := time.Since(start)

	if err != nil {
		metrics.ModelRequestsTotal.WithLabelValues("chat", c.model, "error").Inc()
		metrics.ModelErrorsTotal.WithLabelValues("chat", c.model, "api_error").Inc()
		return "", 0, parseAPIError("chat", err)
	}

	metrics.ModelRequestsTotal.WithLabelValues("chat", c.model, "success").Inc()
	metrics.ModelRequestDuration.WithLabelValues("chat", c.model).Observe(duration.Seconds())

	totalTokens := resp.Usage.TotalTokens
	if totalTokens > 0 {
		metrics.ModelTokensTotal.WithLabelValues("chat", c.model).Add(float64(totalTokens))
	}

	if len(resp.Choices) == 0 {
		return "", totalTokens, nil
	}
	return resp.Choices[0].Message.Content, totalTokens, nil
}
