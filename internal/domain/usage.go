package domain

import "context"

type usageKey struct{}

// Usage collects model token consumption for a single request.
// The handler puts a mutable pointer into the context before calling the
// retrieval service; embedding/rerank/chat calls add to it; the handler
// reads it back for response headers.
type Usage struct {
	EmbeddingTokens int
	RerankTokens    int
	ChatTokens      int
	Used            bool // true if any model was called, even a cache hit with 0 tokens
}

// NewContextWithUsage returns a context with an embedded usage collector.
func NewContextWithUsage(ctx context.Context) (context.Context, *Usage) {
	u := &Usage{}
	return context.WithValue(ctx, usageKey{}, u), u
}

// UsageFromContext extracts the usage collector from context. Returns nil if not set.
func UsageFromContext(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}

// AddEmbeddingTokens records consumed embedding tokens.
func (u *Usage) AddEmbeddingTokens(n int) {
	if u != nil {
		u.EmbeddingTokens += n
		u.Used = true
	}
}

// AddRerankTokens records consumed rerank tokens.
func (u *Usage) AddRerankTokens(n int) {
	if u != nil {
		u.RerankTokens += n
		u.Used = true
	}
}

// AddChatTokens records consumed chat tokens.
func (u *Usage) AddChatTokens(n int) {
	if u != nil {
		u.ChatTokens += n
		u.Used = true
	}
}

// Total returns the combined token count.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.EmbeddingTokens + u.RerankTokens + u.ChatTokens
}
