// Package llm defines the model contracts the retrieval pipeline consumes.
// Implementations live in sub-packages; consumers depend on these narrow
// interfaces only.
package llm

import "context"

// EmbeddingModel converts texts into dense vectors.
type EmbeddingModel interface {
	// Encode embeds a batch of passages. Returns one vector per input and
	// the token count billed by the provider.
	Encode(ctx context.Context, texts []string) ([][]float32, int, error)
	// EncodeQueries embeds a single query string.
	EncodeQueries(ctx context.Context, query string) ([]float32, int, error)
}

// RerankModel scores texts against a query.
type RerankModel interface {
	// Similarity returns one relevance score per text, in input order,
	// and the token count consumed.
	Similarity(ctx context.Context, query string, texts []string) ([]float64, int, error)
}

// Message is one turn of a chat exchange.
type Message struct {
	Role    string
	Content string
}

// ChatModel generates a completion from a system prompt and history.
type ChatModel interface {
	Chat(ctx context.Context, system string, history []Message) (string, int, error)
}
