package domain

import "errors"

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists signals a duplicate resource.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidQuery signals caller misuse: an alpha outside [0,1], an
	// unsupported search mode, or a query carrying neither vector nor text.
	// The API layer maps it to a 4xx response; backend failures are left
	// unwrapped so they map to 5xx.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidFilter signals a malformed metadata filter clause.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrUnknownEmbeddingDim signals that a result set's embedding dimension
	// could not be determined. Raised instead of guessing a zero-vector size,
	// which would silently corrupt downstream cosine math.
	ErrUnknownEmbeddingDim = errors.New("unknown embedding dimension")

	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrChatProviderError signals a chat model failure.
	ErrChatProviderError = errors.New("chat provider error")
)
