package embcache

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/domain"
)

type mockModel struct {
	vector []float32
	tokens int
	err    error
	calls  int
}

func (m *mockModel) Encode(_ context.Context, texts []string) ([][]float32, int, error) {
	m.calls++
	if m.err != nil {
		return nil, 0, m.err
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = m.vector
	}
	return vecs, m.tokens * len(texts), nil
}

func (m *mockModel) EncodeQueries(ctx context.Context, query string) ([]float32, int, error) {
	vecs, tokens, err := m.Encode(ctx, []string{query})
	if err != nil {
		return nil, 0, err
	}
	return vecs[0], tokens, nil
}

// mockKVStore implements the consumer interface for tests.
type mockKVStore struct {
	getFn func(ctx context.Context, key string) ([]byte, error)
	setFn func(ctx context.Context, key string, value []byte) error
}

func (m *mockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, domain.ErrNotFound
}

func (m *mockKVStore) Set(ctx context.Context, key string, value []byte) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value)
	}
	return nil
}

func newTestCachedEmbedder(t *testing.T, inner *mockModel) (*CachedEmbedder, *mockKVStore) {
	t.Helper()
	ms := &mockKVStore{}
	ce := New(inner, ms, nil, zap.NewNop())
	return ce, ms
}
