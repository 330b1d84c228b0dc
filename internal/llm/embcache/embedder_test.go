package embcache

import (
	"context"
	"errors"
	"testing"

	"github.com/harborml/chunkdex/internal/domain"
)

func TestEncode_AllMisses(t *testing.T) {
	inner := &mockModel{vector: []float32{0.1, 0.2}, tokens: 5}
	ce, ms := newTestCachedEmbedder(t, inner)

	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		return nil, domain.ErrNotFound
	}
	var setCount int
	ms.setFn = func(_ context.Context, _ string, _ []byte) error {
		setCount++
		return nil
	}

	vecs, tokens, err := ce.Encode(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(vecs))
	}
	if setCount != 2 {
		t.Errorf("expected 2 cache puts, got %d", setCount)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 call to inner, got %d", inner.calls)
	}
	if tokens != 10 {
		t.Errorf("expected tokens=10, got %d", tokens)
	}
}

func TestEncode_AllHits(t *testing.T) {
	inner := &mockModel{vector: []float32{0.1}}
	ce, ms := newTestCachedEmbedder(t, inner)

	cached := vectorToCacheBytes([]float32{0.9, 0.8})
	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		return cached, nil
	}

	vecs, tokens, err := ce.Encode(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.9 {
		t.Fatalf("expected cached vectors, got %v", vecs)
	}
	if tokens != 0 {
		t.Errorf("expected tokens=0 on all hits, got %d", tokens)
	}
	if inner.calls != 0 {
		t.Errorf("expected 0 inner calls (all cache hits), got %d", inner.calls)
	}
}

func TestEncode_MixedHitsMisses(t *testing.T) {
	inner := &mockModel{vector: []float32{0.5}, tokens: 3}
	ce, ms := newTestCachedEmbedder(t, inner)

	cachedVec := vectorToCacheBytes([]float32{0.9})
	callNum := 0
	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		callNum++
		if callNum == 2 { // second text is cached
			return cachedVec, nil
		}
		return nil, domain.ErrNotFound
	}
	ms.setFn = func(_ context.Context, _ string, _ []byte) error { return nil }

	vecs, tokens, err := ce.Encode(context.Background(), []string{"miss1", "hit1", "miss2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(vecs))
	}
	if vecs[1][0] != 0.9 {
		t.Errorf("expected cached vec for index 1, got %v", vecs[1])
	}
	if vecs[0][0] != 0.5 || vecs[2][0] != 0.5 {
		t.Errorf("expected inner vec for misses, got %v, %v", vecs[0], vecs[2])
	}
	// Only misses consume tokens
	if tokens != 6 {
		t.Errorf("expected tokens=6 (2 misses * 3), got %d", tokens)
	}
}

func TestEncode_InnerError(t *testing.T) {
	inner := &mockModel{err: errors.New("api down")}
	ce, ms := newTestCachedEmbedder(t, inner)

	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		return nil, domain.ErrNotFound
	}

	_, _, err := ce.Encode(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error from inner model")
	}
}

func TestEncode_CorruptCacheEntryFallsThrough(t *testing.T) {
	inner := &mockModel{vector: []float32{0.5}, tokens: 2}
	ce, ms := newTestCachedEmbedder(t, inner)

	// 3 bytes is not a valid float32 payload.
	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		return []byte{1, 2, 3}, nil
	}

	vecs, _, err := ce.Encode(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs[0][0] != 0.5 {
		t.Errorf("expected fallthrough to inner model, got %v", vecs[0])
	}
	if inner.calls != 1 {
		t.Errorf("expected inner call on corrupt entry, got %d", inner.calls)
	}
}

func TestEncodeQueries_UsesCache(t *testing.T) {
	inner := &mockModel{vector: []float32{0.1}}
	ce, ms := newTestCachedEmbedder(t, inner)

	cached := vectorToCacheBytes([]float32{0.7})
	ms.getFn = func(_ context.Context, _ string) ([]byte, error) {
		return cached, nil
	}

	vec, tokens, err := ce.EncodeQueries(context.Background(), "query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vec[0] != 0.7 || tokens != 0 {
		t.Errorf("expected cached query vector with 0 tokens, got %v / %d", vec, tokens)
	}
}
