// Package valkey implements the docstore Connection over valkey-search
// (FT.SEARCH) via rueidis. Chunks live in hashes under "<index>:<id>";
// hybrid queries run the KNN and fulltext legs separately and fuse
// client-side, so the dealer's in-house rerank stays responsible for
// final scoring.
package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/harborml/chunkdex/internal/docstore"
	"github.com/harborml/chunkdex/internal/domain"
)

// Compile-time check: Store implements docstore.Connection.
var _ docstore.Connection = (*Store)(nil)

// Config holds connection parameters for a valkey store.
type Config struct {
	Addrs    []string
	Username string
	Password string
	DB       int
}

// Store implements docstore.Connection via rueidis.
type Store struct {
	client rueidis.Client
}

// NewStore creates a valkey store via rueidis.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
		AlwaysRESP2:  true, // FT.SEARCH result parsing expects RESP2 array format
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Store{client: client}, nil
}

// SupportsPrenormalizedFusion is false: the fused leg scores are raw
// (BM25 unnormalized), so the dealer must rerank in-house.
func (s *Store) SupportsPrenormalizedFusion() bool { return false }

// Health checks connectivity.
func (s *Store) Health(ctx context.Context) error {
	cmd := s.client.B().Ping().Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (s *Store) Close() {
	s.client.Close()
}

// WaitForReady polls Health until the store responds or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for store: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Health(ctx); err == nil {
				return nil
			}
		}
	}
}

// KV exposes the raw key-value surface of the store. Backs the embedding
// cache decorator.
func (s *Store) KV() KV { return KV{s: s} }

// KV is the raw key-value view of a Store.
type KV struct {
	s *Store
}

// Get retrieves a raw value by key, or domain.ErrNotFound.
func (k KV) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := k.s.b().Get().Key(key).Build()
	data, err := k.s.do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Set stores a raw value at the given key.
func (k KV) Set(ctx context.Context, key string, value []byte) error {
	cmd := k.s.b().Set().Key(key).Value(string(value)).Build()
	if err := k.s.do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	return s.client.Do(ctx, cmd)
}

func (s *Store) b() rueidis.Builder {
	return s.client.B()
}

// isValkeyErr checks if err is a server error containing substr (case-insensitive).
func isValkeyErr(err error, substr string) bool {
	re, ok := rueidis.IsRedisErr(err)
	if !ok {
		return false
	}
	return containsIgnoreCase(re.Error(), substr)
}

func containsIgnoreCase(s, substr string) bool {
	ls := len(s)
	lsub := len(substr)
	if lsub > ls {
		return false
	}
	for i := 0; i <= ls-lsub; i++ {
		match := true
		for j := 0; j < lsub; j++ {
			sc := s[i+j]
			tc := substr[j]
			if sc >= 'A' && sc <= 'Z' {
				sc += 'a' - 'A'
			}
			if tc >= 'A' && tc <= 'Z' {
				tc += 'a' - 'A'
			}
			if sc != tc {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
