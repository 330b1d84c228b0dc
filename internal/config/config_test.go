package config

import "testing"

func validConfig() Config {
	return Config{
		HTTP: HTTPConfig{Port: 8080},
		Store: StoreConfig{
			Driver: "valkey",
			Addrs:  []string{"localhost:6379"},
		},
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		cfg := validConfig()
		cfg.HTTP.Port = port

		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for port %d", port)
		}
	}
}

func TestValidate_InvalidDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "elasticsearch"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown store driver")
	}

	expected := `store.driver must be "valkey" or "postgres", got "elasticsearch"`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_MissingValkeyAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Addrs = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing valkey addrs")
	}
}

func TestValidate_MissingPostgresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "postgres"
	cfg.Store.Addrs = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing postgres dsn")
	}

	cfg.Store.DSN = "postgres://localhost:5432/chunkdex"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_VectorWeightRange(t *testing.T) {
	for _, w := range []float64{-0.1, 1.5} {
		cfg := validConfig()
		cfg.Retrieval.VectorWeight = w

		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for vector weight %g", w)
		}
	}

	cfg := validConfig()
	cfg.Retrieval.VectorWeight = 0.7
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{HTTP: HTTPConfig{Port: 8080}}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("ReadTimeoutSec = %d, want 10", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.WriteTimeoutSec != 30 {
		t.Errorf("WriteTimeoutSec = %d, want 30", cfg.HTTP.WriteTimeoutSec)
	}
	if cfg.Store.Driver != "valkey" {
		t.Errorf("Store.Driver = %q, want valkey", cfg.Store.Driver)
	}
	if cfg.Retrieval.PageSize != 10 {
		t.Errorf("Retrieval.PageSize = %d, want 10", cfg.Retrieval.PageSize)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.2 {
		t.Errorf("Retrieval.SimilarityThreshold = %g, want 0.2", cfg.Retrieval.SimilarityThreshold)
	}
	if cfg.Retrieval.VectorWeight != 0.3 {
		t.Errorf("Retrieval.VectorWeight = %g, want 0.3", cfg.Retrieval.VectorWeight)
	}
	if cfg.Retrieval.Top != 1024 {
		t.Errorf("Retrieval.Top = %d, want 1024", cfg.Retrieval.Top)
	}
	if cfg.Tagging.Smoothing != 1000 {
		t.Errorf("Tagging.Smoothing = %d, want 1000", cfg.Tagging.Smoothing)
	}
	if cfg.Tagging.TopN != 3 {
		t.Errorf("Tagging.TopN = %d, want 3", cfg.Tagging.TopN)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:      HTTPConfig{Port: 8080, ReadTimeoutSec: 5},
		Store:     StoreConfig{Driver: "postgres"},
		Retrieval: RetrievalConfig{PageSize: 25, VectorWeight: 0.5},
		Tagging:   TaggingConfig{Smoothing: 500, TopN: 5},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 5 {
		t.Errorf("ReadTimeoutSec = %d, want 5", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Retrieval.PageSize != 25 {
		t.Errorf("Retrieval.PageSize = %d, want 25", cfg.Retrieval.PageSize)
	}
	if cfg.Retrieval.VectorWeight != 0.5 {
		t.Errorf("Retrieval.VectorWeight = %g, want 0.5", cfg.Retrieval.VectorWeight)
	}
	if cfg.Tagging.Smoothing != 500 {
		t.Errorf("Tagging.Smoothing = %d, want 500", cfg.Tagging.Smoothing)
	}
	if cfg.Tagging.TopN != 5 {
		t.Errorf("Tagging.TopN = %d, want 5", cfg.Tagging.TopN)
	}
}

func TestModelConfigConfigured(t *testing.T) {
	var m ModelConfig
	if m.Configured() {
		t.Error("empty model config should not report configured")
	}
	m.Model = "bge-reranker-v2-m3"
	if !m.Configured() {
		t.Error("model config with a model should report configured")
	}
}
