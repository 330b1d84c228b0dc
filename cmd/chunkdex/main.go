package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/harborml/chunkdex/internal/config"
	"github.com/harborml/chunkdex/internal/docstore"
	pgstore "github.com/harborml/chunkdex/internal/docstore/postgres"
	valkeystore "github.com/harborml/chunkdex/internal/docstore/valkey"
	"github.com/harborml/chunkdex/internal/llm"
	"github.com/harborml/chunkdex/internal/llm/embcache"
	llmopenai "github.com/harborml/chunkdex/internal/llm/openai"
	logpkg "github.com/harborml/chunkdex/internal/logger"
	"github.com/harborml/chunkdex/internal/metrics"
	"github.com/harborml/chunkdex/internal/nlp/termweight"
	"github.com/harborml/chunkdex/internal/rank"
	"github.com/harborml/chunkdex/internal/search"
	"github.com/harborml/chunkdex/internal/tags"
	chiTransport "github.com/harborml/chunkdex/internal/transport/chi"
	"github.com/harborml/chunkdex/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting chunkdex API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("store_driver", cfg.Store.Driver),
	)

	ctx := context.Background()

	// Create document store based on driver
	var store docstore.Connection
	var kv embeddingKV
	switch cfg.Store.Driver {
	case "valkey":
		vk, verr := valkeystore.NewStore(valkeystore.Config{
			Addrs:    cfg.Store.Addrs,
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
		})
		if verr != nil {
			logger.Fatal("Failed to create valkey store", zap.Error(verr))
		}
		defer vk.Close()
		store = vk
		kv = vk.KV()
	case "postgres":
		pg, perr := pgstore.NewStore(ctx, pgstore.Config{DSN: cfg.Store.DSN})
		if perr != nil {
			logger.Fatal("Failed to create postgres store", zap.Error(perr))
		}
		defer pg.Close()
		store = pg
	default:
		logger.Fatal("Unknown store driver", zap.String("driver", cfg.Store.Driver))
	}

	// Wait for the store to be ready
	if err := waitForReady(ctx, store, time.Duration(cfg.Store.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Store not ready", zap.Error(err))
	}
	logger.Info("Connected to document store")

	// Register metrics explicitly (no init())
	metrics.RegisterRetrievalMetrics()
	metrics.RegisterModelMetrics()

	// Term-weighting dictionaries
	tables := termweight.EmptyTables()
	if cfg.NLP.DictDir != "" {
		tables = termweight.LoadTables(cfg.NLP.DictDir, logger)
	}
	tw := termweight.NewDealer(tables)

	models := buildModels(cfg.Models, kv, logger)

	// Services
	dealer := search.NewDealer(store, rank.New(tw), tw, logger)
	tagSvc := tags.New(store, tw, logger)

	server := chiTransport.NewServer(dealer, tagSvc, store, models, chiTransport.Defaults{
		PageSize:            cfg.Retrieval.PageSize,
		SimilarityThreshold: cfg.Retrieval.SimilarityThreshold,
		VectorWeight:        cfg.Retrieval.VectorWeight,
		Top:                 cfg.Retrieval.Top,
		TagTopN:             cfg.Tagging.TopN,
		TagSmoothing:        cfg.Tagging.Smoothing,
	}, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// embeddingKV is the key-value surface backing the embedding cache.
// Only the valkey driver exposes one.
type embeddingKV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// buildModels assembles the optional model collaborators. Each model is
// created only when its endpoint is configured.
func buildModels(cfg config.ModelsConfig, kv embeddingKV, logger *zap.Logger) chiTransport.Models {
	var models chiTransport.Models

	if cfg.Embedding.Configured() {
		var embedder llm.EmbeddingModel = llmopenai.NewEmbedder(&llmopenai.Config{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Logger:     logger,
		})
		if cfg.CacheEmbeddings && kv != nil {
			embedder = embcache.New(embedder, kv, metrics.EmbeddingCacheTotal, logger)
		}
		models.Embedder = embedder
		logger.Info("Embedding model created",
			zap.String("model", cfg.Embedding.Model),
			zap.Int("dimensions", cfg.Embedding.Dimensions),
			zap.Bool("cached", cfg.CacheEmbeddings && kv != nil),
		)
	}

	if cfg.Rerank.Configured() {
		models.Reranker = llmopenai.NewReranker(&llmopenai.Config{
			APIKey:  cfg.Rerank.APIKey,
			BaseURL: cfg.Rerank.BaseURL,
			Model:   cfg.Rerank.Model,
			Logger:  logger,
		})
		logger.Info("Rerank model created", zap.String("model", cfg.Rerank.Model))
	}

	if cfg.Chat.Configured() {
		models.Chat = llmopenai.NewChat(&llmopenai.Config{
			APIKey:  cfg.Chat.APIKey,
			BaseURL: cfg.Chat.BaseURL,
			Model:   cfg.Chat.Model,
			Logger:  logger,
		})
		logger.Info("Chat model created", zap.String("model", cfg.Chat.Model))
	}

	return models
}

// waitForReady polls the store's health until it responds or the timeout
// expires.
func waitForReady(ctx context.Context, store docstore.Connection, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := store.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for store: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
