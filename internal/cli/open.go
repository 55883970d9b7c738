package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/config"
	"github.com/lazypower/mnemo/internal/engine"
	"github.com/lazypower/mnemo/internal/llm"
	"github.com/lazypower/mnemo/internal/metrics"
	"github.com/lazypower/mnemo/internal/pgstore"
	"github.com/lazypower/mnemo/internal/store"
)

// corpusLimit bounds how many records seed the TF-IDF vocabulary.
const corpusLimit = 5000

// runtime is an opened engine and everything it holds.
type runtime struct {
	engine   *engine.Engine
	db       *store.DB
	registry *prometheus.Registry
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// openRuntime opens the stores and builds the engine from cfg.
func openRuntime(ctx context.Context, cfg config.Config, log *zap.Logger) (*runtime, error) {
	rt := &runtime{registry: prometheus.NewRegistry()}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.db = db
	rt.closers = append(rt.closers, func() { db.Close() })

	var records engine.RecordStore = db
	if cfg.Postgres.URL != "" {
		pg, err := pgstore.New(ctx, cfg.Postgres.URL, cfg.Embedding.Dimensions)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		if err := pg.Init(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		records = pg
		log.Info("cli: records in postgres", zap.Int("dimensions", cfg.Embedding.Dimensions))
	}

	emb, err := openEmbedder(ctx, cfg.Embedding, records, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Warn("cli: llm not configured, using fallback summarizer", zap.Error(err))
		client = nil
	}

	var m *metrics.Metrics
	if cfg.Telemetry.Metrics {
		rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(rt.registry)
	}

	e, err := engine.New(db, cfg, engine.Options{
		Records:    records,
		Embedder:   emb,
		Summarizer: engine.NewLLMSummarizer(client),
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	rt.engine = e

	log.Info("cli: engine ready",
		zap.String("db", dbPath),
		zap.String("llm", cfg.LLM.Provider),
		zap.Bool("embedder", emb != nil))
	return rt, nil
}

// openEmbedder falls back to TF-IDF when Ollama is unreachable.
func openEmbedder(ctx context.Context, ec config.EmbeddingConfig, records engine.RecordStore, log *zap.Logger) (engine.Embedder, error) {
	if ec.Provider == "ollama" && !engine.ProbeOllama(ctx, ec.OllamaURL, ec.Model) {
		log.Warn("cli: ollama unreachable, using tfidf embedder",
			zap.String("url", ec.OllamaURL),
			zap.String("model", ec.Model))
		ec.Provider = "tfidf"
	}

	var corpus []string
	if ec.Provider == "tfidf" {
		var err error
		corpus, err = engine.LoadCorpus(ctx, records, corpusLimit)
		if err != nil {
			return nil, err
		}
	}
	emb, err := engine.NewEmbedder(ec, corpus)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return emb, nil
}
