package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/cascade/internal/agents"
	"github.com/nidhogg/cascade/internal/api"
	"github.com/nidhogg/cascade/internal/config"
	"github.com/nidhogg/cascade/internal/knowledge"
	"github.com/nidhogg/cascade/internal/memory"
	"github.com/nidhogg/cascade/internal/pipeline"
	"github.com/nidhogg/cascade/internal/progress"
	"github.com/nidhogg/cascade/internal/provider"
	"github.com/nidhogg/cascade/internal/search"
	pgstore "github.com/nidhogg/cascade/internal/store"
	"github.com/nidhogg/cascade/internal/stream"
	"github.com/nidhogg/cascade/internal/translate"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Cascade...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/cascade.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey, Model: pc.Model,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	if len(router.IDs()) == 0 {
		logger.Fatal("no LLM providers configured")
	}

	// PostgreSQL persistence
	var store *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			migrationsDir := cfg.Database.Postgres.MigrationsDir
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if mErr := ps.Migrate(context.Background(), migrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
		}
	}

	// Redis recent-turn context
	var recent *memory.Recent
	if cfg.Database.Redis.URL != "" {
		rc, rErr := memory.New(memory.Config{
			URL:      cfg.Database.Redis.URL,
			MaxTurns: cfg.Workflow.HistoryTurns,
		}, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without recent context", zap.Error(rErr))
		} else {
			recent = rc
		}
	}

	// Qdrant knowledge base
	var knowledgeSearcher pipeline.KnowledgeSearcher
	var qdrantStore *knowledge.QdrantStore
	if cfg.Database.Qdrant.Host != "" && cfg.Embedding.Endpoint != "" {
		qcfg := knowledge.QdrantConfig{
			Host:       cfg.Database.Qdrant.Host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.Database.Qdrant.Collection,
			Dimension:  cfg.Database.Qdrant.Dimension,
		}
		if qcfg.Collection == "" {
			qcfg.Collection = "cascade_kb"
		}
		qs, qErr := knowledge.NewQdrantStore(qcfg)
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without knowledge base", zap.Error(qErr))
		} else {
			if eErr := qs.EnsureCollection(context.Background(), qcfg.Collection, qcfg.Dimension); eErr != nil {
				logger.Warn("Qdrant collection check failed, running without knowledge base", zap.Error(eErr))
				qs.Close()
			} else {
				embedder := knowledge.NewAPIEmbedder(knowledge.EmbedConfig{
					Endpoint: cfg.Embedding.Endpoint,
					Model:    cfg.Embedding.Model,
					APIKey:   cfg.Embedding.APIKey,
				})
				knowledgeSearcher = knowledge.NewSearcher(embedder, qs, qcfg, logger)
				qdrantStore = qs
				logger.Info("Knowledge base connected", zap.String("collection", qcfg.Collection))
			}
		}
	}

	// Web search + scraping
	var webSearcher pipeline.WebSearcher
	var scraper pipeline.Scraper
	searchClient := search.NewClient(search.Config{
		TavilyAPIKey: cfg.Search.TavilyAPIKey,
		JinaAPIKey:   cfg.Search.JinaAPIKey,
	}, logger)
	if searchClient.Enabled() {
		webSearcher = searchClient
		scraper = searchClient
	} else {
		logger.Warn("no search API keys configured, web search disabled")
	}

	// Progress bus and pipeline
	bus := progress.NewBus(progress.Options{
		IdleTimeout: seconds(cfg.Workflow.IdleTimeoutSeconds),
		GraceDelay:  seconds(cfg.Workflow.GraceDelaySeconds),
	}, logger)

	llmAgents := agents.New(router, "", logger)
	orchestrator := pipeline.NewOrchestrator(pipeline.Capabilities{
		Intent:     llmAgents,
		Enhancer:   llmAgents,
		Decomposer: llmAgents,
		Evaluator:  llmAgents,
		Knowledge:  knowledgeSearcher,
		WebSearch:  webSearcher,
		Scraper:    scraper,
		Generator:  llmAgents,
	}, bus, pipeline.Config{
		TopURLs:          cfg.Workflow.TopURLsToScrape,
		RetrievalTimeout: seconds(cfg.Workflow.RetrievalTimeoutSeconds),
		ScrapePool:       cfg.Workflow.ScrapeConcurrency,
	}, logger)

	translator := translate.New(router, "", logger)

	// HTTP surface
	verifier := stream.StaticTokenVerifier{Token: cfg.Auth.Token}
	if cfg.Auth.Token == "" {
		logger.Warn("auth token not configured, all stream and chat requests will be rejected")
	}
	transport := stream.NewTransport(bus, verifier, seconds(cfg.Workflow.KeepaliveSeconds), logger)

	handler := api.NewHandler(orchestrator, bus, transport, verifier, store, recent, translator,
		map[string]bool{
			"knowledge_base": knowledgeSearcher != nil,
			"web_search":     webSearcher != nil,
			"persistence":    store != nil,
			"recent_context": recent != nil,
		}, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Cascade listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Cascade...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	bus.Close()
	if store != nil {
		store.Close()
	}
	if recent != nil {
		recent.Close()
	}
	if qdrantStore != nil {
		qdrantStore.Close()
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
