package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lukewei/docgraph/internal/config"
	"github.com/lukewei/docgraph/internal/graph"
	"github.com/lukewei/docgraph/internal/llm"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/pipeline"
	"github.com/lukewei/docgraph/internal/repository"
	"github.com/lukewei/docgraph/internal/storage"
	"github.com/lukewei/docgraph/internal/worker"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(nil)
	logger.SetDefaultLogger(appLogger)

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	docRepo := repository.NewDocumentRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	graphClient, err := graph.NewClient(&cfg.Graph, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize graph client")
	}
	defer graphClient.Close(context.Background())

	vectorRepo, err := repository.NewChunkVectorRepository(&cfg.Qdrant)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize vector repository")
	}
	defer vectorRepo.Close()
	if err := vectorRepo.EnsureCollection(context.Background()); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure chunk collection")
	}

	store, err := storage.NewMinIOStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize object storage")
	}
	if err := store.EnsureBucket(context.Background()); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure artifact bucket")
	}

	clients := llm.NewClients(&cfg.LLM, &cfg.Embedding)
	gate := pipeline.NewGate(&cfg.Quality)

	coordinator := pipeline.NewCoordinator(&pipeline.Deps{
		Tasks:      taskRepo,
		Docs:       docRepo,
		Graph:      graphClient,
		Vectors:    vectorRepo,
		Store:      store,
		Extractor:  clients.Extractor,
		Summarizer: clients.Summarizer,
		Generator:  clients.Generator,
		Embedder:   clients.Embedder,
		Gate:       gate,
	}, &cfg.Worker, appLogger)

	pool := worker.NewPool(taskRepo, docRepo, coordinator, &cfg.Worker, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	appLogger.Info("Worker process started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down worker process")
	cancel()
	pool.Stop()
}
