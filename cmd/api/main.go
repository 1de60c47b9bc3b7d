package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lukewei/docgraph/internal/api"
	"github.com/lukewei/docgraph/internal/config"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
	"github.com/lukewei/docgraph/internal/storage"
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

	store, err := storage.NewMinIOStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize object storage")
	}
	if err := store.EnsureBucket(context.Background()); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure artifact bucket")
	}

	router := api.SetupRouter(db, docRepo, taskRepo, store, appLogger, cfg.Server.Mode)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.Infof("API server listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.WithError(err).Error("Forced shutdown")
	}
}
