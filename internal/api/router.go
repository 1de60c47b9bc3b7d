package api

import (
	"github.com/gin-gonic/gin"
	"github.com/lukewei/docgraph/internal/api/handler"
	"github.com/lukewei/docgraph/internal/api/middleware"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
	"github.com/lukewei/docgraph/internal/storage"
	"gorm.io/gorm"
)

// SetupRouter configures the Gin router with all routes.
func SetupRouter(
	db *gorm.DB,
	docs *repository.DocumentRepository,
	tasks *repository.TaskRepository,
	store storage.ObjectStorage,
	log *logger.Logger,
	mode string,
) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS())

	healthHandler := handler.NewHealthHandler(db)
	documentHandler := handler.NewDocumentHandler(docs, tasks, store)
	taskHandler := handler.NewTaskHandler(tasks, docs)

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/documents", documentHandler.Upload)
		v1.GET("/documents", documentHandler.List)
		v1.GET("/documents/:id", documentHandler.Get)
		v1.GET("/documents/:id/tasks", documentHandler.ListTasks)
		v1.POST("/documents/:id/tasks", taskHandler.Submit)

		v1.GET("/tasks/:id", taskHandler.Get)
		v1.POST("/tasks/:id/cancel", taskHandler.Cancel)
	}

	return r
}
