package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
)

// TaskHandler handles asynchronous task endpoints.
type TaskHandler struct {
	tasks *repository.TaskRepository
	docs  *repository.DocumentRepository
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(tasks *repository.TaskRepository, docs *repository.DocumentRepository) *TaskHandler {
	return &TaskHandler{tasks: tasks, docs: docs}
}

// submitRequest is the body of a task submission.
type submitRequest struct {
	Type   domain.TaskType `json:"type" binding:"required"`
	Params domain.JSONMap  `json:"params"`
}

var validTaskTypes = map[domain.TaskType]bool{
	domain.TaskTypeProcessDocument:     true,
	domain.TaskTypeBuildCommunities:    true,
	domain.TaskTypeGenerateTemplate:    true,
	domain.TaskTypeGenerateRequirement: true,
}

// Submit enqueues a task for a document. At most one pending or running task
// per (document, type) pair is accepted; duplicates get 409.
func (h *TaskHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	docID, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !validTaskTypes[req.Type] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task type"})
		return
	}

	if _, err := h.docs.GetByID(ctx, docID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}

	task, err := h.tasks.Submit(ctx, docID, req.Type, req.Params)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "a task of this type is already pending or running"})
			return
		}
		logger.CtxError(ctx, "Failed to submit task: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit task"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":     task.ID,
		"document_id": task.DocumentID,
		"type":        task.Type,
		"status":      task.Status,
	})
}

// Get returns one task record, including its progress and result payload.
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.tasks.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// Cancel requests cooperative cancellation of a pending or running task.
// Already committed pipeline work is not rolled back.
func (h *TaskHandler) Cancel(c *gin.Context) {
	err := h.tasks.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "task already finished"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
	}
}
