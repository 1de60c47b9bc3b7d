package handler

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lukewei/docgraph/internal/domain"
	"github.com/lukewei/docgraph/internal/logger"
	"github.com/lukewei/docgraph/internal/repository"
	"github.com/lukewei/docgraph/internal/storage"
)

// maxUploadBytes caps accepted document uploads at 32 MiB.
const maxUploadBytes = 32 << 20

// DocumentHandler handles document upload and lifecycle endpoints.
type DocumentHandler struct {
	docs  *repository.DocumentRepository
	tasks *repository.TaskRepository
	store storage.ObjectStorage
}

// NewDocumentHandler creates a new document handler.
// Parameters:
//   - docs, tasks: durable stores.
//   - store: object storage for raw uploads.
// Returns:
//   - *DocumentHandler: initialized handler.
func NewDocumentHandler(docs *repository.DocumentRepository, tasks *repository.TaskRepository, store storage.ObjectStorage) *DocumentHandler {
	return &DocumentHandler{docs: docs, tasks: tasks, store: store}
}

// Upload accepts a multipart document upload, stores the raw content, and
// creates the document record in the validated state.
func (h *DocumentHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if fileHeader.Size <= 0 || fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file size out of range"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open upload"})
		return
	}
	defer file.Close()

	filename := filepath.Base(fileHeader.Filename)
	rawKey := fmt.Sprintf("documents/raw/%s-%s", uuid.New().String()[:8], filename)

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.store.Upload(ctx, rawKey, file, fileHeader.Size, contentType); err != nil {
		logger.CtxError(ctx, "Failed to store upload: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	doc := &domain.Document{
		Filename: filename,
		RawKey:   rawKey,
		Status:   domain.DocumentStatusValidated,
	}
	if err := h.docs.Create(ctx, doc); err != nil {
		logger.CtxError(ctx, "Failed to create document record: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":       doc.ID,
		"filename": doc.Filename,
		"status":   doc.Status,
	})
}

// Get returns one document by ID.
func (h *DocumentHandler) Get(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	doc, err := h.docs.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// List returns documents filtered by status.
func (h *DocumentHandler) List(c *gin.Context) {
	status := domain.DocumentStatus(c.DefaultQuery("status", string(domain.DocumentStatusCompleted)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	docs, err := h.docs.ListByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documents": docs,
		"count":     len(docs),
	})
}

// ListTasks returns the task history of one document, newest first.
func (h *DocumentHandler) ListTasks(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	tasks, err := h.tasks.ListByDocument(c.Request.Context(), id, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}
