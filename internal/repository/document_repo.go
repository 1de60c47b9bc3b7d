package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/lukewei/docgraph/internal/domain"
	"gorm.io/gorm"
)

// DocumentRepository is the durable document lifecycle store. Status writes go
// through conditional updates so concurrent advancement attempts surface as
// conflicts instead of silent overwrites.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new DocumentRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *DocumentRepository: repository instance bound to db.
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document record at upload-validation time.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - doc: document record to persist; status defaults to validated.
// Returns:
//   - error: non-nil if the insert fails.
func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	if doc.Status == "" {
		doc.Status = domain.DocumentStatusValidated
	}
	return r.db.WithContext(ctx).Create(doc).Error
}

// GetByID retrieves a document by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
// Returns:
//   - *domain.Document: document record if found.
//   - error: domain.ErrNotFound when absent.
func (r *DocumentRepository) GetByID(ctx context.Context, id uint) (*domain.Document, error) {
	var doc domain.Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// Advance conditionally moves a document from one status to the next. The
// update only applies while the stored status still equals from; a mismatch
// means another worker advanced the document concurrently.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - from: expected current status.
//   - to: target status.
// Returns:
//   - error: domain.ErrInvalidState for a transition outside the stage order,
//     domain.ErrConflict when the stored status does not match from.
func (r *DocumentRepository) Advance(ctx context.Context, id uint, from, to domain.DocumentStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s: %w", from, to, domain.ErrInvalidState)
	}
	res := r.db.WithContext(ctx).Model(&domain.Document{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("advance %s -> %s: %w", from, to, domain.ErrConflict)
	}
	return nil
}

// Fail transitions a non-terminal document to error and records the message.
// Completed and already-errored documents are left untouched: the first
// terminal write wins, so a late hard-timeout watchdog cannot regress a
// document that finished in the meantime.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - errMsg: verbatim error message.
// Returns:
//   - error: non-nil if the update fails.
func (r *DocumentRepository) Fail(ctx context.Context, id uint, errMsg string) error {
	return r.db.WithContext(ctx).Model(&domain.Document{}).
		Where("id = ? AND status NOT IN ?", id,
			[]domain.DocumentStatus{domain.DocumentStatusCompleted, domain.DocumentStatusError}).
		Updates(map[string]interface{}{
			"status":        domain.DocumentStatusError,
			"error_message": errMsg,
		}).Error
}

// RecordArtifact attaches a stage output reference to the document. Recording
// is rejected while the document has not yet reached the producing stage.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - kind: artifact kind.
//   - ref: storage key or handle of the artifact.
// Returns:
//   - error: domain.ErrInvalidState when called out of sequence.
func (r *DocumentRepository) RecordArtifact(ctx context.Context, id uint, kind domain.ArtifactKind, ref string) error {
	doc, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !domain.ArtifactAllowed(kind, doc.Status) {
		return fmt.Errorf("artifact %s in status %s: %w", kind, doc.Status, domain.ErrInvalidState)
	}
	column := domain.ArtifactColumn(kind)
	if column == "" {
		return fmt.Errorf("unknown artifact kind %s: %w", kind, domain.ErrInvalidState)
	}
	return r.db.WithContext(ctx).Model(&domain.Document{}).
		Where("id = ?", id).
		Update(column, ref).Error
}

// AssignParams sets the processing parameters once at pipeline start. Later
// calls are ignored so the parameters stay immutable for the document's life.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - chunkStrategy, maxTokens, analysisMode, templateID: processing parameters.
// Returns:
//   - error: non-nil if the update fails.
func (r *DocumentRepository) AssignParams(ctx context.Context, id uint, chunkStrategy string, maxTokens int, analysisMode string, templateID *uint) error {
	return r.db.WithContext(ctx).Model(&domain.Document{}).
		Where("id = ? AND params_assigned = ?", id, false).
		Updates(map[string]interface{}{
			"chunk_strategy":  chunkStrategy,
			"max_tokens":      maxTokens,
			"analysis_mode":   analysisMode,
			"template_id":     templateID,
			"params_assigned": true,
		}).Error
}

// SetGraphDocumentID records the graph-side document identity, assigned only
// once graph construction has succeeded.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
//   - graphID: identity of the document node in the graph store.
// Returns:
//   - error: non-nil if the update fails.
func (r *DocumentRepository) SetGraphDocumentID(ctx context.Context, id uint, graphID string) error {
	return r.db.WithContext(ctx).Model(&domain.Document{}).
		Where("id = ? AND (graph_document_id = '' OR graph_document_id IS NULL)", id).
		Update("graph_document_id", graphID).Error
}

// ResetForReprocessing returns an errored document to the validated state so
// a new pipeline run can start. Stage artifacts from the failed run are
// cleared; the graph document identity is kept so graph writes converge onto
// the same node.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: document ID.
// Returns:
//   - error: domain.ErrConflict when the document is not in the error state.
func (r *DocumentRepository) ResetForReprocessing(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&domain.Document{}).
		Where("id = ? AND status = ?", id, domain.DocumentStatusError).
		Updates(map[string]interface{}{
			"status":         domain.DocumentStatusValidated,
			"error_message":  "",
			"parsed_key":     "",
			"structured_key": "",
			"chunk_set_key":  "",
			"summary_key":    "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("reset from non-error state: %w", domain.ErrConflict)
	}
	return nil
}

// ListByStatus retrieves documents by status with pagination.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - status: document status to filter by.
//   - limit: maximum number of records to return.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Document: matching document records.
//   - error: non-nil if the query fails.
func (r *DocumentRepository) ListByStatus(ctx context.Context, status domain.DocumentStatus, limit, offset int) ([]domain.Document, error) {
	var docs []domain.Document
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Limit(limit).
		Offset(offset).
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}
