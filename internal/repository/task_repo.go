package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lukewei/docgraph/internal/domain"
	"gorm.io/gorm"
)

// TaskRepository is the durable task record store. The single-flight invariant
// (at most one running task per (document, type) pair) is enforced here with
// conditional updates, never with external locking.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *TaskRepository: repository instance bound to db.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Submit creates a pending task record for a document. It rejects the
// submission when a pending or running task already exists for the same
// (document, type) pair. The count is only a fast path; the partial unique
// index on active pairs is what closes the race between concurrent submitters.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - documentID: owning document.
//   - taskType: kind of work to enqueue.
//   - params: caller-supplied processing parameters, may be nil.
// Returns:
//   - *domain.TaskRecord: the created record.
//   - error: domain.ErrAlreadyRunning on duplicate, otherwise storage errors.
func (r *TaskRepository) Submit(ctx context.Context, documentID uint, taskType domain.TaskType, params domain.JSONMap) (*domain.TaskRecord, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("document_id = ? AND type = ? AND status IN ?",
			documentID, taskType, []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning}).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, domain.ErrAlreadyRunning
	}

	task := &domain.TaskRecord{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Type:       taskType,
		Status:     domain.TaskStatusPending,
		Params:     params,
		CreatedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, domain.ErrAlreadyRunning
		}
		return nil, err
	}
	return task, nil
}

// Claim atomically moves a task from pending to running and stamps started_at.
// The compare-and-swap on status is the sole single-flight mechanism: under
// concurrent claim attempts exactly one caller observes a row change.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task to claim.
//   - workerID: identity of the claiming worker.
// Returns:
//   - bool: true if this call won the claim.
//   - error: non-nil if the update fails.
func (r *TaskRepository) Claim(ctx context.Context, taskID, workerID string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("id = ? AND status = ?", taskID, domain.TaskStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.TaskStatusRunning,
			"started_at": now,
			"worker_id":  workerID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// NextPending returns the oldest pending task, or domain.ErrNotFound when the
// queue is empty. Fairness across documents comes from oldest-first ordering.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *domain.TaskRecord: oldest pending task.
//   - error: domain.ErrNotFound when no task is pending.
func (r *TaskRepository) NextPending(ctx context.Context) (*domain.TaskRecord, error) {
	var task domain.TaskRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.TaskStatusPending).
		Order("created_at ASC").
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// GetByID retrieves a task record by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task ID.
// Returns:
//   - *domain.TaskRecord: task record if found.
//   - error: domain.ErrNotFound when absent.
func (r *TaskRepository) GetByID(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	var task domain.TaskRecord
	if err := r.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// UpdateProgress records pipeline progress on a running task.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task to update.
//   - progress: 0-100 overall progress.
//   - currentStep: human-readable step description.
//   - completedSteps, totalSteps: step counters, completedSteps <= totalSteps.
// Returns:
//   - error: non-nil if the update fails.
func (r *TaskRepository) UpdateProgress(ctx context.Context, taskID string, progress int, currentStep string, completedSteps, totalSteps int) error {
	if completedSteps > totalSteps {
		return fmt.Errorf("completed steps %d exceeds total %d: %w", completedSteps, totalSteps, domain.ErrInvalidState)
	}
	return r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("id = ? AND status = ?", taskID, domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"progress":        progress,
			"current_step":    currentStep,
			"completed_steps": completedSteps,
			"total_steps":     totalSteps,
		}).Error
}

// Complete marks a running task completed and stores its result payload.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task to complete.
//   - result: structured result payload.
// Returns:
//   - error: domain.ErrConflict if the task was not running.
func (r *TaskRepository) Complete(ctx context.Context, taskID string, result domain.JSONMap) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("id = ? AND status = ?", taskID, domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":       domain.TaskStatusCompleted,
			"progress":     100,
			"result":       result,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Fail marks a task failed with the causing error message preserved verbatim.
// A task already in a terminal state is left untouched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task to fail.
//   - errMsg: verbatim error message for operator diagnosis.
// Returns:
//   - error: non-nil if the update fails.
func (r *TaskRepository) Fail(ctx context.Context, taskID, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("id = ? AND status IN ?", taskID,
			[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning}).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"error_message": errMsg,
			"completed_at":  now,
		}).Error
}

// Cancel moves a task to cancelled. Only pending and running tasks may be
// cancelled; committed work is not rolled back.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task to cancel.
// Returns:
//   - error: domain.ErrInvalidState when the task is already terminal,
//     domain.ErrNotFound when absent.
func (r *TaskRepository) Cancel(ctx context.Context, taskID string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("id = ? AND status IN ?", taskID,
			[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning}).
		Updates(map[string]interface{}{
			"status":       domain.TaskStatusCancelled,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, taskID); err != nil {
			return err
		}
		return domain.ErrInvalidState
	}
	return nil
}

// IsCancelled reports whether the task has been cancelled. The pipeline polls
// this between stages to stop advancement cooperatively.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task to inspect.
// Returns:
//   - bool: true if the task status is cancelled.
//   - error: non-nil if the lookup fails.
func (r *TaskRepository) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	task, err := r.GetByID(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status == domain.TaskStatusCancelled, nil
}

// PurgeCompletedBefore deletes terminal task records older than the cutoff,
// implementing the result retention window.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - cutoff: completion time before which records are purged.
// Returns:
//   - int64: number of purged records.
//   - error: non-nil if the delete fails.
func (r *TaskRepository) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?",
			[]domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled},
			cutoff).
		Delete(&domain.TaskRecord{})
	return res.RowsAffected, res.Error
}

// ListByDocument retrieves tasks for a document, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - documentID: owning document.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.TaskRecord: matching task records.
//   - error: non-nil if the query fails.
func (r *TaskRepository) ListByDocument(ctx context.Context, documentID uint, limit int) ([]domain.TaskRecord, error) {
	var tasks []domain.TaskRecord
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}
