package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// TaskType identifies the kind of asynchronous work a task performs.
type TaskType string

const (
	TaskTypeProcessDocument     TaskType = "process_document"
	TaskTypeBuildCommunities    TaskType = "build_communities"
	TaskTypeGenerateTemplate    TaskType = "generate_template"
	TaskTypeGenerateRequirement TaskType = "generate_requirement_document"
)

// TaskStatus represents the status of an asynchronous task.
// Transitions are monotonic; cancelled is only reachable from pending or running.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further status transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// JSONMap is a custom type for storing structured payloads as JSON in the database.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the map.
//   - error: non-nil if marshaling fails.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// TaskRecord is the durable record of one asynchronous unit of work.
// It is created at enqueue time and owned by the pipeline coordinator until
// it reaches a terminal status. At most one record per (document, type) pair
// may be running at any instant.
type TaskRecord struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	DocumentID     uint       `gorm:"not null;index:idx_tasks_doc_type" json:"document_id"`
	Type           TaskType   `gorm:"type:text;not null;index:idx_tasks_doc_type" json:"type"`
	Status         TaskStatus `gorm:"type:text;index:idx_tasks_status;default:pending" json:"status"`
	Progress       int        `gorm:"default:0" json:"progress"`
	CurrentStep    string     `gorm:"type:text" json:"current_step,omitempty"`
	TotalSteps     int        `gorm:"default:0" json:"total_steps"`
	CompletedSteps int        `gorm:"default:0" json:"completed_steps"`
	Params         JSONMap    `gorm:"type:text" json:"params,omitempty"`
	Result         JSONMap    `gorm:"type:text" json:"result,omitempty"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	WorkerID       string     `gorm:"type:text" json:"worker_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for TaskRecord.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (TaskRecord) TableName() string {
	return "task_records"
}
