package domain

import "time"

// DocumentStatus represents a document's position in the processing pipeline.
// The progression is strictly ordered; error is reachable from any
// non-terminal status and never regresses back into the sequence.
type DocumentStatus string

const (
	DocumentStatusValidated DocumentStatus = "validated"
	DocumentStatusParsing   DocumentStatus = "parsing"
	DocumentStatusParsed    DocumentStatus = "parsed"
	DocumentStatusChunking  DocumentStatus = "chunking"
	DocumentStatusChunked   DocumentStatus = "chunked"
	DocumentStatusCompleted DocumentStatus = "completed"
	DocumentStatusError     DocumentStatus = "error"
)

// statusRank orders the non-error statuses for regression checks.
var statusRank = map[DocumentStatus]int{
	DocumentStatusValidated: 0,
	DocumentStatusParsing:   1,
	DocumentStatusParsed:    2,
	DocumentStatusChunking:  3,
	DocumentStatusChunked:   4,
	DocumentStatusCompleted: 5,
}

// IsTerminal reports whether the status allows no further pipeline advancement.
// An errored document can still be reprocessed through a new task record.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusCompleted || s == DocumentStatusError
}

// CanTransition reports whether a document may move from one status to another.
// Only single forward steps through the stage sequence are allowed, plus a
// jump to error from any non-terminal status.
func CanTransition(from, to DocumentStatus) bool {
	if to == DocumentStatusError {
		return !from.IsTerminal()
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}

// ArtifactKind identifies a stage output attached to a document.
type ArtifactKind string

const (
	ArtifactParsedContent     ArtifactKind = "parsed_content"
	ArtifactStructuredContent ArtifactKind = "structured_content"
	ArtifactChunkSet          ArtifactKind = "chunk_set"
	ArtifactSummary           ArtifactKind = "summary"
)

// artifactMinStatus is the earliest status at which each artifact may be recorded.
// Recording before the producing stage has begun is an out-of-sequence call.
var artifactMinStatus = map[ArtifactKind]DocumentStatus{
	ArtifactParsedContent:     DocumentStatusParsing,
	ArtifactStructuredContent: DocumentStatusParsing,
	ArtifactChunkSet:          DocumentStatusChunking,
	ArtifactSummary:           DocumentStatusChunked,
}

// ArtifactAllowed reports whether an artifact of the given kind may be
// recorded while the document is in the given status.
func ArtifactAllowed(kind ArtifactKind, status DocumentStatus) bool {
	min, ok := artifactMinStatus[kind]
	if !ok {
		return false
	}
	rank, ok := statusRank[status]
	if !ok {
		return false
	}
	return rank >= statusRank[min]
}

// Document is the durable lifecycle record of an uploaded document.
// Its status is mutated exclusively by the pipeline coordinator through the
// worker that currently holds the document's task record in running state.
type Document struct {
	ID              uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Filename        string         `gorm:"type:text;not null" json:"filename"`
	RawKey          string         `gorm:"type:text;not null" json:"raw_key"`
	Status          DocumentStatus `gorm:"type:text;index:idx_documents_status;default:validated" json:"status"`
	GraphDocumentID string         `gorm:"type:text" json:"graph_document_id,omitempty"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`

	// Artifact references, each set only once its producing stage succeeds.
	ParsedKey     string `gorm:"type:text" json:"parsed_key,omitempty"`
	StructuredKey string `gorm:"type:text" json:"structured_key,omitempty"`
	ChunkSetKey   string `gorm:"type:text" json:"chunk_set_key,omitempty"`
	SummaryKey    string `gorm:"type:text" json:"summary_key,omitempty"`

	// Processing parameters, set once at pipeline start and immutable after.
	ChunkStrategy  string `gorm:"type:text" json:"chunk_strategy,omitempty"`
	MaxTokens      int    `gorm:"default:0" json:"max_tokens,omitempty"`
	AnalysisMode   string `gorm:"type:text" json:"analysis_mode,omitempty"`
	TemplateID     *uint  `json:"template_id,omitempty"`
	ParamsAssigned bool   `gorm:"default:false" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Document.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Document) TableName() string {
	return "documents"
}

// ArtifactColumn maps an artifact kind to its column on the documents table.
// Parameters:
//   - kind: artifact kind to resolve.
// Returns:
//   - string: column name, empty when the kind is unknown.
func ArtifactColumn(kind ArtifactKind) string {
	switch kind {
	case ArtifactParsedContent:
		return "parsed_key"
	case ArtifactStructuredContent:
		return "structured_key"
	case ArtifactChunkSet:
		return "chunk_set_key"
	case ArtifactSummary:
		return "summary_key"
	default:
		return ""
	}
}
