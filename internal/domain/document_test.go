package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from DocumentStatus
		to   DocumentStatus
		want bool
	}{
		{"validated to parsing", DocumentStatusValidated, DocumentStatusParsing, true},
		{"parsing to parsed", DocumentStatusParsing, DocumentStatusParsed, true},
		{"parsed to chunking", DocumentStatusParsed, DocumentStatusChunking, true},
		{"chunking to chunked", DocumentStatusChunking, DocumentStatusChunked, true},
		{"chunked to completed", DocumentStatusChunked, DocumentStatusCompleted, true},
		{"skip a stage", DocumentStatusValidated, DocumentStatusParsed, false},
		{"skip to completed", DocumentStatusParsing, DocumentStatusCompleted, false},
		{"regression", DocumentStatusParsed, DocumentStatusParsing, false},
		{"regression from completed", DocumentStatusCompleted, DocumentStatusChunked, false},
		{"self transition", DocumentStatusParsing, DocumentStatusParsing, false},
		{"error from validated", DocumentStatusValidated, DocumentStatusError, true},
		{"error from chunking", DocumentStatusChunking, DocumentStatusError, true},
		{"error from completed", DocumentStatusCompleted, DocumentStatusError, false},
		{"error from error", DocumentStatusError, DocumentStatusError, false},
		{"out of error back into sequence", DocumentStatusError, DocumentStatusParsing, false},
		{"unknown status", DocumentStatus("bogus"), DocumentStatusParsing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestDocumentStatusIsTerminal(t *testing.T) {
	terminal := []DocumentStatus{DocumentStatusCompleted, DocumentStatusError}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []DocumentStatus{
		DocumentStatusValidated, DocumentStatusParsing, DocumentStatusParsed,
		DocumentStatusChunking, DocumentStatusChunked,
	}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestArtifactAllowed(t *testing.T) {
	tests := []struct {
		name   string
		kind   ArtifactKind
		status DocumentStatus
		want   bool
	}{
		{"parsed content during parsing", ArtifactParsedContent, DocumentStatusParsing, true},
		{"parsed content after parsing", ArtifactParsedContent, DocumentStatusChunked, true},
		{"parsed content before parsing", ArtifactParsedContent, DocumentStatusValidated, false},
		{"chunk set during chunking", ArtifactChunkSet, DocumentStatusChunking, true},
		{"chunk set before chunking", ArtifactChunkSet, DocumentStatusParsed, false},
		{"summary at chunked", ArtifactSummary, DocumentStatusChunked, true},
		{"summary too early", ArtifactSummary, DocumentStatusChunking, false},
		{"unknown kind", ArtifactKind("thumbnail"), DocumentStatusCompleted, false},
		{"errored document", ArtifactChunkSet, DocumentStatusError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ArtifactAllowed(tt.kind, tt.status); got != tt.want {
				t.Errorf("ArtifactAllowed(%s, %s) = %v, want %v", tt.kind, tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	if TaskStatusPending.IsTerminal() || TaskStatusRunning.IsTerminal() {
		t.Error("pending and running must not be terminal")
	}
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
