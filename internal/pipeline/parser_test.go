package pipeline

import (
	"errors"
	"testing"

	"github.com/lukewei/docgraph/internal/domain"
)

func TestParseDocumentSections(t *testing.T) {
	raw := "# Overview\r\nThe system ingests documents.\r\n\r\n## Storage\nArtifacts live in object storage.\n"

	plain, sections, err := ParseDocument(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plain) == 0 {
		t.Fatal("expected normalized plain text")
	}
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	if sections[0].Heading != "Overview" {
		t.Errorf("first heading = %q", sections[0].Heading)
	}
	if sections[1].Heading != "Storage" {
		t.Errorf("second heading = %q", sections[1].Heading)
	}
	if sections[1].Text != "Artifacts live in object storage." {
		t.Errorf("second section text = %q", sections[1].Text)
	}
}

func TestParseDocumentWithoutHeadings(t *testing.T) {
	_, sections, err := ParseDocument("Just a plain body of text.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sections) != 1 || sections[0].Heading != "" {
		t.Fatalf("expected a single unnamed section, got %+v", sections)
	}
}

func TestParseDocumentEmpty(t *testing.T) {
	for _, raw := range []string{"", "   \n\r\n  "} {
		_, _, err := ParseDocument(raw)
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("ParseDocument(%q) error = %v, want ErrInvalidState", raw, err)
		}
	}
}
