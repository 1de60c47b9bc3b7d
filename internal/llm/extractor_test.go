package llm

import "testing"

func TestParseExtraction(t *testing.T) {
	raw := `{"entities":[{"name":"API","type":"system","description":"serves requests"}],
"relations":[{"source":"API","target":"DB","type":"depends_on","description":"reads"}],
"confidence":82}`

	extraction, err := parseExtraction(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(extraction.Entities) != 1 || extraction.Entities[0].Name != "API" {
		t.Errorf("entities = %+v", extraction.Entities)
	}
	if len(extraction.Relations) != 1 || extraction.Relations[0].Type != "depends_on" {
		t.Errorf("relations = %+v", extraction.Relations)
	}
	if extraction.Confidence != 82 {
		t.Errorf("confidence = %.1f", extraction.Confidence)
	}
}

func TestParseExtractionTrimsCodeFences(t *testing.T) {
	fenced := "```json\n{\"entities\":[],\"relations\":[],\"confidence\":50}\n```"
	extraction, err := parseExtraction(fenced)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if extraction.Confidence != 50 {
		t.Errorf("confidence = %.1f", extraction.Confidence)
	}
}

func TestParseExtractionClampsConfidence(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`{"entities":[],"relations":[],"confidence":150}`, 100},
		{`{"entities":[],"relations":[],"confidence":-5}`, 0},
	}
	for _, tt := range tests {
		extraction, err := parseExtraction(tt.raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if extraction.Confidence != tt.want {
			t.Errorf("confidence = %.1f, want %.1f", extraction.Confidence, tt.want)
		}
	}
}

func TestParseExtractionRejectsGarbage(t *testing.T) {
	if _, err := parseExtraction("not json at all"); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewExtractorSelectsStrategy(t *testing.T) {
	base := newClient("http://localhost", "key", "model", 0)
	if _, ok := NewExtractor("full", base).(*fullExtractor); !ok {
		t.Error("full mode should select the schema-constrained extractor")
	}
	if _, ok := NewExtractor("light", base).(*lightExtractor); !ok {
		t.Error("light mode should select the prompt-and-parse extractor")
	}
	if _, ok := NewExtractor("", base).(*lightExtractor); !ok {
		t.Error("unset mode should default to the light extractor")
	}
}
