package pipeline

import (
	"fmt"
	"strings"

	"github.com/lukewei/docgraph/internal/domain"
)

// Section is one heading-delimited block of parsed document content.
type Section struct {
	Heading string `json:"heading"`
	Text    string `json:"text"`
}

// ParseDocument turns raw uploaded text into plain content plus structured
// sections split on markdown-style headings. Content without headings becomes
// a single unnamed section.
// Parameters:
//   - raw: raw uploaded document bytes as text.
// Returns:
//   - string: normalized plain text.
//   - []Section: heading-delimited sections.
//   - error: domain.ErrInvalidState when the document is empty.
func ParseDocument(raw string) (string, []Section, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return "", nil, fmt.Errorf("document has no content: %w", domain.ErrInvalidState)
	}

	var sections []Section
	current := Section{}
	var buf strings.Builder

	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text != "" || current.Heading != "" {
			current.Text = text
			sections = append(sections, current)
		}
		buf.Reset()
	}

	for _, line := range strings.Split(normalized, "\n") {
		if strings.HasPrefix(line, "#") {
			flush()
			current = Section{Heading: strings.TrimSpace(strings.TrimLeft(line, "# "))}
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()

	if len(sections) == 0 {
		sections = []Section{{Text: normalized}}
	}

	return normalized, sections, nil
}
