package pipeline

import "strings"

// Chunking strategies. The paragraph strategy is the default; the sentence
// strategy is the adjusted fallback when the quality gate asks for a retry.
const (
	StrategyParagraph = "paragraph"
	StrategySentence  = "sentence"
)

// Chunk is one episode of document content, processed semi-independently
// during extraction.
type Chunk struct {
	Index   int    `json:"index"`
	Section string `json:"section"`
	Text    string `json:"text"`
	Tokens  int    `json:"tokens"`
}

// SplitChunks splits parsed sections into chunks under the token budget.
// Parameters:
//   - sections: parsed document sections.
//   - strategy: chunking strategy, StrategyParagraph or StrategySentence.
//   - maxTokens: token budget per chunk.
// Returns:
//   - []Chunk: ordered chunks.
func SplitChunks(sections []Section, strategy string, maxTokens int) []Chunk {
	if maxTokens <= 0 {
		maxTokens = 800
	}

	var chunks []Chunk
	for _, section := range sections {
		var parts []string
		if strategy == StrategySentence {
			parts = splitSentences(section.Text)
		} else {
			parts = splitParagraphs(section.Text)
		}

		var buf strings.Builder
		flush := func() {
			text := strings.TrimSpace(buf.String())
			if text == "" {
				return
			}
			chunks = append(chunks, Chunk{
				Index:   len(chunks),
				Section: section.Heading,
				Text:    text,
				Tokens:  estimateTokens(text),
			})
			buf.Reset()
		}

		for _, part := range parts {
			if buf.Len() > 0 && estimateTokens(buf.String())+estimateTokens(part) > maxTokens {
				flush()
			}
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(part)
		}
		flush()
	}
	return chunks
}

// ChunkingScore rates a chunk set 0-100: the share of chunks inside the token
// budget, with a penalty for fragments too small to carry meaning.
// Parameters:
//   - chunks: chunk set to score.
//   - maxTokens: token budget per chunk.
// Returns:
//   - float64: metric score 0-100.
func ChunkingScore(chunks []Chunk, maxTokens int) float64 {
	if len(chunks) == 0 {
		return 0
	}
	if maxTokens <= 0 {
		maxTokens = 800
	}
	good := 0
	for _, chunk := range chunks {
		if chunk.Tokens <= maxTokens && chunk.Tokens >= minChunkTokens {
			good++
		}
	}
	return float64(good) / float64(len(chunks)) * 100
}

// NextStrategy returns the adjusted strategy for a quality retry. Sentence is
// the terminal fallback; anything else keeps its strategy and lets the gate's
// retry budget run out.
// Parameters:
//   - strategy: strategy that produced the rejected chunk set.
// Returns:
//   - string: strategy to try next.
func NextStrategy(strategy string) string {
	if strategy == StrategyParagraph {
		return StrategySentence
	}
	return strategy
}

// minChunkTokens marks fragments too short to extract anything from.
const minChunkTokens = 8

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func splitSentences(text string) []string {
	var parts []string
	var buf strings.Builder
	for _, r := range text {
		buf.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(buf.String()); s != "" {
				parts = append(parts, s)
			}
			buf.Reset()
		}
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

// estimateTokens approximates the token count of a text. Four characters per
// token tracks the tokenizers used by the external models closely enough for
// budgeting.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
