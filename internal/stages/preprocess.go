package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/sgbilod/docpipe/internal/job"
)

// Preprocessor normalizes extracted text and splits it into overlapping
// chunks sized for the embedding model.
type Preprocessor struct {
	ChunkSize    int
	ChunkOverlap int
}

// NewPreprocessor creates a Preprocessor; zero values fall back to 1000/200
// runes.
func NewPreprocessor(chunkSize, chunkOverlap int) *Preprocessor {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}
	return &Preprocessor{ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}
}

// Preprocess implements the preprocess stage contract.
func (p *Preprocessor) Preprocess(ctx context.Context, in *job.PreprocessInput) (*job.PreprocessOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, job.Transient(err)
	}

	cleaned := cleanText(in.Text)
	if cleaned == "" {
		return nil, fmt.Errorf("text is empty after cleaning")
	}

	chunks := chunkText(cleaned, p.ChunkSize, p.ChunkOverlap)

	return &job.PreprocessOutput{
		CleanedText: cleaned,
		Chunks:      chunks,
		Metadata: map[string]string{
			"chunk_count": strconv.Itoa(len(chunks)),
			"char_count":  strconv.Itoa(len(cleaned)),
		},
	}, nil
}

// cleanText collapses runs of whitespace to single spaces while preserving
// paragraph breaks.
func cleanText(text string) string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(paragraphs))

	for _, para := range paragraphs {
		var b strings.Builder
		space := false
		for _, r := range para {
			if unicode.IsSpace(r) {
				space = true
				continue
			}
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return strings.Join(out, "\n\n")
}

// chunkText splits text into rune windows of size with the given overlap,
// preferring to break at a word boundary near the window end.
func chunkText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}

		// Back up to the nearest space so words stay whole, within reason.
		cut := end
		for cut > start+step && !unicode.IsSpace(runes[cut-1]) {
			cut--
		}
		if cut == start+step {
			cut = end
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
