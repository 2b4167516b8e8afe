package stages

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgbilod/docpipe/internal/job"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses runs of spaces", "a   b\t\tc", "a b c"},
		{"preserves paragraph breaks", "para one\n\npara  two", "para one\n\npara two"},
		{"normalizes windows line endings", "a\r\n\r\nb", "a\n\nb"},
		{"trims leading and trailing whitespace", "  hello  ", "hello"},
		{"drops empty paragraphs", "a\n\n\n\n\n\nb", "a\n\nb"},
		{"whitespace only", " \n \t ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanText(tt.in))
		})
	}
}

func TestChunkText(t *testing.T) {
	t.Run("short text is a single chunk", func(t *testing.T) {
		chunks := chunkText("tiny", 100, 20)
		assert.Equal(t, []string{"tiny"}, chunks)
	})

	t.Run("long text is windowed with overlap", func(t *testing.T) {
		words := strings.Repeat("word ", 100)
		chunks := chunkText(strings.TrimSpace(words), 50, 10)

		require.Greater(t, len(chunks), 1)
		for _, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c)), 50)
			assert.NotEmpty(t, c)
		}

		// Consecutive chunks share text because of the overlap.
		joined := strings.Join(chunks, " ")
		assert.Greater(t, len(joined), len(strings.TrimSpace(words)))
	})

	t.Run("breaks at word boundaries", func(t *testing.T) {
		chunks := chunkText("alpha beta gamma delta epsilon", 12, 2)
		for _, c := range chunks {
			assert.False(t, strings.HasSuffix(c, "alph"),
				"chunk %q splits a word", c)
		}
	})
}

func TestPreprocessor_Preprocess(t *testing.T) {
	ctx := context.Background()

	t.Run("cleans and chunks", func(t *testing.T) {
		p := NewPreprocessor(10, 2)
		out, err := p.Preprocess(ctx, &job.PreprocessInput{Text: "hello   world this is a test"})
		require.NoError(t, err)
		assert.Equal(t, "hello world this is a test", out.CleanedText)
		assert.NotEmpty(t, out.Chunks)
		assert.Equal(t, "26", out.Metadata["char_count"])
	})

	t.Run("whitespace-only text fails", func(t *testing.T) {
		p := NewPreprocessor(0, 0)
		_, err := p.Preprocess(ctx, &job.PreprocessInput{Text: "  \n\t  "})
		require.Error(t, err)
		assert.False(t, job.IsTransient(err))
	})

	t.Run("defaults applied", func(t *testing.T) {
		p := NewPreprocessor(0, -1)
		assert.Equal(t, 1000, p.ChunkSize)
		assert.Equal(t, 200, p.ChunkOverlap)
	})
}
