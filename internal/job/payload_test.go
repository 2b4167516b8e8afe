package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{ Validate() error }
		wantErr string
	}{
		{"valid parse input", &ParseInput{SourcePath: "/tmp/a.txt"}, ""},
		{"parse input missing path", &ParseInput{}, "source_path is required"},

		{"valid preprocess input", &PreprocessInput{Text: "hello"}, ""},
		{"preprocess input empty text", &PreprocessInput{}, "text is required"},

		{"valid embed input", &EmbedInput{Chunks: []string{"a"}}, ""},
		{"embed input no chunks", &EmbedInput{}, "at least one chunk is required"},

		{"valid metadata input", &MetadataInput{CleanedText: "x"}, ""},
		{"metadata input empty", &MetadataInput{}, "cleaned_text is required"},

		{
			"valid store input",
			&StoreInput{Vector: []float64{0.1}, Chunks: []string{"a"}, Collection: "documents"},
			"",
		},
		{
			"store input missing vector",
			&StoreInput{Chunks: []string{"a"}, Collection: "documents"},
			"vector is required",
		},
		{
			"store input missing chunks",
			&StoreInput{Vector: []float64{0.1}, Collection: "documents"},
			"chunks are required",
		},
		{
			"store input missing collection",
			&StoreInput{Vector: []float64{0.1}, Chunks: []string{"a"}},
			"collection is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDecodeAccumulator(t *testing.T) {
	t.Run("empty input yields fresh accumulator", func(t *testing.T) {
		acc, err := DecodeAccumulator(nil)
		require.NoError(t, err)
		assert.Nil(t, acc.Parse)
		assert.Nil(t, acc.Embed)
	})

	t.Run("round trip through stage keys", func(t *testing.T) {
		raw, err := json.Marshal(map[string]any{
			"parse":            ParseOutput{Text: "body"},
			"embed":            EmbedOutput{Vector: []float64{0.5}, Chunks: []string{"body"}},
			"extract_metadata": MetadataOutput{Extracted: map[string]string{"lang": "en"}},
		})
		require.NoError(t, err)

		acc, err := DecodeAccumulator(raw)
		require.NoError(t, err)
		require.NotNil(t, acc.Parse)
		assert.Equal(t, "body", acc.Parse.Text)
		require.NotNil(t, acc.Embed)
		assert.Equal(t, []float64{0.5}, acc.Embed.Vector)
		require.NotNil(t, acc.Metadata)
		assert.Equal(t, "en", acc.Metadata.Extracted["lang"])
		assert.Nil(t, acc.Store)
	})

	t.Run("malformed document", func(t *testing.T) {
		_, err := DecodeAccumulator(json.RawMessage(`{not json`))
		assert.Error(t, err)
	})
}
