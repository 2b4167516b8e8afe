package job

import (
	"encoding/json"
	"fmt"
)

// Stage payloads. Every stage declares a typed input and output with an
// explicit schema validated at stage entry, instead of passing loose maps
// between stages.

// ParseInput is the input to the parse stage.
type ParseInput struct {
	SourcePath string `json:"source_path"`
}

func (p *ParseInput) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("parse input: source_path is required")
	}
	return nil
}

// ParseOutput is the result of document parsing.
type ParseOutput struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PreprocessInput is the input to the preprocess stage.
type PreprocessInput struct {
	Text string `json:"text"`
}

func (p *PreprocessInput) Validate() error {
	if p.Text == "" {
		return fmt.Errorf("preprocess input: text is required")
	}
	return nil
}

// PreprocessOutput is the result of cleaning and chunking.
type PreprocessOutput struct {
	CleanedText string            `json:"cleaned_text"`
	Chunks      []string          `json:"chunks"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EmbedInput is the input to the embed stage.
type EmbedInput struct {
	Chunks []string `json:"chunks"`
}

func (e *EmbedInput) Validate() error {
	if len(e.Chunks) == 0 {
		return fmt.Errorf("embed input: at least one chunk is required")
	}
	return nil
}

// EmbedOutput carries the document vector.
type EmbedOutput struct {
	Vector []float64 `json:"vector"`
	Chunks []string  `json:"chunks"`
}

// MetadataInput is the input to the extract_metadata stage.
type MetadataInput struct {
	CleanedText string `json:"cleaned_text"`
}

func (m *MetadataInput) Validate() error {
	if m.CleanedText == "" {
		return fmt.Errorf("metadata input: cleaned_text is required")
	}
	return nil
}

// MetadataOutput carries structured metadata extracted from the text.
type MetadataOutput struct {
	Extracted map[string]string `json:"extracted_metadata"`
}

// StoreInput is the input to the store stage. It joins both fan-out branch
// outputs.
type StoreInput struct {
	Vector     []float64         `json:"vector"`
	Chunks     []string          `json:"chunks"`
	Extracted  map[string]string `json:"extracted_metadata"`
	Collection string            `json:"collection"`
}

func (s *StoreInput) Validate() error {
	if len(s.Vector) == 0 {
		return fmt.Errorf("store input: vector is required")
	}
	if len(s.Chunks) == 0 {
		return fmt.Errorf("store input: chunks are required")
	}
	if s.Collection == "" {
		return fmt.Errorf("store input: collection is required")
	}
	return nil
}

// StoreOutput is the terminal stage result.
type StoreOutput struct {
	RecordID string `json:"record_id"`
}

// Accumulator merges stage outputs while a job is in flight. It is the
// in-progress counterpart of the final result payload.
type Accumulator struct {
	Parse      *ParseOutput      `json:"parse,omitempty"`
	Preprocess *PreprocessOutput `json:"preprocess,omitempty"`
	Embed      *EmbedOutput      `json:"embed,omitempty"`
	Metadata   *MetadataOutput   `json:"extract_metadata,omitempty"`
	Store      *StoreOutput      `json:"store,omitempty"`
}

// DecodeAccumulator parses the stored accumulator document; nil or empty
// input yields a fresh accumulator.
func DecodeAccumulator(raw json.RawMessage) (*Accumulator, error) {
	acc := &Accumulator{}
	if len(raw) == 0 {
		return acc, nil
	}
	if err := json.Unmarshal(raw, acc); err != nil {
		return nil, fmt.Errorf("decode accumulator: %w", err)
	}
	return acc, nil
}

