package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sgbilod/docpipe/internal/job"
)

// MetadataExtractor calls an external structured-metadata extraction
// endpoint (title, topics, entities) over the cleaned document text.
type MetadataExtractor struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	// MaxTextBytes truncates the request body; extraction quality degrades
	// gracefully on long documents.
	MaxTextBytes int
}

// MetadataExtractorConfig configures the extraction client.
type MetadataExtractorConfig struct {
	Endpoint       string
	RequestTimeout time.Duration
	MaxTextBytes   int
}

// NewMetadataExtractor creates a MetadataExtractor.
func NewMetadataExtractor(cfg *MetadataExtractorConfig, logger *slog.Logger) *MetadataExtractor {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MaxTextBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &MetadataExtractor{
		endpoint:     cfg.Endpoint,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
		MaxTextBytes: maxBytes,
	}
}

type extractRequest struct {
	Text string `json:"text"`
}

type extractResponse struct {
	Metadata map[string]string `json:"metadata"`
}

// Extract implements the extract_metadata stage contract.
func (m *MetadataExtractor) Extract(ctx context.Context, in *job.MetadataInput) (*job.MetadataOutput, error) {
	text := in.CleanedText
	if len(text) > m.MaxTextBytes {
		text = text[:m.MaxTextBytes]
	}

	body, err := json.Marshal(extractRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if cerr := classifyHTTPError("extract_metadata", resp, err); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, job.Transient(fmt.Errorf("failed to decode extract response: %w", err))
	}

	m.logger.Debug("Metadata extracted",
		slog.Int("fields", len(out.Metadata)),
	)

	return &job.MetadataOutput{Extracted: out.Metadata}, nil
}
