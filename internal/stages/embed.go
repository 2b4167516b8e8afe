package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sgbilod/docpipe/internal/job"
)

// Embedder calls an external embeddings endpoint. The call is rate limited
// client-side to stay under the provider's quota; quota and availability
// errors are transient and follow the retry path.
type Embedder struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// EmbedderConfig configures the embeddings client.
type EmbedderConfig struct {
	Endpoint       string
	RequestTimeout time.Duration
	RequestsPerSec float64
	Burst          int
}

// NewEmbedder creates an Embedder.
func NewEmbedder(cfg *EmbedderConfig, logger *slog.Logger) *Embedder {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Embedder{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		logger:   logger,
	}
}

type embedRequest struct {
	Chunks []string `json:"chunks"`
}

type embedResponse struct {
	Vector []float64 `json:"vector"`
}

// Embed implements the embed stage contract.
func (e *Embedder) Embed(ctx context.Context, in *job.EmbedInput) (*job.EmbedOutput, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, job.Transient(fmt.Errorf("rate limiter: %w", err))
	}

	body, err := json.Marshal(embedRequest{Chunks: in.Chunks})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if cerr := classifyHTTPError("embed", resp, err); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, job.Transient(fmt.Errorf("failed to decode embed response: %w", err))
	}
	if len(out.Vector) == 0 {
		return nil, fmt.Errorf("embed response contained no vector")
	}

	e.logger.Debug("Embeddings generated",
		slog.Int("chunks", len(in.Chunks)),
		slog.Int("vector_dim", len(out.Vector)),
	)

	return &job.EmbedOutput{Vector: out.Vector, Chunks: in.Chunks}, nil
}
