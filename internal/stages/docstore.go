package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/sgbilod/docpipe/internal/job"
)

// DocStore persists the finished document into the documents table. The
// write is an upsert keyed by job id: at-least-once task delivery means the
// store stage can run twice for the same job, and the second run must land
// on the same record instead of inserting a duplicate. Idempotency here is a
// contract, not an accident.
type DocStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewDocStore creates a DocStore.
func NewDocStore(db *sqlx.DB, logger *slog.Logger) *DocStore {
	return &DocStore{db: db, logger: logger}
}

// Store implements the store stage contract.
func (d *DocStore) Store(ctx context.Context, jobID string, in *job.StoreInput) (*job.StoreOutput, error) {
	vector, err := json.Marshal(in.Vector)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	chunks, err := json.Marshal(in.Chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunks: %w", err)
	}
	meta, err := json.Marshal(in.Extracted)
	if err != nil {
		return nil, fmt.Errorf("failed to encode extracted metadata: %w", err)
	}

	query := `
		INSERT INTO documents (job_id, collection, vector, chunks, extracted_metadata, stored_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET collection = EXCLUDED.collection,
		    vector = EXCLUDED.vector,
		    chunks = EXCLUDED.chunks,
		    extracted_metadata = EXCLUDED.extracted_metadata,
		    stored_at = NOW()
		RETURNING job_id
	`

	var recordID string
	if err := d.db.QueryRowContext(ctx, query, jobID, in.Collection, vector, chunks, meta).Scan(&recordID); err != nil {
		// Database unavailability is transient; the retry path covers it.
		return nil, job.Transient(fmt.Errorf("failed to store document: %w", err))
	}

	d.logger.Info("Document stored",
		slog.String("record_id", recordID),
		slog.String("collection", in.Collection),
		slog.Int("chunks", len(in.Chunks)),
	)

	return &job.StoreOutput{RecordID: recordID}, nil
}
