package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sgbilod/docpipe/internal/job"
)

// Handler executes one stage against its raw task payload and returns the
// stage's typed output. Errors wrapped with job.Transient follow the
// retry/backoff path; everything else fails the job immediately.
type Handler func(ctx context.Context, t *job.Task) (any, error)

// Registry maps stage names to handlers. The zero value is ready to use.
type Registry struct {
	handlers map[job.Stage]Handler
}

// NewRegistry wires the five pipeline stages.
func NewRegistry(p *Parser, pre *Preprocessor, e *Embedder, m *MetadataExtractor, d *DocStore) *Registry {
	r := &Registry{handlers: make(map[job.Stage]Handler)}

	r.Register(job.StageParse, func(ctx context.Context, t *job.Task) (any, error) {
		var in job.ParseInput
		if err := decode(t.Payload, &in); err != nil {
			return nil, err
		}
		return p.Parse(ctx, &in)
	})
	r.Register(job.StagePreprocess, func(ctx context.Context, t *job.Task) (any, error) {
		var in job.PreprocessInput
		if err := decode(t.Payload, &in); err != nil {
			return nil, err
		}
		return pre.Preprocess(ctx, &in)
	})
	r.Register(job.StageEmbed, func(ctx context.Context, t *job.Task) (any, error) {
		var in job.EmbedInput
		if err := decode(t.Payload, &in); err != nil {
			return nil, err
		}
		return e.Embed(ctx, &in)
	})
	r.Register(job.StageMetadata, func(ctx context.Context, t *job.Task) (any, error) {
		var in job.MetadataInput
		if err := decode(t.Payload, &in); err != nil {
			return nil, err
		}
		return m.Extract(ctx, &in)
	})
	r.Register(job.StageStore, func(ctx context.Context, t *job.Task) (any, error) {
		var in job.StoreInput
		if err := decode(t.Payload, &in); err != nil {
			return nil, err
		}
		return d.Store(ctx, t.JobID, &in)
	})
	return r
}

// Register binds a handler to a stage, replacing any existing one.
func (r *Registry) Register(stage job.Stage, h Handler) {
	if r.handlers == nil {
		r.handlers = make(map[job.Stage]Handler)
	}
	r.handlers[stage] = h
}

// Handler returns the handler for a stage.
func (r *Registry) Handler(stage job.Stage) (Handler, error) {
	h, ok := r.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("no handler registered for stage %q", stage)
	}
	return h, nil
}

type validator interface {
	Validate() error
}

// decode unmarshals and validates a stage payload. Shape mismatches are
// permanent: retrying an undecodable payload can never succeed.
func decode(raw json.RawMessage, in validator) error {
	if err := json.Unmarshal(raw, in); err != nil {
		return fmt.Errorf("malformed stage payload: %w", err)
	}
	if err := in.Validate(); err != nil {
		return err
	}
	return nil
}
