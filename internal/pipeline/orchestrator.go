package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgbilod/docpipe/internal/broker"
	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/resultstore"
)

// JoinPolicy controls what happens when one fan-out branch fails permanently
// while the other succeeds.
type JoinPolicy string

const (
	// JoinFailFast marks the job FAILURE as soon as either branch fails and
	// never enqueues the store stage. Default: downstream search and
	// metadata filtering depend on both branches being present.
	JoinFailFast JoinPolicy = "fail_fast"

	// JoinBestEffort proceeds to the store stage with whatever the
	// surviving branch produced. A failed embed branch still fails the job,
	// since there is nothing to store without a vector.
	JoinBestEffort JoinPolicy = "best_effort"
)

// Config assembles an Orchestrator. Constructed once at process start and
// passed by reference; there is no ambient global state.
type Config struct {
	Logger            *slog.Logger
	Store             resultstore.Store
	Broker            broker.Broker
	Join              JoinPolicy
	DefaultCollection string
}

// Orchestrator encodes the stage graph
//
//	parse -> preprocess -> {embed, extract_metadata} -> store
//
// and drives a job from stage to stage. Workers report stage outcomes into
// it; it folds outputs into the job record, checks cancellation at each
// boundary and enqueues the next task(s).
type Orchestrator struct {
	logger     *slog.Logger
	store      resultstore.Store
	broker     broker.Broker
	join       JoinPolicy
	collection string
}

// New creates an Orchestrator.
func New(cfg *Config) *Orchestrator {
	join := cfg.Join
	if join == "" {
		join = JoinFailFast
	}
	collection := cfg.DefaultCollection
	if collection == "" {
		collection = "documents"
	}
	return &Orchestrator{
		logger:     cfg.Logger,
		store:      cfg.Store,
		broker:     cfg.Broker,
		join:       join,
		collection: collection,
	}
}

// Start enqueues the first stage for a freshly created job.
func (o *Orchestrator) Start(ctx context.Context, jobID string, in job.ParseInput, priority int) error {
	t, err := job.NewTask(jobID, job.StageParse, priority, &in)
	if err != nil {
		return fmt.Errorf("failed to build parse task: %w", err)
	}
	if err := o.broker.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue parse task: %w", err)
	}

	o.logger.Info("Job pipeline started",
		slog.String("job_id", jobID),
		slog.Int("priority", priority),
	)
	return nil
}

// StageStarted is called by a worker just before executing a task. It
// returns false when the task must not run: the job is already terminal
// (late redelivery) or cancellation was requested. Fan-out branches of a
// cancelled job still run so the join can resolve cleanly; the join then
// writes REVOKED instead of advancing.
func (o *Orchestrator) StageStarted(ctx context.Context, t *job.Task) (bool, error) {
	rec, err := o.store.Get(ctx, t.JobID)
	if err != nil {
		return false, err
	}
	if rec.Status.IsTerminal() {
		o.logger.Warn("Dropping task for terminal job",
			slog.String("job_id", t.JobID),
			slog.String("stage", string(t.Stage)),
			slog.String("status", string(rec.Status)),
		)
		return false, nil
	}

	if rec.CancelRequested && job.FanoutBit(t.Stage) == 0 {
		if err := o.store.Revoke(ctx, t.JobID); err != nil && !errors.Is(err, job.ErrConflict) {
			return false, err
		}
		o.logger.Info("Job revoked at stage boundary",
			slog.String("job_id", t.JobID),
			slog.String("stage", string(t.Stage)),
		)
		return false, nil
	}

	if err := o.store.MarkStarted(ctx, t.JobID); err != nil {
		return false, err
	}
	status := t.Stage.RunningStatus()
	if err := o.store.SetStatus(ctx, t.JobID, status, string(t.Stage), t.Stage.ProgressPct()); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecordRetry books a transient stage failure: bumps the job's retry
// counter, flags the RETRY sub-state and re-enqueues the task with the
// attempt advanced after the computed backoff.
func (o *Orchestrator) RecordRetry(ctx context.Context, t *job.Task, cause error, delay time.Duration) error {
	if err := o.store.IncrementRetries(ctx, t.JobID); err != nil {
		return err
	}
	if err := o.store.SetStatus(ctx, t.JobID, job.StatusRetry, string(t.Stage), t.Stage.ProgressPct()); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return nil
		}
		return err
	}
	if err := o.broker.EnqueueDelayed(ctx, t.Retry(), delay); err != nil {
		return fmt.Errorf("failed to re-enqueue task: %w", err)
	}

	o.logger.Warn("Stage will be retried",
		slog.String("job_id", t.JobID),
		slog.String("stage", string(t.Stage)),
		slog.Int("attempt", t.Attempt),
		slog.Duration("backoff", delay),
		slog.String("error", cause.Error()),
	)
	return nil
}

// Advance folds a successful stage outcome into the job and dispatches the
// next stage(s) per the graph.
func (o *Orchestrator) Advance(ctx context.Context, t *job.Task, out any) error {
	rec, err := o.store.Get(ctx, t.JobID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		// Late duplicate execution finishing after the job resolved; a
		// terminal job must never be resurrected.
		o.logger.Warn("Dropping late stage completion for terminal job",
			slog.String("job_id", t.JobID),
			slog.String("stage", string(t.Stage)),
		)
		return nil
	}

	doc, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode stage output: %w", err)
	}
	if err := o.store.SaveStageOutput(ctx, t.JobID, t.Stage, doc); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return nil
		}
		return err
	}

	switch t.Stage {
	case job.StageParse:
		return o.afterParse(ctx, t, rec, out)
	case job.StagePreprocess:
		return o.afterPreprocess(ctx, t, rec, out)
	case job.StageEmbed, job.StageMetadata:
		return o.afterBranch(ctx, t, rec)
	case job.StageStore:
		return o.afterStore(ctx, t, out)
	}
	return fmt.Errorf("unknown stage %q", t.Stage)
}

func (o *Orchestrator) revoke(ctx context.Context, jobID string, stage job.Stage) error {
	if err := o.store.Revoke(ctx, jobID); err != nil && !errors.Is(err, job.ErrConflict) {
		return err
	}
	o.logger.Info("Job revoked at stage boundary",
		slog.String("job_id", jobID),
		slog.String("stage", string(stage)),
	)
	return nil
}

func (o *Orchestrator) afterParse(ctx context.Context, t *job.Task, rec *job.Job, out any) error {
	if rec.CancelRequested {
		return o.revoke(ctx, t.JobID, t.Stage)
	}

	parsed, ok := out.(*job.ParseOutput)
	if !ok {
		return fmt.Errorf("stage %s produced %T, want *ParseOutput", t.Stage, out)
	}

	next, err := job.NewTask(t.JobID, job.StagePreprocess, t.Priority, &job.PreprocessInput{Text: parsed.Text})
	if err != nil {
		return err
	}
	if err := o.broker.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("failed to enqueue preprocess task: %w", err)
	}
	return nil
}

func (o *Orchestrator) afterPreprocess(ctx context.Context, t *job.Task, rec *job.Job, out any) error {
	if rec.CancelRequested {
		return o.revoke(ctx, t.JobID, t.Stage)
	}

	pre, ok := out.(*job.PreprocessOutput)
	if !ok {
		return fmt.Errorf("stage %s produced %T, want *PreprocessOutput", t.Stage, out)
	}

	// Fan-out: both branches carry the preprocess output as input and are
	// enqueued together.
	embed, err := job.NewTask(t.JobID, job.StageEmbed, t.Priority, &job.EmbedInput{Chunks: pre.Chunks})
	if err != nil {
		return err
	}
	meta, err := job.NewTask(t.JobID, job.StageMetadata, t.Priority, &job.MetadataInput{CleanedText: pre.CleanedText})
	if err != nil {
		return err
	}
	if err := o.broker.Enqueue(ctx, embed); err != nil {
		return fmt.Errorf("failed to enqueue embed task: %w", err)
	}
	if err := o.broker.Enqueue(ctx, meta); err != nil {
		return fmt.Errorf("failed to enqueue extract_metadata task: %w", err)
	}

	o.logger.Debug("Fan-out dispatched",
		slog.String("job_id", t.JobID),
		slog.Int("chunks", len(pre.Chunks)),
	)
	return nil
}

// afterBranch resolves the fan-out join. The second branch to arrive
// triggers the store stage; the received set makes the join order
// independent.
func (o *Orchestrator) afterBranch(ctx context.Context, t *job.Task, rec *job.Job) error {
	bothDone, err := o.store.MarkFanout(ctx, t.JobID, t.Stage)
	if err != nil {
		return err
	}
	if !bothDone {
		return nil
	}

	// Re-read so the accumulator includes the other branch's output and the
	// cancellation flag is fresh at the join boundary.
	rec, err = o.store.Get(ctx, t.JobID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	if rec.CancelRequested {
		return o.revoke(ctx, t.JobID, t.Stage)
	}

	acc, err := job.DecodeAccumulator(rec.Accum)
	if err != nil {
		return err
	}
	if acc.Embed == nil || len(acc.Embed.Vector) == 0 {
		return o.failJob(ctx, t.JobID, "join resolved without an embedding vector")
	}

	in := &job.StoreInput{
		Vector:     acc.Embed.Vector,
		Chunks:     acc.Embed.Chunks,
		Collection: o.collectionFor(rec),
	}
	if acc.Metadata != nil {
		in.Extracted = acc.Metadata.Extracted
	}

	next, err := job.NewTask(t.JobID, job.StageStore, t.Priority, in)
	if err != nil {
		return err
	}
	if err := o.store.SetStatus(ctx, t.JobID, job.StatusStoring, string(job.StageStore), job.StageStore.ProgressPct()); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return nil
		}
		return err
	}
	if err := o.broker.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("failed to enqueue store task: %w", err)
	}
	return nil
}

func (o *Orchestrator) afterStore(ctx context.Context, t *job.Task, out any) error {
	stored, ok := out.(*job.StoreOutput)
	if !ok {
		return fmt.Errorf("stage %s produced %T, want *StoreOutput", t.Stage, out)
	}

	rec, err := o.store.Get(ctx, t.JobID)
	if err != nil {
		return err
	}
	acc, err := job.DecodeAccumulator(rec.Accum)
	if err != nil {
		return err
	}

	result := map[string]any{
		"record_id":  stored.RecordID,
		"collection": o.collectionFor(rec),
	}
	if acc.Preprocess != nil {
		result["chunk_count"] = len(acc.Preprocess.Chunks)
	}
	if acc.Embed != nil {
		result["vector_dim"] = len(acc.Embed.Vector)
	}
	if acc.Metadata != nil {
		result["extracted_metadata"] = acc.Metadata.Extracted
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if err := o.store.Complete(ctx, t.JobID, raw); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return nil
		}
		return err
	}

	o.logger.Info("Job completed",
		slog.String("job_id", t.JobID),
		slog.String("record_id", stored.RecordID),
	)
	return nil
}

// Failed handles a permanent stage failure: the job terminates FAILURE
// immediately, except that under the best-effort join policy a failed
// metadata branch lets the pipeline continue with the embed output alone.
func (o *Orchestrator) Failed(ctx context.Context, t *job.Task, cause error) error {
	msg := fmt.Sprintf("stage %s: %v", t.Stage, cause)

	if t.Stage == job.StageMetadata && o.join == JoinBestEffort {
		o.logger.Warn("Metadata branch failed, continuing without it",
			slog.String("job_id", t.JobID),
			slog.String("error", cause.Error()),
		)
		rec, err := o.store.Get(ctx, t.JobID)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return nil
		}
		return o.afterBranch(ctx, t, rec)
	}

	return o.failJob(ctx, t.JobID, msg)
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, msg string) error {
	if err := o.store.Fail(ctx, jobID, msg); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return nil
		}
		return err
	}
	o.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("error", msg),
	)
	return nil
}

func (o *Orchestrator) collectionFor(rec *job.Job) string {
	if c, ok := rec.Metadata["collection"]; ok && c != "" {
		return c
	}
	return o.collection
}
