package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgbilod/docpipe/internal/broker"
	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/resultstore"
)

type fixture struct {
	store  *resultstore.Memory
	broker *broker.Memory
	orch   *Orchestrator
}

func newFixture(t *testing.T, join JoinPolicy) *fixture {
	t.Helper()

	st := resultstore.NewMemory()
	br := broker.NewMemory()
	t.Cleanup(func() { br.Close() })

	orch := New(&Config{
		Logger: slog.New(slog.DiscardHandler),
		Store:  st,
		Broker: br,
		Join:   join,
	})
	return &fixture{store: st, broker: br, orch: orch}
}

func (f *fixture) createJob(t *testing.T, id string) {
	f.createJobAt(t, id, job.StatusPending)
}

// createJobAt seeds a job mid-pipeline, in the state the earlier stages
// would have left it.
func (f *fixture) createJobAt(t *testing.T, id string, status job.Status) {
	t.Helper()
	err := f.store.Create(context.Background(), &job.Job{
		ID:        id,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		Priority:  5,
	})
	require.NoError(t, err)
}

// take pops the next task from a queue or fails the test.
func (f *fixture) take(t *testing.T, queue string) *job.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.broker.Dequeue(ctx, queue)
	require.NoError(t, err, "expected a task on %s", queue)
	require.NoError(t, d.Ack())
	return d.Task()
}

func (f *fixture) jobStatus(t *testing.T, id string) job.Status {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func TestOrchestrator_Start(t *testing.T) {
	f := newFixture(t, "")
	f.createJob(t, "j1")

	err := f.orch.Start(context.Background(), "j1", job.ParseInput{SourcePath: "/tmp/a.txt"}, 7)
	require.NoError(t, err)

	task := f.take(t, job.QueueParse)
	assert.Equal(t, "j1", task.JobID)
	assert.Equal(t, job.StageParse, task.Stage)
	assert.Equal(t, 7, task.Priority)
	assert.Equal(t, 1, task.Attempt)
}

func TestOrchestrator_StageStarted(t *testing.T) {
	ctx := context.Background()

	t.Run("marks job running", func(t *testing.T) {
		f := newFixture(t, "")
		f.createJob(t, "j1")
		task, _ := job.NewTask("j1", job.StageParse, 5, job.ParseInput{SourcePath: "/x"})

		proceed, err := f.orch.StageStarted(ctx, task)
		require.NoError(t, err)
		assert.True(t, proceed)

		rec, err := f.store.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusParsing, rec.Status)
		assert.Equal(t, "parse", rec.ProgressStage)
		assert.NotNil(t, rec.StartedAt)
	})

	t.Run("drops task for terminal job", func(t *testing.T) {
		f := newFixture(t, "")
		f.createJob(t, "j1")
		require.NoError(t, f.store.Fail(ctx, "j1", "boom"))

		task, _ := job.NewTask("j1", job.StageParse, 5, job.ParseInput{SourcePath: "/x"})
		proceed, err := f.orch.StageStarted(ctx, task)
		require.NoError(t, err)
		assert.False(t, proceed)
		assert.Equal(t, job.StatusFailure, f.jobStatus(t, "j1"))
	})

	t.Run("revokes cancelled job at linear stage", func(t *testing.T) {
		f := newFixture(t, "")
		f.createJob(t, "j1")
		_, err := f.store.RequestCancel(ctx, "j1")
		require.NoError(t, err)

		task, _ := job.NewTask("j1", job.StagePreprocess, 5, job.PreprocessInput{Text: "x"})
		proceed, err := f.orch.StageStarted(ctx, task)
		require.NoError(t, err)
		assert.False(t, proceed)
		assert.Equal(t, job.StatusRevoked, f.jobStatus(t, "j1"))
	})

	t.Run("fan-out branch of cancelled job still runs", func(t *testing.T) {
		f := newFixture(t, "")
		f.createJobAt(t, "j1", job.StatusPreprocessing)
		_, err := f.store.RequestCancel(ctx, "j1")
		require.NoError(t, err)

		task, _ := job.NewTask("j1", job.StageEmbed, 5, job.EmbedInput{Chunks: []string{"a"}})
		proceed, err := f.orch.StageStarted(ctx, task)
		require.NoError(t, err)
		assert.True(t, proceed, "branches run to completion so the join can resolve")
		assert.Equal(t, job.StatusEmbedding, f.jobStatus(t, "j1"))
	})
}

func TestOrchestrator_LinearAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.createJob(t, "j1")

	parseTask, _ := job.NewTask("j1", job.StageParse, 5, job.ParseInput{SourcePath: "/x"})
	err := f.orch.Advance(ctx, parseTask, &job.ParseOutput{Text: "raw body"})
	require.NoError(t, err)

	preTask := f.take(t, job.QueuePreprocess)
	var preIn job.PreprocessInput
	require.NoError(t, json.Unmarshal(preTask.Payload, &preIn))
	assert.Equal(t, "raw body", preIn.Text)

	// Preprocess fans out to both branches.
	err = f.orch.Advance(ctx, preTask, &job.PreprocessOutput{
		CleanedText: "clean body",
		Chunks:      []string{"clean body"},
	})
	require.NoError(t, err)

	embedTask := f.take(t, job.QueueEmbed)
	var embedIn job.EmbedInput
	require.NoError(t, json.Unmarshal(embedTask.Payload, &embedIn))
	assert.Equal(t, []string{"clean body"}, embedIn.Chunks)

	metaTask := f.take(t, job.QueueMetadata)
	var metaIn job.MetadataInput
	require.NoError(t, json.Unmarshal(metaTask.Payload, &metaIn))
	assert.Equal(t, "clean body", metaIn.CleanedText)
}

func TestOrchestrator_JoinIsOrderIndependent(t *testing.T) {
	embedOut := &job.EmbedOutput{Vector: []float64{0.1, 0.2}, Chunks: []string{"c1", "c2"}}
	metaOut := &job.MetadataOutput{Extracted: map[string]string{"lang": "en"}}

	orders := map[string][]job.Stage{
		"embed then metadata": {job.StageEmbed, job.StageMetadata},
		"metadata then embed": {job.StageMetadata, job.StageEmbed},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, "")
			f.createJobAt(t, "j1", job.StatusEmbedding)

			for i, stage := range order {
				var out any = embedOut
				if stage == job.StageMetadata {
					out = metaOut
				}
				task, _ := job.NewTask("j1", stage, 5, struct{}{})
				require.NoError(t, f.orch.Advance(ctx, task, out))

				if i == 0 {
					assert.Zero(t, f.broker.Depth(job.QueueStore),
						"store must wait for the second branch")
				}
			}

			storeTask := f.take(t, job.QueueStore)
			var in job.StoreInput
			require.NoError(t, json.Unmarshal(storeTask.Payload, &in))
			assert.Equal(t, []float64{0.1, 0.2}, in.Vector)
			assert.Equal(t, []string{"c1", "c2"}, in.Chunks)
			assert.Equal(t, map[string]string{"lang": "en"}, in.Extracted)
			assert.Equal(t, "documents", in.Collection)

			assert.Equal(t, job.StatusStoring, f.jobStatus(t, "j1"))
		})
	}
}

func TestOrchestrator_CollectionFromMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	require.NoError(t, f.store.Create(ctx, &job.Job{
		ID:        "j1",
		Status:    job.StatusEmbedding,
		CreatedAt: time.Now().UTC(),
		Priority:  5,
		Metadata:  map[string]string{"collection": "contracts"},
	}))

	embedTask, _ := job.NewTask("j1", job.StageEmbed, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, embedTask, &job.EmbedOutput{Vector: []float64{1}, Chunks: []string{"c"}}))
	metaTask, _ := job.NewTask("j1", job.StageMetadata, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, metaTask, &job.MetadataOutput{}))

	storeTask := f.take(t, job.QueueStore)
	var in job.StoreInput
	require.NoError(t, json.Unmarshal(storeTask.Payload, &in))
	assert.Equal(t, "contracts", in.Collection)
}

func TestOrchestrator_StoreCompletesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.createJob(t, "j1")

	// Seed the accumulator the way the earlier stages would have.
	pre, _ := json.Marshal(job.PreprocessOutput{Chunks: []string{"a", "b"}})
	require.NoError(t, f.store.SaveStageOutput(ctx, "j1", job.StagePreprocess, pre))
	embed, _ := json.Marshal(job.EmbedOutput{Vector: []float64{0.1, 0.2, 0.3}, Chunks: []string{"a", "b"}})
	require.NoError(t, f.store.SaveStageOutput(ctx, "j1", job.StageEmbed, embed))
	meta, _ := json.Marshal(job.MetadataOutput{Extracted: map[string]string{"lang": "en"}})
	require.NoError(t, f.store.SaveStageOutput(ctx, "j1", job.StageMetadata, meta))

	storeTask, _ := job.NewTask("j1", job.StageStore, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, storeTask, &job.StoreOutput{RecordID: "rec-9"}))

	rec, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, rec.Status)
	assert.Equal(t, 100, rec.ProgressPct)
	require.NotNil(t, rec.CompletedAt)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	assert.Equal(t, "rec-9", result["record_id"])
	assert.Equal(t, "documents", result["collection"])
	assert.EqualValues(t, 2, result["chunk_count"])
	assert.EqualValues(t, 3, result["vector_dim"])
}

func TestOrchestrator_JoinWithoutVectorFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.createJob(t, "j1")

	// Both branches report, but the embed output never landed in the
	// accumulator (e.g. it was dropped on a guard). The join cannot build a
	// store input.
	embedTask, _ := job.NewTask("j1", job.StageEmbed, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, embedTask, &job.EmbedOutput{}))
	metaTask, _ := job.NewTask("j1", job.StageMetadata, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, metaTask, &job.MetadataOutput{}))

	assert.Equal(t, job.StatusFailure, f.jobStatus(t, "j1"))
	assert.Zero(t, f.broker.Depth(job.QueueStore))
}

func TestOrchestrator_FailedFailFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, JoinFailFast)
	f.createJob(t, "j1")

	// Embed succeeded first.
	embedTask, _ := job.NewTask("j1", job.StageEmbed, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, embedTask, &job.EmbedOutput{Vector: []float64{1}, Chunks: []string{"c"}}))

	metaTask, _ := job.NewTask("j1", job.StageMetadata, 5, struct{}{})
	require.NoError(t, f.orch.Failed(ctx, metaTask, errors.New("extractor rejected document")))

	rec, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailure, rec.Status)
	assert.Contains(t, rec.Error, "stage extract_metadata")
	assert.Zero(t, f.broker.Depth(job.QueueStore), "no store task under fail-fast")
}

func TestOrchestrator_FailedBestEffortMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, JoinBestEffort)
	f.createJobAt(t, "j1", job.StatusExtracting)

	embedTask, _ := job.NewTask("j1", job.StageEmbed, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, embedTask, &job.EmbedOutput{Vector: []float64{1}, Chunks: []string{"c"}}))

	metaTask, _ := job.NewTask("j1", job.StageMetadata, 5, struct{}{})
	require.NoError(t, f.orch.Failed(ctx, metaTask, errors.New("extractor down")))

	// The pipeline continues with the embed output alone.
	storeTask := f.take(t, job.QueueStore)
	var in job.StoreInput
	require.NoError(t, json.Unmarshal(storeTask.Payload, &in))
	assert.Equal(t, []float64{1}, in.Vector)
	assert.Empty(t, in.Extracted)
	assert.Equal(t, job.StatusStoring, f.jobStatus(t, "j1"))
}

func TestOrchestrator_FailedBestEffortEmbedIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, JoinBestEffort)
	f.createJob(t, "j1")

	embedTask, _ := job.NewTask("j1", job.StageEmbed, 5, struct{}{})
	require.NoError(t, f.orch.Failed(ctx, embedTask, errors.New("embedding service down")))

	assert.Equal(t, job.StatusFailure, f.jobStatus(t, "j1"))
}

func TestOrchestrator_RecordRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.createJobAt(t, "j1", job.StatusEmbedding)

	task, _ := job.NewTask("j1", job.StageEmbed, 5, job.EmbedInput{Chunks: []string{"a"}})
	err := f.orch.RecordRetry(ctx, task, errors.New("timeout"), 10*time.Millisecond)
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetry, rec.Status)
	assert.Equal(t, 1, rec.Retries)

	// The re-enqueued task carries the advanced attempt counter.
	retried := f.take(t, job.QueueEmbed)
	assert.Equal(t, 2, retried.Attempt)
}

func TestOrchestrator_CancelObservedAfterStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.createJob(t, "j1")

	_, err := f.store.RequestCancel(ctx, "j1")
	require.NoError(t, err)

	// The parse stage had already started; its completion hits the
	// cancellation check at the boundary.
	task, _ := job.NewTask("j1", job.StageParse, 5, job.ParseInput{SourcePath: "/x"})
	require.NoError(t, f.orch.Advance(ctx, task, &job.ParseOutput{Text: "body"}))

	assert.Equal(t, job.StatusRevoked, f.jobStatus(t, "j1"))
	assert.Zero(t, f.broker.Depth(job.QueuePreprocess))
}

func TestOrchestrator_CancelledJoinRevokes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.createJob(t, "j1")

	embedTask, _ := job.NewTask("j1", job.StageEmbed, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, embedTask, &job.EmbedOutput{Vector: []float64{1}, Chunks: []string{"c"}}))

	_, err := f.store.RequestCancel(ctx, "j1")
	require.NoError(t, err)

	metaTask, _ := job.NewTask("j1", job.StageMetadata, 5, struct{}{})
	require.NoError(t, f.orch.Advance(ctx, metaTask, &job.MetadataOutput{}))

	assert.Equal(t, job.StatusRevoked, f.jobStatus(t, "j1"))
	assert.Zero(t, f.broker.Depth(job.QueueStore))
}

func TestOrchestrator_TerminalJobIsNeverResurrected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.createJob(t, "j1")
	require.NoError(t, f.store.Complete(ctx, "j1", json.RawMessage(`{"record_id":"r1"}`)))

	// A duplicate delivery finishes after the job already resolved.
	task, _ := job.NewTask("j1", job.StageParse, 5, job.ParseInput{SourcePath: "/x"})
	require.NoError(t, f.orch.Advance(ctx, task, &job.ParseOutput{Text: "late"}))

	rec, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, rec.Status)
	assert.Zero(t, f.broker.Depth(job.QueuePreprocess))

	require.NoError(t, f.orch.Failed(ctx, task, errors.New("late failure")))
	assert.Equal(t, job.StatusSuccess, f.jobStatus(t, "j1"))
}
