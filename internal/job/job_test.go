package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	task, err := NewTask("job-1", StageParse, 7, ParseInput{SourcePath: "/tmp/doc.txt"})
	require.NoError(t, err)

	assert.Equal(t, "job-1", task.JobID)
	assert.Equal(t, StageParse, task.Stage)
	assert.Equal(t, QueueParse, task.Queue)
	assert.Equal(t, 7, task.Priority)
	assert.Equal(t, 1, task.Attempt)
	assert.False(t, task.EnqueuedAt.IsZero())

	var in ParseInput
	require.NoError(t, json.Unmarshal(task.Payload, &in))
	assert.Equal(t, "/tmp/doc.txt", in.SourcePath)
}

func TestTask_Retry(t *testing.T) {
	task, err := NewTask("job-1", StageEmbed, 5, EmbedInput{Chunks: []string{"a"}})
	require.NoError(t, err)

	next := task.Retry()

	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, task.JobID, next.JobID)
	assert.Equal(t, task.Stage, next.Stage)
	assert.Equal(t, task.Payload, next.Payload)

	// The original is untouched.
	assert.Equal(t, 1, task.Attempt)
}

func TestFanoutBit(t *testing.T) {
	assert.Equal(t, FanoutEmbedDone, FanoutBit(StageEmbed))
	assert.Equal(t, FanoutMetadataDone, FanoutBit(StageMetadata))
	assert.Equal(t, int16(0), FanoutBit(StageParse))
	assert.Equal(t, int16(0), FanoutBit(StageStore))
	assert.Equal(t, FanoutAllDone, FanoutEmbedDone|FanoutMetadataDone)
}

func TestStage_Queue(t *testing.T) {
	tests := []struct {
		stage Stage
		queue string
	}{
		{StageParse, QueueParse},
		{StagePreprocess, QueuePreprocess},
		{StageEmbed, QueueEmbed},
		{StageMetadata, QueueMetadata},
		{StageStore, QueueStore},
		{Stage("bogus"), QueueDefault},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.queue, tt.stage.Queue())
	}
}

func TestTransientError(t *testing.T) {
	base := assert.AnError

	wrapped := Transient(base)
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "transient: ")

	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))
}
