package job

// Stage is a named unit of pipeline work.
type Stage string

const (
	StageParse      Stage = "parse"
	StagePreprocess Stage = "preprocess"
	StageEmbed      Stage = "embed"
	StageMetadata   Stage = "extract_metadata"
	StageStore      Stage = "store"
)

// Queue names. One queue per stage family plus a default; workers are bound
// to subsets of these.
const (
	QueueParse      = "docpipe.parse"
	QueuePreprocess = "docpipe.preprocess"
	QueueEmbed      = "docpipe.embed"
	QueueMetadata   = "docpipe.metadata"
	QueueStore      = "docpipe.store"
	QueueDefault    = "docpipe.default"
)

// AllQueues lists every queue in drain-priority order for a general worker.
func AllQueues() []string {
	return []string{QueueParse, QueuePreprocess, QueueEmbed, QueueMetadata, QueueStore, QueueDefault}
}

// Queue returns the queue a stage's tasks are published to.
func (s Stage) Queue() string {
	switch s {
	case StageParse:
		return QueueParse
	case StagePreprocess:
		return QueuePreprocess
	case StageEmbed:
		return QueueEmbed
	case StageMetadata:
		return QueueMetadata
	case StageStore:
		return QueueStore
	}
	return QueueDefault
}

// RunningStatus returns the job status while this stage executes.
func (s Stage) RunningStatus() Status {
	switch s {
	case StageParse:
		return StatusParsing
	case StagePreprocess:
		return StatusPreprocessing
	case StageEmbed:
		return StatusEmbedding
	case StageMetadata:
		return StatusExtracting
	case StageStore:
		return StatusStoring
	}
	return StatusStarted
}

// ProgressPct returns the job-level progress reported when this stage begins.
func (s Stage) ProgressPct() int {
	switch s {
	case StageParse:
		return 10
	case StagePreprocess:
		return 30
	case StageEmbed, StageMetadata:
		return 55
	case StageStore:
		return 85
	}
	return 0
}

// Valid reports whether s is one of the five pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageParse, StagePreprocess, StageEmbed, StageMetadata, StageStore:
		return true
	}
	return false
}
