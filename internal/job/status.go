package job

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusStarted       Status = "STARTED"
	StatusParsing       Status = "PARSING"
	StatusPreprocessing Status = "PREPROCESSING"
	StatusEmbedding     Status = "GENERATING_EMBEDDINGS"
	StatusExtracting    Status = "EXTRACTING_METADATA"
	StatusStoring       Status = "STORING"
	StatusRetry         Status = "RETRY"
	StatusSuccess       Status = "SUCCESS"
	StatusFailure       Status = "FAILURE"
	StatusRevoked       Status = "REVOKED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}

// transitions is the set of legal forward edges of the status machine.
// REVOKED is reachable from every non-terminal state and is handled in
// CanTransitionTo rather than listed per state.
var transitions = map[Status][]Status{
	StatusPending:       {StatusStarted, StatusParsing, StatusFailure},
	StatusStarted:       {StatusParsing, StatusFailure},
	StatusParsing:       {StatusRetry, StatusPreprocessing, StatusFailure},
	StatusPreprocessing: {StatusRetry, StatusEmbedding, StatusExtracting, StatusFailure},
	StatusEmbedding:     {StatusRetry, StatusExtracting, StatusStoring, StatusFailure},
	StatusExtracting:    {StatusRetry, StatusEmbedding, StatusStoring, StatusFailure},
	StatusStoring:       {StatusRetry, StatusSuccess, StatusFailure},
	StatusRetry:         {StatusParsing, StatusPreprocessing, StatusEmbedding, StatusExtracting, StatusStoring, StatusFailure},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusRevoked {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
