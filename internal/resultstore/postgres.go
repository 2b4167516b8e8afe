package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sgbilod/docpipe/internal/job"
)

// Postgres implements Store on a jobs table. All transitions are single
// guarded UPDATE statements so that a late duplicate task execution can never
// resurrect a terminal job.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres-backed result store.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

const terminalSet = `('SUCCESS', 'FAILURE', 'REVOKED')`

type jobRow struct {
	JobID           string          `db:"job_id"`
	Status          string          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	ProgressStage   sql.NullString  `db:"progress_stage"`
	ProgressPct     int             `db:"progress_pct"`
	Accum           json.RawMessage `db:"accum"`
	Result          []byte          `db:"result"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	Retries         int             `db:"retries"`
	Priority        int             `db:"priority"`
	Metadata        json.RawMessage `db:"metadata"`
	CancelRequested bool            `db:"cancel_requested"`
	FanoutState     int16           `db:"fanout_state"`
}

func (r *jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		ID:              r.JobID,
		Status:          job.Status(r.Status),
		CreatedAt:       r.CreatedAt,
		ProgressStage:   r.ProgressStage.String,
		ProgressPct:     r.ProgressPct,
		Accum:           r.Accum,
		Result:          json.RawMessage(r.Result),
		Error:           r.ErrorMessage.String,
		Retries:         r.Retries,
		Priority:        r.Priority,
		CancelRequested: r.CancelRequested,
		FanoutDone:      r.FanoutState,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode job metadata: %w", err)
		}
	}
	return j, nil
}

const selectColumns = `
	job_id, status, created_at, started_at, completed_at,
	progress_stage, progress_pct, accum, result, error_message,
	retries, priority, metadata, cancel_requested, fanout_state
`

func (s *Postgres) Create(ctx context.Context, j *job.Job) error {
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode job metadata: %w", err)
	}

	query := `
		INSERT INTO jobs (
			job_id, status, created_at, progress_pct,
			retries, priority, metadata, cancel_requested, fanout_state
		) VALUES ($1, $2, $3, 0, 0, $4, $5, FALSE, 0)
	`

	if _, err := s.db.ExecContext(ctx, query, j.ID, string(j.Status), j.CreatedAt, j.Priority, meta); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job record created",
		slog.String("job_id", j.ID),
		slog.Int("priority", j.Priority),
	)
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob()
}

func (s *Postgres) GetBatch(ctx context.Context, ids []string) (map[string]*job.Job, error) {
	if len(ids) == 0 {
		return map[string]*job.Job{}, nil
	}

	query, args, err := sqlx.In(`SELECT `+selectColumns+` FROM jobs WHERE job_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch query: %w", err)
	}
	query = s.db.Rebind(query)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get jobs: %w", err)
	}

	out := make(map[string]*job.Job, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out[j.ID] = j
	}
	return out, nil
}

// guardResult translates a zero-row guarded update into ErrConflict or
// ErrNotFound depending on whether the job exists.
func (s *Postgres) guardResult(ctx context.Context, id string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE job_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check job status: %w", err)
	}
	return job.ErrConflict
}

func (s *Postgres) SetStatus(ctx context.Context, id string, status job.Status, stage string, pct int) error {
	query := `
		UPDATE jobs
		SET status = $1, progress_stage = $2, progress_pct = $3
		WHERE job_id = $4 AND status NOT IN ` + terminalSet

	res, err := s.db.ExecContext(ctx, query, string(status), stage, pct, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return s.guardResult(ctx, id, res)
}

func (s *Postgres) MarkStarted(ctx context.Context, id string) error {
	query := `UPDATE jobs SET started_at = NOW() WHERE job_id = $1 AND started_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	return nil
}

func (s *Postgres) SaveStageOutput(ctx context.Context, id string, stage job.Stage, doc json.RawMessage) error {
	query := `
		UPDATE jobs
		SET accum = jsonb_set(COALESCE(accum, '{}'::jsonb), ARRAY[$1], $2::jsonb)
		WHERE job_id = $3 AND status NOT IN ` + terminalSet

	res, err := s.db.ExecContext(ctx, query, string(stage), doc, id)
	if err != nil {
		return fmt.Errorf("failed to save stage output: %w", err)
	}
	return s.guardResult(ctx, id, res)
}

func (s *Postgres) Complete(ctx context.Context, id string, result json.RawMessage) error {
	query := `
		UPDATE jobs
		SET status = $1, result = $2, error_message = NULL,
		    progress_pct = 100, completed_at = NOW()
		WHERE job_id = $3 AND status NOT IN ` + terminalSet

	res, err := s.db.ExecContext(ctx, query, string(job.StatusSuccess), result, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.guardResult(ctx, id, res)
}

func (s *Postgres) Fail(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, result = NULL, completed_at = NOW()
		WHERE job_id = $3 AND status NOT IN ` + terminalSet

	res, err := s.db.ExecContext(ctx, query, string(job.StatusFailure), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return s.guardResult(ctx, id, res)
}

func (s *Postgres) Revoke(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = $1, result = NULL, completed_at = NOW()
		WHERE job_id = $2 AND status NOT IN ` + terminalSet

	res, err := s.db.ExecContext(ctx, query, string(job.StatusRevoked), id)
	if err != nil {
		return fmt.Errorf("failed to revoke job: %w", err)
	}
	return s.guardResult(ctx, id, res)
}

func (s *Postgres) RequestCancel(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE job_id = $1 AND status NOT IN ` + terminalSet

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to request cancellation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish unknown jobs from terminal ones.
		if err := s.guardResult(ctx, id, res); errors.Is(err, job.ErrNotFound) {
			return false, job.ErrNotFound
		}
		return false, nil
	}

	s.logger.Info("Job cancellation requested",
		slog.String("job_id", id),
	)
	return true, nil
}

func (s *Postgres) MarkFanout(ctx context.Context, id string, branch job.Stage) (bool, error) {
	bit := job.FanoutBit(branch)
	if bit == 0 {
		return false, fmt.Errorf("stage %q is not a fan-out branch", branch)
	}

	query := `
		UPDATE jobs SET fanout_state = fanout_state | $1
		WHERE job_id = $2
		RETURNING fanout_state
	`

	var state int16
	if err := s.db.QueryRowContext(ctx, query, bit, id).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, job.ErrNotFound
		}
		return false, fmt.Errorf("failed to mark fan-out branch: %w", err)
	}
	return state&job.FanoutAllDone == job.FanoutAllDone, nil
}

func (s *Postgres) IncrementRetries(ctx context.Context, id string) error {
	query := `UPDATE jobs SET retries = retries + 1 WHERE job_id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment retries: %w", err)
	}
	return nil
}

func (s *Postgres) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[job.Status]int64)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate job counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job counts: %w", err)
		}
		stats.ByStatus[job.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate job counts: %w", err)
	}

	var avgSeconds sql.NullFloat64
	query := `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - created_at)))
		FROM jobs
		WHERE completed_at IS NOT NULL
	`
	if err := s.db.GetContext(ctx, &avgSeconds, query); err != nil {
		return nil, fmt.Errorf("failed to compute average duration: %w", err)
	}
	if avgSeconds.Valid {
		stats.AvgDuration = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}

	terminal := stats.ByStatus[job.StatusSuccess] +
		stats.ByStatus[job.StatusFailure] +
		stats.ByStatus[job.StatusRevoked]
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByStatus[job.StatusSuccess]) / float64(terminal)
	}
	return stats, nil
}

func (s *Postgres) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE (status IN ` + terminalSet + ` AND completed_at < $1)
		   OR (status = 'PENDING' AND started_at IS NULL AND created_at < $1)
	`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Info("Expired jobs purged",
			slog.Int64("count", affected),
			slog.Time("cutoff", cutoff),
		)
	}
	return affected, nil
}
