package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

const jobColumns = `id, batch_id, video_url, video_hash, new_video_url, mp3_url,
	keyframes, audio_analysis, duration_seconds, file_size_bytes, content_type,
	status, progress, error_message, processing_attempts, created_at,
	last_attempt_at, completed_at`

var allStatuses = []job.Status{
	job.StatusPending,
	job.StatusDownloading,
	job.StatusConverting,
	job.StatusAudioAnalyzing,
	job.StatusExtractingKeyframes,
	job.StatusUploading,
	job.StatusCompleted,
	job.StatusFailed,
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.ConversionJob, error) {
	var (
		j             job.ConversionJob
		batchID       sql.NullString
		videoHash     sql.NullString
		newVideoURL   sql.NullString
		mp3URL        sql.NullString
		keyframes     sql.NullString
		analysis      sql.NullString
		contentType   sql.NullString
		status        string
		errorMessage  sql.NullString
		createdAt     int64
		lastAttemptAt sql.NullInt64
		completedAt   sql.NullInt64
	)
	if err := row.Scan(
		&j.ID, &batchID, &j.VideoURL, &videoHash, &newVideoURL, &mp3URL,
		&keyframes, &analysis, &j.DurationSeconds, &j.FileSizeBytes,
		&contentType, &status, &j.Progress, &errorMessage,
		&j.ProcessingAttempts, &createdAt, &lastAttemptAt, &completedAt,
	); err != nil {
		return nil, err
	}

	j.BatchID = stringOrEmpty(batchID)
	j.VideoHash = stringOrEmpty(videoHash)
	j.NewVideoURL = stringOrEmpty(newVideoURL)
	j.MP3URL = stringOrEmpty(mp3URL)
	j.ContentType = stringOrEmpty(contentType)
	j.Status = job.Status(status)
	j.ErrorMessage = stringOrEmpty(errorMessage)
	j.CreatedAt = timeAt(createdAt)
	j.LastAttemptAt = timeOrZero(lastAttemptAt)
	j.CompletedAt = timeOrZero(completedAt)

	if err := decodeJSON(keyframes, &j.Keyframes); err != nil {
		return nil, err
	}
	if err := decodeJSON(analysis, &j.AudioAnalysis); err != nil {
		return nil, err
	}
	return &j, nil
}

func jobArgs(j *job.ConversionJob) ([]any, error) {
	keyframes, err := jsonColumn(j.Keyframes)
	if err != nil {
		return nil, err
	}
	analysis, err := jsonColumn(j.AudioAnalysis)
	if err != nil {
		return nil, err
	}
	return []any{
		j.ID, nullString(j.BatchID), j.VideoURL, nullString(j.VideoHash),
		nullString(j.NewVideoURL), nullString(j.MP3URL), keyframes, analysis,
		j.DurationSeconds, j.FileSizeBytes, nullString(j.ContentType),
		string(j.Status), j.Progress, nullString(j.ErrorMessage),
		j.ProcessingAttempts, millis(j.CreatedAt), nullMillis(j.LastAttemptAt),
		nullMillis(j.CompletedAt),
	}, nil
}

// exec runs a write statement with the dead-connection retry.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := run(func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// execJobUpdate runs a single-row job update and maps a zero row count to
// ErrJobNotFound.
func (s *Store) execJobUpdate(ctx context.Context, op, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	if n == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*job.ConversionJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*job.ConversionJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: querying jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) jobStatus(ctx context.Context, id string) (job.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM conversion_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", job.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: reading job status: %w", err)
	}
	return job.Status(status), nil
}

// CreateJob persists a new job row.
func (s *Store) CreateJob(ctx context.Context, j *job.ConversionJob) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO conversion_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: creating job: %w", err)
	}
	return nil
}

// GetJobByID retrieves a job by ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*job.ConversionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading job: %w", err)
	}
	return j, nil
}

// GetJobsByBatchID returns the batch's jobs oldest first.
func (s *Store) GetJobsByBatchID(ctx context.Context, batchID string) ([]*job.ConversionJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM conversion_jobs
		WHERE batch_id = ? ORDER BY created_at ASC, rowid ASC`, batchID)
}

// GetJobsByStatus returns jobs currently in the given status, oldest first.
func (s *Store) GetJobsByStatus(ctx context.Context, status job.Status) ([]*job.ConversionJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM conversion_jobs
		WHERE status = ? ORDER BY created_at ASC, rowid ASC`, string(status))
}

// GetAllJobs returns jobs newest-first with skip/take paging. A non-positive
// take returns everything after skip.
func (s *Store) GetAllJobs(ctx context.Context, skip, take int) ([]*job.ConversionJob, error) {
	if skip < 0 {
		skip = 0
	}
	limit := take
	if limit <= 0 {
		limit = -1 // SQLite: LIMIT -1 means unlimited
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM conversion_jobs
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, skip)
}

// CountJobsByStatuses counts jobs per requested status, zero-filled.
func (s *Store) CountJobsByStatuses(ctx context.Context, statuses ...job.Status) (map[job.Status]int, error) {
	counts := make(map[job.Status]int, len(statuses))
	for _, st := range statuses {
		counts[st] = 0
	}
	if len(statuses) == 0 {
		return counts, nil
	}

	query := `SELECT status, COUNT(*) FROM conversion_jobs
		WHERE status IN (` + placeholders(len(statuses)) + `) GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, statusArgs(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: counting jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlite: counting jobs: %w", err)
		}
		counts[job.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: counting jobs: %w", err)
	}
	return counts, nil
}

// UpdateJob replaces the whole job row.
func (s *Store) UpdateJob(ctx context.Context, j *job.ConversionJob) error {
	vals, err := jobArgs(j)
	if err != nil {
		return err
	}
	args := append(vals[1:], vals[0])
	return s.execJobUpdate(ctx, "updating job", `UPDATE conversion_jobs SET
		batch_id = ?, video_url = ?, video_hash = ?, new_video_url = ?,
		mp3_url = ?, keyframes = ?, audio_analysis = ?, duration_seconds = ?,
		file_size_bytes = ?, content_type = ?, status = ?, progress = ?,
		error_message = ?, processing_attempts = ?, created_at = ?,
		last_attempt_at = ?, completed_at = ?
		WHERE id = ?`, args...)
}

// UpdateJobStatus transitions the job in one guarded UPDATE: the status
// filter carries every status the target is reachable from, so concurrent
// writers cannot replay an edge. The stamping mirrors ConversionJob.
// TransitionTo.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status job.Status, update job.StatusUpdate) (*job.ConversionJob, error) {
	var sources []job.Status
	for _, st := range allStatuses {
		if job.CanTransition(st, status) {
			sources = append(sources, st)
		}
	}
	if len(sources) == 0 {
		if _, err := s.jobStatus(ctx, id); err != nil {
			return nil, err
		}
		return nil, job.ErrInvalidTransition
	}

	now := time.Now()
	attemptInc := 0
	if status == job.StatusDownloading {
		attemptInc = 1
	}
	var completedAt sql.NullInt64
	if status.IsTerminal() {
		completedAt = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	}

	query := `UPDATE conversion_jobs SET
		status = ?,
		last_attempt_at = ?,
		progress = MAX(progress, ?),
		processing_attempts = processing_attempts + ?,
		completed_at = COALESCE(?, completed_at),
		mp3_url = COALESCE(?, mp3_url),
		new_video_url = COALESCE(?, new_video_url),
		error_message = COALESCE(?, error_message)
		WHERE id = ? AND status IN (` + placeholders(len(sources)) + `)`
	args := []any{
		string(status), millis(now), status.ProgressFloor(), attemptInc,
		completedAt, nullString(update.MP3URL), nullString(update.NewVideoURL),
		nullString(update.ErrorMessage), id,
	}
	args = append(args, statusArgs(sources)...)

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: updating job status: %w", err)
	}
	if n == 0 {
		if _, err := s.jobStatus(ctx, id); err != nil {
			return nil, err
		}
		return nil, job.ErrInvalidTransition
	}
	return s.GetJobByID(ctx, id)
}

// TryUpdateStatusIf claims a transition only when the row still sits in
// expected; a lost race reports false without error.
func (s *Store) TryUpdateStatusIf(ctx context.Context, id string, expected, next job.Status) (bool, error) {
	if !job.CanTransition(expected, next) {
		cur, err := s.jobStatus(ctx, id)
		if err != nil {
			return false, err
		}
		if cur == expected {
			return false, job.ErrInvalidTransition
		}
		return false, nil
	}

	now := time.Now()
	attemptInc := 0
	if next == job.StatusDownloading {
		attemptInc = 1
	}
	var completedAt sql.NullInt64
	if next.IsTerminal() {
		completedAt = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	}

	res, err := s.exec(ctx, `UPDATE conversion_jobs SET
		status = ?,
		last_attempt_at = ?,
		progress = MAX(progress, ?),
		processing_attempts = processing_attempts + ?,
		completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?`,
		string(next), millis(now), next.ProgressFloor(), attemptInc,
		completedAt, id, string(expected))
	if err != nil {
		return false, fmt.Errorf("sqlite: claiming job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: claiming job: %w", err)
	}
	if n == 0 {
		if _, err := s.jobStatus(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// UpdateJobDuration persists the probed media duration.
func (s *Store) UpdateJobDuration(ctx context.Context, id string, seconds float64) error {
	return s.execJobUpdate(ctx, "updating job duration",
		`UPDATE conversion_jobs SET duration_seconds = ? WHERE id = ?`, seconds, id)
}

// UpdateJobKeyframes persists the keyframe list. A nil list is stored as an
// empty one, matching the in-memory store.
func (s *Store) UpdateJobKeyframes(ctx context.Context, id string, keyframes []job.Keyframe) error {
	if keyframes == nil {
		keyframes = []job.Keyframe{}
	}
	col, err := jsonColumn(keyframes)
	if err != nil {
		return err
	}
	return s.execJobUpdate(ctx, "updating job keyframes",
		`UPDATE conversion_jobs SET keyframes = ? WHERE id = ?`, col, id)
}

// UpdateJobAudioAnalysis persists the audio analysis.
func (s *Store) UpdateJobAudioAnalysis(ctx context.Context, id string, analysis *job.AudioAnalysis) error {
	col, err := jsonColumn(analysis)
	if err != nil {
		return err
	}
	return s.execJobUpdate(ctx, "updating job audio analysis",
		`UPDATE conversion_jobs SET audio_analysis = ? WHERE id = ?`, col, id)
}

// TouchJob stamps LastAttemptAt (worker heartbeat).
func (s *Store) TouchJob(ctx context.Context, id string) error {
	return s.execJobUpdate(ctx, "touching job",
		`UPDATE conversion_jobs SET last_attempt_at = ? WHERE id = ?`,
		millis(time.Now()), id)
}

// GetStaleJobs returns Pending or in-progress jobs whose LastAttemptAt is
// older than now-maxAge, oldest first.
func (s *Store) GetStaleJobs(ctx context.Context, maxAge time.Duration) ([]*job.ConversionJob, error) {
	statuses := append([]job.Status{job.StatusPending}, job.InProgressStatuses()...)
	cutoff := time.Now().Add(-maxAge)

	query := `SELECT ` + jobColumns + ` FROM conversion_jobs
		WHERE status IN (` + placeholders(len(statuses)) + `)
		AND COALESCE(last_attempt_at, 0) < ?
		ORDER BY last_attempt_at ASC, rowid ASC`
	args := append(statusArgs(statuses), millis(cutoff))
	return s.queryJobs(ctx, query, args...)
}

// DeleteJob removes a job row. Log events are kept.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.execJobUpdate(ctx, "deleting job",
		`DELETE FROM conversion_jobs WHERE id = ?`, id)
}
