package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

const logColumns = `id, job_id, batch_id, event_type, job_status, timestamp,
	message, details, error_message, error_stack_trace, video_url, mp3_url,
	file_size_bytes, duration_seconds, processing_rate, step, total_steps,
	attempt_number, queue_time_ms, wait_reason`

const logPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

// prepareEvent returns a copy with ID and Timestamp filled when missing.
func prepareEvent(ev *job.LogEvent) *job.LogEvent {
	clone := *ev
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	return &clone
}

func logArgs(ev *job.LogEvent) []any {
	return []any{
		ev.ID, nullString(ev.JobID), nullString(ev.BatchID), int(ev.Type),
		nullString(string(ev.JobStatus)), millis(ev.Timestamp), ev.Message,
		nullString(ev.Details), nullString(ev.ErrorMessage),
		nullString(ev.ErrorStackTrace), nullString(ev.VideoURL),
		nullString(ev.MP3URL), ev.FileSizeBytes, ev.DurationSeconds,
		ev.ProcessingRateBytesPerSec, ev.Step, ev.TotalSteps,
		ev.AttemptNumber, ev.QueueTimeMs, nullString(ev.WaitReason),
	}
}

func scanLogEvent(row rowScanner) (*job.LogEvent, error) {
	var (
		ev         job.LogEvent
		jobID      sql.NullString
		batchID    sql.NullString
		eventType  int
		jobStatus  sql.NullString
		timestamp  int64
		details    sql.NullString
		errMsg     sql.NullString
		errStack   sql.NullString
		videoURL   sql.NullString
		mp3URL     sql.NullString
		waitReason sql.NullString
	)
	if err := row.Scan(
		&ev.ID, &jobID, &batchID, &eventType, &jobStatus, &timestamp,
		&ev.Message, &details, &errMsg, &errStack, &videoURL, &mp3URL,
		&ev.FileSizeBytes, &ev.DurationSeconds, &ev.ProcessingRateBytesPerSec,
		&ev.Step, &ev.TotalSteps, &ev.AttemptNumber, &ev.QueueTimeMs,
		&waitReason,
	); err != nil {
		return nil, err
	}

	ev.JobID = stringOrEmpty(jobID)
	ev.BatchID = stringOrEmpty(batchID)
	ev.Type = job.EventType(eventType)
	ev.JobStatus = job.Status(stringOrEmpty(jobStatus))
	ev.Timestamp = timeAt(timestamp)
	ev.Details = stringOrEmpty(details)
	ev.ErrorMessage = stringOrEmpty(errMsg)
	ev.ErrorStackTrace = stringOrEmpty(errStack)
	ev.VideoURL = stringOrEmpty(videoURL)
	ev.MP3URL = stringOrEmpty(mp3URL)
	ev.WaitReason = stringOrEmpty(waitReason)
	return &ev, nil
}

func (s *Store) queryLogs(ctx context.Context, query string, args ...any) ([]*job.LogEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying logs: %w", err)
	}
	defer rows.Close()

	events := make([]*job.LogEvent, 0)
	for rows.Next() {
		ev, err := scanLogEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning log event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: querying logs: %w", err)
	}
	return events, nil
}

// AddLog appends a single event, filling ID and Timestamp when missing.
func (s *Store) AddLog(ctx context.Context, event *job.LogEvent) error {
	_, err := s.exec(ctx, `INSERT INTO conversion_logs (`+logColumns+`)
		VALUES (`+logPlaceholders+`)`, logArgs(prepareEvent(event))...)
	if err != nil {
		return fmt.Errorf("sqlite: adding log event: %w", err)
	}
	return nil
}

// CreateLogBatch appends many events in one transaction.
func (s *Store) CreateLogBatch(ctx context.Context, events []*job.LogEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: writing log batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO conversion_logs (`+logColumns+`)
		VALUES (`+logPlaceholders+`)`)
	if err != nil {
		return fmt.Errorf("sqlite: writing log batch: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, logArgs(prepareEvent(ev))...); err != nil {
			return fmt.Errorf("sqlite: writing log batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: writing log batch: %w", err)
	}
	return nil
}

// GetLogsByJobID returns a job's events ordered by timestamp.
func (s *Store) GetLogsByJobID(ctx context.Context, jobID string) ([]*job.LogEvent, error) {
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM conversion_logs
		WHERE job_id = ? ORDER BY timestamp ASC, rowid ASC`, jobID)
}

// GetLogsByBatchID returns a batch's events ordered by timestamp.
func (s *Store) GetLogsByBatchID(ctx context.Context, batchID string) ([]*job.LogEvent, error) {
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM conversion_logs
		WHERE batch_id = ? ORDER BY timestamp ASC, rowid ASC`, batchID)
}

// GetLogsByEventType returns events of one type since the given time,
// newest first.
func (s *Store) GetLogsByEventType(ctx context.Context, eventType job.EventType, since time.Time) ([]*job.LogEvent, error) {
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM conversion_logs
		WHERE event_type = ? AND timestamp >= ?
		ORDER BY timestamp DESC, rowid DESC`, int(eventType), millis(since))
}

// GetRecentLogs returns the newest events up to count. A non-positive count
// returns everything.
func (s *Store) GetRecentLogs(ctx context.Context, count int) ([]*job.LogEvent, error) {
	if count <= 0 {
		count = -1
	}
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM conversion_logs
		ORDER BY timestamp DESC, rowid DESC LIMIT ?`, count)
}

// GetQueueStatistics aggregates event counts over the last rangeHours.
func (s *Store) GetQueueStatistics(ctx context.Context, rangeHours int) (*job.QueueStatistics, error) {
	since := millis(time.Now().Add(-time.Duration(rangeHours) * time.Hour))
	stats := &job.QueueStatistics{
		WindowHours: rangeHours,
		EventCounts: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*)
		FROM conversion_logs WHERE timestamp >= ? GROUP BY event_type`, since)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading queue statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType, n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("sqlite: reading queue statistics: %w", err)
		}
		stats.EventCounts[job.EventType(eventType).String()] = n
		stats.TotalEvents += n
		if job.EventType(eventType) == job.EventError {
			stats.ErrorCount = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: reading queue statistics: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT AVG(queue_time_ms)
		FROM conversion_logs WHERE timestamp >= ? AND queue_time_ms > 0`, since).
		Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading queue statistics: %w", err)
	}
	if avg.Valid {
		stats.AvgQueueTimeMs = avg.Float64
	}
	return stats, nil
}

// GetErrorLogs returns Error events since the given time, newest first.
func (s *Store) GetErrorLogs(ctx context.Context, since time.Time) ([]*job.LogEvent, error) {
	return s.GetLogsByEventType(ctx, job.EventError, since)
}

// GetStaleJobLogs returns the events of jobs that currently look stale.
func (s *Store) GetStaleJobLogs(ctx context.Context, thresholdMinutes int) ([]*job.LogEvent, error) {
	stale, err := s.GetStaleJobs(ctx, time.Duration(thresholdMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return []*job.LogEvent{}, nil
	}

	args := make([]any, len(stale))
	for i, j := range stale {
		args[i] = j.ID
	}
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM conversion_logs
		WHERE job_id IN (`+placeholders(len(stale))+`)
		ORDER BY timestamp DESC, rowid DESC`, args...)
}

// PurgeOldLogs deletes events older than retentionDays.
func (s *Store) PurgeOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := s.exec(ctx,
		`DELETE FROM conversion_logs WHERE timestamp < ?`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purging old logs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purging old logs: %w", err)
	}
	return removed, nil
}
