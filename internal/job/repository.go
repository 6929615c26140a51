package job

import (
	"context"
	"errors"
	"time"
)

// Static errors shared by all Store implementations.
var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job: job not found")
	// ErrBatchNotFound is returned when a batch cannot be found by ID.
	ErrBatchNotFound = errors.New("job: batch not found")
	// ErrMediaItemNotFound is returned when no media item matches the lookup.
	ErrMediaItemNotFound = errors.New("job: media item not found")
	// ErrInvalidInput is returned for rejected intake requests. It is never
	// persisted as a job.
	ErrInvalidInput = errors.New("job: invalid input")
)

// StatusUpdate carries the optional fields of UpdateJobStatus.
// Zero values leave the corresponding column untouched.
type StatusUpdate struct {
	MP3URL       string
	NewVideoURL  string
	ErrorMessage string
}

// JobStore persists conversion jobs. It acts as a port in the hexagonal
// architecture pattern; implementations must serialize writes to one row.
type JobStore interface {
	// CreateJob persists a new job row.
	CreateJob(ctx context.Context, j *ConversionJob) error

	// GetJobByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	GetJobByID(ctx context.Context, id string) (*ConversionJob, error)

	// GetJobsByBatchID returns the jobs attached to a batch, oldest first.
	GetJobsByBatchID(ctx context.Context, batchID string) ([]*ConversionJob, error)

	// GetJobsByStatus returns the jobs currently in the given status.
	GetJobsByStatus(ctx context.Context, status Status) ([]*ConversionJob, error)

	// GetAllJobs returns jobs newest-first with skip/take paging.
	GetAllJobs(ctx context.Context, skip, take int) ([]*ConversionJob, error)

	// CountJobsByStatuses returns the number of jobs per given status.
	CountJobsByStatuses(ctx context.Context, statuses ...Status) (map[Status]int, error)

	// UpdateJob replaces the whole job row.
	// Returns ErrJobNotFound if the job does not exist.
	UpdateJob(ctx context.Context, j *ConversionJob) error

	// UpdateJobStatus transitions the job and persists the update atomically:
	// stamps LastAttemptAt, raises Progress to the status floor, counts the
	// pickup on entry to Downloading, stamps CompletedAt on terminal states,
	// and applies the optional output fields.
	// Returns ErrInvalidTransition for an illegal edge.
	UpdateJobStatus(ctx context.Context, id string, status Status, update StatusUpdate) (*ConversionJob, error)

	// TryUpdateStatusIf atomically transitions the job only when its current
	// status equals expected. Returns false without error when the row has
	// already advanced (claimed by another worker or recovered).
	TryUpdateStatusIf(ctx context.Context, id string, expected, next Status) (bool, error)

	// UpdateJobDuration persists the probed media duration.
	UpdateJobDuration(ctx context.Context, id string, seconds float64) error

	// UpdateJobKeyframes persists the keyframe list.
	UpdateJobKeyframes(ctx context.Context, id string, keyframes []Keyframe) error

	// UpdateJobAudioAnalysis persists the audio analysis.
	UpdateJobAudioAnalysis(ctx context.Context, id string, analysis *AudioAnalysis) error

	// TouchJob stamps LastAttemptAt (worker heartbeat).
	TouchJob(ctx context.Context, id string) error

	// GetStaleJobs returns jobs in Pending or an in-progress status whose
	// LastAttemptAt is older than now-maxAge.
	GetStaleJobs(ctx context.Context, maxAge time.Duration) ([]*ConversionJob, error)

	// DeleteJob removes a job row. Its log events are kept.
	// Returns ErrJobNotFound if the job does not exist.
	DeleteJob(ctx context.Context, id string) error
}

// BatchStore persists batch rows.
type BatchStore interface {
	// CreateBatch persists a new batch row.
	CreateBatch(ctx context.Context, b *BatchJob) error

	// GetBatchByID retrieves a batch by ID.
	// Returns ErrBatchNotFound if the batch does not exist.
	GetBatchByID(ctx context.Context, id string) (*BatchJob, error)

	// DeleteBatch removes a batch and detaches its jobs (BatchID cleared);
	// jobs outlive batches.
	DeleteBatch(ctx context.Context, id string) error
}

// MediaStore persists the content-addressed media cache.
type MediaStore interface {
	// FindByVideoHash returns the non-archived item for a hash.
	// Returns ErrMediaItemNotFound on a miss.
	FindByVideoHash(ctx context.Context, hash string) (*MediaStorageItem, error)

	// SaveItem upserts an item by VideoHash. On a concurrent duplicate-key
	// conflict the existing row wins and is returned.
	SaveItem(ctx context.Context, item *MediaStorageItem) (*MediaStorageItem, error)

	// UpdateItem replaces an existing item (matched by ID).
	UpdateItem(ctx context.Context, item *MediaStorageItem) error

	// TouchItem stamps LastAccessedAt after a cache hit.
	TouchItem(ctx context.Context, id string) error

	// ArchiveItem excludes an item from future cache lookups.
	ArchiveItem(ctx context.Context, id string) error
}

// QueueStatistics summarizes event-log activity over a time window.
type QueueStatistics struct {
	WindowHours    int            `json:"windowHours"`
	TotalEvents    int            `json:"totalEvents"`
	EventCounts    map[string]int `json:"eventCounts"`
	ErrorCount     int            `json:"errorCount"`
	AvgQueueTimeMs float64        `json:"avgQueueTimeMs"`
}

// LogStore persists the append-only conversion event log.
type LogStore interface {
	// AddLog appends a single event.
	AddLog(ctx context.Context, event *LogEvent) error

	// CreateLogBatch appends many events in one write.
	CreateLogBatch(ctx context.Context, events []*LogEvent) error

	// GetLogsByJobID returns a job's events ordered by timestamp.
	GetLogsByJobID(ctx context.Context, jobID string) ([]*LogEvent, error)

	// GetLogsByBatchID returns a batch's events ordered by timestamp.
	GetLogsByBatchID(ctx context.Context, batchID string) ([]*LogEvent, error)

	// GetLogsByEventType returns events of one type since the given time,
	// newest first.
	GetLogsByEventType(ctx context.Context, eventType EventType, since time.Time) ([]*LogEvent, error)

	// GetRecentLogs returns the newest events up to count.
	GetRecentLogs(ctx context.Context, count int) ([]*LogEvent, error)

	// GetQueueStatistics aggregates event counts over the last rangeHours.
	GetQueueStatistics(ctx context.Context, rangeHours int) (*QueueStatistics, error)

	// GetErrorLogs returns Error events since the given time, newest first.
	GetErrorLogs(ctx context.Context, since time.Time) ([]*LogEvent, error)

	// GetStaleJobLogs returns the events of jobs that currently look stale
	// (in progress, last attempt older than thresholdMinutes).
	GetStaleJobLogs(ctx context.Context, thresholdMinutes int) ([]*LogEvent, error)

	// PurgeOldLogs deletes events older than retentionDays and reports how
	// many rows were removed.
	PurgeOldLogs(ctx context.Context, retentionDays int) (int64, error)
}

// Store is the full persistence port used by the service, the pipeline, and
// the recovery service.
type Store interface {
	JobStore
	BatchStore
	MediaStore
	LogStore
}
