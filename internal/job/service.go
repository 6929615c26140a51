package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// maxBatchURLs bounds one submission.
	maxBatchURLs = 100
	// defaultListTake is the page size when take is unset, and its cap.
	defaultListTake = 20
)

// EventSink receives intake events for asynchronous persistence.
// Implemented by the event logger; methods must never block.
type EventSink interface {
	JobCreated(j *ConversionJob)
	JobQueued(j *ConversionJob, queue string)
}

// Enqueuer places accepted jobs on the pipeline entrance queues.
type Enqueuer interface {
	EnqueueDownload(jobID, videoURL string)
	EnqueueYoutube(jobID, videoURL string)
}

// URLValidator performs intake-time URL checks and classification.
type URLValidator interface {
	// ValidateSyntax returns a descriptive error for a malformed, local, or
	// dangerous URL.
	ValidateSyntax(rawURL string) error
	// IsYoutubeURL reports whether the URL belongs to the YouTube path.
	IsYoutubeURL(rawURL string) bool
}

// BatchIntake is the result of EnqueueBatch: the created batch and its jobs
// in submission order.
type BatchIntake struct {
	Batch *BatchJob
	Jobs  []*ConversionJob
}

// BatchSnapshot is a point-in-time view of a batch and its jobs, with the
// aggregate status and mean progress derived from the children.
type BatchSnapshot struct {
	Batch    *BatchJob
	Jobs     []*ConversionJob
	Status   Status
	Progress int
}

// Service is the job manager: batch intake, job creation, and status
// assembly for queries. Stage execution belongs to the pipeline workers.
type Service struct {
	store  Store
	events EventSink
	queues Enqueuer
	urls   URLValidator
	logger *slog.Logger
}

// NewService creates a job manager.
func NewService(store Store, events EventSink, queues Enqueuer, urls URLValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		events: events,
		queues: queues,
		urls:   urls,
		logger: logger,
	}
}

// EnqueueBatch validates the URL list, creates one batch with one Pending
// job per URL, and hands each job to the download or YouTube queue.
// Returns ErrInvalidInput (wrapped with detail) for an empty or oversized
// list or a URL that fails syntax validation; nothing is persisted in that
// case.
func (s *Service) EnqueueBatch(ctx context.Context, urls []string) (*BatchIntake, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: batch contains no urls", ErrInvalidInput)
	}
	if len(urls) > maxBatchURLs {
		return nil, fmt.Errorf("%w: batch of %d urls exceeds the limit of %d", ErrInvalidInput, len(urls), maxBatchURLs)
	}
	for _, u := range urls {
		if err := s.urls.ValidateSyntax(u); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	batch := &BatchJob{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	jobs := make([]*ConversionJob, 0, len(urls))
	for _, u := range urls {
		j := New(u, batch.ID)
		if err := s.store.CreateJob(ctx, j); err != nil {
			return nil, fmt.Errorf("create job for %s: %w", u, err)
		}
		s.events.JobCreated(j)

		if s.urls.IsYoutubeURL(u) {
			s.queues.EnqueueYoutube(j.ID, u)
			s.events.JobQueued(j, "youtube-download")
		} else {
			s.queues.EnqueueDownload(j.ID, u)
			s.events.JobQueued(j, "download")
		}
		jobs = append(jobs, j)
	}

	s.logger.Info("batch enqueued",
		slog.String("batch_id", batch.ID),
		slog.Int("jobs", len(jobs)),
	)

	return &BatchIntake{Batch: batch, Jobs: jobs}, nil
}

// GetJob retrieves a job by ID.
// Returns ErrJobNotFound if the job does not exist.
func (s *Service) GetJob(ctx context.Context, id string) (*ConversionJob, error) {
	return s.store.GetJobByID(ctx, id)
}

// GetBatch retrieves a batch with its children and the derived aggregate
// status and progress.
// Returns ErrBatchNotFound if the batch does not exist.
func (s *Service) GetBatch(ctx context.Context, id string) (*BatchSnapshot, error) {
	batch, err := s.store.GetBatchByID(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.GetJobsByBatchID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load batch jobs: %w", err)
	}
	return &BatchSnapshot{
		Batch:    batch,
		Jobs:     jobs,
		Status:   AggregateStatus(jobs),
		Progress: AggregateProgress(jobs),
	}, nil
}

// ListJobs returns jobs newest-first. A non-positive take falls back to the
// default page size; take is capped at the same value.
func (s *Service) ListJobs(ctx context.Context, skip, take int) ([]*ConversionJob, error) {
	if skip < 0 {
		skip = 0
	}
	if take <= 0 || take > defaultListTake {
		take = defaultListTake
	}
	return s.store.GetAllJobs(ctx, skip, take)
}

// CountByStatuses reports how many jobs sit in each given status.
func (s *Service) CountByStatuses(ctx context.Context, statuses ...Status) (map[Status]int, error) {
	return s.store.CountJobsByStatuses(ctx, statuses...)
}

// StaleJobCount reports how many jobs currently exceed the stale threshold.
func (s *Service) StaleJobCount(ctx context.Context, threshold time.Duration) (int, error) {
	stale, err := s.store.GetStaleJobs(ctx, threshold)
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
