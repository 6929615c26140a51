package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// It uses maps with a single mutex; one lock per operation gives the same
// row-serialization guarantees the SQL store provides with transactions.
// Suitable for development and testing; production uses the SQLite store.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*ConversionJob
	batches map[string]*BatchJob
	media   map[string]*MediaStorageItem // keyed by VideoHash
	logs    []*LogEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*ConversionJob),
		batches: make(map[string]*BatchJob),
		media:   make(map[string]*MediaStorageItem),
	}
}

// CreateJob persists a new job clone.
func (s *MemoryStore) CreateJob(_ context.Context, j *ConversionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	return nil
}

// GetJobByID retrieves a job clone by ID.
func (s *MemoryStore) GetJobByID(_ context.Context, id string) (*ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// GetJobsByBatchID returns the batch's jobs oldest first.
func (s *MemoryStore) GetJobsByBatchID(_ context.Context, batchID string) ([]*ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*ConversionJob, 0)
	for _, j := range s.jobs {
		if j.BatchID == batchID {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].CreatedAt.Before(result[b].CreatedAt) })
	return result, nil
}

// GetJobsByStatus returns jobs currently in the given status.
func (s *MemoryStore) GetJobsByStatus(_ context.Context, status Status) ([]*ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*ConversionJob, 0)
	for _, j := range s.jobs {
		if j.Status == status {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].CreatedAt.Before(result[b].CreatedAt) })
	return result, nil
}

// GetAllJobs returns jobs newest-first with paging.
func (s *MemoryStore) GetAllJobs(_ context.Context, skip, take int) ([]*ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*ConversionJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j.Clone())
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })

	if skip < 0 {
		skip = 0
	}
	if skip >= len(all) {
		return []*ConversionJob{}, nil
	}
	end := skip + take
	if take <= 0 || end > len(all) {
		end = len(all)
	}
	return all[skip:end], nil
}

// CountJobsByStatuses counts jobs per status.
func (s *MemoryStore) CountJobsByStatuses(_ context.Context, statuses ...Status) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int, len(statuses))
	for _, st := range statuses {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		if _, wanted := counts[j.Status]; wanted {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// UpdateJob replaces the stored row.
func (s *MemoryStore) UpdateJob(_ context.Context, j *ConversionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// UpdateJobStatus transitions the stored row under the store lock.
func (s *MemoryStore) UpdateJobStatus(_ context.Context, id string, status Status, update StatusUpdate) (*ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := j.TransitionTo(status); err != nil {
		return nil, err
	}
	if update.MP3URL != "" {
		j.MP3URL = update.MP3URL
	}
	if update.NewVideoURL != "" {
		j.NewVideoURL = update.NewVideoURL
	}
	if update.ErrorMessage != "" {
		j.ErrorMessage = update.ErrorMessage
	}
	return j.Clone(), nil
}

// TryUpdateStatusIf performs the compare-and-set claim under the store lock.
func (s *MemoryStore) TryUpdateStatusIf(_ context.Context, id string, expected, next Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != expected {
		return false, nil
	}
	if err := j.TransitionTo(next); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateJobDuration persists the probed duration.
func (s *MemoryStore) UpdateJobDuration(_ context.Context, id string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.DurationSeconds = seconds
	return nil
}

// UpdateJobKeyframes persists the keyframe list.
func (s *MemoryStore) UpdateJobKeyframes(_ context.Context, id string, keyframes []Keyframe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Keyframes = make([]Keyframe, len(keyframes))
	copy(j.Keyframes, keyframes)
	return nil
}

// UpdateJobAudioAnalysis persists the audio analysis.
func (s *MemoryStore) UpdateJobAudioAnalysis(_ context.Context, id string, analysis *AudioAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.AudioAnalysis = analysis.Clone()
	return nil
}

// TouchJob stamps LastAttemptAt.
func (s *MemoryStore) TouchJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Touch()
	return nil
}

// GetStaleJobs returns Pending or in-progress jobs with an old LastAttemptAt.
func (s *MemoryStore) GetStaleJobs(_ context.Context, maxAge time.Duration) ([]*ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	result := make([]*ConversionJob, 0)
	for _, j := range s.jobs {
		if (j.Status == StatusPending || j.Status.IsInProgress()) && j.LastAttemptAt.Before(cutoff) {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].LastAttemptAt.Before(result[b].LastAttemptAt) })
	return result, nil
}

// DeleteJob removes a job row; its log events stay reachable by JobID.
func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// CreateBatch persists a new batch clone.
func (s *MemoryStore) CreateBatch(_ context.Context, b *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *b
	s.batches[b.ID] = &clone
	return nil
}

// GetBatchByID retrieves a batch clone by ID.
func (s *MemoryStore) GetBatchByID(_ context.Context, id string) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	clone := *b
	return &clone, nil
}

// DeleteBatch removes a batch and detaches its jobs.
func (s *MemoryStore) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return ErrBatchNotFound
	}
	delete(s.batches, id)
	for _, j := range s.jobs {
		if j.BatchID == id {
			j.BatchID = ""
		}
	}
	return nil
}

// FindByVideoHash returns the non-archived item for a hash.
func (s *MemoryStore) FindByVideoHash(_ context.Context, hash string) (*MediaStorageItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.media[hash]
	if !ok || item.Archived {
		return nil, ErrMediaItemNotFound
	}
	return item.Clone(), nil
}

// SaveItem upserts an item by VideoHash; the existing row wins on conflict.
func (s *MemoryStore) SaveItem(_ context.Context, item *MediaStorageItem) (*MediaStorageItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.media[item.VideoHash]; ok {
		return existing.Clone(), nil
	}
	clone := item.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.LastAccessedAt = clone.CreatedAt
	s.media[clone.VideoHash] = clone
	return clone.Clone(), nil
}

// UpdateItem replaces an existing item matched by ID.
func (s *MemoryStore) UpdateItem(_ context.Context, item *MediaStorageItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, existing := range s.media {
		if existing.ID == item.ID {
			clone := item.Clone()
			delete(s.media, hash)
			s.media[clone.VideoHash] = clone
			return nil
		}
	}
	return ErrMediaItemNotFound
}

// TouchItem stamps LastAccessedAt.
func (s *MemoryStore) TouchItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.media {
		if item.ID == id {
			item.LastAccessedAt = time.Now()
			return nil
		}
	}
	return ErrMediaItemNotFound
}

// ArchiveItem excludes the item from future lookups.
func (s *MemoryStore) ArchiveItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.media {
		if item.ID == id {
			item.Archived = true
			return nil
		}
	}
	return ErrMediaItemNotFound
}

// AddLog appends one event.
func (s *MemoryStore) AddLog(_ context.Context, event *LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(event)
	return nil
}

// CreateLogBatch appends many events in one call.
func (s *MemoryStore) CreateLogBatch(_ context.Context, events []*LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.appendLocked(ev)
	}
	return nil
}

func (s *MemoryStore) appendLocked(event *LogEvent) {
	clone := *event
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	s.logs = append(s.logs, &clone)
}

// GetLogsByJobID returns a job's events ordered by timestamp.
func (s *MemoryStore) GetLogsByJobID(_ context.Context, jobID string) ([]*LogEvent, error) {
	return s.filterLogs(func(ev *LogEvent) bool { return ev.JobID == jobID }, false, 0)
}

// GetLogsByBatchID returns a batch's events ordered by timestamp.
func (s *MemoryStore) GetLogsByBatchID(_ context.Context, batchID string) ([]*LogEvent, error) {
	return s.filterLogs(func(ev *LogEvent) bool { return ev.BatchID == batchID }, false, 0)
}

// GetLogsByEventType returns events of one type since the given time.
func (s *MemoryStore) GetLogsByEventType(_ context.Context, eventType EventType, since time.Time) ([]*LogEvent, error) {
	return s.filterLogs(func(ev *LogEvent) bool {
		return ev.Type == eventType && !ev.Timestamp.Before(since)
	}, true, 0)
}

// GetRecentLogs returns the newest events up to count.
func (s *MemoryStore) GetRecentLogs(_ context.Context, count int) ([]*LogEvent, error) {
	return s.filterLogs(func(*LogEvent) bool { return true }, true, count)
}

// GetQueueStatistics aggregates event counts over the window.
func (s *MemoryStore) GetQueueStatistics(_ context.Context, rangeHours int) (*QueueStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := time.Now().Add(-time.Duration(rangeHours) * time.Hour)
	stats := &QueueStatistics{
		WindowHours: rangeHours,
		EventCounts: make(map[string]int),
	}
	var queueTotal, queueCount int64
	for _, ev := range s.logs {
		if ev.Timestamp.Before(since) {
			continue
		}
		stats.TotalEvents++
		stats.EventCounts[ev.Type.String()]++
		if ev.Type == EventError {
			stats.ErrorCount++
		}
		if ev.QueueTimeMs > 0 {
			queueTotal += ev.QueueTimeMs
			queueCount++
		}
	}
	if queueCount > 0 {
		stats.AvgQueueTimeMs = float64(queueTotal) / float64(queueCount)
	}
	return stats, nil
}

// GetErrorLogs returns Error events since the given time.
func (s *MemoryStore) GetErrorLogs(_ context.Context, since time.Time) ([]*LogEvent, error) {
	return s.filterLogs(func(ev *LogEvent) bool {
		return ev.Type == EventError && !ev.Timestamp.Before(since)
	}, true, 0)
}

// GetStaleJobLogs returns events of jobs that currently look stale.
func (s *MemoryStore) GetStaleJobLogs(ctx context.Context, thresholdMinutes int) ([]*LogEvent, error) {
	stale, err := s.GetStaleJobs(ctx, time.Duration(thresholdMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}
	staleIDs := make(map[string]bool, len(stale))
	for _, j := range stale {
		staleIDs[j.ID] = true
	}
	return s.filterLogs(func(ev *LogEvent) bool { return staleIDs[ev.JobID] }, true, 0)
}

// PurgeOldLogs deletes events older than retentionDays.
func (s *MemoryStore) PurgeOldLogs(_ context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	kept := s.logs[:0]
	var removed int64
	for _, ev := range s.logs {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.logs = kept
	return removed, nil
}

// filterLogs clones matching events sorted by timestamp; newestFirst flips
// the order and limit>0 truncates.
func (s *MemoryStore) filterLogs(match func(*LogEvent) bool, newestFirst bool, limit int) ([]*LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*LogEvent, 0)
	for _, ev := range s.logs {
		if match(ev) {
			clone := *ev
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(a, b int) bool {
		if newestFirst {
			return result[a].Timestamp.After(result[b].Timestamp)
		}
		return result[a].Timestamp.Before(result[b].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
