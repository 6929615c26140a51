// Package recovery returns orphaned work to the pipeline. The stage queues
// deliver at most once within a running process; jobs stranded by a crash,
// a lost queue push, or a blown heartbeat show up as stale rows, and this
// service either re-enqueues them or fails the ones that have used up their
// attempt budget. It also hosts log retention.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soundscribe/videoconverter-api/internal/eventlog"
	"github.com/soundscribe/videoconverter-api/internal/job"
	"github.com/soundscribe/videoconverter-api/internal/urlcheck"
)

// Config tunes the two periodic tasks. Zero values fall back to the
// defaults noted per field.
type Config struct {
	// CheckInterval is how often the stale-job pass runs. Default 10m.
	CheckInterval time.Duration
	// StaleThreshold is how long a Pending or in-progress row may sit
	// without a LastAttemptAt update before it counts as stale. Default 10m.
	StaleThreshold time.Duration
	// MaxAttempts caps ProcessingAttempts before a stale job is failed
	// instead of re-enqueued. Default 3.
	MaxAttempts int
	// LogCleanupInterval is how often old events are purged. Default 24h.
	LogCleanupInterval time.Duration
	// LogRetentionDays is the event age cutoff for the purge. Default 30.
	LogRetentionDays int
}

// Service periodically rescues stale jobs and purges old log events.
type Service struct {
	store    job.Store
	enqueuer job.Enqueuer
	events   *eventlog.Logger
	cfg      Config
	logger   *slog.Logger
	cron     *cron.Cron

	// mu serializes recovery passes so a forced pass and the scheduled one
	// never interleave over the same stale set.
	mu sync.Mutex
}

// New creates the recovery service. Call Start to schedule the periodic
// tasks; RecoverOnce works without Start for synchronous use.
func New(store job.Store, enqueuer job.Enqueuer, events *eventlog.Logger, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LogCleanupInterval <= 0 {
		cfg.LogCleanupInterval = 24 * time.Hour
	}
	if cfg.LogRetentionDays <= 0 {
		cfg.LogRetentionDays = 30
	}

	return &Service{
		store:    store,
		enqueuer: enqueuer,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start schedules the stale-job pass and the log purge. Overlapping runs of
// the same task are skipped rather than queued.
func (s *Service) Start() {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(cron.Every(s.cfg.CheckInterval), cron.FuncJob(func() {
		if _, err := s.RecoverOnce(context.Background()); err != nil {
			s.logger.Error("stale job recovery failed", "error", err)
		}
	}))
	s.cron.Schedule(cron.Every(s.cfg.LogCleanupInterval), cron.FuncJob(func() {
		s.purgeOldLogs(context.Background())
	}))
	s.cron.Start()
	s.logger.Info("recovery service started",
		"check_interval", s.cfg.CheckInterval,
		"stale_threshold", s.cfg.StaleThreshold,
		"max_attempts", s.cfg.MaxAttempts,
		"log_cleanup_interval", s.cfg.LogCleanupInterval,
		"log_retention_days", s.cfg.LogRetentionDays)
}

// Stop halts the schedule and waits for a running task to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("recovery service stopped")
}

// RecoverOnce runs a single stale-job pass and returns how many jobs went
// back onto a queue. Jobs past their attempt budget are failed instead and
// do not count.
func (s *Service) RecoverOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.store.GetStaleJobs(ctx, s.cfg.StaleThreshold)
	if err != nil {
		return 0, fmt.Errorf("listing stale jobs: %w", err)
	}

	recovered := 0
	for _, j := range stale {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if j.ProcessingAttempts >= s.cfg.MaxAttempts {
			s.failExhausted(ctx, j)
			continue
		}
		if s.requeue(ctx, j) {
			recovered++
		}
	}

	if len(stale) > 0 {
		s.logger.Info("recovery pass finished", "stale", len(stale), "recovered", recovered)
	}
	return recovered, nil
}

// requeue returns a stale job to the queue its URL belongs on. In-progress
// rows are reset to Pending first; a row that is already Pending just gets
// a fresh stamp so it does not reappear in the next pass.
func (s *Service) requeue(ctx context.Context, j *job.ConversionJob) bool {
	stalledIn := j.Status
	reset := j
	if j.Status == job.StatusPending {
		if err := s.store.TouchJob(ctx, j.ID); err != nil {
			s.logger.Error("stamping stale pending job", "jobID", j.ID, "error", err)
			return false
		}
	} else {
		r, err := s.store.UpdateJobStatus(ctx, j.ID, job.StatusPending, job.StatusUpdate{})
		if err != nil {
			s.logger.Error("resetting stale job", "jobID", j.ID, "error", err)
			return false
		}
		reset = r
	}

	if urlcheck.Classify(j.VideoURL) == urlcheck.KindYoutube {
		s.enqueuer.EnqueueYoutube(j.ID, j.VideoURL)
	} else {
		s.enqueuer.EnqueueDownload(j.ID, j.VideoURL)
	}

	s.events.JobRecovered(reset, fmt.Sprintf("re-enqueued after stalling in %s", stalledIn))
	s.logger.Info("stale job re-enqueued",
		"jobID", j.ID, "stalled_in", stalledIn, "attempts", j.ProcessingAttempts)
	return true
}

// failExhausted fails a stale job that has no attempts left.
func (s *Service) failExhausted(ctx context.Context, j *job.ConversionJob) {
	failed, err := s.store.UpdateJobStatus(ctx, j.ID, job.StatusFailed, job.StatusUpdate{
		ErrorMessage: "max attempts exceeded",
	})
	if err != nil {
		s.logger.Error("failing exhausted job", "jobID", j.ID, "error", err)
		return
	}
	s.events.Error(failed, "max attempts exceeded", nil)
	s.logger.Warn("job used up its attempt budget",
		"jobID", j.ID, "attempts", j.ProcessingAttempts)
}

func (s *Service) purgeOldLogs(ctx context.Context) {
	removed, err := s.store.PurgeOldLogs(ctx, s.cfg.LogRetentionDays)
	if err != nil {
		s.logger.Error("log retention purge failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("purged old log events",
			"removed", removed, "retention_days", s.cfg.LogRetentionDays)
	}
}
