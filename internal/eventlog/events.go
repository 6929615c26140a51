package eventlog

import (
	"fmt"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// jobEvent builds an event carrying the job's batch, status, and attempt
// count at emit time.
func (l *Logger) jobEvent(j *job.ConversionJob, eventType job.EventType, message string) *job.LogEvent {
	ev := job.NewEvent(j.ID, eventType, message)
	ev.BatchID = j.BatchID
	ev.JobStatus = j.Status
	ev.AttemptNumber = j.ProcessingAttempts
	return ev
}

// JobCreated records intake of a new job.
func (l *Logger) JobCreated(j *job.ConversionJob) {
	ev := l.jobEvent(j, job.EventJobCreated, "job created")
	ev.VideoURL = j.VideoURL
	l.Emit(ev)
}

// JobQueued records the job being handed to a pipeline entrance queue.
func (l *Logger) JobQueued(j *job.ConversionJob, queue string) {
	ev := l.jobEvent(j, job.EventJobQueued, fmt.Sprintf("queued on %s", queue))
	ev.Details = queue
	l.Emit(ev)
}

// StatusChanged records a stage transition.
func (l *Logger) StatusChanged(j *job.ConversionJob) {
	l.Emit(l.jobEvent(j, job.EventStatusChanged, fmt.Sprintf("status changed to %s", j.Status)))
}

// DownloadStarted records the download stage picking the job up.
func (l *Logger) DownloadStarted(j *job.ConversionJob) {
	ev := l.jobEvent(j, job.EventDownloadStarted, "download started")
	ev.VideoURL = j.VideoURL
	l.Emit(ev)
}

// DownloadProgress records transfer progress.
func (l *Logger) DownloadProgress(j *job.ConversionJob, written, total int64, rate float64) {
	message := fmt.Sprintf("downloaded %d bytes", written)
	if total > 0 {
		message = fmt.Sprintf("downloaded %d of %d bytes", written, total)
	}
	ev := l.jobEvent(j, job.EventDownloadProgress, message)
	ev.FileSizeBytes = written
	ev.ProcessingRateBytesPerSec = rate
	l.Emit(ev)
}

// DownloadCompleted records the finished transfer.
func (l *Logger) DownloadCompleted(j *job.ConversionJob, sizeBytes int64, rate float64) {
	ev := l.jobEvent(j, job.EventDownloadCompleted, fmt.Sprintf("downloaded %d bytes", sizeBytes))
	ev.VideoURL = j.VideoURL
	ev.FileSizeBytes = sizeBytes
	ev.ProcessingRateBytesPerSec = rate
	l.Emit(ev)
}

// ConversionStarted records the transcode stage picking the job up.
func (l *Logger) ConversionStarted(j *job.ConversionJob) {
	l.Emit(l.jobEvent(j, job.EventConversionStarted, "audio extraction started"))
}

// ConversionProgress records transcode progress as a percentage.
func (l *Logger) ConversionProgress(j *job.ConversionJob, percent int) {
	ev := l.jobEvent(j, job.EventConversionProgress, fmt.Sprintf("audio extraction at %d%%", percent))
	ev.DurationSeconds = j.DurationSeconds
	l.Emit(ev)
}

// ConversionCompleted records the produced MP3.
func (l *Logger) ConversionCompleted(j *job.ConversionJob, mp3SizeBytes int64) {
	ev := l.jobEvent(j, job.EventConversionCompleted, "audio extraction completed")
	ev.FileSizeBytes = mp3SizeBytes
	ev.DurationSeconds = j.DurationSeconds
	l.Emit(ev)
}

// UploadStarted records the upload stage picking the job up.
func (l *Logger) UploadStarted(j *job.ConversionJob, totalSteps int) {
	ev := l.jobEvent(j, job.EventUploadStarted, "upload started")
	ev.TotalSteps = totalSteps
	l.Emit(ev)
}

// UploadProgress records one finished upload step.
func (l *Logger) UploadProgress(j *job.ConversionJob, step, totalSteps int) {
	ev := l.jobEvent(j, job.EventUploadProgress, fmt.Sprintf("uploaded %d of %d artifacts", step, totalSteps))
	ev.Step = step
	ev.TotalSteps = totalSteps
	l.Emit(ev)
}

// UploadCompleted records all artifacts stored.
func (l *Logger) UploadCompleted(j *job.ConversionJob, mp3URL string) {
	ev := l.jobEvent(j, job.EventUploadCompleted, "upload completed")
	ev.MP3URL = mp3URL
	l.Emit(ev)
}

// JobCompleted records the terminal success.
func (l *Logger) JobCompleted(j *job.ConversionJob) {
	ev := l.jobEvent(j, job.EventJobCompleted, "job completed")
	ev.MP3URL = j.MP3URL
	ev.DurationSeconds = j.DurationSeconds
	l.Emit(ev)
}

// CacheHit records a job served from the media cache without processing.
func (l *Logger) CacheHit(j *job.ConversionJob, videoHash string) {
	ev := l.jobEvent(j, job.EventCacheHit, "served from media cache")
	ev.Details = videoHash
	l.Emit(ev)
}

// JobRecovered records a stale job reset by the recovery service.
func (l *Logger) JobRecovered(j *job.ConversionJob, message string) {
	l.Emit(l.jobEvent(j, job.EventJobRecovered, message))
}

// JobDelayed records time spent waiting on a gate before a stage ran.
func (l *Logger) JobDelayed(j *job.ConversionJob, waited time.Duration, reason string) {
	ev := l.jobEvent(j, job.EventJobDelayed, fmt.Sprintf("waited %s for %s", waited.Round(time.Millisecond), reason))
	ev.QueueTimeMs = waited.Milliseconds()
	ev.WaitReason = reason
	l.Emit(ev)
}

// JobRetry records a failed attempt that will be retried.
func (l *Logger) JobRetry(j *job.ConversionJob, attempt int, err error) {
	ev := l.jobEvent(j, job.EventJobRetry, fmt.Sprintf("attempt %d failed, retrying", attempt))
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	l.Emit(ev)
}

// Error records a failure.
func (l *Logger) Error(j *job.ConversionJob, message string, err error) {
	ev := l.jobEvent(j, job.EventError, message)
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	l.Emit(ev)
}

// ErrorWithStack records an unexpected failure with its stack trace.
func (l *Logger) ErrorWithStack(j *job.ConversionJob, message string, err error, stack string) {
	ev := l.jobEvent(j, job.EventError, message)
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	ev.ErrorStackTrace = stack
	l.Emit(ev)
}

// Warning records a tolerated problem the job survived.
func (l *Logger) Warning(j *job.ConversionJob, message string, err error) {
	ev := l.jobEvent(j, job.EventWarning, message)
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	l.Emit(ev)
}

// SystemInfo records an event not tied to one job.
func (l *Logger) SystemInfo(message, details string) {
	ev := job.NewEvent("", job.EventSystemInfo, message)
	ev.Details = details
	l.Emit(ev)
}
