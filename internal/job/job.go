// Package job provides the conversion job domain model: the ConversionJob
// aggregate with its status state machine, batches, the content-addressed
// media cache item, the event log model, and the Store ports for persistence.
package job

import (
	"errors"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job/id"
)

// Status represents the current state of a ConversionJob.
// The pipeline advances a job through the in-progress states in order;
// Failed is reachable from any non-terminal state.
type Status string

const (
	// StatusPending indicates the job is created and waiting for a download worker.
	StatusPending Status = "Pending"
	// StatusDownloading indicates the source video is being fetched.
	StatusDownloading Status = "Downloading"
	// StatusConverting indicates the MP3 track is being extracted.
	StatusConverting Status = "Converting"
	// StatusAudioAnalyzing indicates tempo/beat analysis is running.
	StatusAudioAnalyzing Status = "AudioAnalyzing"
	// StatusExtractingKeyframes indicates keyframes are being sampled.
	StatusExtractingKeyframes Status = "ExtractingKeyframes"
	// StatusUploading indicates artifacts are being pushed to the object store.
	StatusUploading Status = "Uploading"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "Completed"
	// StatusFailed indicates the job terminated with an error.
	StatusFailed Status = "Failed"
)

// ErrInvalidTransition is returned when an invalid status transition is attempted.
var ErrInvalidTransition = errors.New("job: invalid status transition")

// validTransitions defines which status transitions are allowed.
// Downloading may jump straight to Completed (media-cache hit) or to
// Uploading (YouTube path, which produces the MP3 in one step). Any
// in-progress status may fall back to Pending when the recovery service
// resets a stale job.
var validTransitions = map[Status][]Status{
	StatusPending:             {StatusDownloading, StatusFailed},
	StatusDownloading:         {StatusConverting, StatusUploading, StatusCompleted, StatusPending, StatusFailed},
	StatusConverting:          {StatusAudioAnalyzing, StatusPending, StatusFailed},
	StatusAudioAnalyzing:      {StatusExtractingKeyframes, StatusPending, StatusFailed},
	StatusExtractingKeyframes: {StatusUploading, StatusPending, StatusFailed},
	StatusUploading:           {StatusCompleted, StatusPending, StatusFailed},
	StatusCompleted:           {},
	StatusFailed:              {},
}

// progressFloors maps each status to the coarse progress percentage a job
// reaches by entering it. Progress never decreases within one job.
var progressFloors = map[Status]int{
	StatusPending:             0,
	StatusDownloading:         15,
	StatusConverting:          45,
	StatusAudioAnalyzing:      60,
	StatusExtractingKeyframes: 75,
	StatusUploading:           90,
	StatusCompleted:           100,
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is Completed or Failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInProgress returns true for the states owned by a stage worker.
func (s Status) IsInProgress() bool {
	switch s {
	case StatusDownloading, StatusConverting, StatusAudioAnalyzing, StatusExtractingKeyframes, StatusUploading:
		return true
	default:
		return false
	}
}

// ProgressFloor returns the progress percentage associated with the status.
// Failed has no floor of its own; a failed job keeps its last value.
func (s Status) ProgressFloor() int {
	return progressFloors[s]
}

// InProgressStatuses lists the stage-owned states in pipeline order.
// Used by stale-job queries and diagnostics.
func InProgressStatuses() []Status {
	return []Status{
		StatusDownloading,
		StatusConverting,
		StatusAudioAnalyzing,
		StatusExtractingKeyframes,
		StatusUploading,
	}
}

// ConversionJob is the unit of work: one video URL converted to an MP3 with
// audio analysis and keyframes. Instances are plain values; concurrent
// access control and transition atomicity are the Store's responsibility.
type ConversionJob struct {
	// ID is the unique identifier for this job.
	ID string
	// BatchID groups jobs created by one submission. Empty when the batch
	// was deleted (jobs outlive batches).
	BatchID string
	// VideoURL is the source URL submitted by the client.
	VideoURL string
	// VideoHash is the SHA-256 of the downloaded bytes (or of the URL for
	// YouTube sources). Set by the download stage.
	VideoHash string

	// NewVideoURL is the object-store URL of the re-uploaded source video.
	NewVideoURL string
	// MP3URL is the object-store URL of the extracted audio track.
	MP3URL string
	// Keyframes holds the sampled frames in timestamp order. URL carries a
	// local path until the upload stage rewrites it.
	Keyframes []Keyframe
	// AudioAnalysis holds tempo/beat data when the analyzer produced any.
	AudioAnalysis *AudioAnalysis
	// DurationSeconds is the media duration reported by the prober.
	DurationSeconds float64
	// FileSizeBytes is the size of the downloaded source.
	FileSizeBytes int64
	// ContentType is the MIME type reported for the source.
	ContentType string

	// Status is the current pipeline state.
	Status Status
	// Progress is the coarse completion percentage (0-100), non-decreasing.
	Progress int
	// ErrorMessage describes the terminal failure, if any.
	ErrorMessage string
	// ProcessingAttempts counts how many times a worker picked the job up
	// (the initial pickup plus every recovery re-pickup).
	ProcessingAttempts int
	// CreatedAt is when the job row was created.
	CreatedAt time.Time
	// LastAttemptAt is stamped on every status change and at heartbeat
	// cadence during long stages; recovery uses it to detect stale jobs.
	LastAttemptAt time.Time
	// CompletedAt is set exactly when the job reaches a terminal status.
	CompletedAt time.Time
}

// New creates a ConversionJob in Pending state with a generated ID.
func New(videoURL, batchID string) *ConversionJob {
	now := time.Now()
	return &ConversionJob{
		ID:            id.Generate(),
		BatchID:       batchID,
		VideoURL:      videoURL,
		Status:        StatusPending,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
}

// TransitionTo changes the job status, stamping LastAttemptAt, raising
// Progress to the new status floor, counting pickups on entry to
// Downloading, and stamping CompletedAt on terminal states.
// Returns ErrInvalidTransition if the edge is not allowed.
func (j *ConversionJob) TransitionTo(status Status) error {
	if !CanTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.LastAttemptAt = time.Now()

	if floor := status.ProgressFloor(); floor > j.Progress {
		j.Progress = floor
	}
	if status == StatusDownloading {
		j.ProcessingAttempts++
	}
	if status.IsTerminal() {
		j.CompletedAt = j.LastAttemptAt
	}

	return nil
}

// Fail transitions the job to Failed with an error message.
// Progress keeps its last value.
func (j *ConversionJob) Fail(errMsg string) error {
	if err := j.TransitionTo(StatusFailed); err != nil {
		return err
	}
	j.ErrorMessage = errMsg
	return nil
}

// Touch stamps LastAttemptAt. Stage workers call it at heartbeat cadence
// during long operations so the recovery service does not mistake a live
// job for a stale one.
func (j *ConversionJob) Touch() {
	j.LastAttemptAt = time.Now()
}

// IsTerminal returns true if the job reached Completed or Failed.
func (j *ConversionJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone creates a deep copy of the job for safe publication.
func (j *ConversionJob) Clone() *ConversionJob {
	clone := *j
	if j.Keyframes != nil {
		clone.Keyframes = make([]Keyframe, len(j.Keyframes))
		copy(clone.Keyframes, j.Keyframes)
	}
	if j.AudioAnalysis != nil {
		clone.AudioAnalysis = j.AudioAnalysis.Clone()
	}
	return &clone
}
