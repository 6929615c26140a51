package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a conversion log event. The numeric ordinals are
// stable and stored in the event log; do not reorder or insert.
type EventType int

const (
	EventJobCreated EventType = iota
	EventJobQueued
	EventStatusChanged
	EventDownloadStarted
	EventDownloadProgress
	EventDownloadCompleted
	EventConversionStarted
	EventConversionProgress
	EventConversionCompleted
	EventUploadStarted
	EventUploadProgress
	EventUploadCompleted
	EventJobCompleted
	EventError
	EventWarning
	EventCacheHit
	EventJobRecovered
	EventJobCancelled
	EventJobDelayed
	EventJobRetry
	EventSystemInfo
)

// eventTypeNames maps ordinals to the stable query names.
var eventTypeNames = [...]string{
	"JobCreated",
	"JobQueued",
	"StatusChanged",
	"DownloadStarted",
	"DownloadProgress",
	"DownloadCompleted",
	"ConversionStarted",
	"ConversionProgress",
	"ConversionCompleted",
	"UploadStarted",
	"UploadProgress",
	"UploadCompleted",
	"JobCompleted",
	"Error",
	"Warning",
	"CacheHit",
	"JobRecovered",
	"JobCancelled",
	"JobDelayed",
	"JobRetry",
	"SystemInfo",
}

// String returns the stable event name.
func (e EventType) String() string {
	if e < 0 || int(e) >= len(eventTypeNames) {
		return fmt.Sprintf("EventType(%d)", int(e))
	}
	return eventTypeNames[e]
}

// IsValid returns true for a known event type.
func (e EventType) IsValid() bool {
	return e >= 0 && int(e) < len(eventTypeNames)
}

// MarshalJSON serializes the event type as its stable name.
func (e EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON accepts a stable event name.
func (e *EventType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseEventType(name)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseEventType resolves a stable event name to its type.
func ParseEventType(name string) (EventType, error) {
	for i, n := range eventTypeNames {
		if n == name {
			return EventType(i), nil
		}
	}
	return 0, fmt.Errorf("job: unknown event type %q", name)
}

// LogEvent is one append-only entry in the conversion event log.
// Only the fields relevant to a given event type are populated.
type LogEvent struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`
	// JobID is the job the event belongs to.
	JobID string `json:"jobId"`
	// BatchID is the job's batch at the time of the event, if any.
	BatchID string `json:"batchId,omitempty"`
	// Type is the event classification.
	Type EventType `json:"eventType"`
	// JobStatus is the job status at the time of the event.
	JobStatus Status `json:"jobStatus,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Message is the human-readable summary.
	Message string `json:"message"`
	// Details carries optional structured context.
	Details string `json:"details,omitempty"`
	// ErrorMessage carries the failure text for Error/Warning events.
	ErrorMessage string `json:"errorMessage,omitempty"`
	// ErrorStackTrace carries the stack for unexpected failures.
	ErrorStackTrace string `json:"errorStackTrace,omitempty"`
	// VideoURL is the source URL when relevant.
	VideoURL string `json:"videoUrl,omitempty"`
	// MP3URL is the produced audio URL when relevant.
	MP3URL string `json:"mp3Url,omitempty"`
	// FileSizeBytes is the payload size for transfer events.
	FileSizeBytes int64 `json:"fileSizeBytes,omitempty"`
	// DurationSeconds is the media duration when known.
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	// ProcessingRateBytesPerSec is the observed transfer rate.
	ProcessingRateBytesPerSec float64 `json:"processingRateBytesPerSecond,omitempty"`
	// Step and TotalSteps describe multi-part operations (e.g. keyframes).
	Step       int `json:"step,omitempty"`
	TotalSteps int `json:"totalSteps,omitempty"`
	// AttemptNumber is the job's ProcessingAttempts at the time of the event.
	AttemptNumber int `json:"attemptNumber,omitempty"`
	// QueueTimeMs is the time spent waiting, for JobDelayed events.
	QueueTimeMs int64 `json:"queueTimeMs,omitempty"`
	// WaitReason names the gate that held the job, for JobDelayed events.
	WaitReason string `json:"waitReason,omitempty"`
}

// NewEvent creates a log event with a fresh ID and the current timestamp.
func NewEvent(jobID string, eventType EventType, message string) *LogEvent {
	return &LogEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
	}
}
