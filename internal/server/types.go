// Package server provides the HTTP surface of the video converter API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// ConvertRequest is the HTTP request body for submitting a conversion batch.
type ConvertRequest struct {
	// VideoURLs lists the source videos to convert, at most 100 per batch.
	VideoURLs []string `json:"videoUrls" validate:"required,min=1,max=100"`
}

// BatchJobRef points a client at the status route of one created job.
type BatchJobRef struct {
	// JobID is the unique identifier of the created job.
	JobID string `json:"jobId"`
	// StatusURL is the relative URL of the job status route.
	StatusURL string `json:"statusUrl"`
}

// BatchConversionResponse is the HTTP response after submitting a batch.
type BatchConversionResponse struct {
	// BatchID is the unique identifier of the created batch.
	BatchID string `json:"batchId"`
	// Jobs lists the created jobs in submission order.
	Jobs []BatchJobRef `json:"jobs"`
	// BatchStatusURL is the relative URL of the batch status route.
	BatchStatusURL string `json:"batchStatusUrl"`
}

// JobStatusResponse is the HTTP view of one conversion job.
type JobStatusResponse struct {
	// JobID is the unique identifier of the job.
	JobID string `json:"jobId"`
	// Status is the current pipeline state as a string.
	Status string `json:"status"`
	// VideoURL is the source URL submitted by the client.
	VideoURL string `json:"videoUrl"`
	// NewVideoURL is the object-store URL of the re-uploaded source, if any.
	NewVideoURL string `json:"newVideoUrl,omitempty"`
	// MP3URL is the object-store URL of the extracted audio, if any.
	MP3URL string `json:"mp3Url,omitempty"`
	// Keyframes holds the uploaded frames, if any.
	Keyframes []job.Keyframe `json:"keyframes,omitempty"`
	// AudioAnalysis holds the tempo/beat profile, if any.
	AudioAnalysis *job.AudioAnalysis `json:"audioAnalysis,omitempty"`
	// DurationSeconds is the media duration when known.
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	// ErrorMessage describes the terminal failure, if any.
	ErrorMessage string `json:"errorMessage,omitempty"`
	// Progress is the coarse completion percentage (0-100).
	Progress int `json:"progress"`
	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"createdAt"`
	// CompletedAt is when the job reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// BatchStatusResponse is the HTTP view of a batch and its jobs.
type BatchStatusResponse struct {
	// BatchID is the unique identifier of the batch.
	BatchID string `json:"batchId"`
	// Status is the aggregate batch state derived from the children.
	Status string `json:"status"`
	// Jobs lists the child jobs.
	Jobs []JobStatusResponse `json:"jobs"`
	// Progress is the mean progress of the children.
	Progress int `json:"progress"`
}

// RecoveryResponse is the HTTP response of a forced recovery pass.
type RecoveryResponse struct {
	// RecoveredCount is how many stale jobs were re-enqueued.
	RecoveredCount int `json:"recoveredCount"`
	// Timestamp is when the pass finished.
	Timestamp time.Time `json:"timestamp"`
}

// TempStats summarizes the scratch workspace for diagnostics.
type TempStats struct {
	// TotalFiles is the number of files currently on disk.
	TotalFiles int `json:"totalFiles"`
	// TotalSizeBytes is their combined size.
	TotalSizeBytes int64 `json:"totalSizeBytes"`
	// OldFiles is the number of files past the default max age.
	OldFiles int `json:"oldFiles"`
	// OldFilesSizeBytes is the combined size of the old files.
	OldFilesSizeBytes int64 `json:"oldFilesSizeBytes"`
}

// DiagnosticsReport is the operational snapshot served by the diagnostics
// route. Field producers are wired in bootstrap.
type DiagnosticsReport struct {
	// StatusCounts maps each job status to how many jobs sit in it.
	StatusCounts map[string]int `json:"statusCounts"`
	// StaleJobs is how many jobs currently exceed the stale threshold.
	StaleJobs int `json:"staleJobs"`
	// QueueDepths maps each stage channel to its buffered item count.
	QueueDepths map[string]int `json:"queueDepths"`
	// TempFiles summarizes the scratch workspace.
	TempFiles TempStats `json:"tempFiles"`
	// AnalyzerAvailable reports whether the audio analyzer binary responds.
	AnalyzerAvailable bool `json:"analyzerAvailable"`
	// CPULoad is the current normalized CPU usage (0-1).
	CPULoad float64 `json:"cpuLoad"`
	// Time is when the snapshot was taken.
	Time time.Time `json:"time"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error code for programmatic handling.
	Error string `json:"error"`
	// Message is the human-readable error message.
	Message string `json:"message"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Service is the service name.
	Service string `json:"service"`
	// Time is the server time of the check.
	Time time.Time `json:"time"`
}
