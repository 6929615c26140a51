package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// serviceName identifies this service in health responses.
const serviceName = "videoconverter-api"

// JobService is the intake and query surface the handlers depend on.
type JobService interface {
	EnqueueBatch(ctx context.Context, urls []string) (*job.BatchIntake, error)
	GetJob(ctx context.Context, id string) (*job.ConversionJob, error)
	GetBatch(ctx context.Context, id string) (*job.BatchSnapshot, error)
	ListJobs(ctx context.Context, skip, take int) ([]*job.ConversionJob, error)
}

// Recoverer runs a recovery pass on demand.
type Recoverer interface {
	RecoverOnce(ctx context.Context) (int, error)
}

// DiagnosticsSource assembles the operational snapshot.
type DiagnosticsSource interface {
	Diagnostics(ctx context.Context) (*DiagnosticsReport, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	jobs      JobService
	recovery  Recoverer
	diag      DiagnosticsSource
	validator *validator.Validate
	logger    *slog.Logger
	devMode   bool
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithDevMode toggles development mode. In development error responses carry
// the underlying error detail; in production they carry fixed messages.
func WithDevMode(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.devMode = enabled
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(jobs JobService, recovery Recoverer, diag DiagnosticsSource, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		jobs:      jobs,
		recovery:  recovery,
		diag:      diag,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: serviceName,
		Time:    time.Now().UTC(),
	})
}

// ConvertBatch handles POST /api/videoconverter/to-mp3 requests.
func (h *Handlers) ConvertBatch(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.Int("urls", len(req.VideoURLs)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			"videoUrls must contain between 1 and 100 entries")
		return
	}

	intake, err := h.jobs.EnqueueBatch(r.Context(), req.VideoURLs)
	if err != nil {
		if errors.Is(err, job.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		h.logger.Error("failed to enqueue batch",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "BATCH_CREATION_FAILED",
			h.sanitized(err, "failed to create batch"))
		return
	}

	resp := BatchConversionResponse{
		BatchID:        intake.Batch.ID,
		Jobs:           make([]BatchJobRef, 0, len(intake.Jobs)),
		BatchStatusURL: batchStatusPath + intake.Batch.ID,
	}
	for _, j := range intake.Jobs {
		resp.Jobs = append(resp.Jobs, BatchJobRef{
			JobID:     j.ID,
			StatusURL: jobStatusPath + j.ID,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// JobStatus handles GET /api/videoconverter/status/{jobId} requests.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_JOB_ID", "job ID is required")
		return
	}

	found, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "JOB_FETCH_FAILED",
			h.sanitized(err, "failed to get job"))
		return
	}

	writeJSON(w, http.StatusOK, jobStatusResponse(found))
}

// BatchStatus handles GET /api/videoconverter/batch-status/{batchId} requests.
func (h *Handlers) BatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_BATCH_ID", "batch ID is required")
		return
	}

	snap, err := h.jobs.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, job.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "BATCH_NOT_FOUND", "batch not found")
			return
		}
		h.logger.Error("failed to get batch",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "BATCH_FETCH_FAILED",
			h.sanitized(err, "failed to get batch"))
		return
	}

	resp := BatchStatusResponse{
		BatchID:  snap.Batch.ID,
		Status:   string(snap.Status),
		Jobs:     make([]JobStatusResponse, 0, len(snap.Jobs)),
		Progress: snap.Progress,
	}
	for _, j := range snap.Jobs {
		resp.Jobs = append(resp.Jobs, jobStatusResponse(j))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListJobs handles GET /api/videoconverter/jobs requests. Absent or
// malformed skip/take fall back to 0/20; the job service caps take.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	take := queryInt(r, "take", 20)

	jobs, err := h.jobs.ListJobs(r.Context(), skip, take)
	if err != nil {
		h.logger.Error("failed to list jobs",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "JOB_LIST_FAILED",
			h.sanitized(err, "failed to list jobs"))
		return
	}

	resp := make([]JobStatusResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobStatusResponse(j))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ForceRecovery handles POST /api/videoconverter/recovery/force requests.
func (h *Handlers) ForceRecovery(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.recovery.RecoverOnce(r.Context())
	if err != nil {
		h.logger.Error("forced recovery pass failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "RECOVERY_FAILED",
			h.sanitized(err, "recovery pass failed"))
		return
	}

	h.logger.Info("forced recovery pass finished",
		slog.Int("recovered", recovered),
	)

	writeJSON(w, http.StatusOK, RecoveryResponse{
		RecoveredCount: recovered,
		Timestamp:      time.Now().UTC(),
	})
}

// Diagnostics handles GET /api/videoconverter/diagnostics requests.
func (h *Handlers) Diagnostics(w http.ResponseWriter, r *http.Request) {
	report, err := h.diag.Diagnostics(r.Context())
	if err != nil {
		h.logger.Error("failed to assemble diagnostics",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "DIAGNOSTICS_FAILED",
			h.sanitized(err, "failed to assemble diagnostics"))
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// sanitized returns the error detail in development and the fallback message
// in production so internals never leak to clients.
func (h *Handlers) sanitized(err error, fallback string) string {
	if h.devMode {
		return err.Error()
	}
	return fallback
}

// jobStatusResponse maps a job row to its HTTP view.
func jobStatusResponse(j *job.ConversionJob) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:           j.ID,
		Status:          string(j.Status),
		VideoURL:        j.VideoURL,
		NewVideoURL:     j.NewVideoURL,
		MP3URL:          j.MP3URL,
		Keyframes:       j.Keyframes,
		AudioAnalysis:   j.AudioAnalysis,
		DurationSeconds: j.DurationSeconds,
		ErrorMessage:    j.ErrorMessage,
		Progress:        j.Progress,
		CreatedAt:       j.CreatedAt,
	}
	if !j.CompletedAt.IsZero() {
		done := j.CompletedAt
		resp.CompletedAt = &done
	}
	return resp
}

// queryInt parses an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
