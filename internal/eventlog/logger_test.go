package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

func waitForLogs(t *testing.T, store *job.MemoryStore, jobID string, want int) []*job.LogEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, err := store.GetLogsByJobID(context.Background(), jobID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(logs) >= want {
			return logs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", want)
	return nil
}

func TestLogger_FlushOnBatchSize(t *testing.T) {
	store := job.NewMemoryStore()
	logger := New(store, nil, WithFlushSize(2), WithFlushInterval(time.Hour))
	defer logger.Close()

	j := job.New("http://example.com/v.mp4", "batch-1")
	logger.JobCreated(j)
	logger.JobQueued(j, "download")

	logs := waitForLogs(t, store, j.ID, 2)
	if logs[0].Type != job.EventJobCreated || logs[1].Type != job.EventJobQueued {
		t.Errorf("expected created then queued, got %s then %s", logs[0].Type, logs[1].Type)
	}
}

func TestLogger_FlushOnInterval(t *testing.T) {
	store := job.NewMemoryStore()
	logger := New(store, nil, WithFlushSize(100), WithFlushInterval(20*time.Millisecond))
	defer logger.Close()

	j := job.New("http://example.com/v.mp4", "")
	logger.JobCreated(j)

	// A single event never reaches the batch size; only the ticker can
	// flush it.
	waitForLogs(t, store, j.ID, 1)
}

func TestLogger_CloseDrains(t *testing.T) {
	store := job.NewMemoryStore()
	logger := New(store, nil, WithFlushSize(100), WithFlushInterval(time.Hour))

	j := job.New("http://example.com/v.mp4", "")
	logger.JobCreated(j)
	logger.DownloadStarted(j)
	logger.JobCompleted(j)

	logger.Close()

	logs, err := store.GetLogsByJobID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("expected close to drain 3 events, got %d", len(logs))
	}
}

func TestLogger_EmitAfterCloseIsNoOp(t *testing.T) {
	store := job.NewMemoryStore()
	logger := New(store, nil)
	logger.Close()

	// Must not panic or block.
	logger.JobCreated(job.New("http://example.com/v.mp4", ""))
	logger.Close()
}

type failingWriter struct {
	mu    sync.Mutex
	calls int
}

func (w *failingWriter) CreateLogBatch(context.Context, []*job.LogEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return errors.New("disk full")
}

func (w *failingWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func TestLogger_DropsBatchAfterFailedWrites(t *testing.T) {
	writer := &failingWriter{}
	logger := New(writer, nil, WithFlushSize(1), WithFlushInterval(time.Hour))

	logger.JobCreated(job.New("http://example.com/v.mp4", ""))
	logger.Close()

	// One initial attempt plus the retries, then the batch is dropped.
	if got := writer.callCount(); got != 1+flushRetries {
		t.Errorf("expected %d write attempts, got %d", 1+flushRetries, got)
	}
}

func TestLogger_TypedEventsCarryJobFields(t *testing.T) {
	store := job.NewMemoryStore()
	logger := New(store, nil, WithFlushSize(100), WithFlushInterval(time.Hour))

	j := job.New("http://example.com/v.mp4", "batch-1")
	j.Status = job.StatusConverting
	j.ProcessingAttempts = 2

	logger.JobDelayed(j, 1500*time.Millisecond, "cpu")
	logger.Error(j, "transcode failed", errors.New("exit status 1"))
	logger.UploadProgress(j, 3, 7)
	logger.Close()

	logs, err := store.GetLogsByJobID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(logs))
	}

	delayed := logs[0]
	if delayed.BatchID != "batch-1" {
		t.Errorf("expected batch ID carried, got %q", delayed.BatchID)
	}
	if delayed.JobStatus != job.StatusConverting {
		t.Errorf("expected job status carried, got %s", delayed.JobStatus)
	}
	if delayed.AttemptNumber != 2 {
		t.Errorf("expected attempt number carried, got %d", delayed.AttemptNumber)
	}
	if delayed.QueueTimeMs != 1500 || delayed.WaitReason != "cpu" {
		t.Errorf("expected wait details, got %d / %q", delayed.QueueTimeMs, delayed.WaitReason)
	}

	failure := logs[1]
	if failure.Type != job.EventError {
		t.Errorf("expected error event, got %s", failure.Type)
	}
	if failure.ErrorMessage != "exit status 1" {
		t.Errorf("expected error message carried, got %q", failure.ErrorMessage)
	}

	progress := logs[2]
	if progress.Step != 3 || progress.TotalSteps != 7 {
		t.Errorf("expected step 3 of 7, got %d of %d", progress.Step, progress.TotalSteps)
	}
}

func TestLogger_SystemInfoHasNoJob(t *testing.T) {
	store := job.NewMemoryStore()
	logger := New(store, nil)

	logger.SystemInfo("service started", "version 1")
	logger.Close()

	logs, err := store.GetRecentLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(logs))
	}
	if logs[0].JobID != "" {
		t.Errorf("expected no job ID, got %q", logs[0].JobID)
	}
	if logs[0].Type != job.EventSystemInfo {
		t.Errorf("expected SystemInfo, got %s", logs[0].Type)
	}
}
