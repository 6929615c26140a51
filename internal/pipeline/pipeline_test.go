package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/download"
	"github.com/soundscribe/videoconverter-api/internal/eventlog"
	"github.com/soundscribe/videoconverter-api/internal/job"
	"github.com/soundscribe/videoconverter-api/internal/objectstore"
	"github.com/soundscribe/videoconverter-api/internal/tempfs"
	"github.com/soundscribe/videoconverter-api/internal/transcode"
	"github.com/soundscribe/videoconverter-api/internal/urlcheck"
)

const testBaseURL = "https://cdn.test"

type fakeDownloader struct {
	mu          sync.Mutex
	failures    int
	err         error
	data        []byte
	contentType string
	calls       int
}

func (f *fakeDownloader) Download(_ context.Context, _ string, destPath string, progress func(written, total int64)) (*download.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n <= f.failures {
		return nil, f.err
	}
	if err := os.WriteFile(destPath, f.data, 0o600); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(int64(len(f.data)), int64(len(f.data)))
	}
	ct := f.contentType
	if ct == "" {
		ct = "video/mp4"
	}
	return &download.Result{Bytes: int64(len(f.data)), ContentType: ct}, nil
}

func (f *fakeDownloader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTranscoder struct {
	mu       sync.Mutex
	noAudio  bool
	duration float64
	failures int
	err      error
	probes   int
	extracts int
}

func (f *fakeTranscoder) GetMediaInfo(context.Context, string) (*transcode.MediaInfo, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()

	info := &transcode.MediaInfo{
		DurationSeconds: f.duration,
		FormatName:      "mov,mp4,m4a",
		VideoStreams:    []transcode.Stream{{Index: 0, Codec: "h264"}},
	}
	if !f.noAudio {
		info.AudioStreams = []transcode.Stream{{Index: 1, Codec: "aac"}}
	}
	return info, nil
}

func (f *fakeTranscoder) ExtractAudioToMP3(_ context.Context, _, dst string, _ int, progress func(float64)) error {
	f.mu.Lock()
	f.extracts++
	n := f.extracts
	f.mu.Unlock()

	if n <= f.failures {
		return f.err
	}
	if progress != nil {
		progress(f.duration / 2)
	}
	return os.WriteFile(dst, []byte("mp3-bytes"), 0o600)
}

func (f *fakeTranscoder) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeTranscoder) extractCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extracts
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	available bool
	failures  int
	err       error
	result    *job.AudioAnalysis
	calls     int
}

func (f *fakeAnalyzer) Available() bool { return f.available }

func (f *fakeAnalyzer) AnalyzeFile(context.Context, string) (*job.AudioAnalysis, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n <= f.failures {
		return nil, f.err
	}
	return f.result.Clone(), nil
}

func (f *fakeAnalyzer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExtractor struct {
	mu         sync.Mutex
	failFrames map[int]bool
	timestamps []float64
}

func (f *fakeExtractor) ExtractFrame(_ context.Context, _ string, timestamp float64, outPath string, _ int) error {
	f.mu.Lock()
	f.timestamps = append(f.timestamps, timestamp)
	fail := false
	for n := range f.failFrames {
		if strings.Contains(outPath, fmt.Sprintf("_frame_%03d", n)) {
			fail = true
		}
	}
	f.mu.Unlock()

	if fail {
		return errors.New("seek failed")
	}
	return os.WriteFile(outPath, []byte("jpeg-bytes"), 0o600)
}

func (f *fakeExtractor) requested() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.timestamps))
	copy(out, f.timestamps)
	return out
}

type fakeYoutube struct {
	mu       sync.Mutex
	failures int
	err      error
	data     []byte
	calls    int
}

func (f *fakeYoutube) DownloadMP3(_ context.Context, _, outPath string) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n <= f.failures {
		return f.err
	}
	return os.WriteFile(outPath, f.data, 0o600)
}

func (f *fakeYoutube) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeObjects struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	uploaded map[string]string
	failKeys map[string]int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		blobs:    make(map[string][]byte),
		uploaded: make(map[string]string),
		failKeys: make(map[string]int),
	}
}

func (f *fakeObjects) Upload(_ context.Context, localPath, key, contentType string) (string, error) {
	f.mu.Lock()
	if n := f.failKeys[key]; n > 0 {
		f.failKeys[key] = n - 1
		f.mu.Unlock()
		return "", errors.New("store unavailable")
	}
	f.mu.Unlock()

	data, err := os.ReadFile(localPath) // #nosec G304 - test workspace path
	if err != nil {
		return "", err
	}
	url := testBaseURL + "/" + key

	f.mu.Lock()
	f.blobs[url] = data
	f.uploaded[key] = contentType
	f.mu.Unlock()
	return url, nil
}

func (f *fakeObjects) TryDownload(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[url], nil
}

func (f *fakeObjects) KeyFor(url string) string {
	key, _ := strings.CutPrefix(url, testBaseURL+"/")
	return key
}

func (f *fakeObjects) contentTypeOf(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploaded[key]
}

type stubGate struct{ wait time.Duration }

func (g stubGate) WaitIfNeeded(context.Context) time.Duration { return g.wait }

type stubChecker struct{ err error }

func (c stubChecker) IsContentAcceptable(context.Context, string) error { return c.err }

type pipelineEnv struct {
	store      *job.MemoryStore
	events     *eventlog.Logger
	workspace  *tempfs.Workspace
	downloader *fakeDownloader
	transcoder *fakeTranscoder
	analyzer   *fakeAnalyzer
	extractor  *fakeExtractor
	youtube    *fakeYoutube
	objects    *fakeObjects
	pipe       *Pipeline
}

// newPipelineEnv builds a running pipeline over an in-memory store and fake
// stage collaborators. mutate can adjust dependencies and config before the
// workers start; failure injection on the fakes themselves is safe any time
// before the first enqueue.
func newPipelineEnv(t *testing.T, mutate func(*Deps, *Config)) *pipelineEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := job.NewMemoryStore()
	events := eventlog.New(store, logger, eventlog.WithFlushInterval(5*time.Millisecond))
	workspace, err := tempfs.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := &pipelineEnv{
		store:      store,
		events:     events,
		workspace:  workspace,
		downloader: &fakeDownloader{data: []byte("video-bytes")},
		transcoder: &fakeTranscoder{duration: 12},
		analyzer: &fakeAnalyzer{
			available: true,
			result:    &job.AudioAnalysis{BPM: 120, Confidence: 0.9, DetectedBeats: 42},
		},
		extractor: &fakeExtractor{},
		youtube:   &fakeYoutube{data: []byte("youtube-mp3")},
		objects:   newFakeObjects(),
	}

	deps := Deps{
		Store:      store,
		Events:     events,
		Workspace:  workspace,
		Downloader: env.downloader,
		Transcoder: env.transcoder,
		Analyzer:   env.analyzer,
		Frames:     env.extractor,
		Youtube:    env.youtube,
		Objects:    env.objects,
		Checker:    stubChecker{},
		Gate:       stubGate{},
		Logger:     logger,
	}
	cfg := Config{
		KeyframeCount:     3,
		HeartbeatInterval: 25 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	env.pipe = New(deps, cfg, WithDelayUnit(time.Millisecond))
	env.pipe.Start()
	t.Cleanup(func() {
		env.pipe.Stop()
		env.events.Close()
	})
	return env
}

func (e *pipelineEnv) submit(t *testing.T, videoURL string) *job.ConversionJob {
	t.Helper()
	j := job.New(videoURL, "")
	if err := e.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return j
}

func waitForStatus(t *testing.T, store *job.MemoryStore, jobID string, want job.Status) *job.ConversionJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.GetJobByID(context.Background(), jobID)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, err := store.GetJobByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job %s never reached %s: %v", jobID, want, err)
	}
	t.Fatalf("job %s never reached %s, stuck at %s (%q)", jobID, want, j.Status, j.ErrorMessage)
	return nil
}

func waitForEvent(t *testing.T, store *job.MemoryStore, jobID string, want job.EventType) *job.LogEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := store.GetLogsByJobID(context.Background(), jobID)
		if err == nil {
			for _, ev := range events {
				if ev.Type == want {
					return ev
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never logged a %s event", jobID, want)
	return nil
}

func waitForEmptyWorkspace(t *testing.T, ws *tempfs.Workspace) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := ws.Stats(time.Hour)
		if err == nil && stats.TotalFiles == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats, _ := ws.Stats(time.Hour)
	t.Fatalf("workspace still holds %d files", stats.TotalFiles)
}

func eventTypes(t *testing.T, store *job.MemoryStore, jobID string) []job.EventType {
	t.Helper()
	events, err := store.GetLogsByJobID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	types := make([]job.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func indexOf(types []job.EventType, want job.EventType) int {
	for i, tp := range types {
		if tp == want {
			return i
		}
	}
	return -1
}

func TestPipelineJobCompletesThroughAllStages(t *testing.T) {
	env := newPipelineEnv(t, nil)
	j := env.submit(t, "http://example.com/clip.mp4")

	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	hash := hashString("video-bytes")
	if want := testBaseURL + "/audio/" + hash + ".mp3"; done.MP3URL != want {
		t.Errorf("MP3URL = %q, want %q", done.MP3URL, want)
	}
	if want := testBaseURL + "/videos/" + hash + ".mp4"; done.NewVideoURL != want {
		t.Errorf("NewVideoURL = %q, want %q", done.NewVideoURL, want)
	}
	if done.Progress != 100 {
		t.Errorf("Progress = %d, want 100", done.Progress)
	}
	if done.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if done.VideoHash != hash {
		t.Errorf("VideoHash = %q, want %q", done.VideoHash, hash)
	}
	if done.FileSizeBytes != int64(len("video-bytes")) {
		t.Errorf("FileSizeBytes = %d, want %d", done.FileSizeBytes, len("video-bytes"))
	}
	if done.DurationSeconds != 12 {
		t.Errorf("DurationSeconds = %v, want 12", done.DurationSeconds)
	}
	if done.AudioAnalysis == nil || done.AudioAnalysis.BPM != 120 {
		t.Errorf("AudioAnalysis = %+v, want BPM 120", done.AudioAnalysis)
	}

	if len(done.Keyframes) != 3 {
		t.Fatalf("got %d keyframes, want 3", len(done.Keyframes))
	}
	for i, kf := range done.Keyframes {
		if kf.FrameNumber != i+1 {
			t.Errorf("keyframe %d FrameNumber = %d, want %d", i, kf.FrameNumber, i+1)
		}
		if want := testBaseURL + "/" + objectstore.KeyframeKey(hash, kf.FrameNumber); kf.URL != want {
			t.Errorf("keyframe %d URL = %q, want %q", i, kf.URL, want)
		}
	}

	if ct := env.objects.contentTypeOf(objectstore.AudioKey(hash)); ct != "audio/mpeg" {
		t.Errorf("mp3 uploaded as %q, want audio/mpeg", ct)
	}

	item, err := env.store.FindByVideoHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("media cache item not saved: %v", err)
	}
	if item.AudioURL != done.MP3URL {
		t.Errorf("cached AudioURL = %q, want %q", item.AudioURL, done.MP3URL)
	}
	if item.VideoURL != done.NewVideoURL {
		t.Errorf("cached VideoURL = %q, want %q", item.VideoURL, done.NewVideoURL)
	}

	waitForEvent(t, env.store, j.ID, job.EventJobCompleted)
	types := eventTypes(t, env.store, j.ID)
	order := []job.EventType{
		job.EventDownloadStarted,
		job.EventDownloadCompleted,
		job.EventConversionStarted,
		job.EventConversionCompleted,
		job.EventUploadStarted,
		job.EventUploadCompleted,
		job.EventJobCompleted,
	}
	last := -1
	for _, want := range order {
		idx := indexOf(types, want)
		if idx < 0 {
			t.Fatalf("missing %s event in %v", want, types)
		}
		if idx < last {
			t.Errorf("%s event out of order in %v", want, types)
		}
		last = idx
	}

	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineObjectStoreHitSkipsDownload(t *testing.T) {
	env := newPipelineEnv(t, nil)

	videoBytes := []byte("stored-video")
	hash := hashString("stored-video")
	storedURL := testBaseURL + "/" + objectstore.VideoKey(hash, ".mp4")
	env.objects.blobs[storedURL] = videoBytes

	_, err := env.store.SaveItem(context.Background(), &job.MediaStorageItem{
		VideoHash:       hash,
		VideoURL:        storedURL,
		AudioURL:        testBaseURL + "/" + objectstore.AudioKey(hash),
		Keyframes:       []job.Keyframe{{URL: testBaseURL + "/" + objectstore.KeyframeKey(hash, 1), Timestamp: 3, FrameNumber: 1}},
		AudioAnalysis:   &job.AudioAnalysis{BPM: 98},
		DurationSeconds: 9,
		FileSizeBytes:   int64(len(videoBytes)),
		ContentType:     "video/mp4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j := env.submit(t, storedURL)
	env.pipe.EnqueueDownload(j.ID, storedURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if want := testBaseURL + "/" + objectstore.AudioKey(hash); done.MP3URL != want {
		t.Errorf("MP3URL = %q, want %q", done.MP3URL, want)
	}
	if done.NewVideoURL != storedURL {
		t.Errorf("NewVideoURL = %q, want %q", done.NewVideoURL, storedURL)
	}
	if got := env.downloader.count(); got != 0 {
		t.Errorf("downloader called %d times, want 0", got)
	}
	if got := env.transcoder.extractCount(); got != 0 {
		t.Errorf("transcoder called %d times, want 0", got)
	}
	if done.AudioAnalysis == nil || done.AudioAnalysis.BPM != 98 {
		t.Errorf("AudioAnalysis = %+v, want the cached analysis", done.AudioAnalysis)
	}
	if len(done.Keyframes) != 1 || done.Keyframes[0].FrameNumber != 1 {
		t.Errorf("Keyframes = %+v, want the cached keyframe", done.Keyframes)
	}

	ev := waitForEvent(t, env.store, j.ID, job.EventCacheHit)
	if ev.Details != hash {
		t.Errorf("CacheHit details = %q, want %q", ev.Details, hash)
	}
	if types := eventTypes(t, env.store, j.ID); indexOf(types, job.EventConversionStarted) >= 0 {
		t.Errorf("unexpected ConversionStarted event in %v", types)
	}

	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineMediaCacheHitAfterDownload(t *testing.T) {
	env := newPipelineEnv(t, nil)

	// Same content bytes as the default fake download, so the content hash
	// matches the seeded item even though the URL differs.
	hash := hashString("video-bytes")
	_, err := env.store.SaveItem(context.Background(), &job.MediaStorageItem{
		VideoHash:     hash,
		AudioURL:      testBaseURL + "/" + objectstore.AudioKey(hash),
		Keyframes:     []job.Keyframe{},
		FileSizeBytes: int64(len("video-bytes")),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j := env.submit(t, "http://example.com/mirror-of-known-video.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if got := env.downloader.count(); got != 1 {
		t.Errorf("downloader called %d times, want 1", got)
	}
	if got := env.transcoder.extractCount(); got != 0 {
		t.Errorf("transcoder called %d times, want 0", got)
	}
	if want := testBaseURL + "/" + objectstore.AudioKey(hash); done.MP3URL != want {
		t.Errorf("MP3URL = %q, want %q", done.MP3URL, want)
	}
	if done.NewVideoURL != "" {
		t.Errorf("NewVideoURL = %q, want empty from the cached item", done.NewVideoURL)
	}
	if done.Keyframes == nil || len(done.Keyframes) != 0 {
		t.Errorf("Keyframes = %#v, want the cached empty list", done.Keyframes)
	}

	waitForEvent(t, env.store, j.ID, job.EventCacheHit)
	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineNotFoundFailsWithoutRetry(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.downloader.failures = 1 << 30
	env.downloader.err = download.ErrNotFound

	j := env.submit(t, "http://example.com/missing.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusFailed)

	if done.ErrorMessage != "source video not found" {
		t.Errorf("ErrorMessage = %q", done.ErrorMessage)
	}
	if got := env.downloader.count(); got != 1 {
		t.Errorf("downloader called %d times, want 1", got)
	}
	if done.Progress != 15 {
		t.Errorf("Progress = %d, want 15 kept from the download stage", done.Progress)
	}
	if types := eventTypes(t, env.store, j.ID); indexOf(types, job.EventJobRetry) >= 0 {
		t.Errorf("unexpected JobRetry event in %v", types)
	}
	waitForEvent(t, env.store, j.ID, job.EventError)
	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineSourceProhibitedMessage(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.downloader.failures = 1 << 30
	env.downloader.err = fmt.Errorf("HTTP 429: %w", download.ErrSourceProhibited)

	j := env.submit(t, "http://example.com/guarded.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusFailed)

	if done.ErrorMessage != "the source prohibits automated downloads of this content" {
		t.Errorf("ErrorMessage = %q", done.ErrorMessage)
	}
	if got := env.downloader.count(); got != 1 {
		t.Errorf("downloader called %d times, want 1", got)
	}
}

func TestPipelineTransientErrorRetriesThenSucceeds(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.downloader.failures = 1
	env.downloader.err = errors.New("connection reset")

	j := env.submit(t, "http://example.com/flaky.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if got := env.downloader.count(); got != 2 {
		t.Errorf("downloader called %d times, want 2", got)
	}
	ev := waitForEvent(t, env.store, j.ID, job.EventJobRetry)
	if ev.ErrorMessage != "connection reset" {
		t.Errorf("JobRetry error = %q, want the downloader error", ev.ErrorMessage)
	}
}

func TestPipelineRetryBudgetExhaustedFailsJob(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.downloader.failures = 1 << 30
	env.downloader.err = errors.New("connection reset")

	j := env.submit(t, "http://example.com/dead.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusFailed)

	if got := env.downloader.count(); got != downloadAttempts {
		t.Errorf("downloader called %d times, want %d", got, downloadAttempts)
	}
	if !strings.HasPrefix(done.ErrorMessage, "download failed:") {
		t.Errorf("ErrorMessage = %q", done.ErrorMessage)
	}
}

func TestPipelineContentCheckRejectionFailsJob(t *testing.T) {
	env := newPipelineEnv(t, func(d *Deps, _ *Config) {
		d.Checker = stubChecker{err: urlcheck.ErrFileTooLarge}
	})

	j := env.submit(t, "http://example.com/huge.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusFailed)

	if done.ErrorMessage != "source file exceeds the size limit" {
		t.Errorf("ErrorMessage = %q", done.ErrorMessage)
	}
	if got := env.downloader.count(); got != 0 {
		t.Errorf("downloader called %d times, want 0", got)
	}
}

func TestPipelineContentCheckSoftFailureProceeds(t *testing.T) {
	env := newPipelineEnv(t, func(d *Deps, _ *Config) {
		d.Checker = stubChecker{err: errors.New("HEAD refused")}
	})

	j := env.submit(t, "http://example.com/opaque.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if got := env.downloader.count(); got != 1 {
		t.Errorf("downloader called %d times, want 1", got)
	}
	ev := waitForEvent(t, env.store, j.ID, job.EventWarning)
	if ev.Message != "content probe failed, downloading anyway" {
		t.Errorf("Warning message = %q", ev.Message)
	}
}

func TestPipelineNoAudioStreamFailsJob(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.transcoder.noAudio = true

	j := env.submit(t, "http://example.com/silent.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusFailed)

	if done.ErrorMessage != "video contains no audio stream" {
		t.Errorf("ErrorMessage = %q", done.ErrorMessage)
	}
	if done.Progress != 45 {
		t.Errorf("Progress = %d, want 45 kept from the conversion stage", done.Progress)
	}
	if got := env.transcoder.extractCount(); got != 0 {
		t.Errorf("audio extraction ran %d times, want 0", got)
	}
	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineAnalyzerUnavailableSkipsAnalysis(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.analyzer.available = false

	j := env.submit(t, "http://example.com/clip.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if done.AudioAnalysis != nil {
		t.Errorf("AudioAnalysis = %+v, want nil", done.AudioAnalysis)
	}
	if got := env.analyzer.count(); got != 0 {
		t.Errorf("analyzer called %d times, want 0", got)
	}
	ev := waitForEvent(t, env.store, j.ID, job.EventWarning)
	if ev.Message != "audio analyzer unavailable, skipping analysis" {
		t.Errorf("Warning message = %q", ev.Message)
	}
}

func TestPipelineAnalyzerFailureDoesNotFailJob(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.analyzer.failures = 1 << 30
	env.analyzer.err = errors.New("analyzer crashed")

	j := env.submit(t, "http://example.com/clip.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if done.AudioAnalysis != nil {
		t.Errorf("AudioAnalysis = %+v, want nil", done.AudioAnalysis)
	}
	if got := env.analyzer.count(); got != analysisAttempts {
		t.Errorf("analyzer called %d times, want %d", got, analysisAttempts)
	}
	ev := waitForEvent(t, env.store, j.ID, job.EventWarning)
	if ev.Message != "audio analysis failed, continuing without it" {
		t.Errorf("Warning message = %q", ev.Message)
	}
}

func TestPipelineKeyframeTimestampsSpanDuration(t *testing.T) {
	env := newPipelineEnv(t, nil)

	j := env.submit(t, "http://example.com/clip.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	// Duration 12s and three frames puts them at 3, 6 and 9 seconds.
	want := []float64{3, 6, 9}
	got := env.extractor.requested()
	if len(got) != len(want) {
		t.Fatalf("extractor ran %d times, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("frame %d timestamp = %v, want %v", i+1, got[i], want[i])
		}
	}
	for i, kf := range done.Keyframes {
		if math.Abs(kf.Timestamp-want[i]) > 1e-9 {
			t.Errorf("keyframe %d Timestamp = %v, want %v", i+1, kf.Timestamp, want[i])
		}
	}

	// The conversion stage already persisted the duration, so the keyframe
	// stage must not probe again.
	if got := env.transcoder.probeCount(); got != 1 {
		t.Errorf("media probed %d times, want 1", got)
	}
}

func TestPipelineMissingFrameTolerated(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.extractor.failFrames = map[int]bool{2: true}

	j := env.submit(t, "http://example.com/clip.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if len(done.Keyframes) != 2 {
		t.Fatalf("got %d keyframes, want 2", len(done.Keyframes))
	}
	if done.Keyframes[0].FrameNumber != 1 || done.Keyframes[1].FrameNumber != 3 {
		t.Errorf("frame numbers = [%d %d], want [1 3]",
			done.Keyframes[0].FrameNumber, done.Keyframes[1].FrameNumber)
	}
	ev := waitForEvent(t, env.store, j.ID, job.EventWarning)
	if ev.Message != "keyframe 2 extraction failed" {
		t.Errorf("Warning message = %q", ev.Message)
	}
	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineYoutubeJobSkipsVideoUpload(t *testing.T) {
	env := newPipelineEnv(t, nil)

	url := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	j := env.submit(t, url)
	env.pipe.EnqueueYoutube(j.ID, url)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	hash := hashString(url)
	if want := testBaseURL + "/" + objectstore.AudioKey(hash); done.MP3URL != want {
		t.Errorf("MP3URL = %q, want %q", done.MP3URL, want)
	}
	if done.NewVideoURL != "" {
		t.Errorf("NewVideoURL = %q, want empty on the youtube path", done.NewVideoURL)
	}
	if done.VideoHash != hash {
		t.Errorf("VideoHash = %q, want the url hash %q", done.VideoHash, hash)
	}
	if done.ContentType != "audio/mpeg" {
		t.Errorf("ContentType = %q, want audio/mpeg", done.ContentType)
	}
	if len(done.Keyframes) != 0 {
		t.Errorf("Keyframes = %+v, want none", done.Keyframes)
	}
	if got := env.downloader.count(); got != 0 {
		t.Errorf("generic downloader called %d times, want 0", got)
	}
	if got := env.youtube.count(); got != 1 {
		t.Errorf("youtube downloader called %d times, want 1", got)
	}
	if types := eventTypes(t, env.store, j.ID); indexOf(types, job.EventConversionStarted) >= 0 {
		t.Errorf("unexpected ConversionStarted event in %v", types)
	}

	item, err := env.store.FindByVideoHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("media cache item not saved: %v", err)
	}
	if item.AudioURL != done.MP3URL {
		t.Errorf("cached AudioURL = %q, want %q", item.AudioURL, done.MP3URL)
	}
	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineYoutubeCacheHitSkipsDownload(t *testing.T) {
	env := newPipelineEnv(t, nil)

	url := "https://youtu.be/dQw4w9WgXcQ"
	hash := hashString(url)
	_, err := env.store.SaveItem(context.Background(), &job.MediaStorageItem{
		VideoHash: hash,
		AudioURL:  testBaseURL + "/" + objectstore.AudioKey(hash),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j := env.submit(t, url)
	env.pipe.EnqueueYoutube(j.ID, url)
	done := waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	if got := env.youtube.count(); got != 0 {
		t.Errorf("youtube downloader called %d times, want 0", got)
	}
	if want := testBaseURL + "/" + objectstore.AudioKey(hash); done.MP3URL != want {
		t.Errorf("MP3URL = %q, want %q", done.MP3URL, want)
	}
	waitForEvent(t, env.store, j.ID, job.EventCacheHit)
}

func TestPipelineYoutubeFailureMessage(t *testing.T) {
	env := newPipelineEnv(t, nil)
	env.youtube.failures = 1 << 30
	env.youtube.err = errors.New("sign in to confirm your age")

	url := "https://www.youtube.com/watch?v=restricted"
	j := env.submit(t, url)
	env.pipe.EnqueueYoutube(j.ID, url)
	done := waitForStatus(t, env.store, j.ID, job.StatusFailed)

	if !strings.HasPrefix(done.ErrorMessage, "youtube download failed:") {
		t.Errorf("ErrorMessage = %q", done.ErrorMessage)
	}
	if got := env.youtube.count(); got != youtubeAttempts {
		t.Errorf("youtube downloader called %d times, want %d", got, youtubeAttempts)
	}
	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineLostClaimSkipsWork(t *testing.T) {
	env := newPipelineEnv(t, nil)
	j := env.submit(t, "http://example.com/contested.mp4")

	// Another worker already owns the row.
	if _, err := env.store.UpdateJobStatus(context.Background(), j.ID, job.StatusDownloading, job.StatusUpdate{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	time.Sleep(50 * time.Millisecond)

	if got := env.downloader.count(); got != 0 {
		t.Errorf("downloader called %d times, want 0", got)
	}
	cur, err := env.store.GetJobByID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur.Status != job.StatusDownloading {
		t.Errorf("status = %s, want Downloading untouched", cur.Status)
	}
}

func TestPipelineUploadFailureFailsJob(t *testing.T) {
	env := newPipelineEnv(t, nil)
	hash := hashString("video-bytes")
	env.objects.failKeys[objectstore.AudioKey(hash)] = 1 << 30

	j := env.submit(t, "http://example.com/clip.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	done := waitForStatus(t, env.store, j.ID, job.StatusFailed)

	if !strings.HasPrefix(done.ErrorMessage, "artifact upload failed:") {
		t.Errorf("ErrorMessage = %q", done.ErrorMessage)
	}
	if !strings.Contains(done.ErrorMessage, "uploading mp3") {
		t.Errorf("ErrorMessage = %q, want the mp3 upload named", done.ErrorMessage)
	}
	if done.Progress != 90 {
		t.Errorf("Progress = %d, want 90 kept from the upload stage", done.Progress)
	}
	waitForEmptyWorkspace(t, env.workspace)
}

func TestPipelineGateDelayEmitsJobDelayed(t *testing.T) {
	env := newPipelineEnv(t, func(d *Deps, _ *Config) {
		d.Gate = stubGate{wait: 75 * time.Millisecond}
	})

	j := env.submit(t, "http://example.com/clip.mp4")
	env.pipe.EnqueueDownload(j.ID, j.VideoURL)
	waitForStatus(t, env.store, j.ID, job.StatusCompleted)

	ev := waitForEvent(t, env.store, j.ID, job.EventJobDelayed)
	if ev.WaitReason != "cpu throttle" {
		t.Errorf("WaitReason = %q, want cpu throttle", ev.WaitReason)
	}
	if ev.QueueTimeMs != 75 {
		t.Errorf("QueueTimeMs = %d, want 75", ev.QueueTimeMs)
	}
}

func TestPipelineStopIsIdempotentAndRefusesWork(t *testing.T) {
	env := newPipelineEnv(t, nil)

	env.pipe.Stop()
	env.pipe.Stop()

	// Pushing after Stop must not panic; the job simply stays Pending for
	// the recovery service.
	env.pipe.EnqueueDownload("late-job", "http://example.com/late.mp4")

	for stage, depth := range env.pipe.QueueDepths() {
		if depth != 0 {
			t.Errorf("queue %s depth = %d, want 0 after Stop", stage, depth)
		}
	}
}
