// Package pipeline runs the six-stage conversion pipeline: download,
// transcode, audio analysis, keyframe extraction, upload, and the YouTube
// fast path. Stages hand work to each other over unbounded in-process queues
// and each stage runs a fixed pool of workers. The job row in the store is
// the durable truth: a stage advances the status before it enqueues the next
// message, so a crash at any point leaves a stale in-progress row that the
// recovery service later resets and re-enqueues.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/analyze"
	"github.com/soundscribe/videoconverter-api/internal/download"
	"github.com/soundscribe/videoconverter-api/internal/eventlog"
	"github.com/soundscribe/videoconverter-api/internal/frames"
	"github.com/soundscribe/videoconverter-api/internal/job"
	"github.com/soundscribe/videoconverter-api/internal/objectstore"
	"github.com/soundscribe/videoconverter-api/internal/tempfs"
	"github.com/soundscribe/videoconverter-api/internal/transcode"
	"github.com/soundscribe/videoconverter-api/internal/youtube"
)

// Stage names, shared by worker logs, queue depth reporting, and the queue
// labels on JobQueued events.
const (
	stageDownload  = "download"
	stageYoutube   = "youtube-download"
	stageConvert   = "conversion"
	stageAnalysis  = "audio-analysis"
	stageKeyframes = "keyframes"
	stageUpload    = "upload"
)

// Per-stage hard deadlines and in-memory retry budgets. Retries happen
// within one message; a job whose budget runs out fails terminally and is
// never re-enqueued by its worker.
const (
	downloadStreamTimeout = 3 * time.Minute
	transcodeTimeout      = 5 * time.Minute
	analysisTimeout       = 3 * time.Minute
	youtubeTimeout        = 10 * time.Minute

	downloadAttempts  = 3
	youtubeAttempts   = 3
	transcodeAttempts = 3
	analysisAttempts  = 3
	frameAttempts     = 2
	uploadAttempts    = 4

	defaultHeartbeatInterval = time.Minute
)

// ContentChecker probes a remote URL before any bytes are streamed.
type ContentChecker interface {
	IsContentAcceptable(ctx context.Context, rawURL string) error
}

// LoadGate holds CPU-heavy stages back while the process is saturated.
// It returns how long the caller was delayed.
type LoadGate interface {
	WaitIfNeeded(ctx context.Context) time.Duration
}

// Deps bundles the collaborators of the pipeline. Checker and Gate are
// advisory and may be nil; everything else is required.
type Deps struct {
	Store      job.Store
	Events     *eventlog.Logger
	Workspace  *tempfs.Workspace
	Downloader download.Downloader
	Transcoder transcode.Transcoder
	Analyzer   analyze.Analyzer
	Frames     frames.Extractor
	Youtube    youtube.Downloader
	Objects    objectstore.Store
	Checker    ContentChecker
	Gate       LoadGate
	Logger     *slog.Logger
}

// Config sizes the worker pools and tunes stage parameters. Zero values
// fall back to safe defaults.
type Config struct {
	DownloadWorkers   int
	YoutubeWorkers    int
	ConversionWorkers int
	AnalysisWorkers   int
	KeyframeWorkers   int
	UploadWorkers     int

	KeyframeCount   int
	KeyframeQuality int
	MP3BitrateKbps  int

	HeartbeatInterval time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDelayUnit scales the retry backoff delays, which are defined as
// multiples of one second. Tests shrink the unit to keep retries fast.
func WithDelayUnit(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.unit = d
		}
	}
}

// Pipeline owns the stage queues and worker pools.
type Pipeline struct {
	deps   Deps
	cfg    Config
	unit   time.Duration
	logger *slog.Logger

	downloadQ *Queue[DownloadMessage]
	youtubeQ  *Queue[DownloadMessage]
	convertQ  *Queue[ConversionMessage]
	analysisQ *Queue[AnalysisMessage]
	keyframeQ *Queue[KeyframeMessage]
	uploadQ   *Queue[UploadMessage]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ job.Enqueuer = (*Pipeline)(nil)

// New creates a Pipeline. Call Start to launch the workers.
func New(deps Deps, cfg Config, opts ...Option) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.DownloadWorkers = atLeastOne(cfg.DownloadWorkers)
	cfg.YoutubeWorkers = atLeastOne(cfg.YoutubeWorkers)
	cfg.ConversionWorkers = atLeastOne(cfg.ConversionWorkers)
	cfg.AnalysisWorkers = atLeastOne(cfg.AnalysisWorkers)
	cfg.KeyframeWorkers = atLeastOne(cfg.KeyframeWorkers)
	cfg.UploadWorkers = atLeastOne(cfg.UploadWorkers)
	if cfg.KeyframeCount <= 0 {
		cfg.KeyframeCount = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		deps:      deps,
		cfg:       cfg,
		unit:      time.Second,
		logger:    deps.Logger,
		downloadQ: NewQueue[DownloadMessage](),
		youtubeQ:  NewQueue[DownloadMessage](),
		convertQ:  NewQueue[ConversionMessage](),
		analysisQ: NewQueue[AnalysisMessage](),
		keyframeQ: NewQueue[KeyframeMessage](),
		uploadQ:   NewQueue[UploadMessage](),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches all worker pools. Calling it twice is a no-op.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		spawn(p, p.cfg.DownloadWorkers, stageDownload, p.downloadQ, p.handleDownload)
		spawn(p, p.cfg.YoutubeWorkers, stageYoutube, p.youtubeQ, p.handleYoutube)
		spawn(p, p.cfg.ConversionWorkers, stageConvert, p.convertQ, p.handleConversion)
		spawn(p, p.cfg.AnalysisWorkers, stageAnalysis, p.analysisQ, p.handleAnalysis)
		spawn(p, p.cfg.KeyframeWorkers, stageKeyframes, p.keyframeQ, p.handleKeyframes)
		spawn(p, p.cfg.UploadWorkers, stageUpload, p.uploadQ, p.handleUpload)

		p.logger.Info("pipeline started",
			"downloadWorkers", p.cfg.DownloadWorkers,
			"youtubeWorkers", p.cfg.YoutubeWorkers,
			"conversionWorkers", p.cfg.ConversionWorkers,
			"analysisWorkers", p.cfg.AnalysisWorkers,
			"keyframeWorkers", p.cfg.KeyframeWorkers,
			"uploadWorkers", p.cfg.UploadWorkers,
		)
	})
}

// Stop refuses new work, cancels in-flight operations, and waits for every
// worker to exit. Jobs caught mid-stage keep their in-progress status; the
// recovery service re-enqueues them on the next run.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.downloadQ.Close()
		p.youtubeQ.Close()
		p.convertQ.Close()
		p.analysisQ.Close()
		p.keyframeQ.Close()
		p.uploadQ.Close()
		p.cancel()
		p.wg.Wait()
		p.logger.Info("pipeline stopped")
	})
}

// EnqueueDownload places a job on the generic download queue.
func (p *Pipeline) EnqueueDownload(jobID, videoURL string) {
	if !p.downloadQ.Push(DownloadMessage{JobID: jobID, VideoURL: videoURL}) {
		p.logger.Warn("download queue closed, job left for recovery", "jobID", jobID)
	}
}

// EnqueueYoutube places a job on the YouTube fast-path queue.
func (p *Pipeline) EnqueueYoutube(jobID, videoURL string) {
	if !p.youtubeQ.Push(DownloadMessage{JobID: jobID, VideoURL: videoURL}) {
		p.logger.Warn("youtube queue closed, job left for recovery", "jobID", jobID)
	}
}

// QueueDepths reports the buffered item count per stage queue.
func (p *Pipeline) QueueDepths() map[string]int {
	return map[string]int{
		stageDownload:  p.downloadQ.Len(),
		stageYoutube:   p.youtubeQ.Len(),
		stageConvert:   p.convertQ.Len(),
		stageAnalysis:  p.analysisQ.Len(),
		stageKeyframes: p.keyframeQ.Len(),
		stageUpload:    p.uploadQ.Len(),
	}
}

// spawn launches n workers draining q into handle. Workers exit when the
// queue closes or the pipeline context is cancelled.
func spawn[T any](p *Pipeline, n int, stage string, q *Queue[T], handle func(context.Context, T)) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.ctx.Done():
					return
				case msg, ok := <-q.Out():
					if !ok {
						return
					}
					handle(p.ctx, msg)
				}
			}
		}()
	}
}

// recoverStage is deferred at the top of every stage handler. A panic fails
// the job with its stack attached instead of taking the worker down.
func (p *Pipeline) recoverStage(ctx context.Context, stage, jobID string) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	p.logger.Error("stage worker panicked", "stage", stage, "jobID", jobID, "panic", r)
	p.failJobStack(ctx, jobID, fmt.Sprintf("internal error in %s stage", stage), fmt.Errorf("panic: %v", r), stack)
}

// failJob marks the job Failed with the message and appends the Error event.
// During shutdown it does nothing: a cancelled job keeps its in-progress
// status so recovery can pick it up.
func (p *Pipeline) failJob(ctx context.Context, jobID, message string, cause error) {
	p.failJobStack(ctx, jobID, message, cause, "")
}

func (p *Pipeline) failJobStack(ctx context.Context, jobID, message string, cause error, stack string) {
	if ctx.Err() != nil {
		return
	}

	failed, err := p.deps.Store.UpdateJobStatus(ctx, jobID, job.StatusFailed, job.StatusUpdate{ErrorMessage: message})
	if err != nil {
		p.logger.Error("marking job failed", "jobID", jobID, "reason", message, "error", err)
		failed = &job.ConversionJob{ID: jobID, Status: job.StatusFailed}
	}

	if stack != "" {
		p.deps.Events.ErrorWithStack(failed, message, cause, stack)
	} else {
		p.deps.Events.Error(failed, message, cause)
	}
	p.logger.Error("job failed", "jobID", jobID, "reason", message, "error", cause)
}

// advance moves the job to the next stage status and emits StatusChanged.
// Callers enqueue the next message only after advance succeeds, which is
// what keeps a job active in at most one pool at a time.
func (p *Pipeline) advance(ctx context.Context, jobID string, next job.Status) (*job.ConversionJob, error) {
	j, err := p.deps.Store.UpdateJobStatus(ctx, jobID, next, job.StatusUpdate{})
	if err != nil {
		return nil, fmt.Errorf("advancing job to %s: %w", next, err)
	}
	p.deps.Events.StatusChanged(j)
	return j, nil
}

// takeJob loads the row for a stage message and checks it still carries the
// status the producing stage set. A mismatch means recovery or a competing
// worker took the job over, so the message's files are orphans: they are
// removed and the message is dropped.
func (p *Pipeline) takeJob(ctx context.Context, jobID string, want job.Status, paths ...string) (*job.ConversionJob, bool) {
	j, err := p.deps.Store.GetJobByID(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("loading job for stage message", "jobID", jobID, "error", err)
		}
		p.deps.Workspace.DeleteAll(paths...)
		return nil, false
	}
	if j.Status != want {
		p.logger.Warn("dropping stage message for reassigned job",
			"jobID", jobID, "status", j.Status, "want", want)
		p.deps.Workspace.DeleteAll(paths...)
		return nil, false
	}
	return j, true
}

// heartbeat stamps LastAttemptAt at a fixed cadence while a stage works on
// the job, so the recovery service does not mistake it for stale. The
// returned stop function cancels the ticker and waits for it to finish.
func (p *Pipeline) heartbeat(ctx context.Context, jobID string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.deps.Store.TouchJob(hbCtx, jobID); err != nil && hbCtx.Err() == nil {
					p.logger.Warn("heartbeat touch failed", "jobID", jobID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// waitAtGate blocks at the CPU gate before a heavy stage and records the
// delay on the job's event stream when there was one.
func (p *Pipeline) waitAtGate(ctx context.Context, j *job.ConversionJob) {
	if p.deps.Gate == nil {
		return
	}
	if waited := p.deps.Gate.WaitIfNeeded(ctx); waited > 0 {
		p.deps.Events.JobDelayed(j, waited, "cpu throttle")
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
