// Package bootstrap wires the application together: persistence, external
// tool adapters, the conversion pipeline, the recovery service, and the HTTP
// surface. It owns startup order and graceful teardown.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/analyze"
	"github.com/soundscribe/videoconverter-api/internal/config"
	"github.com/soundscribe/videoconverter-api/internal/download"
	"github.com/soundscribe/videoconverter-api/internal/eventlog"
	"github.com/soundscribe/videoconverter-api/internal/frames"
	"github.com/soundscribe/videoconverter-api/internal/job"
	"github.com/soundscribe/videoconverter-api/internal/objectstore"
	"github.com/soundscribe/videoconverter-api/internal/pipeline"
	"github.com/soundscribe/videoconverter-api/internal/recovery"
	"github.com/soundscribe/videoconverter-api/internal/server"
	"github.com/soundscribe/videoconverter-api/internal/store/sqlite"
	"github.com/soundscribe/videoconverter-api/internal/tempfs"
	"github.com/soundscribe/videoconverter-api/internal/throttle"
	"github.com/soundscribe/videoconverter-api/internal/transcode"
	"github.com/soundscribe/videoconverter-api/internal/urlcheck"
	"github.com/soundscribe/videoconverter-api/internal/youtube"
)

// App holds the wired application. Create it with New, launch the background
// services with Start, and tear everything down with Shutdown.
type App struct {
	// Router is the fully configured HTTP handler, ready for http.Server.
	Router http.Handler

	cfg    *config.Config
	logger *slog.Logger

	store    *sqlite.Store
	events   *eventlog.Logger
	pipeline *pipeline.Pipeline
	recovery *recovery.Service
	cleaner  *tempfs.Cleaner
	gate     *throttle.CPUGate
}

// New wires all dependencies from the configuration. It opens the database
// and creates the temp workspace but does not launch any background work;
// call Start for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := sqlite.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	workspace, err := tempfs.New(cfg.TempDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create temp workspace: %w", err)
	}
	cleaner := tempfs.NewCleaner(workspace, tempfs.CleanerConfig{
		Interval:             cfg.Performance.TempCleanupInterval(),
		DefaultMaxAge:        cfg.Performance.TempFileDefaultMaxAge(),
		AggressiveMaxAge:     cfg.Performance.TempFileAggressiveMaxAge(),
		VeryAggressiveMaxAge: cfg.Performance.TempFileVeryAggressiveMaxAge(),
		MaxTotalBytes:        cfg.Performance.MaxTempSizeBytes,
		HighUsage:            cfg.Performance.TempFileHighUsageThreshold,
		VeryHighUsage:        cfg.Performance.TempFileVeryHighUsageThreshold,
	}, logger)

	gate, err := throttle.New(cfg.CPU.HighWatermark, cfg.CPU.MaxWait(), logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create cpu gate: %w", err)
	}

	urls := urlcheck.NewValidator(cfg.Validation.MaxFileSizeBytes(), cfg.Validation.AllowedContentTypes, logger)

	downloader, err := download.NewClient(logger,
		download.WithTimeout(cfg.Performance.DownloadTimeout()),
		download.WithMaxBytes(cfg.Validation.MaxFileSizeBytes()),
		download.WithProxies(cfg.DownloadProxies),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create downloader: %w", err)
	}

	objects, staticDir, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	events := eventlog.New(store, logger)

	analyzer := analyze.NewCLI(cfg.AnalyzerPath)

	pl := pipeline.New(pipeline.Deps{
		Store:      store,
		Events:     events,
		Workspace:  workspace,
		Downloader: downloader,
		Transcoder: transcode.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
		Analyzer:   analyzer,
		Frames:     frames.NewFFmpeg(cfg.FFmpegPath),
		Youtube:    youtube.NewYtDlp(youtube.WithBinaryPath(cfg.YtDlpPath)),
		Objects:    objects,
		Checker:    urls,
		Gate:       gate,
		Logger:     logger,
	}, pipeline.Config{
		DownloadWorkers:   cfg.Performance.DownloadWorkers(),
		YoutubeWorkers:    cfg.Performance.YoutubeWorkers(),
		ConversionWorkers: cfg.Performance.ConversionWorkers(),
		AnalysisWorkers:   cfg.Performance.AudioAnalysisWorkers(),
		KeyframeWorkers:   cfg.Performance.KeyframeWorkers(),
		UploadWorkers:     cfg.Performance.UploadWorkers(),
		KeyframeCount:     cfg.Keyframes.FrameCount,
		KeyframeQuality:   cfg.Keyframes.Quality,
	})

	recoverySvc := recovery.New(store, pl, events, recovery.Config{
		CheckInterval:      cfg.Performance.RecoveryCheckInterval(),
		StaleThreshold:     cfg.Performance.StaleJobThreshold(),
		MaxAttempts:        cfg.Performance.MaxJobAttempts,
		LogCleanupInterval: cfg.Performance.LogCleanupInterval(),
		LogRetentionDays:   cfg.Performance.LogRetentionDays,
	}, logger)

	jobs := job.NewService(store, events, pl, urls, logger)

	diag := &diagnostics{
		jobs:     jobs,
		pipeline: pl,
		ws:       workspace,
		analyzer: analyzer,
		gate:     gate,
		staleAge: cfg.Performance.StaleJobThreshold(),
		oldAge:   cfg.Performance.TempFileDefaultMaxAge(),
	}

	handlers := server.NewHandlers(jobs, recoverySvc, diag, logger,
		server.WithDevMode(cfg.IsDevelopment()),
	)
	routerCfg := server.DefaultConfig()
	if staticDir != "" {
		routerCfg.StaticDir = staticDir
		routerCfg.StaticPrefix = storagePathPrefix(cfg.LocalStorageBaseURL)
	}
	router := server.NewRouter(handlers, logger, routerCfg)

	return &App{
		Router:   router,
		cfg:      cfg,
		logger:   logger,
		store:    store,
		events:   events,
		pipeline: pl,
		recovery: recoverySvc,
		cleaner:  cleaner,
		gate:     gate,
	}, nil
}

// Start launches the background services: the CPU load sampler, the stage
// worker pools, the recovery cron, and the temp cleanup cron.
func (a *App) Start() {
	a.gate.Start()
	a.pipeline.Start()
	a.recovery.Start()
	a.cleaner.Start()
	a.logger.Info("application started",
		slog.Int("port", a.cfg.Port),
		slog.String("storage_backend", a.cfg.StorageBackend),
	)
}

// Shutdown stops the background services and closes the store. The HTTP
// server must already be drained; jobs caught mid-stage stay in-progress in
// the store and are re-enqueued by recovery on next start.
func (a *App) Shutdown() {
	a.pipeline.Stop()
	a.recovery.Stop()
	a.cleaner.Stop()
	a.gate.Stop()
	a.events.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing job store", slog.String("error", err.Error()))
	}
	a.logger.Info("application stopped")
}

// newObjectStore creates the artifact store selected by STORAGE_BACKEND. For
// the local backend it also returns the directory the HTTP server must serve
// so minted URLs resolve.
func newObjectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (objectstore.Store, string, error) {
	if cfg.StorageBackend == "local" {
		local, err := objectstore.NewLocalStore(cfg.LocalStorageDir, cfg.LocalStorageBaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("create local object store: %w", err)
		}
		logger.Info("local object store configured",
			slog.String("dir", local.Dir()),
			slog.String("base_url", cfg.LocalStorageBaseURL),
		)
		return local, local.Dir(), nil
	}

	s3Store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create s3 object store: %w", err)
	}
	logger.Info("s3 object store configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return s3Store, "", nil
}

// storagePathPrefix extracts the URL path from the local storage base URL so
// the file route lines up with the URLs the store mints.
func storagePathPrefix(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/files"
	}
	return strings.TrimSuffix(u.Path, "/")
}

// allStatuses lists every job status for the diagnostics counts.
func allStatuses() []job.Status {
	statuses := []job.Status{job.StatusPending}
	statuses = append(statuses, job.InProgressStatuses()...)
	return append(statuses, job.StatusCompleted, job.StatusFailed)
}

// diagnostics assembles the operational snapshot behind the diagnostics
// route. Partial failures degrade single fields instead of the whole report.
type diagnostics struct {
	jobs     *job.Service
	pipeline *pipeline.Pipeline
	ws       *tempfs.Workspace
	analyzer analyze.Analyzer
	gate     *throttle.CPUGate
	staleAge time.Duration
	oldAge   time.Duration
}

var _ server.DiagnosticsSource = (*diagnostics)(nil)

// Diagnostics builds the report. Only a status-count failure is fatal; the
// remaining fields are best-effort.
func (d *diagnostics) Diagnostics(ctx context.Context) (*server.DiagnosticsReport, error) {
	counts, err := d.jobs.CountByStatuses(ctx, allStatuses()...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	statusCounts := make(map[string]int, len(counts))
	for st, n := range counts {
		statusCounts[string(st)] = n
	}

	report := &server.DiagnosticsReport{
		StatusCounts:      statusCounts,
		QueueDepths:       d.pipeline.QueueDepths(),
		AnalyzerAvailable: d.analyzer.Available(),
		CPULoad:           d.gate.Load(),
		Time:              time.Now().UTC(),
	}

	if stale, err := d.jobs.StaleJobCount(ctx, d.staleAge); err == nil {
		report.StaleJobs = stale
	}
	if stats, err := d.ws.Stats(d.oldAge); err == nil {
		report.TempFiles = server.TempStats{
			TotalFiles:        stats.TotalFiles,
			TotalSizeBytes:    stats.TotalSizeBytes,
			OldFiles:          stats.OldFiles,
			OldFilesSizeBytes: stats.OldFilesSizeBytes,
		}
	}

	return report, nil
}
