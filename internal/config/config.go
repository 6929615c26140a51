// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrS3BucketRequired is returned when STORAGE_BACKEND is "s3" and S3_BUCKET is not set.
	ErrS3BucketRequired = errors.New("config: S3_BUCKET is required when STORAGE_BACKEND is s3")
	// ErrUnknownStorageBackend is returned for a STORAGE_BACKEND other than "s3" or "local".
	ErrUnknownStorageBackend = errors.New(`config: STORAGE_BACKEND must be "s3" or "local"`)
	// ErrInvalidThreshold is returned when a usage threshold is outside (0, 1].
	ErrInvalidThreshold = errors.New("config: usage thresholds must be within (0, 1]")
	// ErrInvalidFrameCount is returned when KEYFRAME_FRAME_COUNT is not positive.
	ErrInvalidFrameCount = errors.New("config: KEYFRAME_FRAME_COUNT must be positive")
)

// defaultAllowedContentTypes is applied when FILE_VALIDATION_ALLOWED_CONTENT_TYPES
// is unset. It covers the common video containers plus the audio types the
// pipeline emits; application/octet-stream admits servers that do not sniff.
var defaultAllowedContentTypes = []string{
	"video/mp4",
	"video/mpeg",
	"video/quicktime",
	"video/webm",
	"video/x-msvideo",
	"video/x-matroska",
	"video/3gpp",
	"audio/mpeg",
	"audio/mp4",
	"audio/wav",
	"application/octet-stream",
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port        int    `env:"PORT, default=8080" json:"port"`
	Environment string `env:"ENVIRONMENT, default=production" json:"environment"` // "production" or "development"

	// Persistence settings
	DBPath  string `env:"DB_PATH, default=data/videoconverter.db" json:"db_path"`
	TempDir string `env:"TEMP_DIR" json:"temp_dir"` // defaults to <system temp>/videoconverter

	// Pipeline sections
	Performance PerformanceConfig    `env:", prefix=PERFORMANCE_" json:"performance"`
	Keyframes   KeyframeConfig       `env:", prefix=KEYFRAME_" json:"keyframes"`
	Validation  FileValidationConfig `env:", prefix=FILE_VALIDATION_" json:"file_validation"`
	CPU         CPUThrottleConfig    `env:", prefix=CPU_" json:"cpu"`

	// Object storage settings
	StorageBackend      string `env:"STORAGE_BACKEND, default=s3" json:"storage_backend"` // "s3" or "local"
	S3Bucket            string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region            string `env:"S3_REGION, default=us-east-1" json:"s3_region,omitempty"`
	S3AccessKeyID       string `env:"S3_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	S3SecretAccessKey   string `env:"S3_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON
	S3Endpoint          string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"` // custom endpoint, path-style when set
	LocalStorageDir     string `env:"LOCAL_STORAGE_DIR, default=data/storage" json:"local_storage_dir"`
	LocalStorageBaseURL string `env:"LOCAL_STORAGE_BASE_URL, default=http://localhost:8080/files" json:"local_storage_base_url"`

	// External tool settings
	FFmpegPath      string   `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath     string   `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	YtDlpPath       string   `env:"YTDLP_PATH, default=yt-dlp" json:"ytdlp_path"`
	AnalyzerPath    string   `env:"ANALYZER_PATH, default=audio-analyzer" json:"analyzer_path"`
	DownloadProxies []string `env:"DOWNLOAD_PROXIES" json:"-"` // Masked in JSON (may embed credentials)

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=json" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// PerformanceConfig tunes worker pool sizes, timers, and temp-space policy.
// Worker counts of 0 mean "derive from core count" (see the *Workers methods).
type PerformanceConfig struct {
	MaxConcurrentDownloads           int `env:"MAX_CONCURRENT_DOWNLOADS, default=5" json:"max_concurrent_downloads"`
	MaxConcurrentConversions         int `env:"MAX_CONCURRENT_CONVERSIONS, default=0" json:"max_concurrent_conversions"`
	MaxConcurrentAudioAnalyses       int `env:"MAX_CONCURRENT_AUDIO_ANALYSES, default=0" json:"max_concurrent_audio_analyses"`
	MaxConcurrentKeyframeExtractions int `env:"MAX_CONCURRENT_KEYFRAME_EXTRACTIONS, default=0" json:"max_concurrent_keyframe_extractions"`
	MaxConcurrentUploads             int `env:"MAX_CONCURRENT_UPLOADS, default=5" json:"max_concurrent_uploads"`
	MaxConcurrentYoutubeDownloads    int `env:"MAX_CONCURRENT_YOUTUBE_DOWNLOADS, default=3" json:"max_concurrent_youtube_downloads"`

	DownloadTimeoutMinutes       int `env:"DOWNLOAD_TIMEOUT_MINUTES, default=30" json:"download_timeout_minutes"`
	RecoveryCheckIntervalMinutes int `env:"RECOVERY_CHECK_INTERVAL_MINUTES, default=10" json:"recovery_check_interval_minutes"`
	StaleJobThresholdMinutes     int `env:"STALE_JOB_THRESHOLD_MINUTES, default=10" json:"stale_job_threshold_minutes"`
	MaxJobAttempts               int `env:"MAX_JOB_ATTEMPTS, default=3" json:"max_job_attempts"`
	LogCleanupIntervalHours      int `env:"LOG_CLEANUP_INTERVAL_HOURS, default=24" json:"log_cleanup_interval_hours"`
	LogRetentionDays             int `env:"LOG_RETENTION_DAYS, default=30" json:"log_retention_days"`

	TempFileDefaultMaxAgeHours        int     `env:"TEMP_FILE_DEFAULT_MAX_AGE_HOURS, default=24" json:"temp_file_default_max_age_hours"`
	TempFileAggressiveMaxAgeHours     int     `env:"TEMP_FILE_AGGRESSIVE_MAX_AGE_HOURS, default=12" json:"temp_file_aggressive_max_age_hours"`
	TempFileVeryAggressiveMaxAgeHours int     `env:"TEMP_FILE_VERY_AGGRESSIVE_MAX_AGE_HOURS, default=6" json:"temp_file_very_aggressive_max_age_hours"`
	MaxTempSizeBytes                  int64   `env:"MAX_TEMP_SIZE_BYTES, default=10737418240" json:"max_temp_size_bytes"` // 10 GiB
	TempFileHighUsageThreshold        float64 `env:"TEMP_FILE_HIGH_USAGE_THRESHOLD, default=0.8" json:"temp_file_high_usage_threshold"`
	TempFileVeryHighUsageThreshold    float64 `env:"TEMP_FILE_VERY_HIGH_USAGE_THRESHOLD, default=0.7" json:"temp_file_very_high_usage_threshold"`
	TempCleanupIntervalHours          int     `env:"TEMP_CLEANUP_INTERVAL_HOURS, default=24" json:"temp_cleanup_interval_hours"`
}

// KeyframeConfig controls keyframe sampling.
type KeyframeConfig struct {
	FrameCount int `env:"FRAME_COUNT, default=10" json:"frame_count"`
	Quality    int `env:"QUALITY, default=2" json:"quality"` // ffmpeg -q:v scale, lower is better
}

// FileValidationConfig bounds what remote files are accepted for download.
type FileValidationConfig struct {
	MaxFileSizeMB       int      `env:"MAX_FILE_SIZE_MB, default=500" json:"max_file_size_mb"`
	AllowedContentTypes []string `env:"ALLOWED_CONTENT_TYPES" json:"allowed_content_types"`
}

// CPUThrottleConfig configures the cooperative CPU admission gate.
type CPUThrottleConfig struct {
	HighWatermark  float64 `env:"HIGH_WATERMARK, default=0.85" json:"high_watermark"`
	MaxWaitSeconds int     `env:"MAX_WAIT_SECONDS, default=30" json:"max_wait_seconds"`
}

// Load reads configuration from environment variables using go-envconfig
// and applies the defaults that cannot be expressed as struct tags.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "videoconverter")
	}
	if len(cfg.Validation.AllowedContentTypes) == 0 {
		cfg.Validation.AllowedContentTypes = append([]string(nil), defaultAllowedContentTypes...)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			return ErrS3BucketRequired
		}
	case "local":
	default:
		return ErrUnknownStorageBackend
	}

	for _, th := range []float64{c.Performance.TempFileHighUsageThreshold, c.Performance.TempFileVeryHighUsageThreshold, c.CPU.HighWatermark} {
		if th <= 0 || th > 1 {
			return ErrInvalidThreshold
		}
	}

	if c.Keyframes.FrameCount <= 0 {
		return ErrInvalidFrameCount
	}

	return nil
}

// IsDevelopment returns true when the service runs in development mode.
// Development mode includes error detail in HTTP responses.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// DownloadWorkers returns the Download stage pool size.
func (p *PerformanceConfig) DownloadWorkers() int { return atLeastOne(p.MaxConcurrentDownloads) }

// ConversionWorkers returns the Transcode stage pool size (cores-1 when unset).
func (p *PerformanceConfig) ConversionWorkers() int {
	if p.MaxConcurrentConversions > 0 {
		return p.MaxConcurrentConversions
	}
	return atLeastOne(runtime.NumCPU() - 1)
}

// AudioAnalysisWorkers returns the AudioAnalyze stage pool size (cores when unset).
func (p *PerformanceConfig) AudioAnalysisWorkers() int {
	if p.MaxConcurrentAudioAnalyses > 0 {
		return p.MaxConcurrentAudioAnalyses
	}
	return atLeastOne(runtime.NumCPU())
}

// KeyframeWorkers returns the KeyframeExtract stage pool size (cores-1 when unset).
func (p *PerformanceConfig) KeyframeWorkers() int {
	if p.MaxConcurrentKeyframeExtractions > 0 {
		return p.MaxConcurrentKeyframeExtractions
	}
	return atLeastOne(runtime.NumCPU() - 1)
}

// UploadWorkers returns the Upload stage pool size.
func (p *PerformanceConfig) UploadWorkers() int { return atLeastOne(p.MaxConcurrentUploads) }

// YoutubeWorkers returns the YoutubeDownload stage pool size.
func (p *PerformanceConfig) YoutubeWorkers() int {
	return atLeastOne(p.MaxConcurrentYoutubeDownloads)
}

// DownloadTimeout returns the HTTP client ceiling for a whole download call.
func (p *PerformanceConfig) DownloadTimeout() time.Duration {
	return time.Duration(p.DownloadTimeoutMinutes) * time.Minute
}

// RecoveryCheckInterval returns the cadence of the stale-job recovery task.
func (p *PerformanceConfig) RecoveryCheckInterval() time.Duration {
	return time.Duration(p.RecoveryCheckIntervalMinutes) * time.Minute
}

// StaleJobThreshold returns the age after which an in-progress job counts as stale.
func (p *PerformanceConfig) StaleJobThreshold() time.Duration {
	return time.Duration(p.StaleJobThresholdMinutes) * time.Minute
}

// LogCleanupInterval returns the cadence of the log retention task.
func (p *PerformanceConfig) LogCleanupInterval() time.Duration {
	return time.Duration(p.LogCleanupIntervalHours) * time.Hour
}

// TempCleanupInterval returns the cadence of the temp workspace cleanup task.
func (p *PerformanceConfig) TempCleanupInterval() time.Duration {
	return time.Duration(p.TempCleanupIntervalHours) * time.Hour
}

// TempFileDefaultMaxAge returns the baseline eviction age for temp files.
func (p *PerformanceConfig) TempFileDefaultMaxAge() time.Duration {
	return time.Duration(p.TempFileDefaultMaxAgeHours) * time.Hour
}

// TempFileAggressiveMaxAge returns the eviction age used above the high-usage threshold.
func (p *PerformanceConfig) TempFileAggressiveMaxAge() time.Duration {
	return time.Duration(p.TempFileAggressiveMaxAgeHours) * time.Hour
}

// TempFileVeryAggressiveMaxAge returns the eviction age used above the very-high-usage threshold.
func (p *PerformanceConfig) TempFileVeryAggressiveMaxAge() time.Duration {
	return time.Duration(p.TempFileVeryAggressiveMaxAgeHours) * time.Hour
}

// MaxWait returns the upper bound a caller may be held at the CPU gate.
func (c *CPUThrottleConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

// MaxFileSizeBytes returns the download size cap in bytes.
func (f *FileValidationConfig) MaxFileSizeBytes() int64 {
	return int64(f.MaxFileSizeMB) * 1024 * 1024
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Environment: %s, DBPath: %s, TempDir: %s, StorageBackend: %s, S3Bucket: %s, S3Region: %s, Downloads: %d, Conversions: %d, Uploads: %d, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.Environment,
		c.DBPath,
		c.TempDir,
		c.StorageBackend,
		c.S3Bucket,
		c.S3Region,
		c.Performance.DownloadWorkers(),
		c.Performance.ConversionWorkers(),
		c.Performance.UploadWorkers(),
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
