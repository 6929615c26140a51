package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENVIRONMENT", "DB_PATH", "TEMP_DIR",
		"STORAGE_BACKEND", "S3_BUCKET", "S3_REGION", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_ENDPOINT",
		"LOCAL_STORAGE_DIR", "LOCAL_STORAGE_BASE_URL",
		"FFMPEG_PATH", "FFPROBE_PATH", "YTDLP_PATH", "ANALYZER_PATH", "DOWNLOAD_PROXIES",
		"LOG_FORMAT", "LOG_LEVEL",
		"PERFORMANCE_MAX_CONCURRENT_DOWNLOADS", "PERFORMANCE_MAX_CONCURRENT_CONVERSIONS",
		"PERFORMANCE_MAX_CONCURRENT_UPLOADS", "PERFORMANCE_STALE_JOB_THRESHOLD_MINUTES",
		"PERFORMANCE_MAX_TEMP_SIZE_BYTES",
		"KEYFRAME_FRAME_COUNT", "KEYFRAME_QUALITY",
		"FILE_VALIDATION_MAX_FILE_SIZE_MB", "FILE_VALIDATION_ALLOWED_CONTENT_TYPES",
		"CPU_HIGH_WATERMARK", "CPU_MAX_WAIT_SECONDS",
	} {
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "data/videoconverter.db", cfg.DBPath)
	assert.Equal(t, filepath.Join(os.TempDir(), "videoconverter"), cfg.TempDir)
	assert.Equal(t, "s3", cfg.StorageBackend)
	assert.Equal(t, "us-east-1", cfg.S3Region)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "yt-dlp", cfg.YtDlpPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 5, cfg.Performance.MaxConcurrentDownloads)
	assert.Equal(t, 5, cfg.Performance.MaxConcurrentUploads)
	assert.Equal(t, 3, cfg.Performance.MaxConcurrentYoutubeDownloads)
	assert.Equal(t, 30, cfg.Performance.DownloadTimeoutMinutes)
	assert.Equal(t, 10, cfg.Performance.RecoveryCheckIntervalMinutes)
	assert.Equal(t, 10, cfg.Performance.StaleJobThresholdMinutes)
	assert.Equal(t, 3, cfg.Performance.MaxJobAttempts)
	assert.Equal(t, 30, cfg.Performance.LogRetentionDays)
	assert.Equal(t, int64(10737418240), cfg.Performance.MaxTempSizeBytes)
	assert.Equal(t, 0.8, cfg.Performance.TempFileHighUsageThreshold)
	assert.Equal(t, 0.7, cfg.Performance.TempFileVeryHighUsageThreshold)

	assert.Equal(t, 10, cfg.Keyframes.FrameCount)
	assert.Equal(t, 2, cfg.Keyframes.Quality)
	assert.Equal(t, 500, cfg.Validation.MaxFileSizeMB)
	assert.Equal(t, defaultAllowedContentTypes, cfg.Validation.AllowedContentTypes)
	assert.Equal(t, 0.85, cfg.CPU.HighWatermark)
	assert.Equal(t, 30, cfg.CPU.MaxWaitSeconds)
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("DB_PATH", "/var/lib/vc/jobs.db")
	t.Setenv("TEMP_DIR", "/custom/temp")
	t.Setenv("STORAGE_BACKEND", "local")
	t.Setenv("PERFORMANCE_MAX_CONCURRENT_DOWNLOADS", "9")
	t.Setenv("PERFORMANCE_STALE_JOB_THRESHOLD_MINUTES", "25")
	t.Setenv("KEYFRAME_FRAME_COUNT", "4")
	t.Setenv("FILE_VALIDATION_ALLOWED_CONTENT_TYPES", "video/mp4")
	t.Setenv("CPU_MAX_WAIT_SECONDS", "5")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "/var/lib/vc/jobs.db", cfg.DBPath)
	assert.Equal(t, "/custom/temp", cfg.TempDir)
	assert.Equal(t, "local", cfg.StorageBackend)
	assert.Equal(t, 9, cfg.Performance.MaxConcurrentDownloads)
	assert.Equal(t, 25*time.Minute, cfg.Performance.StaleJobThreshold())
	assert.Equal(t, 4, cfg.Keyframes.FrameCount)
	assert.Equal(t, []string{"video/mp4"}, cfg.Validation.AllowedContentTypes)
	assert.Equal(t, 5*time.Second, cfg.CPU.MaxWait())
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidInteger(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	// go-envconfig returns an error when parsing fails
	_, err := Load()
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StorageBackend: "s3",
			S3Bucket:       "bucket",
			Performance: PerformanceConfig{
				TempFileHighUsageThreshold:     0.8,
				TempFileVeryHighUsageThreshold: 0.7,
			},
			Keyframes: KeyframeConfig{FrameCount: 10},
			CPU:       CPUThrottleConfig{HighWatermark: 0.85},
		}
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("s3 backend requires bucket", func(t *testing.T) {
		cfg := valid()
		cfg.S3Bucket = ""
		assert.ErrorIs(t, cfg.Validate(), ErrS3BucketRequired)
	})

	t.Run("local backend needs no bucket", func(t *testing.T) {
		cfg := valid()
		cfg.StorageBackend = "local"
		cfg.S3Bucket = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := valid()
		cfg.StorageBackend = "ftp"
		assert.ErrorIs(t, cfg.Validate(), ErrUnknownStorageBackend)
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := valid()
		cfg.CPU.HighWatermark = 1.5
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidThreshold)
	})

	t.Run("frame count must be positive", func(t *testing.T) {
		cfg := valid()
		cfg.Keyframes.FrameCount = 0
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidFrameCount)
	})
}

func TestPerformanceConfig_WorkerDerivation(t *testing.T) {
	p := PerformanceConfig{}

	// Unset counts derive from cores but never drop below one.
	assert.GreaterOrEqual(t, p.ConversionWorkers(), 1)
	assert.GreaterOrEqual(t, p.AudioAnalysisWorkers(), 1)
	assert.GreaterOrEqual(t, p.KeyframeWorkers(), 1)

	p.MaxConcurrentConversions = 7
	assert.Equal(t, 7, p.ConversionWorkers())

	p.MaxConcurrentDownloads = 2
	assert.Equal(t, 2, p.DownloadWorkers())
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Port:              8080,
		Environment:       "production",
		DBPath:            "data/videoconverter.db",
		TempDir:           "/tmp/test",
		StorageBackend:    "s3",
		S3Bucket:          "bucket",
		S3Region:          "eu-west-1",
		S3AccessKeyID:     "access-key",
		S3SecretAccessKey: "secret-key",
		LogFormat:         "json",
		LogLevel:          "info",
	}

	str := cfg.String()

	// Should contain non-sensitive values
	assert.Contains(t, str, "8080")
	assert.Contains(t, str, "bucket")
	assert.Contains(t, str, "/tmp/test")

	// Should NOT contain sensitive values
	assert.NotContains(t, str, "access-key")
	assert.NotContains(t, str, "secret-key")
}

func TestConfig_NewLogger_JSON(t *testing.T) {
	cfg := &Config{
		LogFormat: "json",
		LogLevel:  "info",
	}

	logger := cfg.NewLogger()
	require.NotNil(t, logger)

	// Capture output to verify it's JSON
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	testLogger := slog.New(handler)
	testLogger.Info("test message")

	// Should have JSON structure
	assert.Contains(t, buf.String(), `"msg"`)
	assert.Contains(t, buf.String(), "test message")
}

func TestConfig_NewLogger_Text(t *testing.T) {
	cfg := &Config{
		LogFormat: "text",
		LogLevel:  "debug",
	}

	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	// Just verify it returns a valid logger
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}
