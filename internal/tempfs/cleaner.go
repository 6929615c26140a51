package tempfs

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CleanerConfig tunes the periodic cleanup sweep.
type CleanerConfig struct {
	Interval time.Duration

	// Age ladder: the sweep always removes files older than DefaultMaxAge,
	// escalates to AggressiveMaxAge when usage exceeds HighUsage of
	// MaxTotalBytes, and to VeryAggressiveMaxAge when a re-measure still
	// exceeds VeryHighUsage.
	DefaultMaxAge        time.Duration
	AggressiveMaxAge     time.Duration
	VeryAggressiveMaxAge time.Duration

	MaxTotalBytes int64
	HighUsage     float64
	VeryHighUsage float64
}

// Cleaner periodically frees scratch space, escalating how aggressively it
// deletes based on how full the workspace is.
type Cleaner struct {
	ws     *Workspace
	cfg    CleanerConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// NewCleaner creates a Cleaner for ws. Zero config values fall back to the
// 24h/12h/6h ladder over a 10 GiB budget.
func NewCleaner(ws *Workspace, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.DefaultMaxAge <= 0 {
		cfg.DefaultMaxAge = 24 * time.Hour
	}
	if cfg.AggressiveMaxAge <= 0 {
		cfg.AggressiveMaxAge = 12 * time.Hour
	}
	if cfg.VeryAggressiveMaxAge <= 0 {
		cfg.VeryAggressiveMaxAge = 6 * time.Hour
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = 10 << 30
	}
	if cfg.HighUsage <= 0 {
		cfg.HighUsage = 0.8
	}
	if cfg.VeryHighUsage <= 0 {
		cfg.VeryHighUsage = 0.7
	}

	return &Cleaner{ws: ws, cfg: cfg, logger: logger}
}

// Start schedules the sweep. Overlapping runs are skipped rather than queued.
func (c *Cleaner) Start() {
	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.cron.Schedule(cron.Every(c.cfg.Interval), cron.FuncJob(func() {
		if _, _, err := c.RunOnce(); err != nil {
			c.logger.Error("temp cleanup sweep failed", "error", err)
		}
	}))
	c.cron.Start()
	c.logger.Info("temp cleanup scheduled",
		"interval", c.cfg.Interval,
		"default_max_age", c.cfg.DefaultMaxAge,
		"max_temp_bytes", c.cfg.MaxTotalBytes)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Cleaner) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}

// RunOnce performs a single sweep: remove files past the default age, then
// re-measure and tighten the age bound while usage stays above the configured
// thresholds.
func (c *Cleaner) RunOnce() (removed int, freed int64, err error) {
	removed, freed, err = c.ws.CleanupOldFiles(c.cfg.DefaultMaxAge)
	if err != nil {
		return removed, freed, err
	}

	stats, err := c.ws.Stats(c.cfg.DefaultMaxAge)
	if err != nil {
		return removed, freed, err
	}
	if float64(stats.TotalSizeBytes) > c.cfg.HighUsage*float64(c.cfg.MaxTotalBytes) {
		c.logger.Warn("temp space above high watermark, tightening age bound",
			"total_bytes", stats.TotalSizeBytes,
			"max_age", c.cfg.AggressiveMaxAge)
		n, b, aerr := c.ws.CleanupOldFiles(c.cfg.AggressiveMaxAge)
		removed += n
		freed += b
		if aerr != nil {
			return removed, freed, aerr
		}

		stats, err = c.ws.Stats(c.cfg.AggressiveMaxAge)
		if err != nil {
			return removed, freed, err
		}
		if float64(stats.TotalSizeBytes) > c.cfg.VeryHighUsage*float64(c.cfg.MaxTotalBytes) {
			c.logger.Warn("temp space still high after aggressive sweep",
				"total_bytes", stats.TotalSizeBytes,
				"max_age", c.cfg.VeryAggressiveMaxAge)
			n, b, aerr = c.ws.CleanupOldFiles(c.cfg.VeryAggressiveMaxAge)
			removed += n
			freed += b
			if aerr != nil {
				return removed, freed, aerr
			}
		}
	}

	if removed > 0 {
		c.logger.Info("temp cleanup sweep finished", "removed", removed, "freed_bytes", freed)
	}
	return removed, freed, nil
}
