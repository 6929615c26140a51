package tempfs

import (
	"os"
	"testing"
	"time"
)

func TestCleaner_RunOnce_DefaultAgeOnly(t *testing.T) {
	ws := newTestWorkspace(t)
	writeAged(t, ws, "fresh", 100, 0)
	writeAged(t, ws, "stale", 100, 30*time.Hour)

	cleaner := NewCleaner(ws, CleanerConfig{
		DefaultMaxAge: 24 * time.Hour,
		MaxTotalBytes: 1 << 20,
	}, nil)

	removed, freed, err := cleaner.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if freed != 100 {
		t.Errorf("freed = %d, want 100", freed)
	}
}

func TestCleaner_RunOnce_EscalatesWhenFull(t *testing.T) {
	ws := newTestWorkspace(t)

	// 900 bytes of 8-hour-old files against a 1000-byte budget: the default
	// 24h pass removes nothing, usage sits above the 80% watermark, and the
	// 6h very-aggressive pass finally clears them.
	writeAged(t, ws, "a", 300, 8*time.Hour)
	writeAged(t, ws, "b", 300, 8*time.Hour)
	writeAged(t, ws, "c", 300, 8*time.Hour)

	cleaner := NewCleaner(ws, CleanerConfig{
		DefaultMaxAge:        24 * time.Hour,
		AggressiveMaxAge:     12 * time.Hour,
		VeryAggressiveMaxAge: 6 * time.Hour,
		MaxTotalBytes:        1000,
		HighUsage:            0.8,
		VeryHighUsage:        0.7,
	}, nil)

	removed, freed, err := cleaner.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if freed != 900 {
		t.Errorf("freed = %d, want 900", freed)
	}

	stats, err := ws.Stats(time.Hour)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalFiles != 0 {
		t.Errorf("TotalFiles = %d, want 0", stats.TotalFiles)
	}
}

func TestCleaner_RunOnce_StopsEscalationWhenUsageDrops(t *testing.T) {
	ws := newTestWorkspace(t)

	// One 30h-old file holds most of the space; removing it at the default
	// age drops usage below the watermark, so the 14h-old file survives.
	writeAged(t, ws, "big-old", 900, 30*time.Hour)
	survivor := writeAged(t, ws, "mid", 50, 14*time.Hour)

	cleaner := NewCleaner(ws, CleanerConfig{
		DefaultMaxAge:        24 * time.Hour,
		AggressiveMaxAge:     12 * time.Hour,
		VeryAggressiveMaxAge: 6 * time.Hour,
		MaxTotalBytes:        1000,
		HighUsage:            0.8,
		VeryHighUsage:        0.7,
	}, nil)

	removed, _, err := cleaner.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(survivor); err != nil {
		t.Error("mid-aged file should survive once usage is back under control")
	}
}

func TestCleaner_StartStop(t *testing.T) {
	ws := newTestWorkspace(t)
	cleaner := NewCleaner(ws, CleanerConfig{Interval: time.Hour}, nil)

	cleaner.Start()
	cleaner.Stop()

	// Stop on a never-started cleaner must not panic.
	NewCleaner(ws, CleanerConfig{}, nil).Stop()
}
