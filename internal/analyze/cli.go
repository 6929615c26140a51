// Package analyze wraps the optional beat-detection CLI. The binary takes an
// MP3 path as its only argument and prints a JSON result on stdout. Analysis
// is best effort: when the binary is missing the pipeline skips the stage.
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

var (
	// ErrEmptyResult is returned when the analyzer prints nothing usable.
	ErrEmptyResult = errors.New("analyze: analyzer returned an empty result")
	// ErrExecution is returned when the analyzer process fails.
	ErrExecution = errors.New("analyze: analyzer execution failed")
)

// Analyzer produces beat analysis for an audio file.
type Analyzer interface {
	// Available reports whether the analyzer can run at all. The answer is
	// decided once, at first use.
	Available() bool
	AnalyzeFile(ctx context.Context, path string) (*job.AudioAnalysis, error)
}

// CLI is the production Analyzer, shelling out to a configured binary.
type CLI struct {
	path string

	once      sync.Once
	available bool
}

var _ Analyzer = (*CLI)(nil)

// NewCLI creates a CLI analyzer. An empty path defaults to "audio-analyzer".
func NewCLI(path string) *CLI {
	if path == "" {
		path = "audio-analyzer"
	}
	return &CLI{path: path}
}

// Available reports whether the analyzer binary resolves to an executable.
func (c *CLI) Available() bool {
	c.once.Do(func() {
		_, err := exec.LookPath(c.path)
		c.available = err == nil
	})
	return c.available
}

// AnalyzeFile runs the analyzer on path and parses its JSON output.
func (c *CLI) AnalyzeFile(ctx context.Context, path string) (*job.AudioAnalysis, error) {
	// #nosec G204 - analyzer path is set by the application, not user input
	cmd := exec.CommandContext(ctx, c.path, path)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("analyze: cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v, stderr: %s", ErrExecution, err, stderr.String())
	}

	return parseAnalyzerOutput(stdout.Bytes())
}

// analyzerPayload mirrors the CLI's JSON output.
type analyzerPayload struct {
	BPM            float64   `json:"bpm"`
	Confidence     float64   `json:"confidence"`
	BeatTimestamps []float64 `json:"beat_timestamps"`
	BeatIntervals  []float64 `json:"beat_intervals"`
	DetectedBeats  int       `json:"detected_beats"`
	BeatRegularity float64   `json:"beat_regularity"`
	Error          string    `json:"error"`
}

func parseAnalyzerOutput(data []byte) (*job.AudioAnalysis, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyResult
	}
	var payload analyzerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("analyze: parsing analyzer output: %w", err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("analyze: analyzer reported: %s", payload.Error)
	}
	if payload.BPM <= 0 && payload.DetectedBeats == 0 {
		return nil, ErrEmptyResult
	}

	return &job.AudioAnalysis{
		BPM:            payload.BPM,
		Confidence:     payload.Confidence,
		BeatTimestamps: payload.BeatTimestamps,
		BeatIntervals:  payload.BeatIntervals,
		DetectedBeats:  payload.DetectedBeats,
		BeatRegularity: payload.BeatRegularity,
	}, nil
}
