// Package frames extracts still images from video files with ffmpeg.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ErrNoFrame is returned when ffmpeg exits cleanly but produces no image,
// which happens when the timestamp lies beyond the end of the video.
var ErrNoFrame = errors.New("frames: no frame produced")

// DefaultQuality is the ffmpeg -q:v value used when callers pass 0.
// Lower is better; 2 is near-lossless JPEG.
const DefaultQuality = 2

// Extractor grabs a single frame at the given timestamp.
type Extractor interface {
	ExtractFrame(ctx context.Context, videoPath string, timestamp float64, outPath string, quality int) error
}

// FFmpeg implements Extractor using the ffmpeg CLI.
type FFmpeg struct {
	ffmpegPath string
}

var _ Extractor = (*FFmpeg)(nil)

// NewFFmpeg creates an FFmpeg extractor. An empty path defaults to "ffmpeg".
func NewFFmpeg(ffmpegPath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath}
}

// ExtractFrame writes the frame at timestamp (seconds) to outPath.
func (f *FFmpeg) ExtractFrame(ctx context.Context, videoPath string, timestamp float64, outPath string, quality int) error {
	if quality <= 0 {
		quality = DefaultQuality
	}

	args := []string{
		"-y", // Overwrite output file without asking
		"-ss", fmt.Sprintf("%.3f", timestamp), // Seek before demuxing, fast for long inputs
		"-i", videoPath,
		"-frames:v", "1", // Single frame
		"-q:v", strconv.Itoa(quality), // JPEG quality scale
		outPath,
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("frames: extracting frame at %.3fs: %w, stderr: %s", timestamp, err, stderr.String())
	}

	// ffmpeg can exit 0 without writing anything when the seek lands past
	// the end of the stream.
	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(outPath)
		return fmt.Errorf("%w at %.3fs", ErrNoFrame, timestamp)
	}
	return nil
}
