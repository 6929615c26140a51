// Package youtube downloads the audio track of YouTube videos. It shells out
// to yt-dlp, which handles format negotiation and extraction in one go, so
// the pipeline never stores the source video for these jobs.
package youtube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrNoOutput is returned when yt-dlp exits cleanly but wrote no file.
var ErrNoOutput = errors.New("youtube: yt-dlp produced no output file")

// Downloader fetches a video's audio as MP3 directly from a watch URL.
type Downloader interface {
	DownloadMP3(ctx context.Context, rawURL, outPath string) error
}

// YtDlp implements Downloader using the yt-dlp CLI.
type YtDlp struct {
	path    string
	quality string
}

var _ Downloader = (*YtDlp)(nil)

// Option configures a YtDlp.
type Option func(*YtDlp)

// WithBinaryPath overrides the yt-dlp binary location.
func WithBinaryPath(path string) Option {
	return func(y *YtDlp) {
		if path != "" {
			y.path = path
		}
	}
}

// WithAudioQuality overrides the target audio quality (yt-dlp syntax,
// e.g. "128K" or "0" for best).
func WithAudioQuality(quality string) Option {
	return func(y *YtDlp) {
		if quality != "" {
			y.quality = quality
		}
	}
}

// NewYtDlp creates a YtDlp downloader with "yt-dlp" from PATH and 128K audio.
func NewYtDlp(opts ...Option) *YtDlp {
	y := &YtDlp{path: "yt-dlp", quality: "128K"}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// DownloadMP3 extracts the audio of rawURL straight to outPath as MP3.
// outPath should carry the .mp3 extension; yt-dlp normalizes it after the
// extraction post-processor runs.
func (y *YtDlp) DownloadMP3(ctx context.Context, rawURL, outPath string) error {
	args := []string{
		"-x", // Extract audio
		"--audio-format", "mp3",
		"--audio-quality", y.quality,
		"--no-playlist", // A watch URL inside a playlist means that one video
		"--no-progress",
		"-o", outPath,
		rawURL,
	}

	// #nosec G204 - binary path is set by the application, not user input
	cmd := exec.CommandContext(ctx, y.path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		if ctx.Err() != nil {
			return fmt.Errorf("youtube: yt-dlp cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("youtube: yt-dlp failed: %w, stderr: %s", err, stderr.String())
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(outPath)
		return ErrNoOutput
	}
	return nil
}
