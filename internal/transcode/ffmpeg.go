package transcode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrProbeFailed is returned when ffprobe fails and produces no usable output.
var ErrProbeFailed = errors.New("transcode: ffprobe execution failed")

// FFmpeg implements Transcoder using the ffmpeg and ffprobe CLIs.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

var _ Transcoder = (*FFmpeg)(nil)

// NewFFmpeg creates an FFmpeg transcoder. Empty paths default to "ffmpeg"
// and "ffprobe" resolved via PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// probePayload mirrors the JSON ffprobe emits with -print_format json.
type probePayload struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"` // ffprobe reports this as a string
	} `json:"format"`
}

// GetMediaInfo probes the file with ffprobe. A non-zero exit is tolerated as
// long as the JSON output parses; some damaged-but-playable files trip
// ffprobe's exit code while still reporting their streams.
func (f *FFmpeg) GetMediaInfo(ctx context.Context, path string) (*MediaInfo, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
	}

	info, parseErr := parseProbePayload(stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("%w: %v, stderr: %s", ErrProbeFailed, runErr, stderr.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, parseErr)
	}
	return info, nil
}

func parseProbePayload(data []byte) (*MediaInfo, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty probe output")
	}
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing probe output: %w", err)
	}

	info := &MediaInfo{FormatName: payload.Format.FormatName}
	if payload.Format.Duration != "" {
		d, err := strconv.ParseFloat(payload.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing duration %q: %w", payload.Format.Duration, err)
		}
		info.DurationSeconds = d
	}
	for _, s := range payload.Streams {
		stream := Stream{Index: s.Index, Codec: s.CodecName}
		switch s.CodecType {
		case "audio":
			info.AudioStreams = append(info.AudioStreams, stream)
		case "video":
			info.VideoStreams = append(info.VideoStreams, stream)
		}
	}
	return info, nil
}

// ExtractAudioToMP3 drops the video streams and encodes the first audio
// stream as MP3 at the given bitrate. A partial output file is removed on
// failure so retries start clean.
func (f *FFmpeg) ExtractAudioToMP3(ctx context.Context, src, dst string, bitrateKbps int, progress func(outSeconds float64)) error {
	if bitrateKbps <= 0 {
		bitrateKbps = DefaultBitrateKbps
	}

	args := []string{
		"-y",      // Overwrite output file without asking
		"-i", src, // Input file
		"-vn",                  // Drop video streams
		"-map", "0:a:0",        // First audio stream only
		"-acodec", "libmp3lame", // MP3 encoder
		"-b:a", fmt.Sprintf("%dk", bitrateKbps), // Audio bitrate
	}
	if progress != nil {
		// Machine-readable progress on stdout, one key=value per line.
		args = append(args, "-progress", "pipe:1", "-nostats")
	}
	args = append(args, dst)

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	scanDone := make(chan struct{})
	if progress != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("transcode: attaching progress pipe: %w", err)
		}
		go func() {
			defer close(scanDone)
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				if sec, ok := parseProgressLine(scanner.Text()); ok {
					progress(sec)
				}
			}
		}()
	} else {
		close(scanDone)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transcode: starting ffmpeg: %w", err)
	}
	// Drain the progress pipe to EOF before reaping the process; Wait closes
	// the pipe and would cut the scanner off mid-line.
	<-scanDone
	runErr := cmd.Wait()

	if runErr != nil {
		_ = os.Remove(dst)
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: runErr}
	}
	return nil
}

// parseProgressLine extracts the output position from an ffmpeg -progress
// line. Despite the name, out_time_ms carries microseconds.
func parseProgressLine(line string) (float64, bool) {
	value, ok := strings.CutPrefix(strings.TrimSpace(line), "out_time_ms=")
	if !ok || value == "N/A" {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return float64(us) / 1e6, true
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
