// Package transcode probes media files and extracts their audio track as MP3
// using the ffmpeg and ffprobe CLIs.
package transcode

import "context"

// DefaultBitrateKbps is the MP3 bitrate used when callers pass 0.
const DefaultBitrateKbps = 128

// Stream identifies a single stream inside a media container.
type Stream struct {
	Index int
	Codec string
}

// MediaInfo describes a probed media file.
type MediaInfo struct {
	DurationSeconds float64
	FormatName      string
	AudioStreams    []Stream
	VideoStreams    []Stream
}

// HasAudio reports whether the file carries at least one audio stream.
func (m *MediaInfo) HasAudio() bool { return len(m.AudioStreams) > 0 }

// Transcoder probes media files and extracts audio.
// progress, when non-nil, receives the output position in seconds as the
// extraction advances.
type Transcoder interface {
	GetMediaInfo(ctx context.Context, path string) (*MediaInfo, error)
	ExtractAudioToMP3(ctx context.Context, src, dst string, bitrateKbps int, progress func(outSeconds float64)) error
}
