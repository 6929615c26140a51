package pipeline

import "github.com/soundscribe/videoconverter-api/internal/job"

// DownloadMessage enters the pipeline: fetch VideoURL for the given job.
// The YouTube queue carries the same shape.
type DownloadMessage struct {
	JobID    string
	VideoURL string
}

// ConversionMessage hands a downloaded video to the transcode pool. The
// receiver takes ownership of VideoPath.
type ConversionMessage struct {
	JobID     string
	VideoPath string
	VideoHash string
}

// AnalysisMessage hands the extracted MP3 to the audio analysis pool. The
// receiver takes ownership of both paths.
type AnalysisMessage struct {
	JobID     string
	MP3Path   string
	VideoPath string
	VideoHash string
}

// KeyframeMessage hands the video to the keyframe pool after analysis.
type KeyframeMessage struct {
	JobID     string
	VideoPath string
	MP3Path   string
	VideoHash string
}

// UploadMessage carries every local artifact to the upload pool, which is
// the final owner of all paths. Keyframe URLs still hold local paths here;
// the upload stage rewrites them. VideoPath is empty on the YouTube path,
// which never stores the source video.
type UploadMessage struct {
	JobID     string
	MP3Path   string
	VideoPath string
	VideoHash string
	Keyframes []job.Keyframe
}
