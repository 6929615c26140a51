package job

import "time"

// Keyframe is a single video frame sampled at a timestamp. Before upload the
// URL field holds the local file path; the upload stage rewrites it to the
// object-store URL in place.
type Keyframe struct {
	// URL is the object-store URL of the frame image (local path pre-upload).
	URL string `json:"url"`
	// Timestamp is the sample position in seconds from the start.
	Timestamp float64 `json:"timestamp"`
	// FrameNumber is the 1-based sample index.
	FrameNumber int `json:"frameNumber"`
}

// AudioAnalysis is the tempo/beat profile extracted from the MP3 track.
type AudioAnalysis struct {
	// BPM is the estimated tempo in beats per minute.
	BPM float64 `json:"bpm"`
	// Confidence is the analyzer's confidence in the estimate (0-1).
	Confidence float64 `json:"confidence"`
	// BeatTimestamps are the detected beat positions in seconds.
	BeatTimestamps []float64 `json:"beatTimestamps,omitempty"`
	// BeatIntervals are the gaps between consecutive beats in seconds.
	BeatIntervals []float64 `json:"beatIntervals,omitempty"`
	// DetectedBeats is the number of beats found.
	DetectedBeats int `json:"detectedBeats"`
	// BeatRegularity measures how even the beat grid is (0-1).
	BeatRegularity float64 `json:"beatRegularity"`
}

// Clone creates a deep copy of the analysis.
func (a *AudioAnalysis) Clone() *AudioAnalysis {
	if a == nil {
		return nil
	}
	clone := *a
	if a.BeatTimestamps != nil {
		clone.BeatTimestamps = make([]float64, len(a.BeatTimestamps))
		copy(clone.BeatTimestamps, a.BeatTimestamps)
	}
	if a.BeatIntervals != nil {
		clone.BeatIntervals = make([]float64, len(a.BeatIntervals))
		copy(clone.BeatIntervals, a.BeatIntervals)
	}
	return &clone
}

// MediaStorageItem is a content-addressed cache entry keyed by VideoHash.
// A repeat submission of identical bytes completes directly from the item
// without re-running the pipeline.
type MediaStorageItem struct {
	// ID is the unique identifier of the cache row.
	ID string
	// VideoHash is the SHA-256 content address (unique per item).
	VideoHash string
	// VideoURL is the canonical object-store URL of the source video.
	VideoURL string
	// AudioURL is the object-store URL of the extracted MP3.
	AudioURL string
	// Keyframes holds the uploaded keyframes. May be present but empty;
	// cache hits copy it verbatim.
	Keyframes []Keyframe
	// KeyframeURLs is the legacy flat URL list kept for older readers.
	KeyframeURLs []string
	// AudioAnalysis is the stored tempo/beat profile, if any.
	AudioAnalysis *AudioAnalysis
	// DurationSeconds is the media duration.
	DurationSeconds float64
	// FileSizeBytes is the source size.
	FileSizeBytes int64
	// ContentType is the source MIME type.
	ContentType string
	// Archived marks the item as excluded from cache lookups.
	Archived bool
	// CreatedAt is when the item was first stored.
	CreatedAt time.Time
	// LastAccessedAt is stamped when a cache hit serves the item.
	LastAccessedAt time.Time
}

// Clone creates a deep copy of the item.
func (m *MediaStorageItem) Clone() *MediaStorageItem {
	clone := *m
	if m.Keyframes != nil {
		clone.Keyframes = make([]Keyframe, len(m.Keyframes))
		copy(clone.Keyframes, m.Keyframes)
	}
	if m.KeyframeURLs != nil {
		clone.KeyframeURLs = make([]string, len(m.KeyframeURLs))
		copy(clone.KeyframeURLs, m.KeyframeURLs)
	}
	clone.AudioAnalysis = m.AudioAnalysis.Clone()
	return &clone
}
