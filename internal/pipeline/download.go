package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/download"
	"github.com/soundscribe/videoconverter-api/internal/job"
	"github.com/soundscribe/videoconverter-api/internal/urlcheck"
)

// handleDownload fetches the source video, content-addresses it, and either
// completes the job from the media cache or hands the file to the transcode
// pool.
func (p *Pipeline) handleDownload(ctx context.Context, msg DownloadMessage) {
	defer p.recoverStage(ctx, stageDownload, msg.JobID)

	// 1. Claim the row. Losing the claim means another worker or recovery
	// already owns the job; the message is simply dropped.
	claimed, err := p.deps.Store.TryUpdateStatusIf(ctx, msg.JobID, job.StatusPending, job.StatusDownloading)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("claiming job", "jobID", msg.JobID, "error", err)
		}
		return
	}
	if !claimed {
		p.logger.Debug("job already claimed, skipping", "jobID", msg.JobID)
		return
	}

	j, err := p.deps.Store.GetJobByID(ctx, msg.JobID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("loading claimed job", "jobID", msg.JobID, "error", err)
		}
		return
	}

	defer p.heartbeat(ctx, j.ID)()
	p.deps.Events.StatusChanged(j)
	p.deps.Events.DownloadStarted(j)
	start := time.Now()

	// 2. Scratch destination. The extension survives into the upload key.
	videoPath, err := p.deps.Workspace.CreateTempFile(j.ID+"_video", urlExt(msg.VideoURL))
	if err != nil {
		p.failJob(ctx, j.ID, "allocating scratch space failed", err)
		return
	}
	forwarded := false
	defer func() {
		if !forwarded {
			p.deps.Workspace.DeleteAll(videoPath)
		}
	}()

	// 3. Cheap object-store probe: a URL this service minted earlier is
	// served without touching the remote host.
	var written int64
	var contentType string
	servedFromStore := false
	if data, derr := p.deps.Objects.TryDownload(ctx, msg.VideoURL); derr == nil && data != nil {
		if werr := os.WriteFile(videoPath, data, 0o600); werr != nil {
			p.failJob(ctx, j.ID, "writing cached object failed", werr)
			return
		}
		written = int64(len(data))
		contentType = http.DetectContentType(data)
		servedFromStore = true
		p.logger.Info("source served from object store", "jobID", j.ID, "bytes", written)
	} else if derr != nil && ctx.Err() == nil {
		p.logger.Warn("object store probe failed", "jobID", j.ID, "error", derr)
	}

	if !servedFromStore {
		// 4. Pre-flight HEAD check. Only hard verdicts reject the job here;
		// probe trouble is left for the download itself to confirm.
		if p.deps.Checker != nil {
			if cerr := p.deps.Checker.IsContentAcceptable(ctx, msg.VideoURL); cerr != nil {
				switch {
				case errors.Is(cerr, urlcheck.ErrFileTooLarge):
					p.failJob(ctx, j.ID, "source file exceeds the size limit", cerr)
					return
				case errors.Is(cerr, urlcheck.ErrUnsupportedContentType):
					p.failJob(ctx, j.ID, "source content type is not supported", cerr)
					return
				case ctx.Err() != nil:
					return
				default:
					p.deps.Events.Warning(j, "content probe failed, downloading anyway", cerr)
				}
			}
		}

		// 5. Stream the source.
		res, derr := p.streamSource(ctx, j, msg.VideoURL, videoPath, start)
		if derr != nil {
			if ctx.Err() != nil {
				return
			}
			p.failJob(ctx, j.ID, downloadFailureMessage(derr), derr)
			return
		}
		written = res.Bytes
		contentType = res.ContentType
	}
	p.deps.Events.DownloadCompleted(j, written, byteRate(written, time.Since(start)))

	// 6. Content hash over the full bytes; this is the cache key.
	hash, err := hashFile(videoPath)
	if err != nil {
		p.failJob(ctx, j.ID, "hashing downloaded file failed", err)
		return
	}

	// 7. A known hash with a stored MP3 completes the job on the spot.
	if item, cerr := p.deps.Store.FindByVideoHash(ctx, hash); cerr == nil && item.AudioURL != "" {
		p.completeFromCache(ctx, j, item, start)
		return
	} else if cerr != nil && !errors.Is(cerr, job.ErrMediaItemNotFound) {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("media cache lookup failed", "jobID", j.ID, "error", cerr)
	}

	// 8. Persist source metadata, advance, hand the file forward. Store
	// trouble here leaves the row in Downloading for recovery to reset.
	j.VideoHash = hash
	j.FileSizeBytes = written
	if contentType != "" {
		j.ContentType = contentType
	}
	j.Touch()
	if err := p.deps.Store.UpdateJob(ctx, j); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("persisting download result", "jobID", j.ID, "error", err)
		}
		return
	}

	if _, err := p.advance(ctx, j.ID, job.StatusConverting); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("advancing job to conversion", "jobID", j.ID, "error", err)
		}
		return
	}
	forwarded = p.convertQ.Push(ConversionMessage{JobID: j.ID, VideoPath: videoPath, VideoHash: hash})
}

// streamSource downloads rawURL into videoPath under the stage retry policy:
// up to three tries for generic failures, one extra try after a blown
// streaming deadline, no retry at all for typed rejections.
func (p *Pipeline) streamSource(ctx context.Context, j *job.ConversionJob, rawURL, videoPath string, start time.Time) (*download.Result, error) {
	throttle := newProgressThrottle(progressMinGap, progressMinDelta)

	var timeouts int
	policy := retryPolicy{
		attempts: downloadAttempts,
		delay:    expBackoff(2 * p.unit),
		retryable: func(err error) bool {
			if errors.Is(err, download.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				timeouts++
				return timeouts <= 1
			}
			switch {
			case errors.Is(err, download.ErrNotFound),
				errors.Is(err, download.ErrForbidden),
				errors.Is(err, download.ErrSourceProhibited),
				errors.Is(err, download.ErrTooLarge):
				return false
			}
			return true
		},
	}

	var res *download.Result
	err := runWithRetry(ctx, policy, func() error {
		dctx, cancel := context.WithTimeout(ctx, downloadStreamTimeout)
		defer cancel()

		r, derr := p.deps.Downloader.Download(dctx, rawURL, videoPath, func(written, total int64) {
			pct := 0
			if total > 0 {
				pct = int(written * 100 / total)
			}
			if throttle.allow(pct) {
				p.deps.Events.DownloadProgress(j, written, total, byteRate(written, time.Since(start)))
			}
		})
		if derr != nil {
			// Drop the partial file so the next attempt starts clean.
			_ = p.deps.Workspace.DeleteTempFile(videoPath)
			return derr
		}
		res = r
		return nil
	}, func(attempt int, err error) {
		p.deps.Events.JobRetry(j, attempt, err)
	})
	return res, err
}

// completeFromCache finishes a job from a media cache row: the stored URLs,
// keyframes (copied verbatim, an empty list included), and analysis become
// the job's outputs without running the rest of the pipeline.
func (p *Pipeline) completeFromCache(ctx context.Context, j *job.ConversionJob, item *job.MediaStorageItem, start time.Time) {
	if err := p.deps.Store.TouchItem(ctx, item.ID); err != nil && ctx.Err() == nil {
		p.logger.Warn("touching media cache item", "itemID", item.ID, "error", err)
	}

	j.VideoHash = item.VideoHash
	j.Keyframes = item.Keyframes
	j.AudioAnalysis = item.AudioAnalysis
	if item.DurationSeconds > 0 {
		j.DurationSeconds = item.DurationSeconds
	}
	if j.FileSizeBytes == 0 {
		j.FileSizeBytes = item.FileSizeBytes
	}
	if j.ContentType == "" {
		j.ContentType = item.ContentType
	}
	j.Touch()
	if err := p.deps.Store.UpdateJob(ctx, j); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("persisting cache hit", "jobID", j.ID, "error", err)
		}
		return
	}

	completed, err := p.deps.Store.UpdateJobStatus(ctx, j.ID, job.StatusCompleted, job.StatusUpdate{
		MP3URL:      item.AudioURL,
		NewVideoURL: item.VideoURL,
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("completing job from cache", "jobID", j.ID, "error", err)
		}
		return
	}

	// The progress event is cosmetic for cache-served files; clients watching
	// the stream still see a download that finished.
	size := completed.FileSizeBytes
	p.deps.Events.DownloadProgress(completed, size, size, byteRate(size, time.Since(start)))
	p.deps.Events.CacheHit(completed, item.VideoHash)
	p.deps.Events.JobCompleted(completed)
	p.logger.Info("job served from media cache", "jobID", j.ID, "videoHash", item.VideoHash)
}

// urlExt returns the extension of the URL path for naming the scratch file,
// falling back to .mp4 for extensionless or odd-looking paths.
func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".mp4"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 5 {
		return ".mp4"
	}
	return ext
}

// hashFile computes the SHA-256 content address of a downloaded file.
func hashFile(filePath string) (string, error) {
	f, err := os.Open(filePath) // #nosec G304 - path comes from the workspace, not user input
	if err != nil {
		return "", fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashString is the URL-addressed variant used by the YouTube path, where
// the source bytes never land on disk in video form.
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// byteRate is bytes per second, guarded against a zero elapsed time.
func byteRate(n int64, elapsed time.Duration) float64 {
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	return float64(n) / elapsed.Seconds()
}

// downloadFailureMessage maps downloader errors to the message stored on the
// failed job.
func downloadFailureMessage(err error) string {
	switch {
	case errors.Is(err, download.ErrNotFound):
		return "source video not found"
	case errors.Is(err, download.ErrForbidden):
		return "access to the source video is forbidden"
	case errors.Is(err, download.ErrSourceProhibited):
		return "the source prohibits automated downloads of this content"
	case errors.Is(err, download.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "download timed out"
	case errors.Is(err, download.ErrTooLarge):
		return "source video exceeds the size limit"
	default:
		return "download failed: " + err.Error()
	}
}
