package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// handleYoutube is the fast entry path for YouTube sources: yt-dlp downloads
// and extracts the MP3 in one step, so the job jumps from Downloading
// straight to Uploading with no video file and no keyframes. The hash is
// taken over the URL because the source bytes never exist locally.
func (p *Pipeline) handleYoutube(ctx context.Context, msg DownloadMessage) {
	defer p.recoverStage(ctx, stageYoutube, msg.JobID)

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

	hash := hashString(msg.VideoURL)

	// Cache probe comes before any network work on this path.
	if item, cerr := p.deps.Store.FindByVideoHash(ctx, hash); cerr == nil && item.AudioURL != "" {
		p.completeFromCache(ctx, j, item, start)
		return
	} else if cerr != nil && !errors.Is(cerr, job.ErrMediaItemNotFound) {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("media cache lookup failed", "jobID", j.ID, "error", cerr)
	}

	mp3Path, err := p.deps.Workspace.CreateTempFile(j.ID+"_audio", ".mp3")
	if err != nil {
		p.failJob(ctx, j.ID, "allocating scratch space failed", err)
		return
	}
	forwarded := false
	defer func() {
		if !forwarded {
			p.deps.Workspace.DeleteAll(mp3Path)
		}
	}()

	policy := retryPolicy{
		attempts: youtubeAttempts,
		delay:    expBackoff(2 * p.unit),
	}
	err = runWithRetry(ctx, policy, func() error {
		yctx, cancel := context.WithTimeout(ctx, youtubeTimeout)
		defer cancel()

		derr := p.deps.Youtube.DownloadMP3(yctx, msg.VideoURL, mp3Path)
		if derr != nil {
			_ = p.deps.Workspace.DeleteTempFile(mp3Path)
			if yctx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("youtube download exceeded %s: %w", youtubeTimeout, context.DeadlineExceeded)
			}
		}
		return derr
	}, func(attempt int, err error) {
		p.deps.Events.JobRetry(j, attempt, err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failJob(ctx, j.ID, "youtube download failed: "+err.Error(), err)
		return
	}

	var size int64
	if st, serr := os.Stat(mp3Path); serr == nil {
		size = st.Size()
	}
	p.deps.Events.DownloadCompleted(j, size, byteRate(size, time.Since(start)))

	j.VideoHash = hash
	j.FileSizeBytes = size
	j.ContentType = "audio/mpeg"
	j.Touch()
	if err := p.deps.Store.UpdateJob(ctx, j); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("persisting download result", "jobID", j.ID, "error", err)
		}
		return
	}

	if _, err := p.advance(ctx, j.ID, job.StatusUploading); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("advancing job to upload", "jobID", j.ID, "error", err)
		}
		return
	}
	forwarded = p.uploadQ.Push(UploadMessage{JobID: j.ID, MP3Path: mp3Path, VideoHash: hash})
}
