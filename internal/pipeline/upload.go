package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/soundscribe/videoconverter-api/internal/job"
	"github.com/soundscribe/videoconverter-api/internal/objectstore"
)

// handleUpload pushes every artifact to the object store concurrently,
// upserts the media cache row, and completes the job. This stage is the
// final owner of all temp files: they are deleted whatever the outcome.
func (p *Pipeline) handleUpload(ctx context.Context, msg UploadMessage) {
	defer p.recoverStage(ctx, stageUpload, msg.JobID)

	paths := []string{msg.MP3Path, msg.VideoPath}
	for _, kf := range msg.Keyframes {
		paths = append(paths, kf.URL)
	}
	defer p.deps.Workspace.DeleteAll(paths...)

	j, ok := p.takeJob(ctx, msg.JobID, job.StatusUploading)
	if !ok {
		return
	}
	defer p.heartbeat(ctx, j.ID)()

	// One step per artifact: the MP3, the source video when the path took
	// one through, and each keyframe.
	totalSteps := 1 + len(msg.Keyframes)
	if msg.VideoPath != "" {
		totalSteps++
	}
	p.deps.Events.UploadStarted(j, totalSteps)

	var mp3URL, videoURL string
	frameURLs := make([]string, len(msg.Keyframes))
	var steps atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := p.uploadArtifact(gctx, msg.MP3Path, objectstore.AudioKey(msg.VideoHash), "audio/mpeg")
		if err != nil {
			return fmt.Errorf("uploading mp3: %w", err)
		}
		mp3URL = u
		p.deps.Events.UploadProgress(j, int(steps.Add(1)), totalSteps)
		return nil
	})
	if msg.VideoPath != "" {
		g.Go(func() error {
			contentType := j.ContentType
			if contentType == "" {
				contentType = "video/mp4"
			}
			key := objectstore.VideoKey(msg.VideoHash, filepath.Ext(msg.VideoPath))
			u, err := p.uploadArtifact(gctx, msg.VideoPath, key, contentType)
			if err != nil {
				return fmt.Errorf("uploading source video: %w", err)
			}
			videoURL = u
			p.deps.Events.UploadProgress(j, int(steps.Add(1)), totalSteps)
			return nil
		})
	}
	for i, kf := range msg.Keyframes {
		g.Go(func() error {
			key := objectstore.KeyframeKey(msg.VideoHash, kf.FrameNumber)
			u, err := p.uploadArtifact(gctx, kf.URL, key, "image/jpeg")
			if err != nil {
				return fmt.Errorf("uploading keyframe %d: %w", kf.FrameNumber, err)
			}
			frameURLs[i] = u
			p.deps.Events.UploadProgress(j, int(steps.Add(1)), totalSteps)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failJob(ctx, j.ID, "artifact upload failed: "+err.Error(), err)
		return
	}

	// Local paths become object-store URLs, order preserved.
	uploaded := make([]job.Keyframe, len(msg.Keyframes))
	for i, kf := range msg.Keyframes {
		kf.URL = frameURLs[i]
		uploaded[i] = kf
	}

	// The cache row makes the next submission of identical bytes a cache
	// hit. Saving is upsert-by-hash: a concurrent writer wins and that row
	// is used instead.
	item := &job.MediaStorageItem{
		VideoHash:       msg.VideoHash,
		VideoURL:        videoURL,
		AudioURL:        mp3URL,
		Keyframes:       uploaded,
		KeyframeURLs:    frameURLs,
		AudioAnalysis:   j.AudioAnalysis,
		DurationSeconds: j.DurationSeconds,
		FileSizeBytes:   j.FileSizeBytes,
		ContentType:     j.ContentType,
	}
	if _, err := p.deps.Store.SaveItem(ctx, item); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.deps.Events.Warning(j, "saving media cache item failed", err)
	}

	if err := p.deps.Store.UpdateJobKeyframes(ctx, j.ID, uploaded); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("persisting keyframe urls", "jobID", j.ID, "error", err)
		}
		return
	}
	completed, err := p.deps.Store.UpdateJobStatus(ctx, j.ID, job.StatusCompleted, job.StatusUpdate{
		MP3URL:      mp3URL,
		NewVideoURL: videoURL,
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("completing job", "jobID", j.ID, "error", err)
		}
		return
	}

	p.deps.Events.UploadCompleted(completed, mp3URL)
	p.deps.Events.JobCompleted(completed)
	p.logger.Info("job completed", "jobID", j.ID, "mp3URL", mp3URL, "keyframes", len(uploaded))
}

// uploadArtifact pushes one file under the stage retry policy. Re-uploading
// identical bytes is idempotent on the store side, so retries are safe.
func (p *Pipeline) uploadArtifact(ctx context.Context, localPath, key, contentType string) (string, error) {
	policy := retryPolicy{
		attempts: uploadAttempts,
		delay:    expBackoff(p.unit),
	}

	var url string
	err := runWithRetry(ctx, policy, func() error {
		u, uerr := p.deps.Objects.Upload(ctx, localPath, key, contentType)
		if uerr != nil {
			return uerr
		}
		url = u
		return nil
	}, func(attempt int, err error) {
		p.logger.Warn("upload retry", "key", key, "attempt", attempt, "error", err)
	})
	return url, err
}
