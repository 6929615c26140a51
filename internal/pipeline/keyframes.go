package pipeline

import (
	"context"
	"fmt"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// handleKeyframes samples evenly spaced frames from the video. Individual
// frames may fail extractions without failing the job; their indexes are
// simply absent from the result.
func (p *Pipeline) handleKeyframes(ctx context.Context, msg KeyframeMessage) {
	defer p.recoverStage(ctx, stageKeyframes, msg.JobID)

	j, ok := p.takeJob(ctx, msg.JobID, job.StatusExtractingKeyframes, msg.VideoPath, msg.MP3Path)
	if !ok {
		return
	}
	defer p.heartbeat(ctx, j.ID)()

	var framePaths []string
	forwarded := false
	defer func() {
		if !forwarded {
			paths := append([]string{msg.VideoPath, msg.MP3Path}, framePaths...)
			p.deps.Workspace.DeleteAll(paths...)
		}
	}()

	// The transcode stage usually probed the duration already; probe again
	// only when the row does not carry one.
	duration := j.DurationSeconds
	if duration <= 0 {
		info, err := p.deps.Transcoder.GetMediaInfo(ctx, msg.VideoPath)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.failJob(ctx, j.ID, "probing media duration failed: "+err.Error(), err)
			return
		}
		duration = info.DurationSeconds
		if err := p.deps.Store.UpdateJobDuration(ctx, j.ID, duration); err != nil && ctx.Err() == nil {
			p.logger.Warn("persisting media duration", "jobID", j.ID, "error", err)
		}
	}

	// Sample points at duration*i/(N+1), strictly inside the stream. A zero
	// duration yields no frames at all rather than N copies of frame zero.
	var keyframes []job.Keyframe
	count := p.cfg.KeyframeCount
	for i := 1; i <= count && duration > 0; i++ {
		if ctx.Err() != nil {
			return
		}
		timestamp := duration * float64(i) / float64(count+1)

		framePath, err := p.deps.Workspace.CreateTempFile(fmt.Sprintf("%s_frame_%03d", j.ID, i), ".jpg")
		if err != nil {
			p.failJob(ctx, j.ID, "allocating scratch space failed", err)
			return
		}
		framePaths = append(framePaths, framePath)

		if err := p.extractFrame(ctx, msg.VideoPath, timestamp, framePath); err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = p.deps.Workspace.DeleteTempFile(framePath)
			p.deps.Events.Warning(j, fmt.Sprintf("keyframe %d extraction failed", i), err)
			continue
		}
		keyframes = append(keyframes, job.Keyframe{URL: framePath, Timestamp: timestamp, FrameNumber: i})
	}

	if err := p.deps.Store.UpdateJobKeyframes(ctx, j.ID, keyframes); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("persisting keyframes", "jobID", j.ID, "error", err)
		}
		return
	}

	if _, err := p.advance(ctx, j.ID, job.StatusUploading); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("advancing job to upload", "jobID", j.ID, "error", err)
		}
		return
	}
	forwarded = p.uploadQ.Push(UploadMessage{
		JobID:     j.ID,
		MP3Path:   msg.MP3Path,
		VideoPath: msg.VideoPath,
		VideoHash: msg.VideoHash,
		Keyframes: keyframes,
	})
}

// extractFrame grabs a single frame with a small per-frame retry budget.
func (p *Pipeline) extractFrame(ctx context.Context, videoPath string, timestamp float64, framePath string) error {
	policy := retryPolicy{
		attempts: frameAttempts,
		delay:    linearBackoff(p.unit / 2),
	}
	return runWithRetry(ctx, policy, func() error {
		return p.deps.Frames.ExtractFrame(ctx, videoPath, timestamp, framePath, p.cfg.KeyframeQuality)
	}, nil)
}
