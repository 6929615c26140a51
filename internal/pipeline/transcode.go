package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// handleConversion extracts the MP3 track from the downloaded video and
// forwards both files to the audio analysis pool.
func (p *Pipeline) handleConversion(ctx context.Context, msg ConversionMessage) {
	defer p.recoverStage(ctx, stageConvert, msg.JobID)

	j, ok := p.takeJob(ctx, msg.JobID, job.StatusConverting, msg.VideoPath)
	if !ok {
		return
	}
	defer p.heartbeat(ctx, j.ID)()

	var mp3Path string
	forwarded := false
	defer func() {
		if !forwarded {
			p.deps.Workspace.DeleteAll(msg.VideoPath, mp3Path)
		}
	}()

	p.waitAtGate(ctx, j)
	p.deps.Events.ConversionStarted(j)

	// A container without an audio stream has nothing to extract; that is a
	// property of the file, not a transient condition.
	info, err := p.deps.Transcoder.GetMediaInfo(ctx, msg.VideoPath)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failJob(ctx, j.ID, "probing media failed: "+err.Error(), err)
		return
	}
	if !info.HasAudio() {
		p.failJob(ctx, j.ID, "video contains no audio stream", nil)
		return
	}
	if info.DurationSeconds > 0 {
		if err := p.deps.Store.UpdateJobDuration(ctx, j.ID, info.DurationSeconds); err != nil && ctx.Err() == nil {
			p.logger.Warn("persisting media duration", "jobID", j.ID, "error", err)
		}
		j.DurationSeconds = info.DurationSeconds
	}

	mp3Path, err = p.deps.Workspace.CreateTempFile(j.ID+"_audio", ".mp3")
	if err != nil {
		p.failJob(ctx, j.ID, "allocating scratch space failed", err)
		return
	}

	if err := p.extractAudio(ctx, j, msg.VideoPath, mp3Path, info.DurationSeconds); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failJob(ctx, j.ID, "audio extraction failed: "+err.Error(), err)
		return
	}

	var mp3Size int64
	if st, serr := os.Stat(mp3Path); serr == nil {
		mp3Size = st.Size()
	}
	p.deps.Events.ConversionCompleted(j, mp3Size)

	if _, err := p.advance(ctx, j.ID, job.StatusAudioAnalyzing); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("advancing job to audio analysis", "jobID", j.ID, "error", err)
		}
		return
	}
	forwarded = p.analysisQ.Push(AnalysisMessage{
		JobID:     j.ID,
		MP3Path:   mp3Path,
		VideoPath: msg.VideoPath,
		VideoHash: msg.VideoHash,
	})
}

// extractAudio runs the transcoder under the stage retry policy. A blown
// per-attempt deadline is terminal; other failures get two more tries with
// the partial MP3 dropped in between.
func (p *Pipeline) extractAudio(ctx context.Context, j *job.ConversionJob, videoPath, mp3Path string, duration float64) error {
	throttle := newProgressThrottle(progressMinGap, progressMinDelta)
	policy := retryPolicy{
		attempts: transcodeAttempts,
		delay:    expBackoff(5 * p.unit),
		retryable: func(err error) bool {
			return !errors.Is(err, context.DeadlineExceeded)
		},
	}

	return runWithRetry(ctx, policy, func() error {
		tctx, cancel := context.WithTimeout(ctx, transcodeTimeout)
		defer cancel()

		err := p.deps.Transcoder.ExtractAudioToMP3(tctx, videoPath, mp3Path, p.cfg.MP3BitrateKbps, func(outSeconds float64) {
			if duration <= 0 {
				return
			}
			pct := int(outSeconds / duration * 100)
			if pct > 100 {
				pct = 100
			}
			if throttle.allow(pct) {
				p.deps.Events.ConversionProgress(j, pct)
			}
		})
		if err != nil {
			_ = p.deps.Workspace.DeleteTempFile(mp3Path)
			if tctx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("transcode exceeded %s: %w", transcodeTimeout, context.DeadlineExceeded)
			}
			return err
		}
		return nil
	}, func(attempt int, err error) {
		p.deps.Events.JobRetry(j, attempt, err)
	})
}
