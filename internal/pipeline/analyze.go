package pipeline

import (
	"context"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

// handleAnalysis runs beat detection on the MP3. The analyzer is optional
// and its results are metadata: an unavailable or failing analyzer logs a
// warning and the job moves on without an analysis.
func (p *Pipeline) handleAnalysis(ctx context.Context, msg AnalysisMessage) {
	defer p.recoverStage(ctx, stageAnalysis, msg.JobID)

	j, ok := p.takeJob(ctx, msg.JobID, job.StatusAudioAnalyzing, msg.MP3Path, msg.VideoPath)
	if !ok {
		return
	}
	defer p.heartbeat(ctx, j.ID)()

	forwarded := false
	defer func() {
		if !forwarded {
			p.deps.Workspace.DeleteAll(msg.MP3Path, msg.VideoPath)
		}
	}()

	if p.deps.Analyzer == nil || !p.deps.Analyzer.Available() {
		p.deps.Events.Warning(j, "audio analyzer unavailable, skipping analysis", nil)
	} else {
		p.waitAtGate(ctx, j)

		analysis, err := p.runAnalyzer(ctx, j, msg.MP3Path)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			p.deps.Events.Warning(j, "audio analysis failed, continuing without it", err)
		default:
			if perr := p.deps.Store.UpdateJobAudioAnalysis(ctx, j.ID, analysis); perr != nil {
				if ctx.Err() != nil {
					return
				}
				p.deps.Events.Warning(j, "persisting audio analysis failed", perr)
			} else {
				j.AudioAnalysis = analysis
			}
		}
	}

	if _, err := p.advance(ctx, j.ID, job.StatusExtractingKeyframes); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("advancing job to keyframe extraction", "jobID", j.ID, "error", err)
		}
		return
	}
	forwarded = p.keyframeQ.Push(KeyframeMessage{
		JobID:     j.ID,
		VideoPath: msg.VideoPath,
		MP3Path:   msg.MP3Path,
		VideoHash: msg.VideoHash,
	})
}

// runAnalyzer invokes the analyzer under the stage retry policy and the
// per-attempt deadline.
func (p *Pipeline) runAnalyzer(ctx context.Context, j *job.ConversionJob, mp3Path string) (*job.AudioAnalysis, error) {
	policy := retryPolicy{
		attempts: analysisAttempts,
		delay:    expBackoff(3 * p.unit),
	}

	var analysis *job.AudioAnalysis
	err := runWithRetry(ctx, policy, func() error {
		actx, cancel := context.WithTimeout(ctx, analysisTimeout)
		defer cancel()

		a, aerr := p.deps.Analyzer.AnalyzeFile(actx, mp3Path)
		if aerr != nil {
			return aerr
		}
		analysis = a
		return nil
	}, func(attempt int, err error) {
		p.deps.Events.JobRetry(j, attempt, err)
	})
	return analysis, err
}
