package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// setStatus moves pl to status and bumps the run, so per-item progress keeps
// the reaper away. A run that left running state stops the stage here.
func (o *Orchestrator) setStatus(ctx context.Context, pl *model.PipelineLead, status model.LeadStatus) error {
	if err := o.saveItem(ctx, pl, status); err != nil {
		return err
	}
	return o.store.TouchRun(ctx, pl.RunID)
}

// saveItem writes pl's new status without touching the run.
func (o *Orchestrator) saveItem(ctx context.Context, pl *model.PipelineLead, status model.LeadStatus) error {
	pl.Status = status
	pl.Error = ""
	return o.store.UpdatePipelineLead(ctx, pl)
}

// failItem marks pl as errored and records it on the run. The batch goes on.
func (o *Orchestrator) failItem(ctx context.Context, run *model.Run, stage model.Stage, step string, pl *model.PipelineLead, msg string) error {
	zap.L().Warn("pipeline: item failed",
		zap.String("run_id", run.ID),
		zap.String("stage", string(stage)),
		zap.String("lead", pl.ID),
		zap.String("error", msg),
	)
	pl.Status = model.LeadError
	pl.Error = msg
	if err := o.store.UpdatePipelineLead(ctx, pl); err != nil {
		return err
	}
	return o.appendError(ctx, run.ID, model.ErrorEntry{
		Stage:   string(stage),
		Step:    step,
		Message: msg,
		LeadID:  pl.ID,
		Code:    model.CodeItemFailed,
	})
}

// pauseItem returns pl to status after a rate limit and logs the hit. The
// caller re-raises err so the dispatcher pauses the run.
func (o *Orchestrator) pauseItem(ctx context.Context, run *model.Run, stage model.Stage, step string, pl *model.PipelineLead, status model.LeadStatus, err error) error {
	if uerr := o.setStatus(ctx, pl, status); uerr != nil {
		return uerr
	}
	if aerr := o.appendError(ctx, run.ID, model.ErrorEntry{
		Stage:   string(stage),
		Step:    step,
		Message: err.Error(),
		LeadID:  pl.ID,
		Code:    model.CodeRateLimit,
	}); aerr != nil {
		return aerr
	}
	return err
}

// eligible lists the statuses a stage consumes. Upstream statuses join
// when the stages that would have advanced them are skipped.
func eligible(stage model.Stage, cfg model.RunConfig) []model.LeadStatus {
	var out []model.LeadStatus
	switch stage {
	case model.StageAnalyze:
		return []model.LeadStatus{model.LeadPending}
	case model.StageGenerateSites:
		out = append(out, model.LeadAnalyzed)
		if cfg.SkipAnalysis {
			out = append(out, model.LeadPending)
		}
	case model.StageGenerateMessages:
		out = append(out, model.LeadSiteGenerated)
		if cfg.SkipSites {
			out = append(out, eligible(model.StageGenerateSites, cfg)...)
		}
	case model.StageSend:
		out = append(out, model.LeadMessageReady)
		if cfg.SkipMessages {
			out = append(out, eligible(model.StageGenerateMessages, cfg)...)
		}
	}
	return out
}
