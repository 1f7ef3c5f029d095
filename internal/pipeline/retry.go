package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// ErrInvalidState is returned when a run's status does not allow the
// requested transition.
var ErrInvalidState = eris.New("pipeline: invalid run state")

// ErrInvalidInput is returned when a start request is missing fields.
var ErrInvalidInput = eris.New("pipeline: invalid input")

// midStage maps the in-flight statuses to the status they resume from.
var midStage = map[model.LeadStatus]model.LeadStatus{
	model.LeadAnalyzing:      model.LeadPending,
	model.LeadGeneratingSite: model.LeadAnalyzed,
	model.LeadSending:        model.LeadMessageReady,
}

// Retry re-opens a failed or cancelled run at the earliest stage that still
// has work. A running run paused on a rate limit is resumed the same way
// without being re-opened. Leads caught mid-stage or in error are first reset
// to their last good status. A run with nothing left is completed without
// dispatching. The returned stage is empty in that case.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (model.Stage, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	paused := run.Paused()
	if !paused && run.Status != model.RunStatusFailed && run.Status != model.RunStatusCancelled {
		return "", eris.Wrapf(ErrInvalidState, "pipeline: cannot retry %s run %s", run.Status, runID)
	}
	log := zap.L().With(zap.String("run_id", runID), zap.Bool("paused", paused))

	leads, err := o.store.ListPipelineLeads(ctx, runID)
	if err != nil {
		return "", err
	}

	counts := make(map[model.LeadStatus]int, len(leads))
	reset := 0
	for i := range leads {
		pl := &leads[i]
		to, ok := resetStatus(pl)
		if ok {
			pl.Status = to
			pl.Error = ""
			if err := o.store.UpdatePipelineLead(ctx, pl); err != nil {
				return "", err
			}
			reset++
		}
		counts[pl.Status]++
	}

	stage, ok := resumeStage(run, counts, len(leads))
	if err := o.reopen(ctx, runID, resumeLabel(stage, ok), paused); err != nil {
		return "", err
	}

	if !ok {
		log.Info("pipeline: retry found nothing left to do", zap.Int("reset", reset))
		return "", o.complete(ctx, runID)
	}

	log.Info("pipeline: retrying run", zap.String("stage", string(stage)), zap.Int("reset", reset))
	if err := o.handoff(ctx, runID, stage); err != nil {
		return stage, o.settle(ctx, runID, stage, err)
	}
	return stage, nil
}

// reopen moves a failed or cancelled run back to running at label. A paused
// run is already running and only gets its label.
func (o *Orchestrator) reopen(ctx context.Context, runID, label string, paused bool) error {
	var err error
	if paused {
		err = o.store.SetRunStage(ctx, runID, label)
	} else {
		err = o.store.ReopenRun(ctx, runID, label)
	}
	if errors.Is(err, store.ErrRunNotResumable) || errors.Is(err, store.ErrRunNotActive) {
		return eris.Wrap(ErrInvalidState, err.Error())
	}
	return err
}

// resetStatus returns the status pl should resume from, if it needs one.
func resetStatus(pl *model.PipelineLead) (model.LeadStatus, bool) {
	if to, ok := midStage[pl.Status]; ok {
		return to, true
	}
	if pl.Status == model.LeadError {
		return pl.LastGoodStatus(), true
	}
	return "", false
}

// resumeStage picks the earliest enabled stage that has eligible leads.
// Runs without leads restart at import when search results are cached.
func resumeStage(run *model.Run, counts map[model.LeadStatus]int, total int) (model.Stage, bool) {
	if total == 0 {
		if len(run.SearchResults) > 0 {
			return model.StageImport, true
		}
		return model.StageSearch, true
	}

	order := []struct {
		status model.LeadStatus
		from   model.Stage
	}{
		{model.LeadPending, model.StageAnalyze},
		{model.LeadAnalyzed, model.StageGenerateSites},
		{model.LeadSiteGenerated, model.StageGenerateMessages},
		{model.LeadMessageReady, model.StageSend},
	}
	for _, step := range order {
		if counts[step.status] == 0 {
			continue
		}
		if s, ok := model.FirstEnabled(step.from, run.Config); ok {
			return s, true
		}
	}
	return "", false
}

func resumeLabel(stage model.Stage, ok bool) string {
	if !ok {
		return model.LabelDone
	}
	return stage.Label()
}
