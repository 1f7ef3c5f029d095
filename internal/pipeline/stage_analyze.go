package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// stageAnalyze extracts and scores each pending lead's website.
func (o *Orchestrator) stageAnalyze(ctx context.Context, run *model.Run) (outcome, error) {
	items, err := o.store.ListPipelineLeads(ctx, run.ID, eligible(model.StageAnalyze, run.Config)...)
	if err != nil {
		return advance, err
	}

	err = MapBounded(ctx, items, o.workers(o.cfg.AnalyzeWorkers, 5), func(ctx context.Context, pl model.PipelineLead) error {
		return o.analyzeLead(ctx, run, &pl)
	})
	if err != nil {
		return advance, err
	}

	zap.L().Info("pipeline: analyze complete", zap.String("run_id", run.ID), zap.Int("leads", len(items)))
	return advance, nil
}

func (o *Orchestrator) analyzeLead(ctx context.Context, run *model.Run, pl *model.PipelineLead) error {
	if err := o.setStatus(ctx, pl, model.LeadAnalyzing); err != nil {
		return err
	}

	lead, err := o.store.GetLead(ctx, pl.LeadID)
	if err != nil {
		return o.failItem(ctx, run, model.StageAnalyze, "load_lead", pl, itemMessage("load lead", err))
	}
	if lead.Website == "" {
		return o.failItem(ctx, run, model.StageAnalyze, "extract", pl, "no website")
	}

	page, err := o.c.Extractor.Extract(ctx, lead.Website)
	if err != nil {
		return o.failItem(ctx, run, model.StageAnalyze, "extract", pl, itemMessage("extract", err))
	}

	res, err := resilience.DoRateLimitedVal(ctx, o.limiter("llm", "score"),
		func(ctx context.Context) (*model.ScoreResult, error) {
			return o.c.Scorer.Score(ctx, lead.Website, page)
		})
	if err != nil {
		if resilience.IsRateLimit(err) {
			return o.pauseItem(ctx, run, model.StageAnalyze, "score", pl, model.LeadPending, err)
		}
		return o.failItem(ctx, run, model.StageAnalyze, "score", pl, itemMessage("score", err))
	}
	if res == nil {
		return o.failItem(ctx, run, model.StageAnalyze, "score", pl, "score: empty result")
	}

	if err := o.store.UpdateLeadAnalysis(ctx, lead.ID, res.Score, res.Summary); err != nil {
		return eris.Wrapf(err, "pipeline: save analysis for lead %s", lead.ID)
	}
	audit := &model.LeadAudit{
		LeadID:         lead.ID,
		RunID:          run.ID,
		Score:          res.Score,
		Summary:        res.Summary,
		Problems:       res.Problems,
		CriteriaScores: res.CriteriaScores,
		SiteType:       page.SiteType,
	}
	if err := o.store.AddLeadAudit(ctx, audit); err != nil {
		return eris.Wrapf(err, "pipeline: add audit for lead %s", lead.ID)
	}

	score := res.Score
	pl.Score = &score
	if err := o.setStatus(ctx, pl, model.LeadAnalyzed); err != nil {
		return err
	}
	return o.store.IncrementRunCounter(ctx, run.ID, model.CounterAnalyzed, 1)
}
