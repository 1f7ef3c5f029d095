package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// stageGenerateSites builds landing pages for a small batch of leads and
// repeats itself while a backlog remains.
func (o *Orchestrator) stageGenerateSites(ctx context.Context, run *model.Run) (outcome, error) {
	items, err := o.store.ListPipelineLeads(ctx, run.ID, eligible(model.StageGenerateSites, run.Config)...)
	if err != nil {
		return advance, err
	}

	batch := items[:min(o.workers(o.cfg.SiteBatchSize, 2), len(items))]
	for i := range batch {
		if err := o.generateSite(ctx, run, &batch[i]); err != nil {
			return advance, err
		}
	}

	remaining := len(items) - len(batch)
	zap.L().Info("pipeline: site batch complete",
		zap.String("run_id", run.ID),
		zap.Int("batch", len(batch)),
		zap.Int("remaining", remaining),
	)
	if remaining > 0 {
		return repeat, nil
	}
	return advance, nil
}

func (o *Orchestrator) generateSite(ctx context.Context, run *model.Run, pl *model.PipelineLead) error {
	if pl.Score != nil && *pl.Score >= o.goodScore() {
		return o.setStatus(ctx, pl, model.LeadSkipped)
	}

	prev := pl.Status
	if err := o.setStatus(ctx, pl, model.LeadGeneratingSite); err != nil {
		return err
	}

	lead, err := o.store.GetLead(ctx, pl.LeadID)
	if err != nil {
		return o.failItem(ctx, run, model.StageGenerateSites, "load_lead", pl, itemMessage("load lead", err))
	}

	page := &model.PageContent{URL: lead.Website, SiteType: model.SiteTypeNone}
	if lead.Website != "" && o.c.Extractor != nil {
		if p, err := o.c.Extractor.Extract(ctx, lead.Website); err == nil && p != nil {
			page = p
		}
	}

	html, err := resilience.DoRateLimitedVal(ctx, o.limiter("llm", "generate_site"),
		func(ctx context.Context) (string, error) {
			return o.c.Generator.GenerateSite(ctx, model.BusinessInfoFor(lead), page)
		})
	if err != nil {
		if resilience.IsRateLimit(err) {
			return o.pauseItem(ctx, run, model.StageGenerateSites, "generate_site", pl, prev, err)
		}
		return o.failItem(ctx, run, model.StageGenerateSites, "generate_site", pl, itemMessage("generate site", err))
	}

	ref, err := o.c.Publisher.Publish(ctx, lead.ID, lead.Name, html)
	if err != nil {
		return o.failItem(ctx, run, model.StageGenerateSites, "publish", pl, itemMessage("publish", err))
	}
	if err := o.store.UpdateLeadSite(ctx, lead.ID, ref); err != nil {
		return err
	}

	pl.SiteRef = ref
	if err := o.setStatus(ctx, pl, model.LeadSiteGenerated); err != nil {
		return err
	}
	return o.store.IncrementRunCounter(ctx, run.ID, model.CounterSitesGenerated, 1)
}

func (o *Orchestrator) goodScore() int {
	if o.cfg.GoodScore > 0 {
		return o.cfg.GoodScore
	}
	return 8
}
