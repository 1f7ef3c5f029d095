package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// stageGenerateMessages writes one outreach message per lead. Generator
// failures other than rate limits fall back to the templated message.
func (o *Orchestrator) stageGenerateMessages(ctx context.Context, run *model.Run) (outcome, error) {
	items, err := o.store.ListPipelineLeads(ctx, run.ID, eligible(model.StageGenerateMessages, run.Config)...)
	if err != nil {
		return advance, err
	}

	err = MapBounded(ctx, items, o.workers(o.cfg.MessageWorkers, 1), func(ctx context.Context, pl model.PipelineLead) error {
		return o.generateMessage(ctx, run, &pl)
	})
	if err != nil {
		return advance, err
	}

	zap.L().Info("pipeline: messages complete", zap.String("run_id", run.ID), zap.Int("leads", len(items)))
	return advance, nil
}

func (o *Orchestrator) generateMessage(ctx context.Context, run *model.Run, pl *model.PipelineLead) error {
	lead, err := o.store.GetLead(ctx, pl.LeadID)
	if err != nil {
		return o.failItem(ctx, run, model.StageGenerateMessages, "load_lead", pl, itemMessage("load lead", err))
	}
	info := o.businessInfo(lead, pl)

	msg, err := resilience.DoRateLimitedVal(ctx, o.limiter("llm", "generate_message"),
		func(ctx context.Context) (string, error) {
			return o.c.Generator.GenerateMessage(ctx, info)
		})
	if err != nil {
		if resilience.IsRateLimit(err) {
			return o.pauseItem(ctx, run, model.StageGenerateMessages, "generate_message", pl, pl.Status, err)
		}
		zap.L().Warn("pipeline: message generation failed, using template",
			zap.String("run_id", run.ID), zap.String("lead", pl.ID), zap.Error(err))
		msg = ""
	}
	if msg == "" {
		msg = o.renderTemplate(info)
	}

	pl.Message = msg
	return o.setStatus(ctx, pl, model.LeadMessageReady)
}

func (o *Orchestrator) businessInfo(lead *model.Lead, pl *model.PipelineLead) model.BusinessInfo {
	info := model.BusinessInfoFor(lead)
	if pl.SiteRef != "" {
		info.SiteURL = pl.SiteRef
	}
	if pl.Score != nil {
		info.Score = pl.Score
	}
	return info
}

func (o *Orchestrator) renderTemplate(info model.BusinessInfo) string {
	if o.c.Templates != nil {
		if msg := o.c.Templates.Render(info); msg != "" {
			return msg
		}
	}
	if info.SiteURL != "" {
		return fmt.Sprintf("Hi %s! We built a free website preview for you: %s", info.Name, info.SiteURL)
	}
	return fmt.Sprintf("Hi %s! We help local businesses get more customers online. Interested in a free website preview?", info.Name)
}
