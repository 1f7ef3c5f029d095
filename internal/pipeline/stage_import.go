package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// stageImport upserts the cached search results into the canonical store
// and creates one pipeline lead per business. Leads that were contacted
// before are created as skipped.
func (o *Orchestrator) stageImport(ctx context.Context, run *model.Run) (outcome, error) {
	if len(run.SearchResults) == 0 {
		return finished, nil
	}

	leads := make([]model.Lead, len(run.SearchResults))
	for i, r := range run.SearchResults {
		leads[i] = model.LeadFromResult(r, run.Niche, run.City)
	}
	saved, err := o.store.UpsertLeads(ctx, leads)
	if err != nil {
		return advance, err
	}

	items := make([]model.PipelineLead, 0, len(saved))
	skipped := 0
	for _, l := range saved {
		status := model.LeadPending
		if l.Status.PriorContact() {
			status = model.LeadSkipped
			skipped++
		}
		items = append(items, model.PipelineLead{
			RunID:   run.ID,
			LeadID:  l.ID,
			PlaceID: l.PlaceID,
			Name:    l.Name,
			Phone:   l.Phone,
			Website: l.Website,
			Status:  status,
		})
	}
	created, err := o.store.CreatePipelineLeads(ctx, items)
	if err != nil {
		return advance, err
	}

	counts, err := o.store.CountPipelineLeads(ctx, run.ID)
	if err != nil {
		return advance, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if err := o.store.SetRunCounter(ctx, run.ID, model.CounterTotalLeads, total); err != nil {
		return advance, err
	}

	zap.L().Info("pipeline: import complete",
		zap.String("run_id", run.ID),
		zap.Int("created", created),
		zap.Int("skipped", skipped),
		zap.Int("total", total),
	)
	return advance, nil
}
