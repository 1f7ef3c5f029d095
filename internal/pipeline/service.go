package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// StartRequest is the input for a new run.
type StartRequest struct {
	Niche   string
	City    string
	Account string
	Config  model.RunConfig
}

// Start creates a run and schedules its first stage. The returned run is
// the record as created; stages progress asynchronously unless no
// scheduler was configured.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*model.Run, error) {
	niche, city := strings.TrimSpace(req.Niche), strings.TrimSpace(req.City)
	if niche == "" || city == "" {
		return nil, eris.Wrap(ErrInvalidInput, "pipeline: niche and city are required")
	}

	cfg := req.Config
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = o.maxResults(&model.Run{})
	}

	run := &model.Run{
		Niche:   niche,
		City:    city,
		Account: req.Account,
		Status:  model.RunStatusRunning,
		Stage:   model.StageSearch.Label(),
		Config:  cfg,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	zap.L().Info("pipeline: run started",
		zap.String("run_id", run.ID),
		zap.String("niche", niche),
		zap.String("city", city),
		zap.Int("max_results", cfg.MaxResults),
	)

	if err := o.handoff(ctx, run.ID, model.StageSearch); err != nil {
		if serr := o.settle(ctx, run.ID, model.StageSearch, err); serr != nil {
			return run, serr
		}
	}
	return run, nil
}

// Get returns one run.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*model.Run, error) {
	return o.store.GetRun(ctx, runID)
}

// List sweeps stale runs, then lists runs matching filter.
func (o *Orchestrator) List(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	o.maybeReap(ctx)
	return o.store.ListRuns(ctx, filter)
}

// Leads returns a run's pipeline leads.
func (o *Orchestrator) Leads(ctx context.Context, runID string) ([]model.PipelineLead, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListPipelineLeads(ctx, runID)
}

// Stats summarizes runs by status.
func (o *Orchestrator) Stats(ctx context.Context) (*model.RunStats, error) {
	return o.store.RunStats(ctx)
}

// Cancel stops a running run. In-flight stages notice at their next check.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	if err := o.store.CancelRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrRunNotActive) {
			return eris.Wrap(ErrInvalidState, err.Error())
		}
		return err
	}
	zap.L().Info("pipeline: run cancelled", zap.String("run_id", runID))
	o.notify(ctx, runID)
	return nil
}
