package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

type candidate struct {
	result model.SearchResult
	viable bool
	reason string
}

// stageSearch queries the provider, drops known and chain businesses and
// caches the survivors on the run.
func (o *Orchestrator) stageSearch(ctx context.Context, run *model.Run) (outcome, error) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("stage", string(model.StageSearch)))

	maxResults := o.maxResults(run)
	limit := min(2*maxResults, o.searchCap())

	results, err := resilience.DoRateLimitedVal(ctx, o.limiter("search", "search"),
		func(ctx context.Context) ([]model.SearchResult, error) {
			return o.c.Searcher.Search(ctx, run.Niche, run.City, limit)
		})
	if err != nil {
		return advance, err
	}

	fresh, err := o.dropKnown(ctx, results)
	if err != nil {
		return advance, err
	}

	candidates := make([]*candidate, len(fresh))
	for i, r := range fresh {
		candidates[i] = &candidate{result: r, viable: true}
	}
	err = MapBounded(ctx, candidates, o.workers(o.cfg.ClassifyWorkers, 5), func(ctx context.Context, c *candidate) error {
		o.classify(ctx, run, c)
		return nil
	})
	if err != nil {
		return advance, err
	}

	viable := make([]model.SearchResult, 0, maxResults)
	for _, c := range candidates {
		if !c.viable {
			log.Debug("pipeline: candidate filtered", zap.String("name", c.result.Name), zap.String("reason", c.reason))
			continue
		}
		if len(viable) == maxResults {
			break
		}
		viable = append(viable, c.result)
	}

	if err := o.store.SetRunSearchResults(ctx, run.ID, viable); err != nil {
		return advance, err
	}
	log.Info("pipeline: search complete",
		zap.Int("raw", len(results)),
		zap.Int("new", len(fresh)),
		zap.Int("viable", len(viable)),
	)

	if len(viable) == 0 {
		return finished, nil
	}
	return advance, nil
}

// dropKnown removes duplicates within results and place IDs already in the
// canonical store.
func (o *Orchestrator) dropKnown(ctx context.Context, results []model.SearchResult) ([]model.SearchResult, error) {
	seen := make(map[string]bool, len(results))
	unique := make([]model.SearchResult, 0, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.PlaceID == "" || seen[r.PlaceID] {
			continue
		}
		seen[r.PlaceID] = true
		unique = append(unique, r)
		ids = append(ids, r.PlaceID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	known, err := o.store.KnownPlaceIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := unique[:0]
	for _, r := range unique {
		if !known[r.PlaceID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// classify fills c.viable. Classifier failures leave the candidate viable.
func (o *Orchestrator) classify(ctx context.Context, run *model.Run, c *candidate) {
	if o.c.Classifier == nil {
		return
	}
	verdict, err := o.c.Classifier.Classify(ctx, c.result.Name, c.result.Website, c.result.Category)
	if err != nil {
		zap.L().Warn("pipeline: classification failed, keeping candidate",
			zap.String("run_id", run.ID),
			zap.String("place_id", c.result.PlaceID),
			zap.Error(err),
		)
		return
	}
	if verdict != nil && !verdict.Viable {
		c.viable = false
		c.reason = verdict.Reason
	}
}

func (o *Orchestrator) maxResults(run *model.Run) int {
	if run.Config.MaxResults > 0 {
		return run.Config.MaxResults
	}
	if o.cfg.DefaultMaxResults > 0 {
		return o.cfg.DefaultMaxResults
	}
	return 10
}

func (o *Orchestrator) searchCap() int {
	if o.cfg.SearchCap > 0 {
		return o.cfg.SearchCap
	}
	return 60
}

func (o *Orchestrator) workers(configured, def int) int {
	if configured > 0 {
		return configured
	}
	return def
}

func itemMessage(step string, err error) string {
	return fmt.Sprintf("%s: %v", step, err)
}
