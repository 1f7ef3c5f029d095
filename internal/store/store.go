// Package store persists run records, pipeline lead records, and canonical
// leads. Run state changes only through the narrow update methods below so
// the terminal-status guard and the bounded error log live in one place.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrRunNotActive is returned when a progress write targets a run that
	// is no longer running.
	ErrRunNotActive = eris.New("store: run is not running")

	// ErrRunNotResumable is returned when reopening a run that is neither
	// failed nor cancelled.
	ErrRunNotResumable = eris.New("store: run is not failed or cancelled")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Niche  string          `json:"niche,omitempty"`
	City   string          `json:"city,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the lead pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ListStaleRuns(ctx context.Context, updatedBefore time.Time) ([]model.Run, error)
	RunStats(ctx context.Context) (*model.RunStats, error)

	// Run updates. All but ReopenRun require status=running.
	SetRunStage(ctx context.Context, runID, label string) error
	TouchRun(ctx context.Context, runID string) error
	AppendRunError(ctx context.Context, runID string, entry model.ErrorEntry) error
	IncrementRunCounter(ctx context.Context, runID string, counter model.Counter, delta int) error
	SetRunCounter(ctx context.Context, runID string, counter model.Counter, value int) error
	SetRunSearchResults(ctx context.Context, runID string, results []model.SearchResult) error
	CompleteRun(ctx context.Context, runID string) error
	FailRun(ctx context.Context, runID string, entry model.ErrorEntry) error
	CancelRun(ctx context.Context, runID string) error
	ReopenRun(ctx context.Context, runID, label string) error

	// Pipeline leads
	CreatePipelineLeads(ctx context.Context, leads []model.PipelineLead) (int, error)
	ListPipelineLeads(ctx context.Context, runID string, statuses ...model.LeadStatus) ([]model.PipelineLead, error)
	UpdatePipelineLead(ctx context.Context, lead *model.PipelineLead) error
	CountPipelineLeads(ctx context.Context, runID string) (map[model.LeadStatus]int, error)

	// Canonical leads
	UpsertLeads(ctx context.Context, leads []model.Lead) ([]model.Lead, error)
	KnownPlaceIDs(ctx context.Context, placeIDs []string) (map[string]bool, error)
	GetLead(ctx context.Context, leadID string) (*model.Lead, error)
	UpdateLeadAnalysis(ctx context.Context, leadID string, score int, summary string) error
	UpdateLeadSite(ctx context.Context, leadID, siteRef string) error
	MarkLeadContacted(ctx context.Context, leadID string, at time.Time) error
	AddLeadAudit(ctx context.Context, audit *model.LeadAudit) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// counterColumn maps a counter to its column. Unknown counters are rejected
// before any SQL is built.
func counterColumn(c model.Counter) (string, error) {
	if !c.Valid() {
		return "", eris.Errorf("store: unknown counter %q", c)
	}
	return string(c), nil
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func prepareRun(run *model.Run, newID func() string, now time.Time) {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	if run.Stage == "" {
		run.Stage = model.StageSearch.Label()
	}
	if run.Errors == nil {
		run.Errors = []model.ErrorEntry{}
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	run.Version = 1
}
