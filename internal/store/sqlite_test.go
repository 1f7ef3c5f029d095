package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createTestRun(t *testing.T, st Store) *model.Run {
	t.Helper()
	run := &model.Run{
		Niche:   "dentist",
		City:    "Austin",
		Account: "acct-1",
		Config:  model.RunConfig{MaxResults: 20, SkipSend: true},
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

// --- Runs ---

func TestSQLite_CreateAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := createTestRun(t, st)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, "searching", run.Stage)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "dentist", got.Niche)
	assert.Equal(t, "Austin", got.City)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, "searching", got.Stage)
	assert.Equal(t, 20, got.Config.MaxResults)
	assert.True(t, got.Config.SkipSend)
	assert.Empty(t, got.Errors)
	assert.NotNil(t, got.Errors)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.CompletedAt)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SetRunStage_BumpsVersion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	require.NoError(t, st.SetRunStage(ctx, run.ID, "importing"))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "importing", got.Stage)
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_TouchRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	before, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, st.TouchRun(ctx, run.ID))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Stage, got.Stage)
	assert.Equal(t, before.Version+1, got.Version)
	assert.False(t, got.UpdatedAt.Before(before.UpdatedAt))

	require.NoError(t, st.CancelRun(ctx, run.ID))
	assert.ErrorIs(t, st.TouchRun(ctx, run.ID), ErrRunNotActive)
}

func TestSQLite_TerminalGuard(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	require.NoError(t, st.CancelRun(ctx, run.ID))

	assert.ErrorIs(t, st.SetRunStage(ctx, run.ID, "analyzing"), ErrRunNotActive)
	assert.ErrorIs(t, st.IncrementRunCounter(ctx, run.ID, model.CounterAnalyzed, 1), ErrRunNotActive)
	assert.ErrorIs(t, st.AppendRunError(ctx, run.ID, model.ErrorEntry{Message: "late"}), ErrRunNotActive)
	assert.ErrorIs(t, st.CompleteRun(ctx, run.ID), ErrRunNotActive)
	assert.ErrorIs(t, st.FailRun(ctx, run.ID, model.ErrorEntry{Message: "late"}), ErrRunNotActive)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Equal(t, "searching", got.Stage)
	assert.Equal(t, 0, got.Counters.Analyzed)
	assert.Empty(t, got.Errors)
	require.NotNil(t, got.CompletedAt)
}

func TestSQLite_Guard_MissingRun(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.SetRunStage(context.Background(), "missing", "importing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Counters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	require.NoError(t, st.SetRunCounter(ctx, run.ID, model.CounterTotalLeads, 7))
	require.NoError(t, st.IncrementRunCounter(ctx, run.ID, model.CounterAnalyzed, 1))
	require.NoError(t, st.IncrementRunCounter(ctx, run.ID, model.CounterAnalyzed, 1))
	require.NoError(t, st.IncrementRunCounter(ctx, run.ID, model.CounterMessagesSent, 3))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Counters.TotalLeads)
	assert.Equal(t, 2, got.Counters.Analyzed)
	assert.Equal(t, 3, got.Counters.MessagesSent)
}

func TestSQLite_Counters_UnknownRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	run := createTestRun(t, st)

	err := st.IncrementRunCounter(context.Background(), run.ID, model.Counter("status; DROP TABLE runs"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown counter")
}

func TestSQLite_ErrorLogCapped(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	for i := 0; i < model.MaxErrorLog+20; i++ {
		require.NoError(t, st.AppendRunError(ctx, run.ID, model.ErrorEntry{
			Stage:   "analyzing",
			Message: fmt.Sprintf("err-%d", i),
		}))
	}

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.Errors, model.MaxErrorLog)
	assert.Equal(t, "err-20", got.Errors[0].Message)
	assert.Equal(t, fmt.Sprintf("err-%d", model.MaxErrorLog+19), got.Errors[len(got.Errors)-1].Message)
	assert.False(t, got.Errors[0].At.IsZero())
}

func TestSQLite_ConcurrentErrorAppends(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, st.AppendRunError(ctx, run.ID, model.ErrorEntry{Message: fmt.Sprintf("e%d", i)}))
		}(i)
	}
	wg.Wait()

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, got.Errors, 10)
}

func TestSQLite_FailRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	require.NoError(t, st.FailRun(ctx, run.ID, model.ErrorEntry{
		Stage:   "searching",
		Message: "search provider down",
		Code:    model.CodeStageFatal,
	}))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "error", got.Stage)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, model.CodeStageFatal, got.Errors[0].Code)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLite_CompleteRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	require.NoError(t, st.CompleteRun(ctx, run.ID))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Stage)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLite_ReopenRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	// Running runs cannot be reopened.
	assert.ErrorIs(t, st.ReopenRun(ctx, run.ID, "analyzing"), ErrRunNotResumable)

	require.NoError(t, st.FailRun(ctx, run.ID, model.ErrorEntry{Message: "boom"}))
	require.NoError(t, st.ReopenRun(ctx, run.ID, "analyzing"))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, "analyzing", got.Stage)
	assert.Nil(t, got.CompletedAt)
	assert.Len(t, got.Errors, 1, "error log survives a reopen")

	require.NoError(t, st.CompleteRun(ctx, run.ID))
	assert.ErrorIs(t, st.ReopenRun(ctx, run.ID, "analyzing"), ErrRunNotResumable)
	assert.ErrorIs(t, st.ReopenRun(ctx, "missing", "analyzing"), ErrNotFound)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r1 := createTestRun(t, st)
	r2 := &model.Run{Niche: "plumber", City: "Dallas"}
	require.NoError(t, st.CreateRun(ctx, r2))
	require.NoError(t, st.CancelRun(ctx, r1.ID))

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, r2.ID, running[0].ID)

	byNiche, err := st.ListRuns(ctx, RunFilter{Niche: "dentist"})
	require.NoError(t, err)
	require.Len(t, byNiche, 1)
	assert.Equal(t, r1.ID, byNiche[0].ID)

	limited, err := st.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_ListStaleRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	stale := createTestRun(t, st)
	fresh := createTestRun(t, st)
	done := createTestRun(t, st)
	require.NoError(t, st.CompleteRun(ctx, done.ID))

	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err := st.db.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id IN (?, ?)`, old, stale.ID, done.ID)
	require.NoError(t, err)

	runs, err := st.ListStaleRuns(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)
	assert.NotEqual(t, fresh.ID, runs[0].ID)
}

func TestSQLite_RunStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	createTestRun(t, st)
	r2 := createTestRun(t, st)
	r3 := createTestRun(t, st)
	require.NoError(t, st.CompleteRun(ctx, r2.ID))
	require.NoError(t, st.FailRun(ctx, r3.ID, model.ErrorEntry{Message: "x"}))

	stats, err := st.RunStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Cancelled)
}

func TestSQLite_SetRunSearchResults(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	results := []model.SearchResult{
		{PlaceID: "p1", Name: "Smile Dental", Rating: 4.5},
		{PlaceID: "p2", Name: "Bright Teeth"},
	}
	require.NoError(t, st.SetRunSearchResults(ctx, run.ID, results))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, results, got.SearchResults)
}

// --- Pipeline leads ---

func TestSQLite_CreatePipelineLeads_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	batch := func() []model.PipelineLead {
		return []model.PipelineLead{
			{RunID: run.ID, PlaceID: "p1", Name: "A", LeadID: "l1"},
			{RunID: run.ID, PlaceID: "p2", Name: "B", LeadID: "l2"},
		}
	}

	n, err := st.CreatePipelineLeads(ctx, batch())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.CreatePipelineLeads(ctx, batch())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	leads, err := st.ListPipelineLeads(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, model.LeadPending, leads[0].Status)
	assert.Nil(t, leads[0].Score)
}

func TestSQLite_UpdateAndCountPipelineLeads(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createTestRun(t, st)

	_, err := st.CreatePipelineLeads(ctx, []model.PipelineLead{
		{RunID: run.ID, PlaceID: "p1", Name: "A"},
		{RunID: run.ID, PlaceID: "p2", Name: "B"},
		{RunID: run.ID, PlaceID: "p3", Name: "C"},
	})
	require.NoError(t, err)

	leads, err := st.ListPipelineLeads(ctx, run.ID)
	require.NoError(t, err)

	score := 42
	leads[0].Status = model.LeadAnalyzed
	leads[0].Score = &score
	require.NoError(t, st.UpdatePipelineLead(ctx, &leads[0]))
	leads[1].Status = model.LeadError
	leads[1].Error = "fetch failed"
	require.NoError(t, st.UpdatePipelineLead(ctx, &leads[1]))

	counts, err := st.CountPipelineLeads(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.LeadPending])
	assert.Equal(t, 1, counts[model.LeadAnalyzed])
	assert.Equal(t, 1, counts[model.LeadError])

	analyzed, err := st.ListPipelineLeads(ctx, run.ID, model.LeadAnalyzed)
	require.NoError(t, err)
	require.Len(t, analyzed, 1)
	require.NotNil(t, analyzed[0].Score)
	assert.Equal(t, 42, *analyzed[0].Score)

	both, err := st.ListPipelineLeads(ctx, run.ID, model.LeadPending, model.LeadError)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	missing := model.PipelineLead{ID: "nope"}
	assert.ErrorIs(t, st.UpdatePipelineLead(ctx, &missing), ErrNotFound)
}

// --- Canonical leads ---

func TestSQLite_UpsertLeads_KeepsExisting(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.UpsertLeads(ctx, []model.Lead{{PlaceID: "p1", Name: "Original", Niche: "dentist"}})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, st.UpdateLeadAnalysis(ctx, first[0].ID, 70, "decent"))

	second, err := st.UpsertLeads(ctx, []model.Lead{
		{PlaceID: "p1", Name: "Renamed"},
		{PlaceID: "p2", Name: "New One"},
	})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, "Original", second[0].Name)
	assert.Equal(t, model.CRMAnalyzed, second[0].Status)
	require.NotNil(t, second[0].Score)
	assert.Equal(t, 70, *second[0].Score)
	assert.Equal(t, "New One", second[1].Name)
	assert.Equal(t, model.CRMNew, second[1].Status)

	known, err := st.KnownPlaceIDs(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"p1": true, "p2": true}, known)
}

func TestSQLite_LeadStatusProgression(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	leads, err := st.UpsertLeads(ctx, []model.Lead{{PlaceID: "p1", Name: "A"}})
	require.NoError(t, err)
	id := leads[0].ID

	require.NoError(t, st.UpdateLeadSite(ctx, id, "https://sites.example/a"))
	got, err := st.GetLead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CRMSiteReady, got.Status)

	at := time.Now().UTC()
	require.NoError(t, st.MarkLeadContacted(ctx, id, at))
	got, err = st.GetLead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CRMContacted, got.Status)
	require.NotNil(t, got.ContactedAt)

	// Analysis after contact keeps the CRM status.
	require.NoError(t, st.UpdateLeadAnalysis(ctx, id, 55, "meh"))
	got, err = st.GetLead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CRMContacted, got.Status)
	assert.Equal(t, "meh", got.Summary)

	assert.ErrorIs(t, st.UpdateLeadSite(ctx, "missing", "x"), ErrNotFound)
	_, err = st.GetLead(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_AddLeadAudit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	leads, err := st.UpsertLeads(ctx, []model.Lead{{PlaceID: "p1", Name: "A"}})
	require.NoError(t, err)

	audit := &model.LeadAudit{
		LeadID:         leads[0].ID,
		RunID:          "run-1",
		Score:          30,
		Summary:        "no https",
		Problems:       []string{"no https", "slow"},
		CriteriaScores: map[string]int{"speed": 2},
		SiteType:       model.SiteTypeCustom,
	}
	require.NoError(t, st.AddLeadAudit(ctx, audit))
	assert.NotEmpty(t, audit.ID)

	var n int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lead_audits WHERE lead_id = ?`, leads[0].ID).Scan(&n))
	assert.Equal(t, 1, n)
}
