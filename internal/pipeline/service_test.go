package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

func TestStart_Validates(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Start(context.Background(), StartRequest{Niche: "  ", City: "Austin"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.orch.Start(context.Background(), StartRequest{Niche: "bakery"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStart_DefaultsAndSchedulesSearch(t *testing.T) {
	sched := &recordingScheduler{}
	f := newFixture(t, WithScheduler(sched))

	run, err := f.orch.Start(context.Background(), StartRequest{Niche: " bakery ", City: "Austin", Account: "sales"})
	require.NoError(t, err)

	assert.Equal(t, []model.Stage{model.StageSearch}, sched.hops)
	got := f.getRun(t, run.ID)
	assert.Equal(t, "bakery", got.Niche)
	assert.Equal(t, "sales", got.Account)
	assert.Equal(t, 10, got.Config.MaxResults)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, "searching", got.Stage)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, model.RunConfig{})

	require.NoError(t, f.orch.Cancel(context.Background(), run.ID))
	got := f.getRun(t, run.ID)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []model.RunStatus{model.RunStatusCancelled}, f.notify.runs)

	assert.ErrorIs(t, f.orch.Cancel(context.Background(), run.ID), ErrInvalidState)
	assert.ErrorIs(t, f.orch.Cancel(context.Background(), "missing"), store.ErrNotFound)
}

func TestLeads(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, model.RunConfig{})
	f.seedLeads(t, run, 2, model.LeadPending, nil)

	leads, err := f.orch.Leads(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, leads, 2)

	_, err = f.orch.Leads(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatsAndGet(t *testing.T) {
	f := newFixture(t)
	a := f.createRun(t, model.RunConfig{})
	b := f.createRun(t, model.RunConfig{})
	require.NoError(t, f.store.CancelRun(context.Background(), b.ID))

	stats, err := f.orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Cancelled)

	got, err := f.orch.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}
