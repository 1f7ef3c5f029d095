package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

func clockAt(d time.Duration) Option {
	return WithClock(func() time.Time { return time.Now().Add(d) })
}

func TestReap_FailsStaleRuns(t *testing.T) {
	f := newFixture(t, clockAt(25*time.Minute))
	stale := f.createRun(t, model.RunConfig{})
	done := f.createRun(t, model.RunConfig{})
	require.NoError(t, f.store.CompleteRun(context.Background(), done.ID))

	n, err := f.orch.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.getRun(t, stale.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, model.LabelError, got.Stage)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, model.CodeStaleTimeout, got.Errors[0].Code)
	assert.Equal(t, "reaper", got.Errors[0].Step)
	assert.Contains(t, got.Errors[0].Message, "no progress since")

	assert.Equal(t, model.RunStatusCompleted, f.getRun(t, done.ID).Status)
	assert.Equal(t, []model.RunStatus{model.RunStatusFailed}, f.notify.runs)
}

func TestReap_LeavesFreshRuns(t *testing.T) {
	f := newFixture(t, clockAt(5*time.Minute))
	run := f.createRun(t, model.RunConfig{})

	n, err := f.orch.Reap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.RunStatusRunning, f.getRun(t, run.ID).Status)
}

func TestList_ReapsThroughGate(t *testing.T) {
	gate := NewMemoryGate()
	cfg := testConfig()
	cfg.Reaper.MinIntervalSec = 60

	st := newTestStore(t)
	o := New(cfg, st, Collaborators{}, WithGate(gate), clockAt(time.Hour))

	first := &model.Run{Niche: "bakery", City: "Austin"}
	require.NoError(t, st.CreateRun(context.Background(), first))

	runs, err := o.List(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)

	// The gate is closed for a minute, so the second sweep is skipped.
	second := &model.Run{Niche: "bakery", City: "Dallas"}
	require.NoError(t, st.CreateRun(context.Background(), second))
	_, err = o.List(context.Background(), store.RunFilter{})
	require.NoError(t, err)

	got, err := st.GetRun(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestMemoryGate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewMemoryGate()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Allow(ctx, "reaper", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Allow(ctx, "reaper", time.Minute)
	assert.False(t, ok)

	ok, _ = g.Allow(ctx, "other", time.Minute)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = g.Allow(ctx, "reaper", time.Minute)
	assert.True(t, ok)
}

func TestRedisGate_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	g := newRedisGate(client)
	t.Cleanup(func() { _ = g.Close() })

	ok, err := g.Allow(context.Background(), "reaper", time.Minute)
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestNewRedisGate_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisGate(ctx, config.RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
