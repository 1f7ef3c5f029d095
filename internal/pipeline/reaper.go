package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

const reapKey = "reaper"

// Reap fails every running run whose last update is older than the stale
// window. It returns the number of runs reaped.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.staleAfter)
	stale, err := o.store.ListStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list stale runs")
	}

	reaped := 0
	for _, run := range stale {
		entry := model.ErrorEntry{
			At:      o.now(),
			Stage:   run.Stage,
			Step:    "reaper",
			Code:    model.CodeStaleTimeout,
			Message: fmt.Sprintf("no progress since %s (limit %s)", run.UpdatedAt.UTC().Format(time.RFC3339), o.staleAfter),
		}
		if err := o.store.FailRun(ctx, run.ID, entry); err != nil {
			if errors.Is(err, store.ErrRunNotActive) {
				continue
			}
			return reaped, eris.Wrapf(err, "pipeline: reap run %s", run.ID)
		}
		zap.L().Warn("pipeline: reaped stale run", zap.String("run_id", run.ID), zap.Time("updated_at", run.UpdatedAt))
		o.notify(ctx, run.ID)
		reaped++
	}
	return reaped, nil
}

// maybeReap runs Reap unless the gate says a sweep ran recently.
func (o *Orchestrator) maybeReap(ctx context.Context) {
	if o.gate != nil && o.reapEvery > 0 {
		ok, err := o.gate.Allow(ctx, reapKey, o.reapEvery)
		if err != nil {
			zap.L().Warn("pipeline: reaper gate unavailable", zap.Error(err))
		}
		if !ok {
			return
		}
	}
	if _, err := o.Reap(ctx); err != nil {
		zap.L().Warn("pipeline: reap on list", zap.Error(err))
	}
}

// Gate admits at most one caller per key per interval.
type Gate interface {
	Allow(ctx context.Context, key string, every time.Duration) (bool, error)
}

// MemoryGate is a Gate local to one process.
type MemoryGate struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

// NewMemoryGate creates an in-process gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{next: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether key is open and, if so, closes it for every.
func (g *MemoryGate) Allow(_ context.Context, key string, every time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Before(g.next[key]) {
		return false, nil
	}
	g.next[key] = now.Add(every)
	return true, nil
}

// RedisGate shares a Gate across replicas with SET NX and a TTL. When Redis
// is unreachable it admits the caller and reports the error.
type RedisGate struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGate connects to Redis and verifies the connection.
func NewRedisGate(ctx context.Context, cfg config.RedisConfig) (*RedisGate, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "pipeline: connect redis %s", cfg.Addr)
	}
	return newRedisGate(client), nil
}

func newRedisGate(client redis.UniversalClient) *RedisGate {
	return &RedisGate{client: client, prefix: "leadpipe:gate:"}
}

// Allow claims key for every.
func (g *RedisGate) Allow(ctx context.Context, key string, every time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), every).Result()
	if err != nil {
		return true, eris.Wrap(err, "pipeline: redis gate")
	}
	return ok, nil
}

// Close releases the Redis connection.
func (g *RedisGate) Close() error {
	return g.client.Close()
}
