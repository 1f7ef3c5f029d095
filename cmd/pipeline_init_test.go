package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/notify"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
)

// testConfig returns a config that passes validation for every mode, backed
// by sqlite and a sites directory under t.TempDir().
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store:  config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "test.db")},
		Server: config.ServerConfig{Port: 8080},
		Pipeline: config.PipelineConfig{
			DefaultMaxResults: 10,
			SearchCap:         60,
			ClassifyWorkers:   2,
			AnalyzeWorkers:    2,
			MessageWorkers:    1,
			SiteBatchSize:     2,
			GoodScore:         8,
			SendIntervalSecs:  4,
		},
		Continuation: config.ContinuationConfig{Driver: "local", LocalWorkers: 1, LocalBuffer: 4},
		Queue:        config.QueueConfig{Backend: "gochannel", TopicPrefix: "test.continue"},
		Google:       config.GoogleConfig{Key: "g-key", BaseURL: "http://127.0.0.1:1"},
		Anthropic:    config.AnthropicConfig{Key: "a-key", HaikuModel: "haiku", SonnetModel: "sonnet", MaxTokens: 1024},
		LLM:          config.LLMConfig{Generator: "anthropic", Language: "en"},
		Jina:         config.JinaConfig{BaseURL: "http://127.0.0.1:1"},
		Firecrawl:    config.FirecrawlConfig{BaseURL: "http://127.0.0.1:1"},
		Sites:        config.SitesConfig{Dir: filepath.Join(dir, "sites"), BaseURL: "http://localhost/sites"},
		WAHA:         config.WAHAConfig{BaseURL: "http://127.0.0.1:1"},
		Reaper:       config.ReaperConfig{StaleAfterMins: 20, MinIntervalSec: 60, Schedule: "*/5 * * * *"},
		RateLimit:    config.RateLimitConfig{MaxRetries: 3, ScheduleSecs: []int{30, 90, 180}, BreakerTrips: 5, BreakerResetS: 30},
	}
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	env := &pipelineEnv{}
	assert.NotPanics(t, func() { env.Close() })
}

func TestPipelineEnv_Close_ReverseOrder(t *testing.T) {
	var order []int
	env := &pipelineEnv{}
	env.onClose(func() error { order = append(order, 1); return nil })
	env.onClose(func() error { order = append(order, 2); return errors.New("boom") })
	env.onClose(func() error { order = append(order, 3); return nil })

	env.Close()
	assert.Equal(t, []int{3, 2, 1}, order)

	env.Close()
	assert.Len(t, order, 3, "closers run once")
}

func TestInitPipeline(t *testing.T) {
	cfg = testConfig(t)

	env, err := initPipeline(context.Background(), "run")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Store)
	require.NotNil(t, env.Orch)
	require.NotNil(t, env.Sites)
	assert.DirExists(t, cfg.Sites.Dir)
}

func TestInitPipeline_FailsValidation(t *testing.T) {
	cfg = testConfig(t)
	cfg.Google.Key = ""

	_, err := initPipeline(context.Background(), "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google.key is required")
}

func TestInitPipeline_FailsOnBadDriver(t *testing.T) {
	cfg = testConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := initPipeline(context.Background(), "run")
	require.Error(t, err)
}

func TestInitAdmin_NeedsNoKeys(t *testing.T) {
	cfg = testConfig(t)
	cfg.Google.Key = ""
	cfg.Anthropic.Key = ""

	env, err := initAdmin(context.Background())
	require.NoError(t, err)
	defer env.Close()

	stats, err := env.Orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	n, err := env.Orch.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInitNotifier_DisabledWithoutToken(t *testing.T) {
	cfg = testConfig(t)
	assert.IsType(t, notify.Nop{}, initNotifier())
}

func TestInitGate_MemoryWithoutRedis(t *testing.T) {
	cfg = testConfig(t)
	g := initGate(context.Background(), &pipelineEnv{})
	assert.IsType(t, &pipeline.MemoryGate{}, g)
}

func TestInitContinuation_Drivers(t *testing.T) {
	for _, driver := range []string{"local", "http", "queue"} {
		t.Run(driver, func(t *testing.T) {
			cfg = testConfig(t)
			cfg.Continuation.Driver = driver
			cfg.Continuation.BaseURL = "http://127.0.0.1:1"

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			env, err := initPipeline(ctx, "serve")
			require.NoError(t, err)
			defer env.Close()

			require.NoError(t, initContinuation(ctx, env, true))
		})
	}
}

func TestInitContinuation_UnsupportedDriver(t *testing.T) {
	cfg = testConfig(t)
	cfg.Continuation.Driver = "carrier-pigeon"

	env, err := initAdmin(context.Background())
	require.NoError(t, err)
	defer env.Close()

	err = initContinuation(context.Background(), env, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported continuation driver")
}
