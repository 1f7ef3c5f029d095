package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/continuation"
	"github.com/sells-group/lead-pipeline/internal/extract"
	"github.com/sells-group/lead-pipeline/internal/filter"
	"github.com/sells-group/lead-pipeline/internal/llm"
	"github.com/sells-group/lead-pipeline/internal/messaging"
	"github.com/sells-group/lead-pipeline/internal/notify"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/search"
	"github.com/sells-group/lead-pipeline/internal/sites"
	"github.com/sells-group/lead-pipeline/internal/store"
	anthropicpkg "github.com/sells-group/lead-pipeline/pkg/anthropic"
	"github.com/sells-group/lead-pipeline/pkg/firecrawl"
	"github.com/sells-group/lead-pipeline/pkg/google"
	"github.com/sells-group/lead-pipeline/pkg/jina"
	"github.com/sells-group/lead-pipeline/pkg/waha"
)

// pipelineEnv holds the store, the orchestrator and everything that must be
// released when a command exits.
type pipelineEnv struct {
	Store   store.Store
	Orch    *pipeline.Orchestrator
	Sites   *sites.Dir
	closers []func() error
}

// onClose registers fn to run on Close, in reverse registration order.
func (pe *pipelineEnv) onClose(fn func() error) {
	pe.closers = append(pe.closers, fn)
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	pe.closers = nil
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the config for mode, opens the store and builds
// the orchestrator with every collaborator. Without a continuation driver
// stages run inline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	c, err := buildCollaborators(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Orch = pipeline.New(cfg, st, c, pipeline.WithGate(initGate(ctx, env)))
	return env, nil
}

// initAdmin opens the store and an orchestrator with no collaborators other
// than the notifier, enough for cancel, reap and read-only commands.
func initAdmin(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate("admin"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}
	env.Orch = pipeline.New(cfg, st, pipeline.Collaborators{Notifier: initNotifier()})
	return env, nil
}

func buildCollaborators(ctx context.Context, env *pipelineEnv) (pipeline.Collaborators, error) {
	googleClient := google.NewClient(cfg.Google.Key, google.WithBaseURL(cfg.Google.BaseURL))
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	jinaClient := jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))
	firecrawlClient := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))

	claude := llm.NewClaude(anthropicClient, cfg.Anthropic, cfg.LLM.Language)

	breakers := resilience.NewServiceBreakers(
		resilience.FromCircuitConfig(cfg.RateLimit.BreakerTrips, cfg.RateLimit.BreakerResetS),
	)
	extractOpts := []extract.Option{extract.WithBreakers(breakers), extract.WithJina(jinaClient)}
	if cfg.Firecrawl.Key != "" {
		extractOpts = append(extractOpts, extract.WithFirecrawl(firecrawlClient))
	}
	if cfg.Render.Enabled {
		timeout := time.Duration(cfg.Render.TimeoutSecs) * time.Second
		extractOpts = append(extractOpts, extract.WithRenderer(extract.NewChromeRenderer(timeout, cfg.Render.UserAgent)))
		zap.L().Info("headless render fallback enabled")
	}

	var generator pipeline.Generator = claude
	if cfg.LLM.Generator == "gemini" {
		gemini, err := llm.NewGemini(ctx, cfg.Gemini, cfg.LLM.Language)
		if err != nil {
			return pipeline.Collaborators{}, err
		}
		env.onClose(gemini.Close)
		generator = gemini
		zap.L().Info("gemini generator enabled", zap.String("model", cfg.Gemini.Model))
	}

	templates, err := llm.LoadTemplates(cfg.LLM.TemplatesPath)
	if err != nil {
		return pipeline.Collaborators{}, err
	}

	siteDir, err := sites.NewDir(cfg.Sites)
	if err != nil {
		return pipeline.Collaborators{}, err
	}
	env.Sites = siteDir

	wahaClient := waha.NewClient(cfg.WAHA.BaseURL, cfg.WAHA.Key)

	return pipeline.Collaborators{
		Searcher:   search.New(googleClient, cfg.Google),
		Classifier: filter.New(claude),
		Extractor:  extract.New(cfg.Render, extractOpts...),
		Scorer:     claude,
		Generator:  generator,
		Templates:  templates,
		Publisher:  siteDir,
		Transport:  messaging.NewWAHA(wahaClient, cfg.Pipeline.SendInterval()),
		Notifier:   initNotifier(),
	}, nil
}

// initNotifier returns the Telegram notifier, or a no-op when it is not
// configured or cannot start.
func initNotifier() pipeline.Notifier {
	if cfg.Telegram.Token == "" {
		return notify.Nop{}
	}
	tg, err := notify.NewTelegram(cfg.Telegram)
	if err != nil {
		zap.L().Warn("telegram notifier disabled", zap.Error(err))
		return notify.Nop{}
	}
	return tg
}

// initGate returns a Redis gate when redis.addr is set, else an in-process
// gate.
func initGate(ctx context.Context, env *pipelineEnv) pipeline.Gate {
	if cfg.Redis.Addr == "" {
		return pipeline.NewMemoryGate()
	}
	g, err := pipeline.NewRedisGate(ctx, cfg.Redis)
	if err != nil {
		zap.L().Warn("redis gate unavailable, using in-process gate", zap.Error(err))
		return pipeline.NewMemoryGate()
	}
	env.onClose(g.Close)
	return g
}

// initContinuation binds the configured continuation driver to the
// orchestrator. With consume set, queue and temporal consumers also run in
// this process until ctx is done.
func initContinuation(ctx context.Context, env *pipelineEnv, consume bool) error {
	cc := cfg.Continuation
	switch cc.Driver {
	case "", "local":
		local := continuation.NewLocal(env.Orch, cc.LocalWorkers, cc.LocalBuffer)
		local.Start(ctx)
		env.onClose(local.Close)
		env.Orch.SetScheduler(local)

	case "http":
		env.Orch.SetScheduler(continuation.NewHTTP(cc))

	case "queue":
		pub, sub, err := continuation.NewPubSub(cfg.Queue, continuation.NewWatermillLogger(zap.L()))
		if err != nil {
			return err
		}
		env.onClose(sub.Close)
		env.onClose(pub.Close)
		env.Orch.SetScheduler(continuation.NewQueue(pub, cfg.Queue.TopicPrefix))
		if consume {
			w := continuation.NewWorker(sub, cfg.Queue.TopicPrefix, env.Orch)
			go func() {
				if err := w.Run(ctx); err != nil {
					zap.L().Error("queue worker stopped", zap.Error(err))
				}
			}()
		}

	case "temporal":
		c, err := continuation.Dial(cfg.Temporal, continuation.NewTemporalLogger(zap.L()))
		if err != nil {
			return err
		}
		env.onClose(func() error { c.Close(); return nil })
		env.Orch.SetScheduler(continuation.NewTemporal(c, cfg.Temporal.TaskQueue))
		if consume {
			w := continuation.NewTemporalWorker(c, cfg.Temporal.TaskQueue, env.Orch)
			if err := w.Start(); err != nil {
				return eris.Wrap(err, "start temporal worker")
			}
			env.onClose(func() error { w.Stop(); return nil })
		}

	default:
		return eris.Errorf("unsupported continuation driver: %s", cc.Driver)
	}

	zap.L().Info("continuation driver ready", zap.String("driver", cc.Driver))
	return nil
}
