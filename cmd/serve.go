package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/api"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
)

var (
	servePort     int
	serveNoWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run API and continuation endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := initContinuation(ctx, env, !serveNoWorker); err != nil {
			return err
		}

		reaper, err := startReaper(ctx, env.Orch, cfg.Reaper.Schedule)
		if err != nil {
			return err
		}
		defer reaper.Stop()

		handlers := api.NewHandlers(env.Orch, env.Store, api.Config{
			Secret:      cfg.Continuation.Secret,
			SitesDir:    env.Sites.Root(),
			CORSOrigins: cfg.Server.CORSOrigins,
		})
		defer handlers.Wait()

		return startServer(ctx, resolvePort(servePort, cfg.Server.Port), handlers.Router())
	},
}

// resolvePort returns the flag value when set, else the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves h until ctx is done, then shuts down gracefully.
func startServer(ctx context.Context, port int, h http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// startReaper schedules stale-run sweeps on a cron expression.
func startReaper(ctx context.Context, orch *pipeline.Orchestrator, schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := orch.Reap(ctx)
		if err != nil {
			zap.L().Warn("reaper sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			zap.L().Info("reaper failed stale runs", zap.Int("count", n))
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reaper schedule %q", schedule)
	}
	c.Start()
	return c, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "do not consume queue or temporal hops in this process")
	rootCmd.AddCommand(serveCmd)
}
