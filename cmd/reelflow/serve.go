package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/reelflow/internal/catalog"
	"github.com/rendis/reelflow/internal/engine"
	"github.com/rendis/reelflow/internal/isolation"
	"github.com/rendis/reelflow/internal/logging"
	"github.com/rendis/reelflow/internal/memory"
	"github.com/rendis/reelflow/internal/pipeline"
	"github.com/rendis/reelflow/internal/promptsvc"
	"github.com/rendis/reelflow/internal/render"
	"github.com/rendis/reelflow/internal/scheduler"
	"github.com/rendis/reelflow/internal/validation"
	"github.com/rendis/reelflow/pkg/mcp"
)

func newServeCmd(a *app) *cobra.Command {
	var noMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the MCP control server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a, noMCP)
		},
	}
	f := cmd.Flags()
	f.Duration("tick-interval", 0, "scheduler scan interval")
	f.Int("pool-size", 0, "max concurrent runs (0 = unbounded)")
	f.String("render-url", "", "render backend base URL")
	f.String("ai-url", "", "prompt service base URL")
	f.String("output-dir", "", "default output folder")
	f.BoolVar(&noMCP, "no-mcp", false, "run the scheduler only, without the stdio MCP server")
	_ = a.v.BindPFlag("tick_interval", f.Lookup("tick-interval"))
	_ = a.v.BindPFlag("pool_size", f.Lookup("pool-size"))
	_ = a.v.BindPFlag("render.url", f.Lookup("render-url"))
	_ = a.v.BindPFlag("ai.url", f.Lookup("ai-url"))
	_ = a.v.BindPFlag("output_dir", f.Lookup("output-dir"))
	return cmd
}

// services is the wired object graph behind serve.
type services struct {
	scheduler *scheduler.Scheduler
	memory    *memory.Memory
	render    *render.Client
	close     func() error
}

func buildServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*services, error) {
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		st.Close()
		return nil, err
	}
	defs := catalog.New(st, validator, logger)

	renderClient := render.NewClient(render.Config{BaseURL: cfg.Render.URL, RequestTimeout: cfg.Render.RequestTimeout}, logger)
	prompts := promptsvc.NewClient(promptsvc.Config{BaseURL: cfg.AI.URL, Timeout: cfg.AI.Timeout}, logger)
	mem := memory.New(st, prompts, prompts, logger)

	pipe, err := pipeline.New(pipeline.Config{
		OutputDir:      cfg.OutputDir,
		WorkDir:        cfg.WorkDir,
		PollInterval:   cfg.Render.PollInterval,
		ImageTimeout:   cfg.Render.ImageTimeout,
		VideoTimeout:   cfg.Render.VideoTimeout,
		OutputNameExpr: cfg.OutputNameExpr,
	}, pipeline.Deps{
		Render:  renderClient,
		Prompts: prompts,
		Memory:  mem,
		Store:   st,
		Muxer: &pipeline.FFmpegMuxer{
			Path:     cfg.FFmpegPath,
			Timeout:  cfg.FFmpegTimeout,
			Isolator: isolation.New(),
			Logger:   logger,
		},
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	breaker := engine.NewCircuitBreakerRegistry(engine.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenMax:      1,
	})
	sched := scheduler.NewScheduler(st, defs, pipe, renderClient, scheduler.Config{
		TickInterval: cfg.TickInterval,
		PoolSize:     cfg.PoolSize,
		Breaker:      breaker,
	}, logger)

	return &services{
		scheduler: sched,
		memory:    mem,
		render:    renderClient,
		close:     st.Close,
	}, nil
}

func runServe(parent context.Context, a *app, noMCP bool) error {
	cfg := a.cfg
	if err := cfg.validateServe(); err != nil {
		return err
	}
	logger := a.logger

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	if _, err := svc.scheduler.RecoverStale(ctx); err != nil {
		return err
	}
	watchConfig(a, logger)

	if err := svc.scheduler.Start(ctx); err != nil {
		return err
	}
	logger.Info("reelflow serving",
		slog.String("db", cfg.DBPath),
		slog.String("render", cfg.Render.URL),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("mcp", !noMCP),
	)

	g, gctx := errgroup.WithContext(ctx)
	if !noMCP {
		srv := mcp.NewReelflowServer(mcp.ReelflowServerDeps{
			Scheduler: svc.scheduler,
			History:   svc.memory,
			Backend:   svc.render,
			Logger:    logger,
		})
		g.Go(func() error {
			// stdin closing means the client is gone; shut everything down.
			defer stop()
			if err := srv.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return svc.scheduler.Stop()
	})
	return g.Wait()
}

// watchConfig applies log level changes from the settings file while the
// server runs. Other changes are reported and need a restart.
func watchConfig(a *app, logger *slog.Logger) {
	current := a.cfg
	a.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decodeConfig(a.v)
		if err != nil {
			logger.Warn("ignoring invalid settings change", slog.String("file", e.Name), slog.String("error", err.Error()))
			return
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			a.level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
		}
		current = next
	})
	a.v.WatchConfig()
}
