package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/artifact"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/internal/version"
	"github.com/GoCodeAlone/steward/orchestrator"
	"github.com/GoCodeAlone/steward/planner"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/provider/anthropic"
	"github.com/GoCodeAlone/steward/provider/mock"
	"github.com/GoCodeAlone/steward/server"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/taskmgr"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, newLogger(cfg.LogLevel))
	},
}

// loadConfig reads path, falling back to the defaults when the file does
// not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = config.DefaultConfig()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Type {
	case config.ProviderAnthropic:
		return anthropic.New(anthropic.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case config.ProviderMock, "":
		return mock.New(cfg.Responses...), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

func directory(agents []config.AgentConfig) *agent.Directory {
	infos := make([]agent.Info, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, agent.Info{
			ID:   a.ID,
			Name: a.Name,
			Personality: &agent.Personality{
				Name:         a.Name,
				Role:         a.Role,
				SystemPrompt: a.SystemPrompt,
			},
			Channels: a.Channels,
			IsLead:   a.IsLead,
		})
	}
	return agent.NewDirectory(infos...)
}

// serve wires every component and blocks until ctx is cancelled or a
// component fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting stewardd", "version", version.Version, "commit", version.Commit)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := task.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	bus := event.NewBus(logger)
	tasks := taskmgr.New(store, bus, logger)
	prov, err := newProvider(cfg.Provider)
	if err != nil {
		return err
	}
	artifacts := artifact.NewMemoryStore()
	dir := directory(cfg.Agents)
	transport := comms.NewInMemoryTransport()

	registry, err := executor.NewRegistry(executor.Deps{
		Provider:  prov,
		Tasks:     tasks,
		Artifacts: artifacts,
		Logger:    logger,
	}, executor.Builtins()...)
	if err != nil {
		return err
	}
	plan, err := planner.New(cfg.Planner.Policy, prov, logger)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Tasks:     tasks,
		Bus:       bus,
		Planner:   plan,
		Executors: registry,
		Transport: transport,
		Directory: dir,
		Artifacts: artifacts,
		Logger:    logger,
		MaxSteps:  cfg.Planner.MaxSteps,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Close() //nolint:errcheck

	team := agent.NewTeam(dir, transport, orch, logger,
		agent.WithTaskWork(tasks, prov, 0),
		agent.WithEvents(bus),
	)
	if err := team.Start(ctx); err != nil {
		return err
	}

	var sched *orchestrator.Scheduler
	if !cfg.Scheduler.Disabled {
		sched, err = orchestrator.NewScheduler(orch, cfg.Scheduler.Spec, logger)
		if err != nil {
			_ = team.Stop(ctx)
			return err
		}
		sched.Start(ctx)
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetTaskService(tasks)
	srv.SetAgents(team)
	srv.SetProjectStates(orch)
	srv.SetTransport(transport)
	srv.SetEvents(bus)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if sched != nil {
			errs = append(errs, sched.Stop(shutdownCtx))
		}
		errs = append(errs, srv.Stop(shutdownCtx), team.Stop(shutdownCtx))
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
