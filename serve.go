package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/workspace/session-broker/internal/auth"
	"github.com/workspace/session-broker/internal/config"
	"github.com/workspace/session-broker/internal/generator"
	"github.com/workspace/session-broker/internal/idle"
	"github.com/workspace/session-broker/internal/logging"
	"github.com/workspace/session-broker/internal/persistence"
	"github.com/workspace/session-broker/internal/provisioner"
	"github.com/workspace/session-broker/internal/registry"
	"github.com/workspace/session-broker/internal/server"
	"github.com/workspace/session-broker/internal/session"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newReconcileCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Tear down sessions left running by a previous process and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			app, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer app.close()

			res, err := app.orch.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled: %d terminated, %d failed\n", res.Terminated, res.Failed)
			return nil
		},
	}
}

// loadConfig loads configuration and sets up logging from it.
func loadConfig(configFile string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg, nil
}

// app holds the wired components.
type app struct {
	cfg     *config.Config
	store   *persistence.Store
	conns   *registry.Registry
	tracker *idle.Tracker
	orch    *session.Orchestrator
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close persistence store", "error", err)
	}
}

func buildApp(cfg *config.Config) (*app, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	gen, err := newGenerator(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	prov := provisioner.NewDocker(provisioner.DockerConfig{
		Binary:       cfg.DockerBinary,
		Image:        cfg.EnvironmentImage,
		VNCPassword:  cfg.VNCPassword,
		BindHost:     cfg.DockerBindHost,
		PublicHost:   cfg.PublicHost,
		ReadyTimeout: cfg.EnvironmentReadyTimeout,
		Logger:       logging.For("provisioner"),
	})

	conns := registry.New(registry.Config{
		MaxPerSession: cfg.MaxConnectionsPerSession,
		SendTimeout:   cfg.SendTimeout,
		Logger:        logging.For("registry"),
	})
	tracker := idle.NewTracker(cfg.IdleTimeout)

	orch := session.New(session.Config{
		ContextWindow: cfg.ContextWindow,
		RelayTimeout:  cfg.RelayTimeout,
		DrainTimeout:  cfg.RelayDrainTimeout,
		Tools:         []generator.Tool{generator.ComputerTool()},
	}, session.Deps{
		Store:       store,
		Provisioner: prov,
		Generator:   gen,
		Connections: conns,
		Tracker:     tracker,
		Logger:      logging.For("session"),
	})

	return &app{cfg: cfg, store: store, conns: conns, tracker: tracker, orch: orch}, nil
}

func newGenerator(cfg *config.Config) (generator.Generator, error) {
	switch cfg.Generator {
	case config.GeneratorAnthropic:
		return generator.NewAnthropic(generator.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			BaseURL:   cfg.AnthropicBaseURL,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.AnthropicMaxTokens,
			System:    cfg.SystemPrompt,
			Logger:    logging.For("generator"),
		}), nil
	case config.GeneratorACP:
		return generator.NewACP(generator.ACPConfig{
			Binary:      cfg.DockerBinary,
			Command:     cfg.ACPCommand,
			Args:        cfg.ACPArgs,
			InitTimeout: cfg.ACPInitTimeout,
			Logger:      logging.For("generator"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator %q", cfg.Generator)
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.orch.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile orphaned sessions: %w", err)
	}
	if res.Terminated > 0 || res.Failed > 0 {
		slog.Info("Reconciled sessions from a previous run", "terminated", res.Terminated, "failed", res.Failed)
	}

	var validator *auth.JWTValidator
	if cfg.AuthEnabled() {
		validator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return err
		}
	}

	srv := server.New(cfg, server.Deps{
		Orchestrator: a.orch,
		Registry:     a.conns,
		Validator:    validator,
		Logger:       logging.For("server"),
	})
	reaper := idle.NewReaper(a.tracker, a.orch, cfg.IdleCheckInterval, logging.For("idle"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down", "cause", context.Cause(gctx))

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		reaper.Stop()
		if err := srv.Stop(sctx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
		a.orch.Shutdown(sctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("Session broker stopped")
	return nil
}
