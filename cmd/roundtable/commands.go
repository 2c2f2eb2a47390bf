package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/metrics"
	"github.com/tjfontaine/polyglot-roundtable/internal/pkg/config"
	"github.com/tjfontaine/polyglot-roundtable/internal/runtime"
	"github.com/tjfontaine/polyglot-roundtable/internal/server"
	"github.com/tjfontaine/polyglot-roundtable/internal/streams"
	"github.com/tjfontaine/polyglot-roundtable/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "roundtable",
		Short: "Round coordinator for multi-participant conversations",
		Long: `roundtable gates conversation rounds across several participants and a
moderator, and tells an orchestrator which participant to run next.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")

	root.AddCommand(
		newServeCmd(&configPath),
		newCheckConfigCmd(&configPath),
		newTimelineCmd(&configPath),
		newEventsCmd(&configPath),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	settings := runtime.SettingsFromConfig(cfg)
	registry := streams.NewRegistry(settings.Thresholds.WithDefaults().Stream)
	m := metrics.New(func() float64 { return float64(registry.Len()) })

	coord, err := runtime.New(
		runtime.WithLogger(logger),
		runtime.WithFileConfig(configPath),
		runtime.WithStorage(cfg.Storage),
		runtime.WithDirectEvents(),
		runtime.WithDispatch(cfg.Dispatch),
		runtime.WithStreamRegistry(registry),
		runtime.WithMetrics(m),
		runtime.WithSettings(settings),
		runtime.WithWatchdogInterval(cfg.Watchdog.Interval),
	)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	srv := server.New(coord, server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
		Metrics:        m.Handler(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("roundtable started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.String("dispatch", cfg.Dispatch.EffectiveMode()))

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server failed", slog.String("error", serveErr.Error()))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping roundtable...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown: %w", err))
	}

	logger.Info("roundtable shutdown complete")
	return serveErr
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config [thread-id...]",
		Short: "Validate the configuration and print thread rosters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: storage=%s dispatch=%s port=%d\n",
				cfg.Storage.Type, cfg.Dispatch.EffectiveMode(), cfg.Server.Port)

			ids := args
			if len(ids) == 0 {
				for _, t := range cfg.Threads {
					ids = append(ids, t.ID)
				}
			}
			for _, id := range ids {
				tc := cfg.Thread(id)
				fmt.Fprintf(out, "thread %q mode=%s web_search=%t\n", id, tc.Mode, tc.WebSearch)
				for i, p := range tc.Participants.Enabled() {
					fmt.Fprintf(out, "  %d. %s (%s)\n", i, p.ID, p.ModelRef)
				}
			}
			return nil
		},
	}
}

func newTimelineCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <thread-id>",
		Short: "Print the stored timeline of a thread as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOfflineCoordinator(cmd.Context(), *configPath, func(c *runtime.Coordinator) error {
				items, err := c.Timeline(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	}
}

func newEventsCmd(configPath *string) *cobra.Command {
	var (
		round int
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events <thread-id>",
		Short: "Print the lifecycle events of a thread as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := ports.EventListOptions{Limit: limit}
			if cmd.Flags().Changed("round") {
				opts.RoundNumber = &round
			}
			return withOfflineCoordinator(cmd.Context(), *configPath, func(c *runtime.Coordinator) error {
				events, err := c.Events(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), events)
			})
		},
	}
	cmd.Flags().IntVar(&round, "round", 0, "only events of this round")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	return cmd
}

// withOfflineCoordinator opens the configured store read-side, without
// dispatch or a watchdog, and runs fn against it.
func withOfflineCoordinator(ctx context.Context, configPath string, fn func(*runtime.Coordinator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	coord, err := runtime.New(
		runtime.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
		runtime.WithStaticConfig(cfg),
		runtime.WithStorage(cfg.Storage),
		runtime.WithSettings(runtime.SettingsFromConfig(cfg)),
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = coord.Shutdown(context.WithoutCancel(ctx))
	}()
	return fn(coord)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
