package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/samber/do/v2"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rss_relay/internal/api"
	"rss_relay/internal/broker"
	"rss_relay/internal/config"
	"rss_relay/internal/pipeline"
	"rss_relay/internal/scheduler"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Deliver new feed articles to their destinations",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.AddCommand(checkConfigCmd(&configPath))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d scheduled feeds\n", len(cfg.Feeds))
			return nil
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	injector := setupDI(ctx, cfg, log)
	defer shutdownDI(injector, log)

	orch, err := do.Invoke[*pipeline.Orchestrator](injector)
	if err != nil {
		return err
	}
	bus, err := do.Invoke[broker.Bus](injector)
	if err != nil {
		return err
	}
	server, err := do.Invoke[*api.Server](injector)
	if err != nil {
		return err
	}
	sched, err := do.Invoke[*scheduler.Scheduler](injector)
	if err != nil {
		return err
	}

	if err := orch.Register(ctx, bus); err != nil {
		return err
	}

	log.Info("starting relay", "http_addr", cfg.HTTPAddr, "scheduled_feeds", len(cfg.Feeds))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	err = g.Wait()

	log.Info("relay stopped")
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	text := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	errs := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(slogmulti.Fanout(text, errs))
}
