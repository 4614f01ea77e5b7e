package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"rss_relay/internal/config"
	"rss_relay/migrations"
)

type action func(ctx context.Context, p *goose.Provider, out io.Writer) error

func main() {
	var (
		configPath string
		dbPath     string
	)

	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the relay database schema",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file to read database_path from")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to sqlite database (overrides config)")

	commands := []struct {
		use, short string
		run        action
	}{
		{"up", "Migrate to the latest version", up},
		{"up-one", "Migrate one version up", upOne},
		{"down", "Roll back one version", down},
		{"status", "Show migration status", status},
		{"version", "Show current version", version},
		{"reset", "Roll back all migrations", reset},
	}
	for _, c := range commands {
		rootCmd.AddCommand(&cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := resolvePath(configPath, dbPath)
				if err != nil {
					return err
				}
				return withProvider(path, func(p *goose.Provider) error {
					return c.run(cmd.Context(), p, cmd.OutOrStdout())
				})
			},
		})
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolvePath(configPath, dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.DatabasePath, nil
}

func withProvider(path string, fn func(*goose.Provider) error) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}
	return fn(p)
}

func printResults(out io.Writer, results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "no migrations applied")
		return
	}
	for _, r := range results {
		fmt.Fprintln(out, r)
	}
}

func up(ctx context.Context, p *goose.Provider, out io.Writer) error {
	results, err := p.Up(ctx)
	printResults(out, results)
	return err
}

func upOne(ctx context.Context, p *goose.Provider, out io.Writer) error {
	r, err := p.UpByOne(ctx)
	if r != nil {
		printResults(out, []*goose.MigrationResult{r})
	}
	return err
}

func down(ctx context.Context, p *goose.Provider, out io.Writer) error {
	r, err := p.Down(ctx)
	if r != nil {
		printResults(out, []*goose.MigrationResult{r})
	}
	return err
}

func reset(ctx context.Context, p *goose.Provider, out io.Writer) error {
	results, err := p.DownTo(ctx, 0)
	printResults(out, results)
	return err
}

func status(ctx context.Context, p *goose.Provider, out io.Writer) error {
	statuses, err := p.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	for _, s := range statuses {
		applied := "pending"
		if s.State == goose.StateApplied {
			applied = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(out, "%-20s %s\n", applied, s.Source.Path)
	}
	return nil
}

func version(ctx context.Context, p *goose.Provider, out io.Writer) error {
	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	fmt.Fprintf(out, "version %d\n", v)
	return nil
}
