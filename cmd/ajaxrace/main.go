// ajaxrace - event race detection for AJAX pages.
// Observes every event handler of a simulated site, plans the pairs whose
// asynchronous effects may conflict and replays each pair in a synchronous
// and an adverse order.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/fixture"
	"github.com/ajaxrace/ajaxrace/pkg/metrics"
	"github.com/ajaxrace/ajaxrace/pkg/runner"
	"github.com/ajaxrace/ajaxrace/pkg/store"
	"github.com/ajaxrace/ajaxrace/pkg/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	configFile string
	verbose    bool
	logFormat  string
	noStore    bool
	quiet      bool
	logMetrics bool
)

// Set up by the root command before any subcommand runs.
var (
	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
	exporter metrics.Exporter = metrics.Noop{}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ajaxrace",
	Short: "ajaxrace - find event races in AJAX pages",
	Long: `ajaxrace loads a site, records what every event handler does, and replays
pairs of handlers whose network responses may race.

Sites are YAML fixtures; the bundled ones are listed by "ajaxrace sites".`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if err := exporter.Close(); err != nil {
			return err
		}
		if shutdown != nil {
			return shutdown(context.Background())
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noStore, "no-store", false, "Do not persist results")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	rootCmd.PersistentFlags().BoolVar(&logMetrics, "metrics", false, "Log run metrics when the command finishes")
}

func setup(cmd *cobra.Command, args []string) error {
	m := config.NewManager()
	if err := m.Load(configFile); err != nil {
		return err
	}
	cfg = m.Get()
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger = newLogger(cfg.Log)
	slog.SetDefault(logger)
	if logMetrics {
		exporter = metrics.NewLogMetrics(metrics.WithLogger(logger))
	}

	var err error
	shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	logger.Debug("configuration loaded", "paths", m.GetPaths())
	return nil
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nInterrupted, stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// openStore opens the configured store, or returns nil with --no-store.
func openStore(ctx context.Context) (store.Backend, error) {
	if noStore {
		return nil, nil
	}
	return store.Open(ctx, cfg.Store, logger)
}

func loadSite(name string) (*fixture.Fixture, error) {
	return fixture.Resolve(name)
}

func newRunner(b store.Backend, progress func(done, total int)) *runner.Runner {
	return runner.New(runner.Options{
		Config:   cfg,
		Store:    b,
		Logger:   logger,
		Metrics:  exporter,
		Progress: progress,
	})
}
