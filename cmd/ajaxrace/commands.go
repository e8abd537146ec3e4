package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajaxrace/ajaxrace/pkg/config"
	"github.com/ajaxrace/ajaxrace/pkg/conflict"
	"github.com/ajaxrace/ajaxrace/pkg/fixture"
	"github.com/ajaxrace/ajaxrace/pkg/graph"
	"github.com/ajaxrace/ajaxrace/pkg/listener"
	"github.com/ajaxrace/ajaxrace/pkg/modes"
	"github.com/ajaxrace/ajaxrace/pkg/runner"
	"github.com/ajaxrace/ajaxrace/pkg/store"
	"github.com/ajaxrace/ajaxrace/pkg/tui"
	"github.com/ajaxrace/ajaxrace/pkg/watch"
)

// Command flags
var (
	manualFlag bool
	runIDFlag  string
	pairFlag   []string
	outputFlag string
	pruneFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run <site>",
	Short: "Observe a site and replay every conflicting pair",
	Long: `Run a full analysis: load the site, record a trace for every handler,
search the traces for likely AJAX conflicts and replay each conflicting pair
synchronously and adversely. A pair whose two replays end in different
documents is a race.

The site is the name of a bundled fixture or a path to a YAML fixture.

Examples:
  ajaxrace run demo
  ajaxrace run ./shop.yaml --manual
  ajaxrace run demo --no-store -q`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var observeCmd = &cobra.Command{
	Use:   "observe <site>",
	Short: "Record handler traces and plan the pairs to replay",
	Args:  cobra.ExactArgs(1),
	RunE:  runObserve,
}

var replayCmd = &cobra.Command{
	Use:   "replay <site>",
	Short: "Replay the planned pairs of a stored observation",
	Long: `Replay pairs planned by "ajaxrace observe". All planned pairs are replayed
unless --pair selects some.

Examples:
  ajaxrace replay demo --run 6f1c...
  ajaxrace replay demo --run 6f1c... --pair 0-1 --pair 2-2`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print a stored run",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored runs",
	RunE:  runRuns,
}

var dotCmd = &cobra.Command{
	Use:   "dot <run-id> <handler>",
	Short: "Write the event graph of an observed handler in DOT format",
	Long: `Write the event graph of an observed handler in Graphviz DOT format.
Mutations contained in another mutation of the same event are merged.
With --prune, events that do nothing and lead to nothing are left out.

Examples:
  ajaxrace dot 6f1c... 0 | dot -Tsvg > handler0.svg
  ajaxrace dot 6f1c... 2 --prune`,
	Args: cobra.ExactArgs(2),
	RunE: runDot,
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List bundled fixtures",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range fixture.Builtins() {
			f, err := fixture.Builtin(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %s\n", name, f.Description)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <fixture.yaml>",
	Short: "Rerun the analysis whenever a fixture file changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration, or save it with --output",
	RunE:  runConfig,
}

func init() {
	runCmd.Flags().BoolVar(&manualFlag, "manual", false, "Replay the fixture's manual handler sequence instead of discovering handlers")
	observeCmd.Flags().BoolVar(&manualFlag, "manual", false, "Replay the fixture's manual handler sequence instead of discovering handlers")

	replayCmd.Flags().StringVar(&runIDFlag, "run", "", "Run id of the observation (required)")
	replayCmd.Flags().StringArrayVar(&pairFlag, "pair", nil, "Pair id to replay (repeatable)")
	replayCmd.MarkFlagRequired("run")

	dotCmd.Flags().BoolVar(&pruneFlag, "prune", false, "Remove subtrees without actions")

	configCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Write the configuration to this file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(dotCmd)
	rootCmd.AddCommand(sitesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func manualSequence(f *fixture.Fixture) []listener.Identity {
	if !manualFlag {
		return nil
	}
	return f.Identities()
}

// progressBar returns a Progress callback driving a bar on stderr, or nil
// with --quiet.
func progressBar() func(done, total int) {
	if quiet {
		return nil
	}
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = tui.ShowProgress(os.Stderr, total, "replaying")
		}
		bar.Set(done)
		if done == total {
			bar.Finish()
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	site, err := loadSite(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	if b != nil {
		defer b.Close()
	}

	start := time.Now()
	rep, err := newRunner(b, progressBar()).Run(ctx, site, manualSequence(site))
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	tui.PrintReport(cmd.OutOrStdout(), rep, time.Since(start))
	return nil
}

func runObserve(cmd *cobra.Command, args []string) error {
	site, err := loadSite(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	if b != nil {
		defer b.Close()
	}

	obs, m, err := newRunner(b, nil).Observe(ctx, site, manualSequence(site))
	if err != nil {
		return fmt.Errorf("observation failed: %w", err)
	}
	tui.PrintObservation(cmd.OutOrStdout(), obs, m)
	return nil
}

// storeRequired opens the store for commands that read stored runs.
func storeRequired(ctx context.Context) (store.Backend, error) {
	if noStore {
		return nil, fmt.Errorf("this command reads stored runs and cannot be used with --no-store")
	}
	return openStore(ctx)
}

func selectPairs(all []modes.PairSpec, ids []string) ([]modes.PairSpec, error) {
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[string]modes.PairSpec, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}
	selected := make([]modes.PairSpec, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("pair %s was not planned in this run", id)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	site, err := loadSite(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	b, err := storeRequired(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	obs, err := store.LoadObservation(ctx, b, runIDFlag)
	if err != nil {
		return err
	}
	if obs.Site != site.Name() {
		return fmt.Errorf("run %s observed site %s, not %s", obs.RunID, obs.Site, site.Name())
	}
	pairs, err := selectPairs(obs.Pairs, pairFlag)
	if err != nil {
		return err
	}

	replays, err := newRunner(b, progressBar()).ReplayAll(ctx, site, obs.RunID, pairs)
	for _, r := range replays {
		tui.PrintReplay(cmd.OutOrStdout(), r)
	}
	return err
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := storeRequired(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	obs, err := store.LoadObservation(ctx, b, args[0])
	if err != nil {
		return err
	}
	_, m, err := conflict.Plan(obs.Traces, logger)
	if err != nil {
		return err
	}
	replays, err := store.ListReplays(ctx, b, obs.RunID)
	if err != nil {
		return err
	}
	tui.PrintReport(cmd.OutOrStdout(), &runner.Report{Observation: obs, Matrix: m, Replays: replays}, 0)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := storeRequired(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	runs, err := store.ListRuns(ctx, b)
	if err != nil {
		return err
	}
	tui.PrintRuns(cmd.OutOrStdout(), runs)
	return nil
}

func runDot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("handler must be an index: %w", err)
	}

	b, err := storeRequired(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	obs, err := store.LoadObservation(ctx, b, args[0])
	if err != nil {
		return err
	}
	if index < 0 || index >= len(obs.Traces) || obs.Traces[index].Trace == nil {
		return fmt.Errorf("run %s has no trace for handler %d", obs.RunID, index)
	}
	fmt.Fprint(cmd.OutOrStdout(), graph.Display(obs.Traces[index].Trace, pruneFlag).Dot())
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := fixture.Load(path); err != nil {
		return err
	}

	w, err := watch.NewWatcher(watch.WithLogger(logger))
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := signalContext()
	defer cancel()

	runs := 0
	w.OnChange = func(path string) error {
		runs++
		site, err := fixture.Load(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] Analyzing %s...\n", time.Now().Format("15:04:05"), site.Name())
		start := time.Now()
		rep, err := newRunner(nil, nil).Run(ctx, site, manualSequence(site))
		if err != nil {
			return err
		}
		tui.PrintReport(cmd.OutOrStdout(), rep, time.Since(start))
		return nil
	}
	w.OnError = func(path string, err error) {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s] Error: %v\n", time.Now().Format("15:04:05"), err)
	}

	if err := w.Watch(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
	fmt.Fprintln(cmd.OutOrStdout())

	if err := w.OnChange(path); err != nil {
		w.OnError(path, err)
	}

	err = w.Run(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped watching (%d analyses)\n", runs)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runConfig(cmd *cobra.Command, args []string) error {
	if outputFlag != "" {
		m := config.NewManager()
		if err := m.Load(configFile); err != nil {
			return err
		}
		if err := m.Save(outputFlag); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", outputFlag)
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
