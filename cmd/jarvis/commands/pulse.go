package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/AITrekker/Jarvis/ai/tracker"
	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/ixgest"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/pulse"
	"github.com/AITrekker/Jarvis/storage"
	"github.com/AITrekker/Jarvis/sym"
	"github.com/AITrekker/Jarvis/window"
)

// PulseCmd represents the pulse command - the windowing daemon and its maintenance tools
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Prefix("pulse") + "Run the windowing daemon",
	Long: sym.Pulse + ` Pulse daemon - transcript windowing and processing.

The Pulse daemon:
- Groups incoming fragments into fixed time windows
- Closes each window once its end plus the close delay has passed
- Summarizes and embeds closed windows, at most K at a time
- Retries transient failures with exponential backoff
- Recovers unfinished windows from the fragment journal on restart

Example:
  jarvis pulse start --input -          # Read JSON-lines fragments from stdin
  jarvis pulse failed                   # List windows that exhausted their retries
  jarvis pulse replay 20261019T140000Z  # Reprocess a failed window`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

Fragments are read as JSON lines from --input ("-" for stdin):
  {"text": "hello there", "start": "2026-10-19T14:00:03Z", "end": "2026-10-19T14:00:05Z"}

The daemon runs until interrupted (Ctrl+C). In-flight windows get
pulse.shutdown_grace_period to finish; anything left is recovered on the
next start.`,
	RunE: runPulseStart,
}

var pulseReplayCmd = &cobra.Command{
	Use:   "replay <window-id>",
	Short: "Reprocess a failed window from its journaled fragments",
	Args:  cobra.ExactArgs(1),
	RunE:  runPulseReplay,
}

var pulseFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List windows that exhausted their retries",
	RunE:  runPulseFailed,
}

var pulseUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show summarization and embedding call statistics",
	RunE:  runPulseUsage,
}

var (
	pulseInput     string
	pulseExitOnEOF bool
	usageSince     time.Duration
	usageWindow    string
)

func init() {
	PulseStartCmd.Flags().StringVar(&pulseInput, "input", "-", `JSON-lines fragment source: a file path or "-" for stdin`)
	PulseStartCmd.Flags().BoolVar(&pulseExitOnEOF, "exit-on-eof", false, "Shut down once the input is exhausted instead of waiting for a signal")
	pulseUsageCmd.Flags().DurationVar(&usageSince, "since", 24*time.Hour, "Only count calls newer than this")
	pulseUsageCmd.Flags().StringVar(&usageWindow, "window", "", "List every call made for one window id instead")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseReplayCmd)
	PulseCmd.AddCommand(pulseFailedCmd)
	PulseCmd.AddCommand(pulseUsageCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	in, closeInput, err := openInput(pulseInput)
	if err != nil {
		return err
	}
	defer closeInput()

	backends, err := pulse.LocalBackends(cfg)
	if err != nil {
		return err
	}

	// Window processing is not tied to the signal; Stop drains it with a grace period
	d, err := pulse.NewDaemon(context.Background(), cfg, database, backends, logger.Logger)
	if err != nil {
		return err
	}

	report := d.Recovery()
	fmt.Printf("%s Pulse daemon starting\n", sym.PulseOpen)
	fmt.Printf("  Window: %v (close delay %v)\n", cfg.Pulse.WindowDuration, cfg.Pulse.CloseDelay)
	fmt.Printf("  Concurrent windows: %d\n", cfg.Pulse.MaxConcurrentWindows)
	fmt.Printf("  Models: %s / %s\n", cfg.LocalInference.Model, cfg.LocalInference.EmbeddingModel)
	if len(report.Restored) > 0 {
		fmt.Printf("  Recovered %d unfinished window(s)\n", len(report.Restored))
	}

	d.Start()

	if watcher := startConfigWatcher(d); watcher != nil {
		defer func() {
			am.SetGlobalWatcher(nil)
			if err := watcher.Stop(); err != nil {
				logger.PulseWarnw("Failed to stop config watcher", logger.FieldError, err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	// A blocked stdin read does not observe ctx, so ingestion runs aside
	type ingestResult struct {
		stats ixgest.Stats
		err   error
	}
	ingested := make(chan ingestResult, 1)
	var progress pulse.ProgressEmitter = NewCLIEmitter(verbosity)
	if jsonLogs || cfg.Logging.JSON {
		progress = pulse.NewLogEmitter(logger.Logger)
	}
	reader := ixgest.NewJSONLReader(d, progress, logger.Logger)
	go func() {
		stats, err := reader.Ingest(ctx, in)
		ingested <- ingestResult{stats: stats, err: err}
	}()

	var ingestErr error
	select {
	case res := <-ingested:
		ingestErr = res.err
		if ingestErr != nil && ctx.Err() == nil {
			logger.PulseErrorw("Ingestion stopped", logger.FieldError, ingestErr)
		} else if !pulseExitOnEOF {
			<-ctx.Done()
		}
	case <-ctx.Done():
	}

	fmt.Printf("\n%s Initiating graceful shutdown...\n", sym.PulseClose)
	abandoned := d.Stop()

	_, metrics := d.Stats()
	fmt.Printf("%s Pulse daemon stopped (%d windows done, %d failed)\n", sym.PulseClose, metrics.WindowsDone, metrics.WindowsFailed)
	if len(abandoned) > 0 {
		fmt.Printf("  %d window(s) abandoned, they will be reprocessed on next start:\n", len(abandoned))
		for _, id := range abandoned {
			fmt.Printf("    %s\n", id)
		}
	}
	if ingestErr != nil && ctx.Err() == nil {
		return ingestErr
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open input %s", path)
	}
	return f, func() { f.Close() }, nil
}

// startConfigWatcher hot-reloads the highest-precedence config file into the
// running daemon. Nothing is watched for an explicit --config.
func startConfigWatcher(d *pulse.Daemon) *am.ConfigWatcher {
	if configFile != "" {
		return nil
	}
	files := am.LoadedFiles()
	if len(files) == 0 {
		return nil
	}
	path := files[len(files)-1]

	watcher, err := am.NewConfigWatcher(path, logger.Logger)
	if err != nil {
		logger.PulseWarnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(next *am.Config) error {
		if dbPath != "" {
			next.Database.Path = dbPath
		}
		return d.ApplyConfig(next)
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	logger.PulseInfow("Watching config for changes", "path", path)
	return watcher
}

func runPulseReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	backends, err := pulse.LocalBackends(cfg)
	if err != nil {
		return err
	}
	d, err := pulse.NewDaemon(context.Background(), cfg, database, backends, logger.Logger)
	if err != nil {
		return err
	}
	defer d.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := window.ID(args[0])
	if err := d.Replay(ctx, id); err != nil {
		return err
	}
	pterm.Success.Printf("Window %s done\n", id)
	return nil
}

func runPulseFailed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	windows := storage.NewWindowStore(database, logger.Logger)
	failed, err := windows.ListFailed(ctx)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		pterm.Info.Println("No failed windows")
		return nil
	}

	data := pterm.TableData{{"Window", "Start", "Attempts", "Fragments", "Last error"}}
	for _, rec := range failed {
		frags, err := windows.FragmentsFor(ctx, rec.ID)
		if err != nil {
			return err
		}
		data = append(data, []string{
			string(rec.ID),
			rec.Start.Local().Format(time.DateTime),
			fmt.Sprintf("%d", rec.Attempts),
			fmt.Sprintf("%d", len(frags)),
			truncate(rec.LastError, 60),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	fmt.Printf("\nReplay with: jarvis pulse replay <window>\n")
	return nil
}

func runPulseUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	since := time.Now().Add(-usageSince)
	usage := tracker.NewUsageTracker(database)
	if usageWindow != "" {
		return printWindowCalls(ctx, usage, usageWindow)
	}

	stats, err := usage.GetUsageStats(ctx, since)
	if err != nil {
		return err
	}
	fmt.Printf("%s Backend calls since %s\n", sym.Pulse, since.Format(time.DateTime))
	fmt.Printf("  Calls: %d (%.1f%% successful)\n", stats.TotalCalls, stats.SuccessRate*100)
	fmt.Printf("  Windows: %d\n", stats.Windows)
	fmt.Printf("  Average duration: %.0fms\n\n", stats.AvgDurationMs)

	breakdown, err := usage.GetOperationBreakdown(ctx, since)
	if err != nil {
		return err
	}
	if len(breakdown) == 0 {
		return nil
	}
	data := pterm.TableData{{"Operation", "Model", "Calls", "Failures", "Avg ms"}}
	for _, ob := range breakdown {
		data = append(data, []string{
			ob.Operation,
			ob.Model,
			fmt.Sprintf("%d", ob.Calls),
			fmt.Sprintf("%d", ob.Failures),
			fmt.Sprintf("%.0f", ob.AvgDurationMs),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printWindowCalls(ctx context.Context, usage *tracker.UsageTracker, id string) error {
	if _, err := window.ParseID(window.ID(id)); err != nil {
		return errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	calls, err := usage.CallsForWindow(ctx, id)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		fmt.Printf("%s No backend calls recorded for %s\n", sym.Pulse, id)
		return nil
	}

	data := pterm.TableData{{"Started", "Execution", "Operation", "Model", "ms", "Result"}}
	for _, c := range calls {
		result := "ok"
		if !c.Success {
			result = truncate(c.Err, 60)
		}
		data = append(data, []string{
			c.StartedAt.Local().Format(time.DateTime),
			truncate(c.ExecutionID, 8),
			c.Operation,
			c.Model,
			fmt.Sprintf("%d", c.Duration.Milliseconds()),
			result,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	return nil
}
