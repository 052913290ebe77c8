package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/AITrekker/Jarvis/errors"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/storage"
	"github.com/AITrekker/Jarvis/sym"
)

// LsCmd lists window results by time
var LsCmd = &cobra.Command{
	Use:   "ls",
	Short: sym.Prefix("ls") + "List window summaries by time",
	Long: sym.AX + ` ax - List window summaries whose windows start within a time range

Examples:
  jarvis ls                                   # Last 24 hours
  jarvis ls --since 2h
  jarvis ls --from 2026-10-19T09:00:00Z --to 2026-10-19T12:00:00Z --format json`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

var (
	lsSince  time.Duration
	lsFrom   string
	lsTo     string
	lsFormat string
)

func init() {
	LsCmd.Flags().DurationVar(&lsSince, "since", 24*time.Hour, "List windows from this long ago until now")
	LsCmd.Flags().StringVar(&lsFrom, "from", "", "Range start (RFC3339), overrides --since")
	LsCmd.Flags().StringVar(&lsTo, "to", "", "Range end (RFC3339, default now)")
	LsCmd.Flags().StringVar(&lsFormat, "format", "table", "Output format: table, json, yaml")
}

func runLs(cmd *cobra.Command, args []string) error {
	from, to, err := lsRange(time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	results := storage.NewResultStore(database, cfg.Pulse.PruneFragmentLog, logger.Logger)
	found, err := results.QueryByTimeRange(cmd.Context(), from, to)
	if err != nil {
		return err
	}
	return printResults(viewsOf(found), lsFormat)
}

// lsRange resolves the --from/--to/--since flags against now
func lsRange(now time.Time) (time.Time, time.Time, error) {
	to := now
	if lsTo != "" {
		t, err := time.Parse(time.RFC3339, lsTo)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "--to: %v", err)
		}
		to = t
	}

	from := to.Add(-lsSince)
	if lsFrom != "" {
		t, err := time.Parse(time.RFC3339, lsFrom)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "--from: %v", err)
		}
		from = t
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "range start %s is not before end %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}
