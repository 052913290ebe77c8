package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AITrekker/Jarvis/cmd/jarvis/commands"
	"github.com/AITrekker/Jarvis/logger"
	"github.com/AITrekker/Jarvis/sym"
)

var rootCmd = &cobra.Command{
	Use:   "jarvis",
	Short: "Jarvis - transcript windowing, summaries and search",
	Long: `Jarvis - turns a stream of transcribed speech into searchable summaries.

Fragments are grouped into fixed time windows. When a window closes it is
summarized and embedded by a local model, and the result is stored.

Available commands:
  ` + sym.Pulse + ` pulse   - Run the windowing daemon, replay or list failed windows
  ` + sym.SE + ` search  - Semantic search over window summaries
  ` + sym.AX + ` ls      - List window summaries by time
  ` + sym.AM + ` am      - Manage configuration ("I am")

Examples:
  jarvis pulse start --input -     # Read JSON-lines fragments from stdin
  jarvis search "launch date"      # Find windows about a topic
  jarvis ls --since 24h            # Summaries from the last day
  jarvis am show                   # Show current configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.InitLogging(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.SearchCmd)
	rootCmd.AddCommand(commands.LsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.FormatError(err))
		os.Exit(1)
	}
}
