package commands

import (
	"fmt"
	"sort"

	"github.com/pterm/pterm"

	"github.com/AITrekker/Jarvis/pulse"
)

// CLIEmitter outputs pretty-printed progress to terminal using pterm
type CLIEmitter struct {
	verbosity int
}

// NewCLIEmitter creates a CLI progress emitter for terminal output
func NewCLIEmitter(verbosity int) *CLIEmitter {
	return &CLIEmitter{verbosity: verbosity}
}

// EmitStage prints a stage announcement to terminal
func (e *CLIEmitter) EmitStage(stage string, message string) {
	pterm.Printf("🔄 %s: %s\n", pterm.LightCyan(stage), message)
}

// EmitProgress prints how many fragments have been appended so far
func (e *CLIEmitter) EmitProgress(count int, metadata map[string]interface{}) {
	if e.verbosity < 1 {
		return
	}
	if lines, ok := metadata["lines"]; ok {
		pterm.Printf("✅ Appended %s fragments from %v lines\n", pterm.Green(fmt.Sprintf("%d", count)), lines)
		return
	}
	pterm.Printf("✅ Appended %s fragments\n", pterm.Green(fmt.Sprintf("%d", count)))
}

// EmitComplete prints completion summary
func (e *CLIEmitter) EmitComplete(summary map[string]interface{}) {
	pterm.Success.Println("Input finished")
	keys := make([]string, 0, len(summary))
	for key := range summary {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pterm.Printf("  %s: %v\n", key, summary[key])
	}
}

// EmitError prints an error
func (e *CLIEmitter) EmitError(stage string, err error) {
	pterm.Error.Printf("Error in %s: %v\n", stage, err)
}

// EmitInfo prints informational message
func (e *CLIEmitter) EmitInfo(message string) {
	if e.verbosity >= 1 {
		pterm.Info.Println(message)
	}
}

var _ pulse.ProgressEmitter = (*CLIEmitter)(nil)
